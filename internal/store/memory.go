package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshgov/warden/internal/models"
)

// stored is one record held by the memory store. Documents are kept
// serialized so callers never share pointers with the store.
type stored struct {
	raw     []byte
	version int64
	idx     models.IndexValues
}

// Memory is an in-memory Store with the same semantics as the SQLite
// implementation. It backs tests and embedded deployments.
type Memory struct {
	mu      sync.RWMutex
	records map[models.Kind]map[string]*stored

	failMu   sync.Mutex
	failWith error
	failFor  int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[models.Kind]map[string]*stored),
	}
}

// FailNext makes the next n operations return the given error, simulating an
// unavailable backend. Used by tests exercising degraded handling.
func (m *Memory) FailNext(n int, err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failFor = n
	m.failWith = err
}

func (m *Memory) injectedError() error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if m.failFor > 0 {
		m.failFor--
		return m.failWith
	}
	return nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, kind models.Kind, id string, out models.Document) error {
	if err := m.injectedError(); err != nil {
		return err
	}
	m.mu.RLock()
	rec, ok := m.records[kind][id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	return json.Unmarshal(rec.raw, out)
}

// PutNew implements Store.
func (m *Memory) PutNew(ctx context.Context, doc models.Document) error {
	if err := m.injectedError(); err != nil {
		return err
	}
	kind, id := doc.DocKind(), doc.DocID()

	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.records[kind]
	if !ok {
		byID = make(map[string]*stored)
		m.records[kind] = byID
	}
	if _, exists := byID[id]; exists {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, kind, id)
	}

	doc.SetDocVersion(1)
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", kind, id, err)
	}
	byID[id] = &stored{raw: raw, version: 1, idx: doc.DocIndexes()}
	return nil
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, kind models.Kind, id string, expected int64, out models.Document, mutate Mutator) error {
	if err := m.injectedError(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[kind][id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	if rec.version != expected {
		return fmt.Errorf("%w: %s/%s have %d want %d", ErrVersionMismatch, kind, id, rec.version, expected)
	}
	if err := json.Unmarshal(rec.raw, out); err != nil {
		return fmt.Errorf("store: decode %s/%s: %w", kind, id, err)
	}
	if err := mutate(out); err != nil {
		return err
	}
	out.SetDocVersion(expected + 1)
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", kind, id, err)
	}
	rec.raw = raw
	rec.version = expected + 1
	rec.idx = out.DocIndexes()
	return nil
}

// ScanIndex implements Store. Results are ordered by id for determinism.
func (m *Memory) ScanIndex(ctx context.Context, kind models.Kind, index Index, q Query, fn ScanFunc) error {
	if err := m.injectedError(); err != nil {
		return err
	}
	spec, err := resolveIndex(kind, index)
	if err != nil {
		return err
	}

	m.mu.RLock()
	matched := make([]json.RawMessage, 0)
	ids := sortedIDs(m.records[kind])
	for _, id := range ids {
		rec := m.records[kind][id]
		if matchesQuery(spec.col, rec.idx, q) {
			matched = append(matched, append(json.RawMessage(nil), rec.raw...))
			if q.Limit > 0 && len(matched) >= q.Limit {
				break
			}
		}
	}
	m.mu.RUnlock()

	for _, raw := range matched {
		if err := fn(raw); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

// ScanKind implements Store.
func (m *Memory) ScanKind(ctx context.Context, kind models.Kind, fn ScanFunc) error {
	if err := m.injectedError(); err != nil {
		return err
	}
	m.mu.RLock()
	raws := make([]json.RawMessage, 0, len(m.records[kind]))
	for _, id := range sortedIDs(m.records[kind]) {
		raws = append(raws, append(json.RawMessage(nil), m.records[kind][id].raw...))
	}
	m.mu.RUnlock()

	for _, raw := range raws {
		if err := fn(raw); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

// DeleteExpired implements Store.
func (m *Memory) DeleteExpired(ctx context.Context, kind models.Kind, before, constitutionalBefore time.Time) (int64, error) {
	if err := m.injectedError(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, rec := range m.records[kind] {
		cutoff := before
		if rec.idx.Constitutional {
			cutoff = constitutionalBefore
		}
		if !rec.idx.CreatedAt.IsZero() && rec.idx.CreatedAt.Before(cutoff) {
			delete(m.records[kind], id)
			removed++
		}
	}
	return removed, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func sortedIDs(byID map[string]*stored) []string {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func matchesQuery(col indexColumn, idx models.IndexValues, q Query) bool {
	switch col {
	case colCorrelation:
		return idx.CorrelationKey == q.Equals
	case colStatus:
		return idx.Status == q.Equals
	case colAlertID:
		return idx.AlertID == q.Equals
	case colCreatedAt:
		return inTimeRange(idx.CreatedAt, q)
	case colNotBefore:
		return inTimeRange(idx.NotBefore, q)
	}
	return false
}

// inTimeRange applies the half-open [From, To) bounds; zero bounds are open.
func inTimeRange(t time.Time, q Query) bool {
	if !q.From.IsZero() && t.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !t.Before(q.To) {
		return false
	}
	return true
}
