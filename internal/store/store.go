// Package store provides durable persistence for the alerting core: a
// mapping from (kind, id) to versioned JSON documents with conditional
// updates and secondary-index range scans.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/meshgov/warden/internal/models"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("store: record not found")
	// ErrAlreadyExists is returned by PutNew when the key is taken.
	ErrAlreadyExists = errors.New("store: record already exists")
	// ErrVersionMismatch is returned by Update when the record's version
	// differs from the expected one; the caller re-reads and replays.
	ErrVersionMismatch = errors.New("store: version mismatch")
	// ErrUnavailable wraps transport or backend failures. It is transient:
	// callers retry with backoff.
	ErrUnavailable = errors.New("store: unavailable")
)

// Index names a secondary index a Store must support.
type Index string

const (
	IndexAlertCorrelation Index = "alerts.correlation_key"
	IndexAlertStatus      Index = "alerts.status"
	IndexAlertCreated     Index = "alerts.created_at"
	IndexJobNotBefore     Index = "jobs.scheduled_not_before"
	IndexExecAlert        Index = "executions.alert_id"
)

// Query bounds an index scan. Equals applies to string-valued indexes; From
// (inclusive) and To (exclusive) apply to time-valued ones. A zero bound is
// unbounded. Limit <= 0 means no limit.
type Query struct {
	Equals string
	From   time.Time
	To     time.Time
	Limit  int
}

// ScanFunc receives one raw document per matching record. Returning
// ErrStopScan halts the scan without error.
type ScanFunc func(raw json.RawMessage) error

// ErrStopScan halts a scan early from a ScanFunc.
var ErrStopScan = errors.New("store: stop scan")

// Mutator is applied to the decoded record inside Update, between the
// version check and the conditional write.
type Mutator func(doc models.Document) error

// Store is the persistence capability. Guarantees are linearizable
// per-record; scans may miss records written after the scan started.
type Store interface {
	// Get decodes the record for (kind, id) into out.
	Get(ctx context.Context, kind models.Kind, id string, out models.Document) error

	// PutNew inserts a record, failing with ErrAlreadyExists if the key is
	// taken. The document's version is stamped to 1.
	PutNew(ctx context.Context, doc models.Document) error

	// Update decodes the current record into out, verifies its version
	// equals expected, applies mutate, bumps the version, and writes
	// conditionally. Returns ErrVersionMismatch if another writer interleaved.
	Update(ctx context.Context, kind models.Kind, id string, expected int64, out models.Document, mutate Mutator) error

	// ScanIndex iterates records matching the index query.
	ScanIndex(ctx context.Context, kind models.Kind, index Index, q Query, fn ScanFunc) error

	// ScanKind iterates every record of a kind.
	ScanKind(ctx context.Context, kind models.Kind, fn ScanFunc) error

	// DeleteExpired removes records created before the given cutoffs.
	// Constitutional records use constitutionalBefore, all others before.
	DeleteExpired(ctx context.Context, kind models.Kind, before, constitutionalBefore time.Time) (int64, error)

	// Close releases backend resources.
	Close() error
}

// indexColumn maps an index name to its backing column discriminator.
type indexColumn int

const (
	colCorrelation indexColumn = iota
	colStatus
	colCreatedAt
	colNotBefore
	colAlertID
)

// indexSpec describes where an index applies. Unknown (kind, index) pairs
// are a caller bug.
type indexSpec struct {
	kind models.Kind
	col  indexColumn
}

var indexSpecs = map[Index]indexSpec{
	IndexAlertCorrelation: {models.KindAlert, colCorrelation},
	IndexAlertStatus:      {models.KindAlert, colStatus},
	IndexAlertCreated:     {models.KindAlert, colCreatedAt},
	IndexJobNotBefore:     {models.KindJob, colNotBefore},
	IndexExecAlert:        {models.KindExecution, colAlertID},
}

// resolveIndex validates that the index applies to the kind.
func resolveIndex(kind models.Kind, index Index) (indexSpec, error) {
	spec, ok := indexSpecs[index]
	if !ok {
		return indexSpec{}, errors.New("store: unknown index " + string(index))
	}
	if spec.kind != kind {
		return indexSpec{}, errors.New("store: index " + string(index) + " does not apply to kind " + string(kind))
	}
	return spec, nil
}
