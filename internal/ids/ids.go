// Package ids mints collision-resistant identifiers for the alerting core.
// Long-lived entities get UUIDs; high-volume records (notification jobs,
// remediation executions) get ULIDs so store scans order naturally by
// creation time.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/meshgov/warden/internal/models"
)

// Minter yields new identifiers for a record kind. Implementations must be
// safe for concurrent use.
type Minter interface {
	New(kind models.Kind) string
}

// Generator is the default Minter backed by crypto/rand.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewGenerator returns a Generator using wall-clock time for ULID stamps.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// New implements Minter.
func (g *Generator) New(kind models.Kind) string {
	switch kind {
	case models.KindJob, models.KindExecution:
		g.mu.Lock()
		defer g.mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
	default:
		return uuid.NewString()
	}
}
