// Package dispatch delivers notification jobs over pluggable channel
// adapters with per-channel rate limits, retries, and delivery accounting.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshgov/warden/internal/models"
)

// OutcomeKind classifies a delivery attempt.
type OutcomeKind int

const (
	// Delivered means the channel accepted the message.
	Delivered OutcomeKind = iota
	// Transient means the attempt failed but may succeed if retried
	// (connect error, 5xx, rate limiting).
	Transient
	// Permanent means retrying cannot help (4xx, bad address, template
	// error).
	Permanent
)

// String implements fmt.Stringer for metrics labels.
func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Transient:
		return "transient"
	default:
		return "permanent"
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Channel is a notification transport adapter supplied by the host process.
// Send must complete or fail within the deadline carried by ctx.
type Channel interface {
	Kind() models.ChannelKind
	Send(ctx context.Context, message, address string) Outcome
	// RateLimit declares the channel's token bucket: burst capacity and
	// sustained refill per second.
	RateLimit() (capacity int, refillPerSecond float64)
}

// Registry holds the channel adapters available to the dispatcher.
type Registry struct {
	mu       sync.RWMutex
	channels map[models.ChannelKind]Channel
}

// NewRegistry returns an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[models.ChannelKind]Channel)}
}

// Register adds an adapter, replacing any existing one of the same kind.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Kind()] = ch
}

// Get returns the adapter for a channel kind.
func (r *Registry) Get(kind models.ChannelKind) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[kind]
	if !ok {
		return nil, fmt.Errorf("no channel adapter registered for %q", kind)
	}
	return ch, nil
}

// Kinds lists the registered channel kinds.
func (r *Registry) Kinds() []models.ChannelKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]models.ChannelKind, 0, len(r.channels))
	for k := range r.channels {
		kinds = append(kinds, k)
	}
	return kinds
}
