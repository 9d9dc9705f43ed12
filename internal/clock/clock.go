// Package clock provides the time capability for the alerting core. Every
// time-dependent component takes a Clock so tests can substitute a fake that
// advances deterministically.
package clock

import (
	"github.com/jonboulle/clockwork"
)

// Clock is the time source used throughout the core. It is clockwork's
// interface so tests can use clockwork.NewFakeClock directly.
type Clock = clockwork.Clock

// NewReal returns a Clock backed by the system clock.
func NewReal() Clock {
	return clockwork.NewRealClock()
}
