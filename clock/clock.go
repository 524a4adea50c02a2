// Package clock abstracts the local time source used for heartbeat timers
// and the in-memory store. Authoritative lease expiry is always decided by
// the backing store's clock inside its CAS predicate; this package only
// covers local bookkeeping, and exists so tests can advance time manually.
package clock

import (
	"sync"
	"time"
)

// Clock is a minimal monotonic-enough time source.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
}

// System returns the wall clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Manual is a hand-driven clock for tests. The zero value is not usable;
// create one with NewManual.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set jumps the clock to the given instant.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}
