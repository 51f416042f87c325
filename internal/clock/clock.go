// Package clock provides the time source used by the trackers so tests can
// run against a controlled notion of now.
package clock

import (
	"sync"
	"time"
)

// Clock is the minimal time source the services depend on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now returns time.Now in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a Clock that only moves when told to. It is safe for concurrent
// use.
type Manual struct {
	mu  sync.RWMutex
	now time.Time

	listeners []func(time.Time)
}

// NewManual constructs a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to t and notifies listeners. Moving backwards is allowed
// so tests can model clock jumps.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	listeners := append([]func(time.Time){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// AddListener registers a callback invoked after every change.
func (m *Manual) AddListener(fn func(time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}
