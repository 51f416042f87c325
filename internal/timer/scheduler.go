// Package timer schedules one-shot callbacks at absolute times with
// idempotent cancellation.
package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/pus-correlator/internal/clock"
)

// Handle identifies one scheduled callback.
type Handle interface {
	// Cancel prevents the callback from running. It returns true only for the
	// call that actually prevented it; later calls and calls after the
	// callback started return false.
	Cancel() bool
}

// EventScheduler runs callbacks at absolute times.
//
// Callbacks never run on the goroutine that called Schedule, so callers may
// hold their own locks while scheduling.
type EventScheduler interface {
	// Schedule registers f to run at 'at'. A time in the past fires as soon as
	// possible.
	Schedule(at time.Time, f func()) Handle

	// Now returns the scheduler's notion of current time.
	Now() time.Time

	// Stop cancels every pending callback. Schedule after Stop returns an
	// already cancelled handle.
	Stop()
}

const (
	stateArmed int32 = iota
	stateFired
	stateCancelled
)

type handle struct {
	state   atomic.Int32
	timer   atomic.Pointer[time.Timer]
	release func(*handle)
}

func (h *handle) Cancel() bool {
	if !h.state.CompareAndSwap(stateArmed, stateCancelled) {
		return false
	}
	if t := h.timer.Load(); t != nil {
		t.Stop()
	}
	if h.release != nil {
		h.release(h)
	}
	return true
}

// fire claims the handle for execution.
func (h *handle) fire() bool {
	return h.state.CompareAndSwap(stateArmed, stateFired)
}

func cancelledHandle() *handle {
	h := &handle{}
	h.state.Store(stateCancelled)
	return h
}

// WallScheduler is an EventScheduler backed by time.AfterFunc. Each callback
// runs on its own goroutine.
type WallScheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	live    map[*handle]struct{}
	stopped bool
}

// NewWallScheduler creates a scheduler measuring delays against c. A nil
// clock uses the system clock.
func NewWallScheduler(c clock.Clock) *WallScheduler {
	if c == nil {
		c = clock.System{}
	}
	return &WallScheduler{
		clock: c,
		live:  make(map[*handle]struct{}),
	}
}

// Schedule registers a callback to run at the specified time.
func (s *WallScheduler) Schedule(at time.Time, f func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return cancelledHandle()
	}

	h := &handle{release: s.forget}
	s.live[h] = struct{}{}

	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	h.timer.Store(time.AfterFunc(delay, func() {
		if !h.fire() {
			return
		}
		s.forget(h)
		if f != nil {
			f()
		}
	}))
	return h
}

// Now returns the current time of the underlying clock.
func (s *WallScheduler) Now() time.Time {
	return s.clock.Now()
}

// Pending returns the number of callbacks that have neither run nor been
// cancelled.
func (s *WallScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Stop cancels all pending callbacks and refuses new ones.
func (s *WallScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	handles := make([]*handle, 0, len(s.live))
	for h := range s.live {
		handles = append(handles, h)
	}
	s.live = make(map[*handle]struct{})
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

func (s *WallScheduler) forget(h *handle) {
	s.mu.Lock()
	delete(s.live, h)
	s.mu.Unlock()
}
