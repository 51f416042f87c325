package timer

import (
	"sort"
	"sync"
	"time"
)

// FakeEventScheduler is a test implementation of EventScheduler that keeps its
// own notion of time. Tests call AdvanceTo to move time forward and run due
// callbacks deterministically on the calling goroutine.
type FakeEventScheduler struct {
	mu      sync.Mutex
	now     time.Time
	stopped bool

	// ordered by 'when' (earliest first), ties in scheduling order
	events []*fakeEvent
}

type fakeEvent struct {
	when time.Time
	f    func()
	h    *handle
}

// NewFakeEventScheduler creates a fake scheduler starting at the given time.
func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	return &FakeEventScheduler{now: start}
}

// Now returns the current fake time.
func (s *FakeEventScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule registers a callback. It never runs synchronously, even when 'at'
// is already due; the next RunDue or AdvanceTo picks it up.
func (s *FakeEventScheduler) Schedule(at time.Time, f func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return cancelledHandle()
	}

	ev := &fakeEvent{when: at, f: f, h: &handle{}}
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(at)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
	return ev.h
}

// Pending returns the due times of callbacks still armed.
func (s *FakeEventScheduler) Pending() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, 0, len(s.events))
	for _, ev := range s.events {
		if ev.h.state.Load() == stateArmed {
			out = append(out, ev.when)
		}
	}
	return out
}

// RunDue executes all callbacks whose time is <= now.
func (s *FakeEventScheduler) RunDue() {
	for {
		s.mu.Lock()
		if len(s.events) == 0 || s.events[0].when.After(s.now) {
			s.mu.Unlock()
			return
		}
		ev := s.events[0]
		s.events = s.events[1:]
		s.mu.Unlock()

		// Execute callback outside the lock.
		if ev.h.fire() && ev.f != nil {
			ev.f()
		}
	}
}

// AdvanceTo sets the fake time and runs all due callbacks. Time is kept
// monotonic.
func (s *FakeEventScheduler) AdvanceTo(t time.Time) {
	s.mu.Lock()
	if t.After(s.now) {
		s.now = t
	}
	s.mu.Unlock()

	s.RunDue()
}

// Stop cancels every pending callback and refuses new ones.
func (s *FakeEventScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	events := s.events
	s.events = nil
	s.mu.Unlock()

	for _, ev := range events {
		ev.h.Cancel()
	}
}
