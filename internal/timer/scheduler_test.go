package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestFakeSchedulerRunsInTimeOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewFakeEventScheduler(start)

	var order []int
	s.Schedule(start.Add(3*time.Second), func() { order = append(order, 3) })
	s.Schedule(start.Add(1*time.Second), func() { order = append(order, 1) })
	s.Schedule(start.Add(2*time.Second), func() { order = append(order, 2) })

	s.AdvanceTo(start.Add(2 * time.Second))
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order after 2s = %v", order)
	}
	s.AdvanceTo(start.Add(time.Second)) // backwards is ignored
	if got := s.Now(); !got.Equal(start.Add(2 * time.Second)) {
		t.Fatalf("time moved backwards to %v", got)
	}
	s.AdvanceTo(start.Add(10 * time.Second))
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("order after 10s = %v", order)
	}
}

func TestFakeSchedulerPastTimeWaitsForRunDue(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewFakeEventScheduler(start)
	ran := false
	s.Schedule(start.Add(-time.Hour), func() { ran = true })
	if ran {
		t.Fatalf("callback ran synchronously inside Schedule")
	}
	s.RunDue()
	if !ran {
		t.Fatalf("past callback did not run on RunDue")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewFakeEventScheduler(start)
	ran := false
	h := s.Schedule(start.Add(time.Second), func() { ran = true })

	if !h.Cancel() {
		t.Fatalf("first Cancel should report success")
	}
	if h.Cancel() {
		t.Fatalf("second Cancel should be a no-op")
	}
	s.AdvanceTo(start.Add(time.Minute))
	if ran {
		t.Fatalf("cancelled callback ran")
	}

	fired := s.Schedule(start.Add(2*time.Minute), func() {})
	s.AdvanceTo(start.Add(3 * time.Minute))
	if fired.Cancel() {
		t.Fatalf("Cancel after firing should return false")
	}
}

func TestFakeStopCancelsAndRefuses(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewFakeEventScheduler(start)
	ran := 0
	s.Schedule(start.Add(time.Second), func() { ran++ })
	s.Stop()
	late := s.Schedule(start.Add(time.Second), func() { ran++ })
	if late.Cancel() {
		t.Fatalf("handle from stopped scheduler should already be cancelled")
	}
	s.AdvanceTo(start.Add(time.Hour))
	if ran != 0 || len(s.Pending()) != 0 {
		t.Fatalf("ran=%d pending=%v after Stop", ran, s.Pending())
	}
}

func TestWallSchedulerFiresNearTarget(t *testing.T) {
	s := NewWallScheduler(nil)
	target := time.Now().Add(100 * time.Millisecond)
	done := make(chan time.Time, 1)
	s.Schedule(target, func() { done <- time.Now() })

	select {
	case at := <-done:
		if d := at.Sub(target); d < -50*time.Millisecond || d > 50*time.Millisecond {
			t.Fatalf("fired %v away from target", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("wall scheduler never fired")
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d after fire", s.Pending())
	}
}

func TestWallSchedulerStop(t *testing.T) {
	s := NewWallScheduler(nil)
	var ran atomic.Int32
	h := s.Schedule(time.Now().Add(50*time.Millisecond), func() { ran.Add(1) })
	s.Stop()
	if h.Cancel() {
		t.Fatalf("Stop should already have cancelled the handle")
	}
	s.Schedule(time.Now(), func() { ran.Add(1) })
	time.Sleep(150 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatalf("callbacks ran after Stop: %d", ran.Load())
	}
}
