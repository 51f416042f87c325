package scheduling

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"github.com/signalsfoundry/pus-correlator/internal/timer"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc"
	"github.com/signalsfoundry/pus-correlator/model"
)

// Life-cycle states of a LinkedSchedule.
const (
	StateRelease      = "release"
	StateTransmission = "transmission"
	StateScheduling   = "scheduling"
	StateExecution    = "execution"
	StateCompleted    = "completed"
	StateFailed       = "failed"
)

const (
	eventReleased  = "released"
	eventUplinked  = "uplinked"
	eventConfirmed = "confirmed"
	eventAvailable = "available"
	eventFail      = "fail"
)

var lifecycle = fsm.Events{
	{Name: eventReleased, Src: []string{StateRelease}, Dst: StateTransmission},
	{Name: eventUplinked, Src: []string{StateRelease, StateTransmission}, Dst: StateScheduling},
	// the derived command completed: it now sits in the onboard schedule
	{Name: eventConfirmed, Src: []string{StateRelease, StateTransmission, StateScheduling}, Dst: StateExecution},
	{Name: eventAvailable, Src: []string{StateExecution}, Dst: StateCompleted},
	{Name: eventFail, Src: []string{StateRelease, StateTransmission, StateScheduling, StateExecution}, Dst: StateFailed},
}

// LinkedSchedule ties an original time-tagged command to the derived 11,4
// command that schedules it onboard.
type LinkedSchedule struct {
	Original *tmtc.TcTracker
	// Target is the requested execution time in UTC.
	Target        time.Time
	SubScheduleID any
	// Derived is the occurrence id of the 11,4 activity, zero until started.
	Derived uint64

	machine *fsm.FSM
	handle  timer.Handle

	// last announced stage and state, used when the schedule fails
	lastStage string
	lastState model.OccurrenceState
}

func newLinkedSchedule(original *tmtc.TcTracker, target time.Time) *LinkedSchedule {
	return &LinkedSchedule{
		Original:  original,
		Target:    target,
		machine:   fsm.NewFSM(StateRelease, lifecycle, fsm.Callbacks{}),
		lastStage: model.StageRelease,
		lastState: model.StateRelease,
	}
}

// State returns the current life-cycle state.
func (l *LinkedSchedule) State() string { return l.machine.Current() }

// Terminal reports whether the schedule reached completed or failed.
func (l *LinkedSchedule) Terminal() bool {
	s := l.machine.Current()
	return s == StateCompleted || s == StateFailed
}

// fire applies event and reports whether the transition was accepted.
func (l *LinkedSchedule) fire(ctx context.Context, event string) bool {
	return l.machine.Event(ctx, event) == nil
}

func (l *LinkedSchedule) announced(stage string, state model.OccurrenceState) {
	l.lastStage = stage
	l.lastState = state
}

func (l *LinkedSchedule) cancelTimer() {
	if l.handle != nil {
		l.handle.Cancel()
	}
}
