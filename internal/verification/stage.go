package verification

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/pus-correlator/internal/pus"
	"github.com/signalsfoundry/pus-correlator/model"
)

// ErrUnrecognizedProtocolCode is returned for service 1 sub-types outside 1..8.
var ErrUnrecognizedProtocolCode = errors.New("unrecognized protocol code")

// Stage is an onboard verification stage. Stages are ordered.
type Stage int

const (
	StageAccepted Stage = iota + 1
	StageStarted
	StageProgress
	StageCompleted
)

// stageOrder lists stages from first to last.
var stageOrder = []Stage{StageAccepted, StageStarted, StageProgress, StageCompleted}

// String returns the progress report stage name.
func (s Stage) String() string {
	switch s {
	case StageAccepted:
		return model.StageOnboardAcceptance
	case StageStarted:
		return model.StageOnboardStart
	case StageProgress:
		return model.StageOnboardProgress
	case StageCompleted:
		return model.StageOnboardCompletion
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Expected reports whether ack requests a report for s.
func (s Stage) Expected(ack pus.AckField) bool {
	switch s {
	case StageAccepted:
		return ack.Acceptance
	case StageStarted:
		return ack.Start
	case StageProgress:
		return ack.Progress
	case StageCompleted:
		return ack.Completion
	}
	return false
}

// LastExpected returns the latest stage the ack flags request, or false when
// no stage is requested.
func LastExpected(ack pus.AckField) (Stage, bool) {
	var last Stage
	for _, s := range stageOrder {
		if s.Expected(ack) {
			last = s
		}
	}
	return last, last != 0
}

// decodeSubType maps a service 1 sub-type to its stage and outcome.
func decodeSubType(subType uint8) (Stage, bool, error) {
	if subType < 1 || subType > 8 {
		return 0, false, fmt.Errorf("service 1 sub-type %d: %w", subType, ErrUnrecognizedProtocolCode)
	}
	// odd sub-types report success, the following even one the failure
	stage := stageOrder[(subType-1)/2]
	return stage, subType%2 == 1, nil
}

// transition returns the phase announced by a report, if any.
func transition(stage Stage, success, last bool) (model.Phase, bool) {
	if !success {
		return model.PhaseFailed, true
	}
	switch stage {
	case StageStarted:
		if last {
			return model.PhaseCompleted, true
		}
		return model.PhaseStarted, true
	case StageCompleted:
		return model.PhaseCompleted, true
	default:
		if last {
			return model.PhaseCompleted, true
		}
		return 0, false
	}
}
