package model

// Phase is a telecommand life-cycle phase broadcast between services.
type Phase int

const (
	PhaseReleased Phase = iota
	PhaseUplinked
	PhaseReceivedOnboard
	PhaseAvailableOnboard
	PhaseEncoded
	PhaseScheduled
	PhaseStarted
	PhaseCompleted
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseReleased:         "RELEASED",
	PhaseUplinked:         "UPLINKED",
	PhaseReceivedOnboard:  "RECEIVED_ONBOARD",
	PhaseAvailableOnboard: "AVAILABLE_ONBOARD",
	PhaseEncoded:          "ENCODED",
	PhaseScheduled:        "SCHEDULED",
	PhaseStarted:          "STARTED",
	PhaseCompleted:        "COMPLETED",
	PhaseFailed:           "FAILED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "UNKNOWN"
	}
	return phaseNames[p]
}

// ParsePhase maps a phase name back to its value.
func ParsePhase(name string) (Phase, bool) {
	for i, n := range phaseNames {
		if n == name {
			return Phase(i), true
		}
	}
	return 0, false
}

// Terminal reports whether no further phase follows p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// OccurrenceState is the activity occurrence state reported to the processing
// model.
type OccurrenceState int

const (
	StateCreation OccurrenceState = iota
	StateRelease
	StateTransmission
	StateScheduling
	StateExecution
	StateVerification
	StateCompleted
)

var stateNames = [...]string{
	StateCreation:     "CREATION",
	StateRelease:      "RELEASE",
	StateTransmission: "TRANSMISSION",
	StateScheduling:   "SCHEDULING",
	StateExecution:    "EXECUTION",
	StateVerification: "VERIFICATION",
	StateCompleted:    "COMPLETED",
}

func (s OccurrenceState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// ReportStatus qualifies a single progress report.
type ReportStatus int

const (
	StatusUnknown ReportStatus = iota
	StatusOK
	StatusPending
	StatusExpected
	StatusFatal
)

var statusNames = [...]string{
	StatusUnknown:  "UNKNOWN",
	StatusOK:       "OK",
	StatusPending:  "PENDING",
	StatusExpected: "EXPECTED",
	StatusFatal:    "FATAL",
}

func (s ReportStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// Stage names used in progress reports.
const (
	StageRelease                = "Release"
	StageGroundStationReception = "Ground Station Reception"
	StageGroundStationUplink    = "Ground Station Uplink"
	StageOnboardReception       = "On-board Reception"
	StageOnboardAvailability    = "On-board Availability"
	StageScheduled              = "Scheduled"
	StageOnboardAcceptance      = "On-board Acceptance"
	StageOnboardStart           = "On-board Start"
	StageOnboardProgress        = "On-board Progress"
	StageOnboardCompletion      = "On-board Completion"
)

// Activity invocation properties understood by the trackers.
const (
	// PropertyScheduledTime holds the RFC 3339 onboard execution time of a
	// time-tagged command.
	PropertyScheduledTime = "tc-scheduled-time"
	// PropertySubScheduleID selects the onboard sub-schedule.
	PropertySubScheduleID = "onboard-sub-schedule-id"
	// PropertyLinkedOccurrence tags a derived 11,4 command with the occurrence
	// id of the command it schedules.
	PropertyLinkedOccurrence = "linked-scheduled-activity-occurrence"
)
