// Package scheduling turns time-tagged commands into PUS 11,4 insert
// requests and follows the derived commands until the original command is
// available onboard.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/pus-correlator/internal/logging"
	"github.com/signalsfoundry/pus-correlator/internal/observability"
	"github.com/signalsfoundry/pus-correlator/internal/timer"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc"
	"github.com/signalsfoundry/pus-correlator/model"
)

// ErrDispatchFailure is returned when the derived 11,4 command cannot be
// built or started.
var ErrDispatchFailure = errors.New("schedule dispatch failure")

// Config selects the 11,4 activity and its argument layout.
type Config struct {
	// ActivityPath is the path of the 11,4 activity definition.
	ActivityPath string `mapstructure:"activity_path"`
	// SubScheduleIDName names the sub-schedule argument, empty when unused.
	SubScheduleIDName string `mapstructure:"sub_schedule_id_name"`
	// NumCommandsName names the command count argument, empty when unused.
	NumCommandsName string `mapstructure:"num_commands_name"`
	// ArrayUsed places the (time, command) pair in a one-record array.
	ArrayUsed bool `mapstructure:"array_used"`
	// LeadTime is how long before the execution time onboard availability is
	// announced.
	LeadTime time.Duration `mapstructure:"lead_time"`
}

// DefaultConfig returns the scheduling defaults.
func DefaultConfig() Config {
	return Config{
		ActivityPath: "ROOT.PUS.SCHEDULING.INSERT_ACTIVITY",
		LeadTime:     time.Second,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.ActivityPath == "" {
		c.ActivityPath = d.ActivityPath
	}
	if c.LeadTime <= 0 {
		c.LeadTime = d.LeadTime
	}
}

// CorrelatorLocator yields the current time correlation, if any.
type CorrelatorLocator interface {
	TimeCorrelation() tmtc.TimeCorrelator
}

// Tracker is the onboard scheduling service.
type Tracker struct {
	cfg         Config
	announcer   tmtc.PhaseAnnouncer
	pm          model.ProcessingModel
	descriptors model.ActivityDescriptorLookup
	sched       timer.EventScheduler
	correlation CorrelatorLocator
	log         logging.Logger
	metrics     *observability.TrackerCollector

	mu        sync.Mutex
	schedules map[uint64]*LinkedSchedule // by original occurrence id
	disposed  bool
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithCorrelation converts execution times to onboard time through loc.
func WithCorrelation(loc CorrelatorLocator) Option {
	return func(t *Tracker) { t.correlation = loc }
}

// WithLogger sets the tracker logger.
func WithLogger(l logging.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *observability.TrackerCollector) Option {
	return func(t *Tracker) { t.metrics = c }
}

// New creates a scheduling tracker. sched arms the availability timers and is
// stopped by Dispose.
func New(cfg Config, announcer tmtc.PhaseAnnouncer, pm model.ProcessingModel, descriptors model.ActivityDescriptorLookup, sched timer.EventScheduler, opts ...Option) *Tracker {
	cfg.ApplyDefaults()
	t := &Tracker{
		cfg:         cfg,
		announcer:   announcer,
		pm:          pm,
		descriptors: descriptors,
		sched:       sched,
		log:         logging.Noop(),
		schedules:   make(map[uint64]*LinkedSchedule),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(logging.String("component", "scheduling"))
	return t
}

// Filter accepts every telecommand.
func (t *Tracker) Filter() tmtc.PacketFilter { return tmtc.Telecommands }

// IsDirectHandler reports whether tc is released through an onboard schedule.
func (t *Tracker) IsDirectHandler(tc *tmtc.TcTracker) bool {
	if tc == nil {
		return false
	}
	_, ok := tc.Invocation.ScheduledTime()
	return ok
}

// OnTcPhase drives the linked schedules from the phases of original and
// derived commands.
func (t *Tracker) OnTcPhase(ctx context.Context, phase model.Phase, at time.Time, tc *tmtc.TcTracker) {
	if tc == nil {
		return
	}
	if phase == model.PhaseEncoded && t.IsDirectHandler(tc) {
		if err := t.Schedule(ctx, at, tc); err != nil {
			t.log.Error(ctx, "time-tagged command not scheduled",
				logging.String("command", tc.String()),
				logging.Err(err),
			)
		}
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}

	if tc.Header.Is(11, 4) {
		if occ, ok := tc.Invocation.LinkedOccurrence(); ok {
			if ls, ok := t.schedules[occ]; ok {
				t.advanceLocked(ctx, occ, ls, phase, at)
			}
		}
	}
	if tc.Header.Is(11, 3) && phase == model.PhaseCompleted {
		n := len(t.schedules)
		for occ, ls := range t.schedules {
			t.terminateLocked(ctx, occ, ls, model.PhaseFailed, at, false, observability.TerminationReset)
		}
		t.log.Info(ctx, "onboard schedule reset", logging.Int("terminated", n))
	}
	switch phase {
	case model.PhaseStarted, model.PhaseCompleted, model.PhaseFailed:
		occ := tc.Invocation.OccurrenceID
		if ls, ok := t.schedules[occ]; ok {
			t.terminateLocked(ctx, occ, ls, phase, at, true, observability.TerminationResolved)
		}
	}
}

// Schedule builds and starts the 11,4 command that inserts tc in the onboard
// schedule. Failures terminate the schedule and announce tc as failed.
func (t *Tracker) Schedule(ctx context.Context, at time.Time, tc *tmtc.TcTracker) error {
	raw, ok := tc.Invocation.ScheduledTime()
	if !ok {
		return fmt.Errorf("%s: no %s property: %w", tc, model.PropertyScheduledTime, ErrDispatchFailure)
	}
	occ := tc.Invocation.OccurrenceID
	ctx, span := observability.StartSpan(ctx, "scheduling/dispatch", "occurrence", strconv.FormatUint(occ, 10),
		attribute.String("scheduled_time", raw))
	defer span.End()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return nil
	}

	target, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t.announcer.InformTc(ctx, model.PhaseFailed, at, tc)
		t.report(ctx, tc, model.StateRelease, model.StageRelease, at, model.StatusFatal, model.StateRelease, time.Time{})
		t.metrics.IncScheduleTermination(observability.TerminationFailed)
		return fmt.Errorf("scheduled time %q: %v: %w", raw, err, ErrDispatchFailure)
	}
	target = target.UTC()

	if prev, ok := t.schedules[occ]; ok {
		prev.cancelTimer()
	}
	ls := newLinkedSchedule(tc, target)
	t.schedules[occ] = ls
	t.metrics.SetLinkedSchedules(len(t.schedules))

	if err := t.dispatchLocked(ctx, ls); err != nil {
		t.terminateLocked(ctx, occ, ls, model.PhaseFailed, at, false, observability.TerminationFailed)
		return fmt.Errorf("%s: %v: %w", tc, err, ErrDispatchFailure)
	}
	t.log.Debug(ctx, "time-tagged command dispatched",
		logging.Uint64("occurrence", occ),
		logging.Uint64("derived", ls.Derived),
		logging.Time("target", target),
	)
	return nil
}

// Schedules returns the number of pending linked schedules.
func (t *Tracker) Schedules() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.schedules)
}

// State returns the life-cycle state of the schedule of an original
// occurrence.
func (t *Tracker) State(occurrence uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls, ok := t.schedules[occurrence]
	if !ok {
		return "", false
	}
	return ls.State(), true
}

// Dispose stops the timers and fails every pending schedule.
func (t *Tracker) Dispose(ctx context.Context) {
	t.sched.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	t.disposed = true
	now := t.sched.Now()
	for occ, ls := range t.schedules {
		t.terminateLocked(ctx, occ, ls, model.PhaseFailed, now, false, observability.TerminationDisposed)
	}
}

func (t *Tracker) dispatchLocked(ctx context.Context, ls *LinkedSchedule) error {
	desc, err := t.descriptors.Descriptor(ctx, t.cfg.ActivityPath)
	if err != nil {
		return err
	}
	execution := ls.Target
	if t.correlation != nil {
		if c := t.correlation.TimeCorrelation(); c != nil {
			execution = c.ToOBT(execution)
		}
	}
	req, subSchedule, err := requestBuilder{cfg: t.cfg, desc: desc}.build(ls.Original, execution)
	if err != nil {
		return err
	}
	ls.SubScheduleID = subSchedule
	derived, err := t.pm.StartActivity(ctx, req)
	if err != nil {
		return err
	}
	ls.Derived = derived
	return nil
}

func (t *Tracker) advanceLocked(ctx context.Context, occ uint64, ls *LinkedSchedule, phase model.Phase, at time.Time) {
	original := ls.Original
	switch phase {
	case model.PhaseReleased:
		if !ls.fire(ctx, eventReleased) {
			return
		}
		t.announcer.InformTc(ctx, model.PhaseReleased, at, original)
		t.report(ctx, original, model.StateRelease, model.StageRelease, at, model.StatusOK, model.StateTransmission, ls.Target)
		t.report(ctx, original, model.StateTransmission, model.StageGroundStationUplink, at, model.StatusPending, model.StateTransmission, time.Time{})
		ls.announced(model.StageGroundStationUplink, model.StateTransmission)
	case model.PhaseUplinked:
		if !ls.fire(ctx, eventUplinked) {
			return
		}
		t.announcer.InformTc(ctx, model.PhaseUplinked, at, original)
		t.report(ctx, original, model.StateTransmission, model.StageGroundStationUplink, at, model.StatusOK, model.StateScheduling, time.Time{})
		t.report(ctx, original, model.StateScheduling, model.StageScheduled, at, model.StatusPending, model.StateScheduling, time.Time{})
		ls.announced(model.StageScheduled, model.StateScheduling)
	case model.PhaseAvailableOnboard:
		if ls.Terminal() || ls.State() == StateExecution {
			return
		}
		t.report(ctx, original, model.StateScheduling, model.StageScheduled, at, model.StatusPending, model.StateScheduling, time.Time{})
		ls.announced(model.StageScheduled, model.StateScheduling)
	case model.PhaseCompleted:
		if !ls.fire(ctx, eventConfirmed) {
			return
		}
		t.armLocked(occ, ls)
		t.announcer.InformTc(ctx, model.PhaseScheduled, at, original)
		t.report(ctx, original, model.StateScheduling, model.StageScheduled, at, model.StatusOK, model.StateScheduling, ls.Target)
		ls.announced(model.StageScheduled, model.StateScheduling)
	case model.PhaseFailed:
		t.terminateLocked(ctx, occ, ls, model.PhaseFailed, at, false, observability.TerminationFailed)
	}
}

func (t *Tracker) armLocked(occ uint64, ls *LinkedSchedule) {
	ls.cancelTimer()
	ls.handle = t.sched.Schedule(ls.Target.Add(-t.cfg.LeadTime), func() {
		t.onboardAvailable(occ, ls)
	})
}

// onboardAvailable runs on the scheduler goroutine.
func (t *Tracker) onboardAvailable(occ uint64, ls *LinkedSchedule) {
	ctx := context.Background()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed || t.schedules[occ] != ls {
		return
	}
	if !ls.fire(ctx, eventAvailable) {
		return
	}
	t.announcer.InformTc(ctx, model.PhaseAvailableOnboard, ls.Target, ls.Original)
	t.report(ctx, ls.Original, model.StateExecution, model.StageOnboardAvailability, ls.Target, model.StatusExpected, model.StateExecution, ls.Target)
	delete(t.schedules, occ)
	t.metrics.SetLinkedSchedules(len(t.schedules))
	t.metrics.IncScheduleTermination(observability.TerminationExecuted)
	t.log.Debug(ctx, "scheduled command available onboard",
		logging.Uint64("occurrence", occ),
		logging.Time("target", ls.Target),
	)
}

func (t *Tracker) terminateLocked(ctx context.Context, occ uint64, ls *LinkedSchedule, phase model.Phase, at time.Time, silently bool, reason string) {
	if !silently {
		t.announcer.InformTc(ctx, phase, at, ls.Original)
		t.report(ctx, ls.Original, ls.lastState, ls.lastStage, at, model.StatusFatal, ls.lastState, time.Time{})
	}
	ls.cancelTimer()
	ls.fire(ctx, eventFail)
	delete(t.schedules, occ)
	t.metrics.SetLinkedSchedules(len(t.schedules))
	t.metrics.IncScheduleTermination(reason)
}

func (t *Tracker) report(ctx context.Context, tc *tmtc.TcTracker, state model.OccurrenceState, stage string, at time.Time, status model.ReportStatus, next model.OccurrenceState, execution time.Time) {
	t.pm.ReportActivityProgress(ctx, model.ActivityProgress{
		ActivityID:    tc.Invocation.ActivityID,
		OccurrenceID:  tc.Invocation.OccurrenceID,
		Stage:         stage,
		Time:          at,
		State:         state,
		ExecutionTime: execution,
		Status:        status,
		NextState:     next,
	})
}
