// Package verification matches PUS service 1 reports to issued telecommands
// and announces the resulting execution phases.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/pus-correlator/internal/clock"
	"github.com/signalsfoundry/pus-correlator/internal/logging"
	"github.com/signalsfoundry/pus-correlator/internal/observability"
	"github.com/signalsfoundry/pus-correlator/internal/pus"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc"
	"github.com/signalsfoundry/pus-correlator/model"
)

// ErrStaleReport marks a queued report dropped because it outlived the
// pending report validity.
var ErrStaleReport = errors.New("stale verification report")

// Config controls pending report retention.
type Config struct {
	// PendingReportTTL is how long a report for an unknown command is kept.
	PendingReportTTL time.Duration `mapstructure:"pending_report_ttl"`
	// MaxPendingCommands caps the number of command ids with queued reports.
	MaxPendingCommands int `mapstructure:"max_pending_commands"`
}

// DefaultConfig returns the retention defaults.
func DefaultConfig() Config {
	return Config{
		PendingReportTTL:   time.Hour,
		MaxPendingCommands: 4096,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.PendingReportTTL <= 0 {
		c.PendingReportTTL = d.PendingReportTTL
	}
	if c.MaxPendingCommands <= 0 {
		c.MaxPendingCommands = d.MaxPendingCommands
	}
}

// PendingReport is a verification report received before its command was
// registered.
type PendingReport struct {
	CommandID      uint32
	Stage          Stage
	Success        bool
	GenerationTime time.Time
	ReceivedAt     time.Time
}

type openCommand struct {
	tc   *tmtc.TcTracker
	last Stage
}

// Tracker is the command verification service.
type Tracker struct {
	cfg       Config
	announcer tmtc.PhaseAnnouncer
	pm        model.ProcessingModel
	clock     clock.Clock
	log       logging.Logger
	metrics   *observability.TrackerCollector

	mu       sync.Mutex
	open     map[uint32]*openCommand
	pending  *expirable.LRU[uint32, []PendingReport]
	disposed bool
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock sets the time source used for registration reports and report
// staleness.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
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

// New creates a verification tracker announcing phases through announcer and
// reporting progress to pm.
func New(cfg Config, announcer tmtc.PhaseAnnouncer, pm model.ProcessingModel, opts ...Option) *Tracker {
	cfg.ApplyDefaults()
	t := &Tracker{
		cfg:       cfg,
		announcer: announcer,
		pm:        pm,
		clock:     clock.System{},
		log:       logging.Noop(),
		open:      make(map[uint32]*openCommand),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(logging.String("component", "verification"))
	log := t.log
	t.pending = expirable.NewLRU[uint32, []PendingReport](cfg.MaxPendingCommands, func(id uint32, reports []PendingReport) {
		// runs under the cache lock; must not call back into the cache
		log.Debug(context.Background(), "pending reports evicted",
			logging.Hex32("command_id", id),
			logging.Int("reports", len(reports)),
		)
	}, cfg.PendingReportTTL)
	return t
}

// Filter accepts service 1 telemetry and every telecommand.
func (t *Tracker) Filter() tmtc.PacketFilter {
	return tmtc.Any(tmtc.TelemetryService(1), tmtc.Telecommands)
}

// OnTmPacket raises an event for a service 1 report and processes it.
func (t *Tracker) OnTmPacket(ctx context.Context, pkt *tmtc.TmPacket) {
	if pkt == nil || pkt.Header == nil || pkt.Header.ServiceType != 1 {
		return
	}
	t.pm.RaiseEvent(ctx, model.EventOccurrence{
		EventID:        pkt.Decoded.DefinitionID,
		Qualifier:      fmt.Sprintf("1,%d", pkt.Header.ServiceSubType),
		GenerationTime: pkt.Raw.GenerationTime,
		ReceptionTime:  pkt.Raw.ReceptionTime,
		Route:          pkt.Raw.Route,
		Source:         pkt.Raw.Source,
		Items:          pkt.Decoded.Items,
	})
	if err := t.OnTelemetryReport(ctx, *pkt.Header, pkt.Raw.GenerationTime, pkt.Packet); err != nil {
		t.log.Warn(ctx, "verification report dropped",
			logging.Int("sub_type", int(pkt.Header.ServiceSubType)),
			logging.Err(err),
		)
	}
}

// OnTelemetryReport handles one service 1 report. Reports for unknown
// commands are queued until the command registers.
func (t *Tracker) OnTelemetryReport(ctx context.Context, hdr pus.TmPusHeader, generationTime time.Time, pkt pus.SpacePacket) error {
	stage, success, err := decodeSubType(hdr.ServiceSubType)
	if err != nil {
		t.metrics.ObserveReport("unknown", observability.OutcomeUnrecognized)
		return err
	}
	id, err := pus.ReportedCommandID(pkt.Data, hdr.EncodedLength)
	if err != nil {
		return fmt.Errorf("service 1,%d report: %w", hdr.ServiceSubType, err)
	}

	ctx, span := observability.StartSpan(ctx, "verification/report", "command", fmt.Sprintf("0x%08X", id),
		attribute.String("stage", stage.String()), attribute.Bool("success", success))
	defer span.End()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return nil
	}
	t.handleLocked(ctx, PendingReport{
		CommandID:      id,
		Stage:          stage,
		Success:        success,
		GenerationTime: generationTime,
		ReceivedAt:     t.clock.Now(),
	})
	return nil
}

// RegisterVerificationStages starts tracking tc. A previous unfinished
// registration under the same command id is replaced.
func (t *Tracker) RegisterVerificationStages(ctx context.Context, tc *tmtc.TcTracker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	t.registerLocked(ctx, tc)
}

// OnTcPhase reacts to phase announcements of tracked commands.
func (t *Tracker) OnTcPhase(ctx context.Context, phase model.Phase, at time.Time, tc *tmtc.TcTracker) {
	if tc == nil {
		return
	}
	id, err := tc.CommandID()
	if err != nil {
		t.log.Warn(ctx, "phase for command without identifier", logging.String("command", tc.String()), logging.Err(err))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}

	switch phase {
	case model.PhaseReceivedOnboard:
		if _, scheduled := tc.Invocation.ScheduledTime(); !scheduled {
			t.announcer.InformTc(ctx, model.PhaseAvailableOnboard, at, tc)
			t.report(ctx, tc, model.StageOnboardAvailability, at, model.StatusOK, model.StateExecution, at)
		}
	case model.PhaseAvailableOnboard:
		t.registerLocked(ctx, tc)
	}
	t.replayLocked(ctx, id)
}

// Registered returns the last expected stage of an open command.
func (t *Tracker) Registered(id uint32) (Stage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	oc, ok := t.open[id]
	if !ok {
		return 0, false
	}
	return oc.last, true
}

// Open returns the number of commands awaiting reports.
func (t *Tracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Pending returns the reports queued for id.
func (t *Tracker) Pending(id uint32) []PendingReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	reports, _ := t.pending.Peek(id)
	return append([]PendingReport(nil), reports...)
}

// Dispose fails every open command and drops all queued reports.
func (t *Tracker) Dispose(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	t.disposed = true

	now := t.clock.Now()
	for id, oc := range t.open {
		t.announcer.InformTc(ctx, model.PhaseFailed, now, oc.tc)
		t.report(ctx, oc.tc, oc.last.String(), now, model.StatusFatal, model.StateVerification, time.Time{})
		delete(t.open, id)
	}
	t.pending.Purge()
	t.metrics.SetOpenVerifications(0)
	t.metrics.SetPendingReports(0)
}

func (t *Tracker) registerLocked(ctx context.Context, tc *tmtc.TcTracker) {
	id, err := tc.CommandID()
	if err != nil {
		t.log.Warn(ctx, "cannot register command without identifier", logging.String("command", tc.String()), logging.Err(err))
		return
	}
	last, ok := LastExpected(tc.Header.Ack)
	if !ok {
		t.report(ctx, tc, model.StageOnboardCompletion, t.clock.Now(), model.StatusExpected, model.StateVerification, time.Time{})
		return
	}

	now := t.clock.Now()
	for _, s := range stageOrder {
		if s > last {
			break
		}
		if s.Expected(tc.Header.Ack) {
			t.report(ctx, tc, s.String(), now, model.StatusPending, model.StateExecution, time.Time{})
		}
	}

	if prev, exists := t.open[id]; exists {
		t.log.Info(ctx, "command id reused; previous registration replaced",
			logging.Hex32("command_id", id),
			logging.String("previous", prev.tc.String()),
		)
	}
	t.open[id] = &openCommand{tc: tc, last: last}
	t.metrics.SetOpenVerifications(len(t.open))
	t.log.Debug(ctx, "verification stages registered",
		logging.Hex32("command_id", id),
		logging.String("last_stage", last.String()),
	)
	t.replayLocked(ctx, id)
}

func (t *Tracker) handleLocked(ctx context.Context, r PendingReport) {
	oc, ok := t.open[r.CommandID]
	if !ok {
		reports, _ := t.pending.Peek(r.CommandID)
		t.pending.Add(r.CommandID, append(reports, r))
		t.metrics.ObserveReport(r.Stage.String(), observability.OutcomeQueued)
		t.metrics.SetPendingReports(t.pending.Len())
		return
	}
	t.processLocked(ctx, r.CommandID, oc, r)
}

func (t *Tracker) processLocked(ctx context.Context, id uint32, oc *openCommand, r PendingReport) {
	last := r.Stage == oc.last
	if phase, ok := transition(r.Stage, r.Success, last); ok {
		t.announcer.InformTc(ctx, phase, r.GenerationTime, oc.tc)
	}

	status := model.StatusOK
	outcome := observability.OutcomeOK
	if !r.Success {
		status = model.StatusFatal
		outcome = observability.OutcomeFailed
	}
	next := model.StateExecution
	if last {
		next = model.StateVerification
	}
	t.report(ctx, oc.tc, r.Stage.String(), r.GenerationTime, status, next, r.GenerationTime)
	t.metrics.ObserveReport(r.Stage.String(), outcome)

	if last || !r.Success {
		delete(t.open, id)
		t.metrics.SetOpenVerifications(len(t.open))
	}
}

func (t *Tracker) replayLocked(ctx context.Context, id uint32) {
	if _, ok := t.open[id]; !ok {
		return
	}
	reports, ok := t.pending.Get(id)
	if !ok {
		return
	}
	t.pending.Remove(id)

	now := t.clock.Now()
	for _, r := range reports {
		age := now.Sub(r.ReceivedAt)
		if age < 0 {
			age = -age
		}
		if age > t.cfg.PendingReportTTL {
			t.metrics.ObserveReport(r.Stage.String(), observability.OutcomeStale)
			t.log.Warn(ctx, "queued report discarded",
				logging.Hex32("command_id", id),
				logging.String("stage", r.Stage.String()),
				logging.Duration("age", age),
				logging.Err(ErrStaleReport),
			)
			continue
		}
		t.handleLocked(ctx, r)
	}
	t.metrics.SetPendingReports(t.pending.Len())
}

func (t *Tracker) report(ctx context.Context, tc *tmtc.TcTracker, stage string, at time.Time, status model.ReportStatus, next model.OccurrenceState, execution time.Time) {
	t.pm.ReportActivityProgress(ctx, model.ActivityProgress{
		ActivityID:    tc.Invocation.ActivityID,
		OccurrenceID:  tc.Invocation.OccurrenceID,
		Stage:         stage,
		Time:          at,
		State:         model.StateExecution,
		ExecutionTime: execution,
		Status:        status,
		NextState:     next,
	})
}
