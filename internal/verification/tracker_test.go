package verification

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/pus-correlator/internal/clock"
	"github.com/signalsfoundry/pus-correlator/internal/observability"
	"github.com/signalsfoundry/pus-correlator/internal/pus"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc/tmtctest"
	"github.com/signalsfoundry/pus-correlator/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	tracker   *Tracker
	model     *tmtctest.Model
	announcer *tmtctest.Announcer
	clock     *clock.Manual
	metrics   *observability.TrackerCollector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	metrics, err := observability.NewTrackerCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	f := &fixture{
		model:     tmtctest.NewModel(1),
		announcer: &tmtctest.Announcer{},
		clock:     clock.NewManual(t0),
		metrics:   metrics,
	}
	f.tracker = New(DefaultConfig(), f.announcer, f.model, WithClock(f.clock), WithMetrics(metrics))
	return f
}

func (f *fixture) report(t *testing.T, subType uint8, tc *tmtc.TcTracker, gen time.Time) {
	t.Helper()
	f.tracker.OnTmPacket(context.Background(), tmtctest.VerificationReport(subType, tmtctest.MustID(tc), gen))
}

type step struct {
	stage  string
	status model.ReportStatus
	next   model.OccurrenceState
}

func steps(progress []model.ActivityProgress) []step {
	out := make([]step, 0, len(progress))
	for _, p := range progress {
		out = append(out, step{stage: p.Stage, status: p.Status, next: p.NextState})
	}
	return out
}

var acceptStart = pus.AckField{Acceptance: true, Start: true}

func TestLastExpected(t *testing.T) {
	cases := []struct {
		ack  pus.AckField
		want Stage
		ok   bool
	}{
		{pus.AckField{}, 0, false},
		{pus.AckField{Acceptance: true}, StageAccepted, true},
		{acceptStart, StageStarted, true},
		{pus.AckField{Acceptance: true, Progress: true}, StageProgress, true},
		{pus.AckField{Completion: true}, StageCompleted, true},
		{pus.AckFieldFromBits(0x0F), StageCompleted, true},
	}
	for _, c := range cases {
		got, ok := LastExpected(c.ack)
		if got != c.want || ok != c.ok {
			t.Errorf("LastExpected(%+v) = %v,%v want %v,%v", c.ack, got, ok, c.want, c.ok)
		}
	}
}

func TestDecodeSubType(t *testing.T) {
	for sub := uint8(1); sub <= 8; sub++ {
		stage, success, err := decodeSubType(sub)
		if err != nil {
			t.Fatalf("sub-type %d: %v", sub, err)
		}
		if want := stageOrder[(sub-1)/2]; stage != want {
			t.Errorf("sub-type %d stage = %v, want %v", sub, stage, want)
		}
		if success != (sub%2 == 1) {
			t.Errorf("sub-type %d success = %v", sub, success)
		}
	}
	if _, _, err := decodeSubType(9); !errors.Is(err, ErrUnrecognizedProtocolCode) {
		t.Fatalf("sub-type 9: err = %v", err)
	}
}

func TestAcceptanceAndStartFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tc := tmtctest.Command(7, 0x42, 10, 8, 1, acceptStart, nil)

	f.tracker.OnTcPhase(ctx, model.PhaseAvailableOnboard, t0, tc)
	if last, ok := f.tracker.Registered(tmtctest.MustID(tc)); !ok || last != StageStarted {
		t.Fatalf("Registered = %v,%v", last, ok)
	}

	f.report(t, 1, tc, t0.Add(time.Second))
	if phases := f.announcer.Phases(); len(phases) != 0 {
		t.Fatalf("acceptance should not announce, got %v", phases)
	}
	f.report(t, 3, tc, t0.Add(2*time.Second))

	want := []step{
		{model.StageOnboardAcceptance, model.StatusPending, model.StateExecution},
		{model.StageOnboardStart, model.StatusPending, model.StateExecution},
		{model.StageOnboardAcceptance, model.StatusOK, model.StateExecution},
		{model.StageOnboardStart, model.StatusOK, model.StateVerification},
	}
	if got := steps(f.model.Progress(7)); !reflect.DeepEqual(got, want) {
		t.Fatalf("progress = %+v\nwant %+v", got, want)
	}
	ann := f.announcer.Announced(7)
	if len(ann) != 1 || ann[0].Phase != model.PhaseCompleted || !ann[0].At.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("announcements = %+v", ann)
	}
	if f.tracker.Open() != 0 {
		t.Fatalf("command still open after last stage")
	}
	if got := len(f.model.Events()); got != 2 {
		t.Fatalf("events = %d, want 2", got)
	}
}

func TestStartNotLastAnnouncesStarted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tc := tmtctest.Command(3, 0x42, 11, 8, 1, pus.AckFieldFromBits(0x0F), nil)
	f.tracker.RegisterVerificationStages(ctx, tc)

	f.report(t, 3, tc, t0)
	f.report(t, 5, tc, t0)
	f.report(t, 7, tc, t0)

	want := []model.Phase{model.PhaseStarted, model.PhaseCompleted}
	if got := f.announcer.Phases(3); !reflect.DeepEqual(got, want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
}

func TestFailureClosesCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tc := tmtctest.Command(4, 0x42, 12, 8, 1, pus.AckFieldFromBits(0x0F), nil)
	f.tracker.RegisterVerificationStages(ctx, tc)

	f.report(t, 2, tc, t0)
	if got := f.announcer.Phases(4); !reflect.DeepEqual(got, []model.Phase{model.PhaseFailed}) {
		t.Fatalf("phases = %v", got)
	}
	last := f.model.Progress(4)[len(f.model.Progress(4))-1]
	if last.Stage != model.StageOnboardAcceptance || last.Status != model.StatusFatal {
		t.Fatalf("last progress = %+v", last)
	}
	if f.tracker.Open() != 0 {
		t.Fatalf("failed command still open")
	}
	// later reports for the closed command are queued, not applied
	f.report(t, 3, tc, t0)
	if len(f.tracker.Pending(tmtctest.MustID(tc))) != 1 {
		t.Fatalf("report after failure not queued")
	}
}

func TestEarlyReportsReplayLikeLiveOnes(t *testing.T) {
	ctx := context.Background()

	live := newFixture(t)
	tcLive := tmtctest.Command(9, 0x42, 20, 8, 1, acceptStart, nil)
	live.tracker.RegisterVerificationStages(ctx, tcLive)
	live.report(t, 1, tcLive, t0)
	live.report(t, 3, tcLive, t0.Add(time.Second))

	early := newFixture(t)
	tcEarly := tmtctest.Command(9, 0x42, 20, 8, 1, acceptStart, nil)
	early.report(t, 1, tcEarly, t0)
	early.report(t, 3, tcEarly, t0.Add(time.Second))
	if got := len(early.tracker.Pending(tmtctest.MustID(tcEarly))); got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}
	if got := testutil.ToFloat64(early.metrics.PendingReports); got != 1 {
		t.Fatalf("pending gauge = %v, want 1", got)
	}
	early.tracker.RegisterVerificationStages(ctx, tcEarly)

	if got, want := steps(early.model.Progress()), steps(live.model.Progress()); !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed progress = %+v\nlive %+v", got, want)
	}
	if got, want := early.announcer.Phases(), live.announcer.Phases(); !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed phases = %v, live %v", got, want)
	}
	if len(early.tracker.Pending(tmtctest.MustID(tcEarly))) != 0 {
		t.Fatalf("queue not drained")
	}
	if got := testutil.ToFloat64(early.metrics.PendingReports); got != 0 {
		t.Fatalf("pending gauge = %v after replay", got)
	}
}

func TestStaleReportsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tc := tmtctest.Command(5, 0x42, 21, 8, 1, acceptStart, nil)

	f.report(t, 1, tc, t0)
	f.clock.Advance(2 * time.Hour)
	f.tracker.OnTcPhase(ctx, model.PhaseAvailableOnboard, f.clock.Now(), tc)

	for _, p := range f.model.Progress(5) {
		if p.Status != model.StatusPending {
			t.Fatalf("stale report applied: %+v", p)
		}
	}
	stale := testutil.ToFloat64(f.metrics.VerificationReports.WithLabelValues(model.StageOnboardAcceptance, observability.OutcomeStale))
	if stale != 1 {
		t.Fatalf("stale counter = %v", stale)
	}
}

func TestReRegistrationReplacesEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := tmtctest.Command(1, 0x42, 30, 8, 1, pus.AckFieldFromBits(0x0F), nil)
	second := tmtctest.Command(2, 0x42, 30, 8, 1, pus.AckField{Acceptance: true}, nil)

	f.tracker.RegisterVerificationStages(ctx, first)
	f.tracker.RegisterVerificationStages(ctx, second)
	if f.tracker.Open() != 1 {
		t.Fatalf("open = %d, want 1", f.tracker.Open())
	}
	f.report(t, 1, second, t0)

	if got := f.announcer.Phases(2); !reflect.DeepEqual(got, []model.Phase{model.PhaseCompleted}) {
		t.Fatalf("second phases = %v", got)
	}
	if got := f.announcer.Phases(1); len(got) != 0 {
		t.Fatalf("replaced command announced %v", got)
	}
}

func TestUnrecognizedSubType(t *testing.T) {
	f := newFixture(t)
	pkt := tmtctest.VerificationReport(9, 1, t0)
	err := f.tracker.OnTelemetryReport(context.Background(), *pkt.Header, t0, pkt.Packet)
	if !errors.Is(err, ErrUnrecognizedProtocolCode) {
		t.Fatalf("err = %v", err)
	}
	got := testutil.ToFloat64(f.metrics.VerificationReports.WithLabelValues("unknown", observability.OutcomeUnrecognized))
	if got != 1 {
		t.Fatalf("unrecognized counter = %v", got)
	}
}

func TestShortReportRejected(t *testing.T) {
	f := newFixture(t)
	hdr := pus.TmPusHeader{ServiceType: 1, ServiceSubType: 1, EncodedLength: 3}
	raw := pus.BuildPacket(true, 1, 1, true, []byte{0x10, 1, 1})
	if err := f.tracker.OnTelemetryReport(context.Background(), hdr, t0, pus.SpacePacket{Data: raw}); !errors.Is(err, pus.ErrShortPacket) {
		t.Fatalf("err = %v", err)
	}
}

func TestNoStagesRequested(t *testing.T) {
	f := newFixture(t)
	tc := tmtctest.Command(6, 0x42, 40, 8, 1, pus.AckField{}, nil)
	f.tracker.RegisterVerificationStages(context.Background(), tc)

	want := []step{{model.StageOnboardCompletion, model.StatusExpected, model.StateVerification}}
	if got := steps(f.model.Progress(6)); !reflect.DeepEqual(got, want) {
		t.Fatalf("progress = %+v", got)
	}
	if f.tracker.Open() != 0 {
		t.Fatalf("command without stages registered")
	}
}

func TestReceivedOnboardImmediateCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	immediate := tmtctest.Command(10, 0x42, 50, 8, 1, acceptStart, nil)
	timed := tmtctest.Command(11, 0x42, 51, 8, 1, acceptStart, map[string]string{
		model.PropertyScheduledTime: t0.Add(time.Hour).Format(time.RFC3339),
	})

	f.tracker.OnTcPhase(ctx, model.PhaseReceivedOnboard, t0, immediate)
	f.tracker.OnTcPhase(ctx, model.PhaseReceivedOnboard, t0, timed)

	if got := f.announcer.Phases(10); !reflect.DeepEqual(got, []model.Phase{model.PhaseAvailableOnboard}) {
		t.Fatalf("immediate phases = %v", got)
	}
	if got := f.announcer.Phases(11); len(got) != 0 {
		t.Fatalf("time-tagged command announced %v", got)
	}
	p := f.model.Progress(10)
	if len(p) != 1 || p[0].Stage != model.StageOnboardAvailability || p[0].Status != model.StatusOK {
		t.Fatalf("immediate progress = %+v", p)
	}
}

func TestDisposeFailsOpenCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tc := tmtctest.Command(12, 0x42, 60, 8, 1, acceptStart, nil)
	f.tracker.RegisterVerificationStages(ctx, tc)
	f.report(t, 1, tmtctest.Command(99, 0x43, 1, 8, 1, acceptStart, nil), t0)

	f.tracker.Dispose(ctx)
	if got := f.announcer.Phases(12); !reflect.DeepEqual(got, []model.Phase{model.PhaseFailed}) {
		t.Fatalf("phases = %v", got)
	}
	if f.tracker.Open() != 0 {
		t.Fatalf("open after dispose")
	}
	if got := testutil.ToFloat64(f.metrics.OpenVerifications); got != 0 {
		t.Fatalf("open gauge = %v", got)
	}

	// disposed trackers ignore further input
	f.report(t, 3, tc, t0)
	if got := f.announcer.Phases(12); len(got) != 1 {
		t.Fatalf("phases after dispose = %v", got)
	}
}
