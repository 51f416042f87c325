package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/pus-correlator/internal/pus"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc/tmtctest"
	"github.com/signalsfoundry/pus-correlator/model"
)

var t0 = time.Date(2024, 7, 1, 6, 0, 0, 0, time.UTC)

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	msgs []published
}

func (p *fakePublisher) Publish(_ context.Context, topic string, _ int, _ bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, payload: payload})
	return nil
}

type fakeDistributor struct {
	frames []tmtc.Frame
	tm     []*tmtc.TmPacket
	phases []model.Phase
	tcs    []*tmtc.TcTracker
}

func (d *fakeDistributor) DistributeTm(_ context.Context, pkt *tmtc.TmPacket) { d.tm = append(d.tm, pkt) }

func (d *fakeDistributor) DistributeFrame(_ context.Context, f tmtc.Frame) {
	d.frames = append(d.frames, f)
}

func (d *fakeDistributor) InformTc(_ context.Context, phase model.Phase, _ time.Time, tc *tmtc.TcTracker) {
	d.phases = append(d.phases, phase)
	d.tcs = append(d.tcs, tc)
}

func TestTopicsMatch(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"pus/1/tm", "pus/1/tm", true},
		{"pus/1/tm", "pus/1/frames", false},
		{"pus/+/tm", "pus/7/tm", true},
		{"pus/+/tm", "pus/7/tc/phase", false},
		{"pus/#", "pus/7/tc/phase", true},
		{"pus/+/tc/+", "pus/7/tc", false},
	}
	for _, tt := range tests {
		if got := topicsMatch(tt.filter, tt.topic); got != tt.want {
			t.Errorf("topicsMatch(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
	if got := topicFilter("$share/drivers/pus/1/tm"); got != "pus/1/tm" {
		t.Fatalf("topicFilter = %q", got)
	}
}

func TestTopicsDefaultRoot(t *testing.T) {
	topics := NewTopics("", 42)
	if topics.Telemetry() != "pus/42/tm" || topics.Phases() != "pus/42/tc/phase" {
		t.Fatalf("unexpected topics %+v", topics)
	}
	if NewTopics("mission/a", 42).Requests() != "mission/a/activity/requests" {
		t.Fatalf("explicit root ignored")
	}
}

func TestNewClientValidates(t *testing.T) {
	if _, err := NewClient(Config{}, nil); err == nil {
		t.Fatalf("expected error without broker url")
	}
	c, err := NewClient(Config{BrokerURL: "tcp://localhost:1883"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.cfg.ClientID != "pus-driver" || c.cfg.KeepAlive != 60 {
		t.Fatalf("defaults not applied: %+v", c.cfg)
	}
	if err := c.Publish(context.Background(), "x", 0, false, nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Publish before Start = %v", err)
	}
}

func TestClientDispatchesToMatchingHandlers(t *testing.T) {
	c, err := NewClient(Config{BrokerURL: "tcp://localhost:1883"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	var got []string
	c.subscriptions.Store("pus/+/tm", subscriptionEntry{topic: "pus/+/tm", handler: func(_ context.Context, topic string, _ []byte) {
		got = append(got, topic)
	}})
	if !c.dispatch(context.Background(), "pus/3/tm", nil) {
		t.Fatalf("message not matched")
	}
	if c.dispatch(context.Background(), "pus/3/frames", nil) {
		t.Fatalf("unexpected match")
	}
	if len(got) != 1 || got[0] != "pus/3/tm" {
		t.Fatalf("handled %v", got)
	}
}

func TestIngressDecodesMessages(t *testing.T) {
	dist := &fakeDistributor{}
	in := NewIngress(dist, NewTopics("", 1), 1, nil)
	ctx := context.Background()

	frame, _ := json.Marshal(FrameMessage{VirtualChannelID: 0, FrameCount: 512, EarthReceptionTime: t0})
	in.HandleFrame(ctx, "pus/1/frames", frame)

	report := tmtctest.VerificationReport(7, 0x0C020001, t0)
	tm, _ := json.Marshal(TmMessage{
		ID:             9,
		GenerationTime: t0,
		ReceptionTime:  t0.Add(time.Second),
		Frame:          &FrameMessage{FrameCount: 513, EarthReceptionTime: t0},
		Packet:         report.Packet.Data,
		Header:         report.Header,
		DefinitionID:   107,
	})
	in.HandleTm(ctx, "pus/1/tm", tm)

	tc := tmtctest.Command(100, 0x42, 1, 8, 1, pus.AckField{Completion: true}, nil)
	phase, err := EncodePhase(model.PhaseUplinked, t0, tc)
	if err != nil {
		t.Fatalf("EncodePhase: %v", err)
	}
	in.HandlePhase(ctx, "pus/1/tc/phase", phase)

	in.HandleTm(ctx, "pus/1/tm", []byte(`{"packet":"AAA="}`))
	in.HandlePhase(ctx, "pus/1/tc/phase", []byte(`{"phase":"LOST"}`))

	if len(dist.frames) != 1 || dist.frames[0].VirtualChannelFrameCount != 512 {
		t.Fatalf("frames = %+v", dist.frames)
	}
	if len(dist.tm) != 1 {
		t.Fatalf("tm packets = %d", len(dist.tm))
	}
	pkt := dist.tm[0]
	if pkt.Raw.Frame == nil || pkt.Raw.Frame.VirtualChannelFrameCount != 513 {
		t.Fatalf("reference frame lost: %+v", pkt.Raw)
	}
	if k := pkt.Key(); !k.HasPUS || k.ServiceType != 1 || k.ServiceSubType != 7 {
		t.Fatalf("key = %+v", k)
	}
	id, err := pus.ReportedCommandID(pkt.Packet.Data, pkt.Header.EncodedLength)
	if err != nil || id != 0x0C020001 {
		t.Fatalf("reported id = %#x, %v", id, err)
	}
	if len(dist.phases) != 1 || dist.phases[0] != model.PhaseUplinked {
		t.Fatalf("phases = %v", dist.phases)
	}
	if got := dist.tcs[0]; got.Invocation.OccurrenceID != 100 || !got.Header.Is(8, 1) {
		t.Fatalf("tc = %s", got)
	}
}

func TestProcessingModelPublishes(t *testing.T) {
	pub := &fakePublisher{}
	topics := NewTopics("", 1)
	pm := NewProcessingModel(pub, topics, 1, nil)
	ctx := context.Background()

	pm.ReportActivityProgress(ctx, model.ActivityProgress{
		OccurrenceID: 5,
		Stage:        model.StageOnboardCompletion,
		State:        model.StateExecution,
		Status:       model.StatusOK,
		NextState:    model.StateVerification,
	})
	occ, err := pm.StartActivity(ctx, model.ActivityRequest{Path: "ROOT.PUS.SCHEDULING.INSERT_ACTIVITY"})
	if err != nil {
		t.Fatalf("StartActivity: %v", err)
	}

	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages", len(pub.msgs))
	}
	if pub.msgs[0].topic != topics.Progress() {
		t.Fatalf("progress topic = %s", pub.msgs[0].topic)
	}
	var progress ProgressMessage
	if err := json.Unmarshal(pub.msgs[0].payload, &progress); err != nil {
		t.Fatalf("progress payload: %v", err)
	}
	if progress.Status != "OK" || progress.NextState != model.StateVerification.String() {
		t.Fatalf("progress = %+v", progress)
	}

	var req RequestMessage
	if err := json.Unmarshal(pub.msgs[1].payload, &req); err != nil {
		t.Fatalf("request payload: %v", err)
	}
	if req.OccurrenceID != occ || req.RequestID == "" || req.Path != "ROOT.PUS.SCHEDULING.INSERT_ACTIVITY" {
		t.Fatalf("request = %+v, occurrence %d", req, occ)
	}
	if occ >= 1<<53 {
		t.Fatalf("occurrence %d exceeds 53 bits", occ)
	}
}

func TestProcessingModelStartFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("offline")}
	pm := NewProcessingModel(pub, NewTopics("", 1), 1, nil)
	if _, err := pm.StartActivity(context.Background(), model.ActivityRequest{Path: "P"}); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestAnnouncerRepublishesPhases(t *testing.T) {
	pub := &fakePublisher{}
	topics := NewTopics("", 1)
	a := NewAnnouncer(pub, topics, 0, nil)
	tc := tmtctest.Command(100, 0x42, 1, 8, 1, pus.AckField{}, nil)

	a.OnTcPhase(context.Background(), model.PhaseAvailableOnboard, t0, tc)

	if len(pub.msgs) != 1 || pub.msgs[0].topic != topics.Announcements() {
		t.Fatalf("published %+v", pub.msgs)
	}
	phase, at, got, err := DecodePhase(pub.msgs[0].payload)
	if err != nil {
		t.Fatalf("DecodePhase: %v", err)
	}
	if phase != model.PhaseAvailableOnboard || !at.Equal(t0) || got.Invocation.OccurrenceID != 100 {
		t.Fatalf("decoded %v %v %s", phase, at, got)
	}
}
