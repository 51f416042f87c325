package tmtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/pus-correlator/internal/pus"
	"github.com/signalsfoundry/pus-correlator/model"
)

type recordingTc struct {
	mu     sync.Mutex
	phases []model.Phase
	onCall func(phase model.Phase, tc *TcTracker)
}

func (r *recordingTc) OnTcPhase(_ context.Context, phase model.Phase, _ time.Time, tc *TcTracker) {
	r.mu.Lock()
	r.phases = append(r.phases, phase)
	r.mu.Unlock()
	if r.onCall != nil {
		r.onCall(phase, tc)
	}
}

func (r *recordingTc) seen() []model.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Phase(nil), r.phases...)
}

type recordingTm struct {
	mu   sync.Mutex
	apid []uint16
}

func (r *recordingTm) OnTmPacket(_ context.Context, pkt *TmPacket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apid = append(r.apid, pkt.Packet.APID())
}

type panicking struct{}

func (panicking) OnTcPhase(context.Context, model.Phase, time.Time, *TcTracker) { panic("boom") }

func testTc(serviceType, subType uint8) *TcTracker {
	return &TcTracker{
		Packet: pus.SpacePacket{Data: pus.BuildPacket(false, 0x42, 1, true, []byte{0x19, serviceType, subType, 0})},
		Header: pus.TcPusHeader{ServiceType: serviceType, ServiceSubType: subType, SourceID: -1},
	}
}

func waitIdle(t *testing.T, b *Broker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func TestReentrantAnnouncementDoesNotDeadlock(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	rec := &recordingTc{}
	rec.onCall = func(phase model.Phase, tc *TcTracker) {
		if phase == model.PhaseReceivedOnboard {
			b.InformTc(context.Background(), model.PhaseAvailableOnboard, time.Now(), tc)
		}
	}
	b.RegisterTc(rec, Telecommands)

	b.InformTc(context.Background(), model.PhaseReceivedOnboard, time.Now(), testTc(17, 1))
	waitIdle(t, b)

	got := rec.seen()
	if len(got) != 2 || got[0] != model.PhaseReceivedOnboard || got[1] != model.PhaseAvailableOnboard {
		t.Fatalf("phases = %v", got)
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	rec := &recordingTc{}
	b.RegisterTc(panicking{}, nil)
	b.RegisterTc(rec, nil)

	b.InformTc(context.Background(), model.PhaseReleased, time.Now(), testTc(8, 1))
	b.InformTc(context.Background(), model.PhaseUplinked, time.Now(), testTc(8, 1))
	waitIdle(t, b)

	if got := rec.seen(); len(got) != 2 {
		t.Fatalf("second subscriber saw %v", got)
	}
}

func TestTmFilteringAndDeregister(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	timePackets := &recordingTm{}
	verification := &recordingTm{}
	b.RegisterTm(timePackets, TelemetryAPID(0))
	b.RegisterTm(verification, TelemetryService(1))

	report := &TmPacket{
		Packet: pus.SpacePacket{Data: pus.BuildPacket(true, 0x42, 1, true, []byte{0x10, 1, 7, 0})},
		Header: &pus.TmPusHeader{ServiceType: 1, ServiceSubType: 7, DestinationID: 0, EncodedLength: 4},
	}
	timePkt := &TmPacket{Packet: pus.SpacePacket{Data: pus.BuildPacket(true, 0, 1, false, []byte{0, 0, 0, 0})}}

	b.DistributeTm(context.Background(), report)
	b.DistributeTm(context.Background(), timePkt)
	waitIdle(t, b)

	if len(timePackets.apid) != 1 || timePackets.apid[0] != 0 {
		t.Fatalf("time subscriber saw %v", timePackets.apid)
	}
	if len(verification.apid) != 1 || verification.apid[0] != 0x42 {
		t.Fatalf("verification subscriber saw %v", verification.apid)
	}

	b.Deregister(verification)
	b.DistributeTm(context.Background(), report)
	waitIdle(t, b)
	if len(verification.apid) != 1 {
		t.Fatalf("deregistered subscriber still receives packets")
	}
}

func TestTelecommandFilterSeesServiceType(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	only11 := &recordingTc{}
	b.RegisterTc(only11, func(k PacketKey) bool { return !k.Telemetry && k.ServiceType == 11 })

	b.InformTc(context.Background(), model.PhaseReleased, time.Now(), testTc(17, 1))
	b.InformTc(context.Background(), model.PhaseReleased, time.Now(), testTc(11, 4))
	waitIdle(t, b)

	if got := only11.seen(); len(got) != 1 {
		t.Fatalf("filtered subscriber saw %v", got)
	}
}

type fixedCorrelator struct{}

func (fixedCorrelator) ToUTC(obt, _ time.Time) time.Time { return obt.Add(time.Second) }
func (fixedCorrelator) ToOBT(utc time.Time) time.Time    { return utc.Add(-time.Second) }

func TestTimeCorrelationLocator(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	if b.TimeCorrelation() != nil {
		t.Fatalf("expected no correlator before publication")
	}
	b.SetTimeCorrelation(fixedCorrelator{})
	if b.TimeCorrelation() == nil {
		t.Fatalf("correlator not published")
	}
}

func TestCloseDrainsAndDrops(t *testing.T) {
	b := NewBroker()
	rec := &recordingTc{}
	b.RegisterTc(rec, nil)
	b.InformTc(context.Background(), model.PhaseReleased, time.Now(), testTc(8, 1))
	b.Close()
	if got := rec.seen(); len(got) != 1 {
		t.Fatalf("queued delivery lost on Close: %v", got)
	}
	b.InformTc(context.Background(), model.PhaseUplinked, time.Now(), testTc(8, 1))
	if err := b.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle after Close: %v", err)
	}
	if got := rec.seen(); len(got) != 1 {
		t.Fatalf("delivery accepted after Close: %v", got)
	}
}
