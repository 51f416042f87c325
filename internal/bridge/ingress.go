package bridge

import (
	"context"
	"time"

	"github.com/signalsfoundry/pus-correlator/internal/logging"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc"
	"github.com/signalsfoundry/pus-correlator/model"
)

// Distributor is the broker side of the ingress.
type Distributor interface {
	DistributeTm(ctx context.Context, pkt *tmtc.TmPacket)
	DistributeFrame(ctx context.Context, f tmtc.Frame)
	InformTc(ctx context.Context, phase model.Phase, at time.Time, tc *tmtc.TcTracker)
}

// Ingress feeds received frames, packets and phases into a Distributor.
type Ingress struct {
	dist   Distributor
	topics Topics
	qos    int
	log    logging.Logger
}

// NewIngress returns an ingress for the topics.
func NewIngress(dist Distributor, topics Topics, qos int, log logging.Logger) *Ingress {
	if log == nil {
		log = logging.Noop()
	}
	return &Ingress{dist: dist, topics: topics, qos: qos, log: log}
}

// Subscribe registers the ingress handlers on sub.
func (in *Ingress) Subscribe(ctx context.Context, sub Subscriber) error {
	for topic, h := range map[string]MessageHandler{
		in.topics.Frames():    in.HandleFrame,
		in.topics.Telemetry(): in.HandleTm,
		in.topics.Phases():    in.HandlePhase,
	} {
		if err := sub.Subscribe(ctx, topic, in.qos, h); err != nil {
			return err
		}
	}
	return nil
}

// HandleFrame distributes a frame message.
func (in *Ingress) HandleFrame(ctx context.Context, topic string, payload []byte) {
	f, err := DecodeFrame(payload)
	if err != nil {
		in.log.Warn(ctx, "dropping frame message", logging.String("topic", topic), logging.Err(err))
		return
	}
	in.dist.DistributeFrame(ctx, f)
}

// HandleTm distributes a telemetry message.
func (in *Ingress) HandleTm(ctx context.Context, topic string, payload []byte) {
	pkt, err := DecodeTm(payload)
	if err != nil {
		in.log.Warn(ctx, "dropping telemetry message", logging.String("topic", topic), logging.Err(err))
		return
	}
	in.dist.DistributeTm(ctx, pkt)
}

// HandlePhase announces a phase message.
func (in *Ingress) HandlePhase(ctx context.Context, topic string, payload []byte) {
	phase, at, tc, err := DecodePhase(payload)
	if err != nil {
		in.log.Warn(ctx, "dropping phase message", logging.String("topic", topic), logging.Err(err))
		return
	}
	in.dist.InformTc(ctx, phase, at, tc)
}

// Announcer republishes every phase it receives.
type Announcer struct {
	pub    Publisher
	topics Topics
	qos    int
	log    logging.Logger
}

// NewAnnouncer publishes phases to topics.Announcements().
func NewAnnouncer(pub Publisher, topics Topics, qos int, log logging.Logger) *Announcer {
	if log == nil {
		log = logging.Noop()
	}
	return &Announcer{pub: pub, topics: topics, qos: qos, log: log}
}

func (a *Announcer) OnTcPhase(ctx context.Context, phase model.Phase, at time.Time, tc *tmtc.TcTracker) {
	payload, err := EncodePhase(phase, at, tc)
	if err != nil {
		a.log.Error(ctx, "encode phase", logging.Err(err))
		return
	}
	if err := a.pub.Publish(ctx, a.topics.Announcements(), a.qos, false, payload); err != nil {
		a.log.Warn(ctx, "announce failed",
			logging.String("command", tc.String()),
			logging.String("phase", phase.String()),
			logging.Err(err),
		)
	}
}
