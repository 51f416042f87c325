package tmtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/pus-correlator/internal/logging"
	"github.com/signalsfoundry/pus-correlator/internal/observability"
	"github.com/signalsfoundry/pus-correlator/model"
	"go.opentelemetry.io/otel/attribute"
)

type tmEntry struct {
	sub    TmSubscriber
	filter PacketFilter
}

type tcEntry struct {
	sub    TcSubscriber
	filter PacketFilter
}

type delivery struct {
	ctx  context.Context
	name string
	run  func(ctx context.Context)
}

// Broker routes telemetry, frames and telecommand phase announcements to the
// registered services.
//
// Deliveries are queued without bound and run one at a time on a single
// goroutine in submission order, so a subscriber may announce further phases
// from inside its callback without deadlocking. A panicking subscriber is
// recovered and does not affect the others.
type Broker struct {
	log     logging.Logger
	metrics *observability.TrackerCollector

	subMu      sync.RWMutex
	tm         []tmEntry
	tc         []tcEntry
	frames     []FrameSubscriber
	correlator TimeCorrelator

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	idle   chan struct{} // non-nil while work is outstanding
	closed bool
	done   chan struct{}
}

// BrokerOption customises a Broker.
type BrokerOption func(*Broker)

// WithBrokerLogger sets the broker logger.
func WithBrokerLogger(l logging.Logger) BrokerOption {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithBrokerMetrics attaches a metrics collector.
func WithBrokerMetrics(c *observability.TrackerCollector) BrokerOption {
	return func(b *Broker) { b.metrics = c }
}

// NewBroker starts a broker and its delivery goroutine.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		log:  logging.Noop(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(logging.String("component", "broker"))
	b.cond = sync.NewCond(&b.mu)
	go b.loop()
	return b
}

// RegisterTm subscribes to telemetry accepted by filter. A nil filter accepts
// everything.
func (b *Broker) RegisterTm(sub TmSubscriber, filter PacketFilter) {
	if filter == nil {
		filter = AcceptAll
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.tm = append(b.tm, tmEntry{sub: sub, filter: filter})
}

// RegisterTc subscribes to phase announcements of commands accepted by filter.
func (b *Broker) RegisterTc(sub TcSubscriber, filter PacketFilter) {
	if filter == nil {
		filter = AcceptAll
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.tc = append(b.tc, tcEntry{sub: sub, filter: filter})
}

// RegisterFrames subscribes to transfer frames.
func (b *Broker) RegisterFrames(sub FrameSubscriber) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.frames = append(b.frames, sub)
}

// Deregister removes sub from every subscription list.
func (b *Broker) Deregister(sub any) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	tm := b.tm[:0]
	for _, e := range b.tm {
		if any(e.sub) != sub {
			tm = append(tm, e)
		}
	}
	b.tm = tm

	tc := b.tc[:0]
	for _, e := range b.tc {
		if any(e.sub) != sub {
			tc = append(tc, e)
		}
	}
	b.tc = tc

	frames := b.frames[:0]
	for _, f := range b.frames {
		if any(f) != sub {
			frames = append(frames, f)
		}
	}
	b.frames = frames
}

// SetTimeCorrelation publishes the time correlation service.
func (b *Broker) SetTimeCorrelation(c TimeCorrelator) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.correlator = c
}

// TimeCorrelation returns the published time correlation service or nil.
func (b *Broker) TimeCorrelation() TimeCorrelator {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return b.correlator
}

// DistributeTm queues pkt for every telemetry subscriber whose filter accepts it.
func (b *Broker) DistributeTm(ctx context.Context, pkt *TmPacket) {
	if pkt == nil {
		return
	}
	b.enqueue(ctx, "distribute-tm", func(ctx context.Context) {
		key := pkt.Key()
		b.subMu.RLock()
		subs := append([]tmEntry(nil), b.tm...)
		b.subMu.RUnlock()
		for _, e := range subs {
			if e.filter(key) {
				b.safely(ctx, "tm", func() { e.sub.OnTmPacket(ctx, pkt) })
			}
		}
	})
}

// DistributeFrame queues f for every frame subscriber.
func (b *Broker) DistributeFrame(ctx context.Context, f Frame) {
	b.enqueue(ctx, "distribute-frame", func(ctx context.Context) {
		b.subMu.RLock()
		subs := append([]FrameSubscriber(nil), b.frames...)
		b.subMu.RUnlock()
		for _, s := range subs {
			b.safely(ctx, "frame", func() { s.OnFrame(ctx, f) })
		}
	})
}

// InformTc queues a phase announcement for every telecommand subscriber whose
// filter accepts tc.
func (b *Broker) InformTc(ctx context.Context, phase model.Phase, at time.Time, tc *TcTracker) {
	if tc == nil {
		return
	}
	b.enqueue(ctx, "inform-tc", func(ctx context.Context) {
		ctx, span := observability.StartSpan(ctx, "broker/inform-tc", "activity_occurrence",
			fmt.Sprint(tc.Invocation.OccurrenceID), attribute.String("phase", phase.String()))
		defer span.End()

		key := tc.Key()
		b.subMu.RLock()
		subs := append([]tcEntry(nil), b.tc...)
		b.subMu.RUnlock()
		for _, e := range subs {
			if e.filter(key) {
				b.safely(ctx, "tc", func() { e.sub.OnTcPhase(ctx, phase, at, tc) })
			}
		}
	})
}

// WaitIdle blocks until every queued delivery, including those queued by
// subscribers while running, has completed.
func (b *Broker) WaitIdle(ctx context.Context) error {
	b.mu.Lock()
	ch := b.idle
	b.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting deliveries, drains what is queued and stops the
// delivery goroutine.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
}

func (b *Broker) enqueue(ctx context.Context, name string, run func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.log.Warn(ctx, "broker closed; delivery dropped", logging.String("delivery", name))
		return
	}
	b.queue = append(b.queue, delivery{ctx: ctx, name: name, run: run})
	if b.idle == nil {
		b.idle = make(chan struct{})
	}
	depth := len(b.queue)
	b.cond.Signal()
	b.mu.Unlock()

	b.metrics.SetBrokerQueueDepth(depth)
}

func (b *Broker) loop() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.markIdleLocked()
			b.mu.Unlock()
			return
		}
		d := b.queue[0]
		b.queue[0] = delivery{}
		b.queue = b.queue[1:]
		depth := len(b.queue)
		b.mu.Unlock()

		b.metrics.SetBrokerQueueDepth(depth)
		d.run(d.ctx)

		b.mu.Lock()
		if len(b.queue) == 0 {
			b.markIdleLocked()
		}
		b.mu.Unlock()
	}
}

func (b *Broker) markIdleLocked() {
	if b.idle != nil {
		close(b.idle)
		b.idle = nil
	}
}

func (b *Broker) safely(ctx context.Context, kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.IncDeliveryPanic()
			b.log.Error(ctx, "subscriber panicked",
				logging.String("kind", kind),
				logging.Any("panic", r),
			)
		}
	}()
	fn()
}
