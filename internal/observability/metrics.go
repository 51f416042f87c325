package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Report outcomes used as label values of pus_verification_reports_total.
const (
	OutcomeOK           = "ok"
	OutcomeFailed       = "failed"
	OutcomeQueued       = "queued"
	OutcomeUnrecognized = "unrecognized"
	OutcomeStale        = "stale"
)

// Termination reasons used as label values of pus_schedule_terminations_total.
const (
	TerminationExecuted = "executed"
	TerminationFailed   = "failed"
	TerminationReset    = "reset"
	TerminationResolved = "resolved"
	TerminationDisposed = "disposed"
)

// TrackerCollector bundles Prometheus metrics for the verification,
// scheduling and time correlation services, plus the gRPC surface of the
// driver binary.
type TrackerCollector struct {
	gatherer prometheus.Gatherer

	OpenVerifications    prometheus.Gauge
	PendingReports       prometheus.Gauge
	VerificationReports  *prometheus.CounterVec
	LinkedSchedules      prometheus.Gauge
	ScheduleTerminations *prometheus.CounterVec
	TimeCouples          prometheus.Counter
	CorrelationFallbacks prometheus.Counter
	BrokerQueueDepth     prometheus.Gauge
	DeliveryPanics       prometheus.Counter

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewTrackerCollector registers metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewTrackerCollector(reg prometheus.Registerer) (*TrackerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &TrackerCollector{gatherer: gatherer}
	var err error

	if c.OpenVerifications, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pus_open_verifications",
		Help: "Telecommands currently awaiting PUS-1 verification reports.",
	}), "pus_open_verifications"); err != nil {
		return nil, err
	}
	if c.PendingReports, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pus_pending_reports",
		Help: "Command identifiers with verification reports queued ahead of registration.",
	}), "pus_pending_reports"); err != nil {
		return nil, err
	}
	if c.VerificationReports, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pus_verification_reports_total",
		Help: "PUS-1 verification reports handled, labeled by stage and outcome.",
	}, []string{"stage", "outcome"}), "pus_verification_reports_total"); err != nil {
		return nil, err
	}
	if c.LinkedSchedules, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pus_linked_schedules",
		Help: "Time-tagged commands currently tracked through their 11,4 carrier.",
	}), "pus_linked_schedules"); err != nil {
		return nil, err
	}
	if c.ScheduleTerminations, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pus_schedule_terminations_total",
		Help: "Linked schedules removed, labeled by reason.",
	}, []string{"reason"}), "pus_schedule_terminations_total"); err != nil {
		return nil, err
	}
	if c.TimeCouples, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pus_time_couples_total",
		Help: "OBT/UTC couples added to the correlation window.",
	}), "pus_time_couples_total"); err != nil {
		return nil, err
	}
	if c.CorrelationFallbacks, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pus_time_correlation_fallbacks_total",
		Help: "Time conversions served by the reception time approximation.",
	}), "pus_time_correlation_fallbacks_total"); err != nil {
		return nil, err
	}
	if c.BrokerQueueDepth, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pus_broker_queue_depth",
		Help: "Deliveries waiting in the service broker queue.",
	}), "pus_broker_queue_depth"); err != nil {
		return nil, err
	}
	if c.DeliveryPanics, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pus_broker_delivery_panics_total",
		Help: "Subscriber deliveries that panicked and were recovered.",
	}), "pus_broker_delivery_panics_total"); err != nil {
		return nil, err
	}
	if c.RPCRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pus_rpc_requests_total",
		Help: "Total number of handled RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "pus_rpc_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pus_rpc_request_duration_seconds",
		Help:    "RPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"}), "pus_rpc_request_duration_seconds"); err != nil {
		return nil, err
	}

	return c, nil
}

// Gatherer exposes the gatherer used by Handler.
func (c *TrackerCollector) Gatherer() prometheus.Gatherer {
	if c == nil || c.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *TrackerCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{})
}

func (c *TrackerCollector) SetOpenVerifications(n int) {
	if c == nil || c.OpenVerifications == nil {
		return
	}
	c.OpenVerifications.Set(float64(n))
}

func (c *TrackerCollector) SetPendingReports(n int) {
	if c == nil || c.PendingReports == nil {
		return
	}
	c.PendingReports.Set(float64(n))
}

// ObserveReport counts one verification report.
func (c *TrackerCollector) ObserveReport(stage, outcome string) {
	if c == nil || c.VerificationReports == nil {
		return
	}
	c.VerificationReports.WithLabelValues(stage, outcome).Inc()
}

func (c *TrackerCollector) SetLinkedSchedules(n int) {
	if c == nil || c.LinkedSchedules == nil {
		return
	}
	c.LinkedSchedules.Set(float64(n))
}

func (c *TrackerCollector) IncScheduleTermination(reason string) {
	if c == nil || c.ScheduleTerminations == nil {
		return
	}
	c.ScheduleTerminations.WithLabelValues(reason).Inc()
}

func (c *TrackerCollector) IncTimeCouples() {
	if c == nil || c.TimeCouples == nil {
		return
	}
	c.TimeCouples.Inc()
}

func (c *TrackerCollector) IncCorrelationFallback() {
	if c == nil || c.CorrelationFallbacks == nil {
		return
	}
	c.CorrelationFallbacks.Inc()
}

func (c *TrackerCollector) SetBrokerQueueDepth(n int) {
	if c == nil || c.BrokerQueueDepth == nil {
		return
	}
	c.BrokerQueueDepth.Set(float64(n))
}

func (c *TrackerCollector) IncDeliveryPanic() {
	if c == nil || c.DeliveryPanics == nil {
		return
	}
	c.DeliveryPanics.Inc()
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *TrackerCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
