// Package timecorr correlates onboard time with ground UTC from time packets
// and the frames that carried them.
package timecorr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalsfoundry/pus-correlator/internal/logging"
	"github.com/signalsfoundry/pus-correlator/internal/observability"
	"github.com/signalsfoundry/pus-correlator/internal/pus"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc"
)

// Config controls the correlation engine.
type Config struct {
	// WindowSize is the number of most recent couples used by the fit.
	WindowSize int `mapstructure:"window_size"`
	// GenerationPeriod is the number of VC frames between time packets.
	GenerationPeriod int `mapstructure:"generation_period"`
	// GenerationPeriodReported means each time packet starts with a rate octet
	// n announcing a period of 2^n frames.
	GenerationPeriodReported bool          `mapstructure:"generation_period_reported"`
	OnboardDelay             time.Duration `mapstructure:"onboard_delay"`
	PropagationDelay         time.Duration `mapstructure:"propagation_delay"`
	// MaximumFrameDelay bounds how far apart the reference frame and the time
	// packet may be received.
	MaximumFrameDelay time.Duration `mapstructure:"maximum_frame_delay"`
	// UseReceptionTime forces the reception time approximation.
	UseReceptionTime bool          `mapstructure:"use_reception_time"`
	TimePacketAPID   uint16        `mapstructure:"time_packet_apid"`
	VirtualChannel   int           `mapstructure:"virtual_channel"`
	CUC              pus.CUCFormat `mapstructure:"cuc"`
	// Epoch of the onboard time code in RFC 3339. Empty means the CCSDS epoch.
	Epoch string `mapstructure:"epoch"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:        16,
		GenerationPeriod:  256,
		MaximumFrameDelay: 1200 * time.Second,
		CUC:               pus.DefaultCUCFormat(),
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.GenerationPeriod <= 0 {
		c.GenerationPeriod = d.GenerationPeriod
	}
	if c.MaximumFrameDelay <= 0 {
		c.MaximumFrameDelay = d.MaximumFrameDelay
	}
	if !c.CUC.ExplicitPField && c.CUC.CoarseOctets == 0 {
		c.CUC.CoarseOctets = d.CUC.CoarseOctets
		c.CUC.FineOctets = d.CUC.FineOctets
	}
}

// TimeSample is one (OBT, UTC) couple.
type TimeSample struct {
	OBT time.Time
	UTC time.Time
}

type fitResult struct {
	version uint64
	coeffs  Coefficients
	err     error
}

// Engine maintains the sliding correlation window and converts times.
// All methods are safe for concurrent use.
type Engine struct {
	cfg     Config
	delay   DelayModel
	log     logging.Logger
	metrics *observability.TrackerCollector

	period atomic.Int64

	mu      sync.Mutex
	samples []TimeSample // newest first
	frames  []tmtc.Frame // newest first
	version uint64

	fit atomic.Pointer[fitResult]
}

// Option customises an Engine.
type Option func(*Engine)

// WithDelayModel replaces the static propagation delay.
func WithDelayModel(d DelayModel) Option {
	return func(e *Engine) {
		if d != nil {
			e.delay = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *observability.TrackerCollector) Option {
	return func(e *Engine) { e.metrics = c }
}

// NewEngine builds an engine from cfg.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	cfg.ApplyDefaults()
	if cfg.Epoch != "" {
		epoch, err := time.Parse(time.RFC3339Nano, cfg.Epoch)
		if err != nil {
			return nil, fmt.Errorf("time correlation epoch %q: %w", cfg.Epoch, err)
		}
		cfg.CUC.Epoch = epoch.UTC()
	}

	e := &Engine{
		cfg:   cfg,
		delay: StaticDelay(cfg.PropagationDelay),
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logging.String("component", "time-correlation"))
	e.period.Store(int64(cfg.GenerationPeriod))
	return e, nil
}

// AddTimeCouple inserts a couple at the head of the window, evicting the
// oldest one when full.
func (e *Engine) AddTimeCouple(obt, utc time.Time) {
	e.mu.Lock()
	e.samples = append([]TimeSample{{OBT: obt, UTC: utc}}, e.samples...)
	if len(e.samples) > e.cfg.WindowSize {
		e.samples = e.samples[:e.cfg.WindowSize]
	}
	e.version++
	e.mu.Unlock()

	e.metrics.IncTimeCouples()
}

// Samples returns a copy of the window, newest first.
func (e *Engine) Samples() []TimeSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]TimeSample(nil), e.samples...)
}

// Reset empties the window and the frame history.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.samples = nil
	e.frames = nil
	e.version++
	e.mu.Unlock()
}

// Dispose drops the correlation state.
func (e *Engine) Dispose(context.Context) { e.Reset() }

// GenerationPeriod returns the current frames-per-sample period.
func (e *Engine) GenerationPeriod() int { return int(e.period.Load()) }

// SetGenerationPeriod changes the frames-per-sample period.
func (e *Engine) SetGenerationPeriod(p int) {
	if p <= 0 {
		return
	}
	e.period.Store(int64(p))
}

// Coefficients returns the fit over the current window.
func (e *Engine) Coefficients() (Coefficients, error) {
	e.mu.Lock()
	version := e.version
	if cached := e.fit.Load(); cached != nil && cached.version == version {
		e.mu.Unlock()
		return cached.coeffs, cached.err
	}
	points := make([]Point, len(e.samples))
	for i, s := range e.samples {
		points[i] = Point{X: toDecimal(s.OBT), Y: toDecimal(s.UTC)}
	}
	e.mu.Unlock()

	coeffs, err := Fit(points)
	e.fit.Store(&fitResult{version: version, coeffs: coeffs, err: err})
	return coeffs, err
}

// ToUTC converts an onboard time to UTC. Without a fit it falls back to
// ert minus propagation and onboard delays, or returns obt when ert is zero.
func (e *Engine) ToUTC(obt, ert time.Time) time.Time {
	if !e.cfg.UseReceptionTime {
		if c, err := e.Coefficients(); err == nil {
			return fromDecimal(c.Apply(toDecimal(obt)))
		}
	}
	e.metrics.IncCorrelationFallback()
	if ert.IsZero() {
		return obt
	}
	return e.receptionToUTC(ert)
}

// ToOBT converts a UTC time to onboard time. Without a fit the two scales are
// assumed aligned.
func (e *Engine) ToOBT(utc time.Time) time.Time {
	if !e.cfg.UseReceptionTime {
		if c, err := e.Coefficients(); err == nil {
			if x, err := c.Invert(toDecimal(utc)); err == nil {
				return fromDecimal(x)
			}
		}
	}
	e.metrics.IncCorrelationFallback()
	return utc
}

func (e *Engine) receptionToUTC(ert time.Time) time.Time {
	return ert.Add(-e.delay.PropagationDelay(ert)).Add(-e.cfg.OnboardDelay)
}

// Filter selects the time packets.
func (e *Engine) Filter() tmtc.PacketFilter {
	return tmtc.TelemetryAPID(e.cfg.TimePacketAPID)
}

// OnFrame keeps frames of the time virtual channel whose count marks a time
// packet generation.
func (e *Engine) OnFrame(_ context.Context, f tmtc.Frame) {
	if f.VirtualChannelID != e.cfg.VirtualChannel {
		return
	}
	if f.VirtualChannelFrameCount%e.GenerationPeriod() != 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append([]tmtc.Frame{f}, e.frames...)
	if len(e.frames) > e.cfg.WindowSize {
		e.frames = e.frames[:e.cfg.WindowSize]
	}
}

// OnTmPacket extracts the onboard time of a time packet and couples it with the
// reception time of its reference frame.
func (e *Engine) OnTmPacket(ctx context.Context, pkt *tmtc.TmPacket) {
	if pkt == nil || !pkt.Packet.Telemetry() || pkt.Packet.APID() != e.cfg.TimePacketAPID {
		return
	}
	off := pus.PrimaryHeaderLength
	if pkt.Header != nil {
		off += pkt.Header.EncodedLength
	}
	data := pkt.Packet.Data
	if len(data) <= off {
		e.log.Warn(ctx, "time packet without time field", logging.Int("length", len(data)))
		return
	}
	if e.cfg.GenerationPeriodReported {
		rate := data[off]
		off++
		if rate < 31 {
			e.SetGenerationPeriod(1 << rate)
		}
	}
	obt, _, err := pus.DecodeCUC(data[off:], e.cfg.CUC)
	if err != nil {
		e.log.Warn(ctx, "cannot decode onboard time", logging.Err(err))
		return
	}

	frame, ok := e.referenceFrame(pkt)
	if !ok {
		e.log.Debug(ctx, "no reference frame for time packet",
			logging.Time("obt", obt),
			logging.Time("reception_time", pkt.Raw.ReceptionTime),
		)
		return
	}
	utc := e.receptionToUTC(frame.EarthReceptionTime)
	e.AddTimeCouple(obt, utc)
	e.log.Debug(ctx, "time couple added", logging.Time("obt", obt), logging.Time("utc", utc))
}

func (e *Engine) referenceFrame(pkt *tmtc.TmPacket) (tmtc.Frame, bool) {
	ert := pkt.Raw.ReceptionTime
	target := -1
	if pkt.Raw.Frame != nil {
		fc := pkt.Raw.Frame.VirtualChannelFrameCount
		target = fc - fc%e.GenerationPeriod()
		if ert.IsZero() {
			ert = pkt.Raw.Frame.EarthReceptionTime
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.frames {
		if target >= 0 && f.VirtualChannelFrameCount != target {
			continue
		}
		gap := ert.Sub(f.EarthReceptionTime)
		if gap < 0 {
			gap = -gap
		}
		if gap <= e.cfg.MaximumFrameDelay {
			return f, true
		}
	}
	return tmtc.Frame{}, false
}

func toDecimal(t time.Time) decimal.Decimal {
	return decimal.New(t.Unix(), 0).Add(decimal.New(int64(t.Nanosecond()), -Precision))
}

func fromDecimal(d decimal.Decimal) time.Time {
	d = d.Round(Precision)
	secs := d.Floor()
	nanos := d.Sub(secs).Shift(Precision).IntPart()
	return time.Unix(secs.IntPart(), nanos).UTC()
}
