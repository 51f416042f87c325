// Package driver assembles the packet services of one spacecraft around a
// service broker.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/pus-correlator/internal/clock"
	"github.com/signalsfoundry/pus-correlator/internal/logging"
	"github.com/signalsfoundry/pus-correlator/internal/observability"
	"github.com/signalsfoundry/pus-correlator/internal/scheduling"
	"github.com/signalsfoundry/pus-correlator/internal/timecorr"
	"github.com/signalsfoundry/pus-correlator/internal/timer"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc"
	"github.com/signalsfoundry/pus-correlator/internal/verification"
	"github.com/signalsfoundry/pus-correlator/model"
)

// OrbitConfig enables the orbit based propagation delay when both TLE lines
// are set.
type OrbitConfig struct {
	TLELine1 string                 `mapstructure:"tle_line1"`
	TLELine2 string                 `mapstructure:"tle_line2"`
	Station  timecorr.GroundStation `mapstructure:"station"`
}

// Config is the configuration of one spacecraft driver.
type Config struct {
	SpacecraftID    int                 `mapstructure:"spacecraft_id"`
	TimeCorrelation timecorr.Config     `mapstructure:"time_correlation"`
	Verification    verification.Config `mapstructure:"verification"`
	Scheduling      scheduling.Config   `mapstructure:"scheduling"`
	Orbit           OrbitConfig         `mapstructure:"orbit"`
	// DisposeTimeout bounds how long Dispose waits for queued deliveries.
	DisposeTimeout time.Duration `mapstructure:"dispose_timeout"`
}

// DefaultConfig returns the driver defaults.
func DefaultConfig() Config {
	return Config{
		TimeCorrelation: timecorr.DefaultConfig(),
		Verification:    verification.DefaultConfig(),
		Scheduling:      scheduling.DefaultConfig(),
		DisposeTimeout:  5 * time.Second,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	c.TimeCorrelation.ApplyDefaults()
	c.Verification.ApplyDefaults()
	c.Scheduling.ApplyDefaults()
	if c.DisposeTimeout <= 0 {
		c.DisposeTimeout = DefaultConfig().DisposeTimeout
	}
}

// Dependencies are the collaborators of a driver. Model and Descriptors are
// required.
type Dependencies struct {
	Model       model.ProcessingModel
	Descriptors model.ActivityDescriptorLookup
	Log         logging.Logger
	Metrics     *observability.TrackerCollector
	// Scheduler arms the onboard availability timers; a wall clock scheduler
	// is used when nil.
	Scheduler timer.EventScheduler
	Clock     clock.Clock
	// DelayModel overrides the configured propagation delay.
	DelayModel timecorr.DelayModel
}

// Driver owns the broker and the three packet services.
type Driver struct {
	cfg          Config
	log          logging.Logger
	broker       *tmtc.Broker
	engine       *timecorr.Engine
	verification *verification.Tracker
	scheduling   *scheduling.Tracker
}

// New builds and registers the services.
func New(cfg Config, deps Dependencies) (*Driver, error) {
	if deps.Model == nil {
		return nil, errors.New("driver: processing model is required")
	}
	if deps.Descriptors == nil {
		return nil, errors.New("driver: activity descriptor lookup is required")
	}
	cfg.ApplyDefaults()

	log := deps.Log
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.Int("spacecraft", cfg.SpacecraftID))
	clk := deps.Clock
	if clk == nil {
		clk = clock.System{}
	}
	sched := deps.Scheduler
	if sched == nil {
		sched = timer.NewWallScheduler(clk)
	}

	delay := deps.DelayModel
	if delay == nil && cfg.Orbit.TLELine1 != "" && cfg.Orbit.TLELine2 != "" {
		delay = timecorr.NewOrbitDelay(cfg.Orbit.TLELine1, cfg.Orbit.TLELine2, cfg.Orbit.Station)
		log.Info(context.Background(), "orbit propagation delay enabled",
			logging.Any("station", cfg.Orbit.Station),
		)
	}

	broker := tmtc.NewBroker(tmtc.WithBrokerLogger(log), tmtc.WithBrokerMetrics(deps.Metrics))

	engine, err := timecorr.NewEngine(cfg.TimeCorrelation,
		timecorr.WithDelayModel(delay),
		timecorr.WithLogger(log),
		timecorr.WithMetrics(deps.Metrics),
	)
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("driver: %w", err)
	}

	verif := verification.New(cfg.Verification, broker, deps.Model,
		verification.WithClock(clk),
		verification.WithLogger(log),
		verification.WithMetrics(deps.Metrics),
	)
	schedTracker := scheduling.New(cfg.Scheduling, broker, deps.Model, deps.Descriptors, sched,
		scheduling.WithCorrelation(broker),
		scheduling.WithLogger(log),
		scheduling.WithMetrics(deps.Metrics),
	)

	broker.SetTimeCorrelation(engine)
	broker.RegisterFrames(engine)
	broker.RegisterTm(engine, engine.Filter())
	broker.RegisterTm(verif, verif.Filter())
	broker.RegisterTc(verif, verif.Filter())
	broker.RegisterTc(schedTracker, schedTracker.Filter())

	return &Driver{
		cfg:          cfg,
		log:          log,
		broker:       broker,
		engine:       engine,
		verification: verif,
		scheduling:   schedTracker,
	}, nil
}

// Broker returns the service broker packets and phases are fed into.
func (d *Driver) Broker() *tmtc.Broker { return d.broker }

// TimeCorrelation returns the correlation engine.
func (d *Driver) TimeCorrelation() *timecorr.Engine { return d.engine }

// Verification returns the command verification service.
func (d *Driver) Verification() *verification.Tracker { return d.verification }

// Scheduling returns the onboard scheduling service.
func (d *Driver) Scheduling() *scheduling.Tracker { return d.scheduling }

// Dispose fails every tracked command, waits for the resulting announcements
// to be delivered and stops the broker.
func (d *Driver) Dispose(ctx context.Context) {
	d.scheduling.Dispose(ctx)
	d.verification.Dispose(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.DisposeTimeout)
	defer cancel()
	if err := d.broker.WaitIdle(waitCtx); err != nil {
		d.log.Warn(ctx, "pending deliveries dropped on dispose", logging.Err(err))
	}
	d.engine.Dispose(ctx)
	d.broker.Deregister(d.engine)
	d.broker.Deregister(d.verification)
	d.broker.Deregister(d.scheduling)
	d.broker.Close()
}
