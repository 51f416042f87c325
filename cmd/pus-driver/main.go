package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/pus-correlator/internal/bridge"
	"github.com/signalsfoundry/pus-correlator/internal/catalog"
	"github.com/signalsfoundry/pus-correlator/internal/config"
	"github.com/signalsfoundry/pus-correlator/internal/driver"
	"github.com/signalsfoundry/pus-correlator/internal/logging"
	"github.com/signalsfoundry/pus-correlator/internal/observability"
)

func main() {
	fs := pflag.NewFlagSet("pus-driver", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pus-driver: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(context.Background(), "pus driver exited", logging.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log logging.Logger) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewTrackerCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.Server.MetricsAddr, collector, log)

	if !cfg.MQTT.Enabled() {
		return errors.New("no mqtt broker configured")
	}
	client, err := bridge.NewClient(cfg.MQTT, log)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt client: %w", err)
	}
	topics := bridge.NewTopics(cfg.MQTT.TopicRoot, cfg.Driver.SpacecraftID)

	d, err := driver.New(cfg.Driver, driver.Dependencies{
		Model:       bridge.NewProcessingModel(client, topics, cfg.MQTT.QoS, log),
		Descriptors: loadCatalog(log, cfg.Catalog),
		Log:         log,
		Metrics:     collector,
	})
	if err != nil {
		return err
	}
	d.Broker().RegisterTc(bridge.NewAnnouncer(client, topics, cfg.MQTT.QoS, log), nil)
	ingress := bridge.NewIngress(d.Broker(), topics, cfg.MQTT.QoS, log)

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(collector.UnaryServerInterceptor()),
	)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "starting gRPC health server", logging.String("addr", cfg.Server.GRPCAddr))
		return server.Serve(lis)
	})
	g.Go(func() error {
		if err := client.AwaitConnection(gctx); err != nil {
			return nil
		}
		if err := ingress.Subscribe(gctx, client); err != nil {
			return fmt.Errorf("subscribe ingress: %w", err)
		}
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		log.Info(gctx, "pus driver ready",
			logging.Int("spacecraft", cfg.Driver.SpacecraftID),
			logging.String("topics", topics.Root),
		)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down pus driver")
		healthSrv.Shutdown()
		server.GracefulStop()
		return nil
	})
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Dispose(shutdownCtx)
	client.Disconnect(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func serveMetrics(addr string, collector *observability.TrackerCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// loadCatalog returns the descriptors in path, or an empty catalog when the
// file cannot be read. Time-tagged commands then fail to dispatch.
func loadCatalog(log logging.Logger, path string) *catalog.Catalog {
	if path == "" {
		return catalog.New()
	}
	c, err := catalog.Load(path)
	if err != nil {
		log.Warn(context.Background(), "skipping activity catalog", logging.String("path", path), logging.Err(err))
		return catalog.New()
	}
	log.Info(context.Background(), "loaded activity catalog",
		logging.String("path", path),
		logging.Int("count", c.Len()),
	)
	return c
}
