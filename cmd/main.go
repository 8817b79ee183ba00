package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/api"
	"github.com/tejusbharadwaj/solarflux/internal/bus"
	"github.com/tejusbharadwaj/solarflux/internal/cache"
	"github.com/tejusbharadwaj/solarflux/internal/collector"
	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/database"
	server "github.com/tejusbharadwaj/solarflux/internal/grpc"
	"github.com/tejusbharadwaj/solarflux/internal/metrics"
	"github.com/tejusbharadwaj/solarflux/internal/models"
	"github.com/tejusbharadwaj/solarflux/internal/normalize"
	"github.com/tejusbharadwaj/solarflux/internal/quota"
	"github.com/tejusbharadwaj/solarflux/internal/router"
	"github.com/tejusbharadwaj/solarflux/internal/scheduler"
)

// Command solarflux collects photovoltaic telemetry and market prices and
// writes them to a time series store.
//
// Sources:
//   - SolarEdge monitoring API (rate limited, cached per period)
//   - SolarEdge web portal (session login, auto-discovered devices)
//   - SunSpec Modbus TCP (inverter and up to three meters)
//   - aWATTar day-ahead market prices
//
// Usage:
//
//	solarflux [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
//	-once
//	      run every enabled source once and exit
func main() {
	flags := parseFlags()

	appConfig, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := appConfig.Logging.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(appConfig, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}

	if flags.Once {
		err := app.sched.RunAll(ctx)
		app.close(logger)
		if err != nil {
			logger.WithError(err).Error("One-shot run finished with errors")
			os.Exit(1)
		}
		return
	}

	if err := app.serve(ctx, appConfig, logger); err != nil {
		logger.Fatalf("Service error: %v", err)
	}
}

type Flags struct {
	ConfigPath string
	Once       bool
}

func parseFlags() *Flags {
	f := &Flags{}
	flag.StringVar(&f.ConfigPath, "config", "config.yaml", "Path to the configuration file")
	flag.BoolVar(&f.Once, "once", false, "Run every enabled source once and exit")
	flag.Parse()
	return f
}

type app struct {
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	limiter  *quota.Limiter
	store    *cache.Store
	sink     database.Sink
	router   *router.Router
	sched    *scheduler.Scheduler
	health   *server.HealthChecker
}

func build(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.limiter = quota.NewLimiter(logger, quota.WithMetrics(a.metrics))

	sources := enabledSources(cfg)
	storeOpts := []cache.Option{
		cache.WithMetrics(a.metrics),
		cache.WithMemoryEntries(cfg.Cache.MemoryEntries),
	}
	for name, sc := range sources {
		loc, err := sc.Location()
		if err != nil {
			return nil, fmt.Errorf("%s timezone: %w", name, err)
		}
		a.limiter.SetLimits(name, sc.Quota)
		storeOpts = append(storeOpts,
			cache.WithTTL(name, sc.TTL),
			cache.WithLocation(name, loc),
			cache.WithPolicy(name, cache.CalendarPolicy{Grace: sc.SealGrace}),
		)
	}

	store, err := cache.NewStore(cfg.Cache.Dir, logger, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	a.store = store

	sink, err := newSink(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.sink = sink

	a.router = router.New(sink, router.RoutesFromConfig(cfg.Routes), logger,
		router.WithBatchSize(cfg.Storage.BatchSize),
		router.WithFlushInterval(cfg.Storage.FlushInterval),
		router.WithRetry(cfg.Storage.MaxRetries, cfg.Storage.RetryDelay),
		router.WithMetrics(a.metrics),
	)

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	a.health = server.NewHealthChecker(names...)
	a.sched = scheduler.NewScheduler(a.router, a.store, logger,
		scheduler.WithMetrics(a.metrics),
		scheduler.WithStatus(a.health.SetSourceStatus),
	)

	deps := collector.Deps{Store: store, Limiter: a.limiter, Logger: logger, Metrics: a.metrics}
	if err := addPipelines(a.sched, cfg.Sources, deps, logger, a.metrics); err != nil {
		sink.Close()
		return nil, err
	}
	if err := a.router.ValidateMeasurements(a.sched.Measurements()...); err != nil {
		sink.Close()
		return nil, err
	}
	return a, nil
}

func enabledSources(cfg *config.Config) map[string]config.SourceConfig {
	out := make(map[string]config.SourceConfig)
	if cfg.Sources.Official.Enabled {
		out[models.SourceOfficial] = cfg.Sources.Official.SourceConfig
	}
	if cfg.Sources.Web.Enabled {
		out[models.SourceWeb] = cfg.Sources.Web.SourceConfig
	}
	if cfg.Sources.Modbus.Enabled {
		out[models.SourceModbus] = cfg.Sources.Modbus.SourceConfig
	}
	if cfg.Sources.Price.Enabled {
		out[models.SourcePrice] = cfg.Sources.Price.SourceConfig
	}
	return out
}

func addPipelines(sched *scheduler.Scheduler, cfg config.SourcesConfig, deps collector.Deps, logger *logrus.Logger, m *metrics.Metrics) error {
	opts := normalize.Options{Resolver: normalize.NewDeviceResolver(0), Logger: logger, Metrics: m}
	pipeline := func(c collector.Collector, n normalize.Normalizer, endpoints config.Endpoints, sc config.SourceConfig) scheduler.Pipeline {
		loc, _ := sc.Location()
		return scheduler.Pipeline{
			Collector:   c,
			Normalizer:  n,
			Endpoints:   endpoints,
			Schedule:    sc.Schedule,
			HistoryDays: sc.HistoryDays,
			Location:    loc,
		}
	}

	if cfg.Official.Enabled {
		c, err := collector.NewOfficial(cfg.Official, deps)
		if err != nil {
			return err
		}
		sched.Add(pipeline(c, normalize.NewOfficial(opts), cfg.Official.EndpointMap(), cfg.Official.SourceConfig))
	}
	if cfg.Web.Enabled {
		c, err := collector.NewWeb(cfg.Web, deps)
		if err != nil {
			return err
		}
		sched.Add(pipeline(c, normalize.NewWeb(opts), cfg.Web.EndpointMap(), cfg.Web.SourceConfig))
	}
	if cfg.Modbus.Enabled {
		c, err := collector.NewModbus(cfg.Modbus, deps, nil)
		if err != nil {
			return err
		}
		sched.Add(pipeline(c, normalize.NewModbus(opts), cfg.Modbus.EndpointMap(), cfg.Modbus.SourceConfig))
	}
	if cfg.Price.Enabled {
		c, err := collector.NewPrice(cfg.Price, deps)
		if err != nil {
			return err
		}
		sched.Add(pipeline(c, normalize.NewPrice(opts), cfg.Price.EndpointMap(), cfg.Price.SourceConfig))
	}
	return nil
}

func newSink(cfg config.StorageConfig, logger *logrus.Logger) (database.Sink, error) {
	var sink database.Sink
	switch cfg.Backend {
	case "influx":
		sink = database.NewInfluxSink(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, logger)
	default:
		ts, err := database.NewTimescaleSink(cfg.Timescale.DSN(), logger)
		if err != nil {
			return nil, err
		}
		sink = ts
	}

	publishers, err := bus.FromConfig(cfg.Publish, logger)
	if err != nil {
		sink.Close()
		return nil, err
	}
	if len(publishers) > 0 {
		sink = bus.NewMirror(sink, logger, publishers...)
	}
	return sink, nil
}

// serve runs the scheduler and both servers until ctx is canceled.
func (a *app) serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	grpcSrv := server.SetupServer(a.health, logger, a.metrics, server.DefaultServerConfig())
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	admin := &api.Handler{
		Runner:   a.sched,
		Limiter:  a.limiter,
		Gatherer: a.registry,
		Logger:   logger,
		Health:   a.health.Statuses,
		Cache:    a.store.Stats,
		Pending:  a.router.Pending,
	}
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:      admin.NewRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	a.router.Start(ctx)
	if err := a.sched.Start(); err != nil {
		return fmt.Errorf("scheduler error: %w", err)
	}

	errChan := make(chan error, 2)
	go func() {
		logger.WithField("port", cfg.Server.GRPCPort).Info("Starting gRPC server")
		if err := grpcSrv.Serve(lis); err != nil {
			errChan <- fmt.Errorf("grpc server error: %w", err)
		}
	}()
	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("Starting admin HTTP server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-errChan:
	}

	// Perform graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.sched.Stop(shutdownCtx)
	grpcSrv.GracefulStop()
	_ = httpSrv.Shutdown(shutdownCtx)
	a.close(logger)
	logger.Info("Server stopped")
	return serveErr
}

// close flushes buffered points and releases the sink.
func (a *app) close(logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.router.Flush(ctx); err != nil {
		logger.WithError(err).Error("Final flush failed")
	}
	if err := a.sink.Close(); err != nil {
		logger.WithError(err).Warn("Closing storage failed")
	}
}
