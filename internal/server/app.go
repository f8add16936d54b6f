// Package server builds the analyzer's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-url-analyzer/internal/api"
	"github.com/JakeFAU/realtime-url-analyzer/internal/config"
	"github.com/JakeFAU/realtime-url-analyzer/internal/hub"
	"github.com/JakeFAU/realtime-url-analyzer/internal/logging"
	"github.com/JakeFAU/realtime-url-analyzer/internal/metrics"
	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
	"github.com/JakeFAU/realtime-url-analyzer/internal/progress"
	"github.com/JakeFAU/realtime-url-analyzer/internal/telemetry"
	"github.com/JakeFAU/realtime-url-analyzer/internal/worker"
)

// Role selects which parts of the pipeline a process runs.
type Role string

// Process roles.
const (
	// RoleServe runs the gateway, the status hub, and the HTTP API. With
	// Options.Workers it also runs both worker stages in-process.
	RoleServe     Role = "serve"
	RoleProcessor Role = "processor"
	RoleEvaluator Role = "evaluator"
)

// closeTimeout bounds Close when Build fails part way.
const closeTimeout = 5 * time.Second

// Options control Build beyond what the config file carries.
type Options struct {
	Role    Role
	Workers bool
	Version string
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger

	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	providers *telemetry.Providers

	broker   pipeline.Broker
	cache    pipeline.ResultCache
	requests pipeline.RequestStore
	content  pipeline.ContentStore
	events   pipeline.StatusPublisher
	fetcher  pipeline.Fetcher

	hub      *hub.Hub
	recorder *progress.Recorder
	handler  http.Handler
	runners  []worker.Runner
	checks   map[string]api.Pinger

	// closers run in reverse order of registration.
	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build creates the application's dependencies for opts.Role.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	if opts.Role == "" {
		opts.Role = RoleServe
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Component:   string(opts.Role),
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		checks: make(map[string]api.Pinger),
	}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			_ = app.Close(closeCtx)
		}
	}()

	logger.Info("building application",
		zap.String("role", string(opts.Role)),
		zap.Bool("in_process_workers", opts.Workers),
		zap.String("broker", cfg.Broker.Type),
		zap.String("cache", cfg.Cache.Type),
		zap.String("storage", cfg.Storage.Backend),
		zap.Int("port", cfg.Server.Port),
	)

	if opts.Role != RoleServe && !cfg.Broker.StatusRelay {
		return nil, errors.New("standalone workers need a shared broker; set broker.type to redis or pubsub")
	}

	if err := app.setupObservability(ctx); err != nil {
		return nil, err
	}
	if err := app.setupBroker(ctx); err != nil {
		return nil, err
	}
	if err := app.setupStores(ctx); err != nil {
		return nil, err
	}
	if err := app.setupCache(); err != nil {
		return nil, err
	}

	switch opts.Role {
	case RoleServe:
		if err := app.setupStatus(); err != nil {
			return nil, err
		}
		if err := app.setupAPI(); err != nil {
			return nil, err
		}
		if opts.Workers {
			if err := app.setupProcessor(); err != nil {
				return nil, err
			}
			if err := app.setupEvaluator(); err != nil {
				return nil, err
			}
		}
	case RoleProcessor:
		app.events = hub.NewBrokerPublisher(app.broker, cfg.Broker.StatusQueue)
		if err := app.setupProcessor(); err != nil {
			return nil, err
		}
		app.handler = app.opsHandler()
	case RoleEvaluator:
		app.events = hub.NewBrokerPublisher(app.broker, cfg.Broker.StatusQueue)
		if err := app.setupEvaluator(); err != nil {
			return nil, err
		}
		app.handler = app.opsHandler()
	default:
		return nil, fmt.Errorf("unknown role %q", opts.Role)
	}
	return app, nil
}

func (a *App) setupObservability(ctx context.Context) error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.cfg.Metrics.Enabled {
		a.metrics = metrics.New(a.registry)
	}

	var reg prometheus.Registerer
	if a.cfg.Metrics.Enabled {
		reg = a.registry
	}
	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: a.cfg.Metrics.ServiceName + "-" + string(a.opts.Role),
		Version:     a.opts.Version,
		ProjectID:   a.cfg.Metrics.ProjectID,
		SampleRatio: a.cfg.Metrics.SampleRatio,
		Registerer:  reg,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	a.providers = providers
	a.onClose("telemetry", providers.Shutdown)
	return nil
}

// opsHandler serves health, readiness, and metrics for worker-only processes.
func (a *App) opsHandler() http.Handler {
	return api.NewServer(api.Options{
		Checks:   a.checks,
		Metrics:  a.metrics,
		Gatherer: a.registry,
		Logger:   a.logger,
	}).Handler()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the HTTP server and every runner, blocking until ctx is
// canceled, a signal arrives, or a component fails. It closes the App
// before returning.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTimeout := a.cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = closeTimeout
	}
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	pool := worker.NewPool(a.logger, a.runners...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		// Ends open status streams so Shutdown does not wait on them.
		if a.hub != nil {
			a.hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close releases every resource Build acquired.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
