// Package app assembles the delivery pipeline from configuration and
// runs it: destination handlers, resource monitor, tracing, the admin
// HTTP server and the config hot-reload watcher.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"layerlog/internal/config"
	"layerlog/internal/handlers"
	"layerlog/internal/pipeline"
	"layerlog/pkg/monitoring"
	"layerlog/pkg/tracing"
	"layerlog/pkg/types"

	"github.com/sirupsen/logrus"
)

// App owns one running pipeline and its supporting services. A config
// reload replaces the pipeline wholesale; the old instance drains
// before the swap completes.
type App struct {
	configFile string
	logger     *logrus.Logger

	mu       sync.RWMutex
	config   *types.Config
	pipeline *pipeline.Pipeline

	monitor  *monitoring.ResourceMonitor
	reloader *config.Reloader
	server   *adminServer

	tracingShutdown tracing.ShutdownFunc
}

// New loads the configuration and builds the application. Nothing is
// started yet.
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.App)
	if err != nil {
		return nil, err
	}

	app := &App{
		configFile: configFile,
		logger:     logger,
		config:     cfg,
		monitor:    monitoring.NewResourceMonitor(cfg.Monitor, logger),
	}

	p, err := app.buildPipeline(cfg)
	if err != nil {
		return nil, err
	}
	app.pipeline = p

	if cfg.Server.Enabled {
		app.server = newAdminServer(cfg.Server, app, logger)
	}
	return app, nil
}

// Run starts every service and blocks until SIGINT or SIGTERM, then
// drains and shuts everything down.
func (app *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.Init(ctx, app.config.Tracing, app.logger)
	if err != nil {
		return err
	}
	app.tracingShutdown = shutdown

	app.monitor.Start(ctx)

	if err := app.startPipelineWithRecovery(); err != nil {
		return err
	}

	if app.configFile != "" {
		reloader, err := config.NewReloader(app.configFile, app.onReload, app.logger)
		if err != nil {
			app.logger.WithError(err).Warn("Config hot reload unavailable")
		} else {
			app.reloader = reloader
			reloader.Start(ctx)
		}
	}

	if app.server != nil {
		app.server.Start()
	}

	app.logger.WithFields(logrus.Fields{
		"name":        app.config.App.Name,
		"environment": app.config.App.Environment,
	}).Info("Application started")

	<-ctx.Done()
	app.logger.Info("Shutdown signal received, draining")
	return app.shutdown()
}

// Pipeline returns the current pipeline instance.
func (app *App) Pipeline() *pipeline.Pipeline {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.pipeline
}

// Config returns the currently active configuration.
func (app *App) Config() *types.Config {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.config
}

func (app *App) shutdown() error {
	if app.reloader != nil {
		app.reloader.Stop()
	}
	if app.server != nil {
		app.server.Stop()
	}

	err := app.Pipeline().Close(context.Background())
	if err != nil {
		app.logger.WithError(err).Error("Pipeline drain failed")
	}

	app.monitor.Stop()
	if app.tracingShutdown != nil {
		if terr := app.tracingShutdown(context.Background()); terr != nil {
			app.logger.WithError(terr).Warn("Tracing shutdown failed")
		}
	}

	app.logger.Info("Application stopped")
	return err
}

// startPipelineWithRecovery sets the previous run's side channel
// aside, starts the pipeline, then re-submits the journaled abandoned
// records into it. Other event kinds (terminal, integrity) stay in the
// recovery directory for inspection.
func (app *App) startPipelineWithRecovery() error {
	prior, ok, err := pipeline.SetAside(app.config.Pipeline.SideChannel, app.logger)
	if err != nil {
		app.logger.WithError(err).Warn("Side channel recovery unavailable")
	}

	if err := app.pipeline.Start(context.Background()); err != nil {
		return err
	}

	if ok {
		count, rerr := app.pipeline.ReplayAbandoned(context.Background(), prior)
		if rerr != nil {
			app.logger.WithError(rerr).Warn("Abandoned record replay incomplete")
		} else if count > 0 {
			app.logger.WithField("count", count).Info("Replayed abandoned records from previous run")
		}
	}
	return nil
}

// onReload builds and starts a pipeline for the new configuration,
// swaps it in, then drains the old one. A failure at any step keeps
// the old pipeline running.
func (app *App) onReload(next *types.Config) {
	replacement, err := app.buildPipeline(next)
	if err != nil {
		app.logger.WithError(err).Error("Reload rejected, keeping current pipeline")
		return
	}
	if err := replacement.Start(context.Background()); err != nil {
		app.logger.WithError(err).Error("Reload rejected, replacement failed to start")
		return
	}

	app.mu.Lock()
	previous := app.pipeline
	app.pipeline = replacement
	app.config = next
	app.mu.Unlock()

	if err := previous.Close(context.Background()); err != nil {
		app.logger.WithError(err).Warn("Previous pipeline drain failed")
	}
	app.logger.Info("Pipeline replaced after config reload")
}

func (app *App) buildPipeline(cfg *types.Config) (*pipeline.Pipeline, error) {
	destinations, err := buildHandlers(cfg, app.logger)
	if err != nil {
		return nil, err
	}
	if len(destinations) == 0 {
		return nil, fmt.Errorf("app: no destination handlers configured")
	}

	var monitor pipeline.Overloader
	if cfg.Monitor.Enabled {
		monitor = app.monitor
	}
	return pipeline.New(*cfg, destinations, monitor, app.logger)
}

// buildHandlers constructs every configured destination.
func buildHandlers(cfg *types.Config, logger *logrus.Logger) ([]types.DestinationHandler, error) {
	threshold := cfg.Pipeline.UnhealthyThreshold
	var out []types.DestinationHandler

	for i, fc := range cfg.Handlers.File {
		h, err := handlers.NewFileHandler(fc, cfg.Durable, threshold, logger)
		if err != nil {
			return nil, fmt.Errorf("app: file handler %d: %w", i, err)
		}
		out = append(out, h)
	}
	if cc := cfg.Handlers.Console; cc != nil {
		h, err := handlers.NewConsoleHandler(*cc)
		if err != nil {
			return nil, fmt.Errorf("app: console handler: %w", err)
		}
		out = append(out, h)
	}
	if kc := cfg.Handlers.Kafka; kc != nil {
		h, err := handlers.NewKafkaHandler(*kc, threshold, logger)
		if err != nil {
			return nil, fmt.Errorf("app: kafka handler: %w", err)
		}
		out = append(out, h)
	}
	if hc := cfg.Handlers.HTTP; hc != nil {
		h, err := handlers.NewHTTPHandler(*hc, threshold, logger)
		if err != nil {
			return nil, fmt.Errorf("app: http handler: %w", err)
		}
		out = append(out, h)
	}
	return out, nil
}

func newLogger(cfg types.AppConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("app: log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	switch cfg.LogFormat {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("app: unknown log format %q", cfg.LogFormat)
	}
	return logger, nil
}
