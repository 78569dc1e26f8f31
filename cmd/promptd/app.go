package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/promptd/internal/api"
	"github.com/phrazzld/promptd/internal/api/middleware"
	"github.com/phrazzld/promptd/internal/config"
	"github.com/phrazzld/promptd/internal/generation"
	"github.com/phrazzld/promptd/internal/metrics"
	"github.com/phrazzld/promptd/internal/platform/memory"
	"github.com/phrazzld/promptd/internal/platform/openai"
	"github.com/phrazzld/promptd/internal/platform/postgres"
	"github.com/phrazzld/promptd/internal/queue"
	memqueue "github.com/phrazzld/promptd/internal/queue/memory"
	"github.com/phrazzld/promptd/internal/queue/rabbitmq"
	"github.com/phrazzld/promptd/internal/queue/redisstream"
	"github.com/phrazzld/promptd/internal/service"
	"github.com/phrazzld/promptd/internal/store"
	"github.com/phrazzld/promptd/internal/task"
)

// application holds every long-lived dependency of the serve command.
type application struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	db      *sql.DB // nil with the memory driver
	tx      store.Transactor
	prompts store.PromptStore
	broker  queue.Broker

	provider   generation.Provider
	pool       *task.ConsumerPool
	reconciler *task.Reconciler
	handler    http.Handler

	// fatal receives the first consumer that stopped on an unrecorded
	// failure or a lost subscription; run treats it like a server error.
	fatal chan error
}

// newApplication connects to the configured store and broker and builds
// the processing pipeline and HTTP handler. Nothing is started yet.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
		fatal:   make(chan error, 1),
	}

	if err := app.openStore(ctx); err != nil {
		return nil, err
	}

	broker, err := openBroker(ctx, cfg.Queue, logger, app.metrics)
	if err != nil {
		app.cleanup()
		return nil, err
	}
	app.broker = broker

	client, err := openai.NewClient(logger, cfg.Provider, app.metrics)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}
	app.provider = client

	if err := app.buildPipeline(); err != nil {
		app.cleanup()
		return nil, err
	}
	return app, nil
}

func (app *application) openStore(ctx context.Context) error {
	cfg := app.config.Database
	switch cfg.Driver {
	case "memory":
		app.logger.Warn("using in-memory prompt store, data is lost on restart")
		s := memory.NewStore(app.logger, cfg.LockTimeout)
		app.tx, app.prompts = s, s
		return nil
	case "postgres":
		db, err := postgres.Open(ctx, cfg, app.logger)
		if err != nil {
			return err
		}
		app.db = db
		t := postgres.NewTransactor(db, app.logger, cfg.LockTimeout)
		app.tx, app.prompts = t, t.Prompts()
		return nil
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// openBroker connects the backend selected by cfg.Backend.
func openBroker(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger, m *metrics.Metrics) (queue.Broker, error) {
	qcfg := queue.FromConfig(cfg)

	var (
		broker queue.Broker
		err    error
	)
	switch cfg.Backend {
	case "rabbitmq":
		broker, err = rabbitmq.Dial(ctx, cfg.URL, qcfg, logger, m)
	case "redis":
		broker, err = redisstream.Dial(ctx, cfg.URL, qcfg, logger, m)
	case "memory":
		logger.Warn("using in-memory queue, messages are lost on restart")
		broker, err = memqueue.NewBroker(qcfg, logger, m)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s queue: %w", cfg.Backend, err)
	}
	return broker, nil
}

func (app *application) buildPipeline() error {
	pcfg := app.config.Processor

	processor, err := task.NewProcessor(app.tx, app.provider, pcfg.CallTimeout, app.logger, app.metrics)
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	poolCfg := task.DefaultConsumerPoolConfig()
	poolCfg.Consumers = pcfg.Consumers
	app.pool = task.NewConsumerPool(app.broker, processor, poolCfg, app.logger, app.metrics)
	app.pool.SetFatalHandler(func(consumer string, err error) {
		select {
		case app.fatal <- fmt.Errorf("consumer %s stopped: %w", consumer, err):
		default:
		}
	})

	app.reconciler = task.NewReconciler(app.tx, app.prompts, app.broker, task.ReconcilerConfig{
		Interval:       pcfg.ReconcileInterval,
		RepublishAfter: pcfg.RepublishAfter,
		ExpireAfter:    pcfg.ExpireAfter,
	}, app.logger, app.metrics)

	prompts, err := service.NewPromptService(app.tx, app.prompts, app.broker, app.logger, app.metrics)
	if err != nil {
		return fmt.Errorf("failed to create prompt service: %w", err)
	}
	auth, err := middleware.NewAuthenticator(app.config.Auth.JWTSecret, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}

	app.handler = api.NewRouter(api.RouterConfig{
		Prompts: api.NewPromptHandler(prompts, app.logger),
		Auth:    auth,
		Metrics: app.metrics.Handler(),
		Health:  app.healthChecks(),
		Logger:  app.logger,
	})
	return nil
}

func (app *application) healthChecks() map[string]api.HealthCheck {
	checks := make(map[string]api.HealthCheck)
	if app.db != nil {
		checks["database"] = app.db.PingContext
	}
	if p, ok := app.broker.(queue.Pinger); ok {
		checks["queue"] = p.Ping
	}
	return checks
}

// run starts the consumers, the reconciler and the HTTP server, and blocks
// until ctx is cancelled or the server fails. Shutdown stops accepting
// requests first, then drains the consumers within the shutdown timeout.
func (app *application) run(ctx context.Context) error {
	if err := app.pool.Start(); err != nil {
		return fmt.Errorf("failed to start consumers: %w", err)
	}
	app.reconciler.Start()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting server", "port", app.config.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutdown signal received")
	case err := <-serverErr:
		app.logger.Error("server failed", "error", err)
		runErr = fmt.Errorf("server failed: %w", err)
	case err := <-app.fatal:
		app.logger.Error("shutting down after consumer failure", "error", err, "alert", true)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("server shutdown failed", "error", err)
		runErr = errors.Join(runErr, fmt.Errorf("server shutdown failed: %w", err))
	}
	app.reconciler.Stop()
	app.pool.Stop(shutdownCtx)
	app.cleanup()

	app.logger.Info("shutdown completed")
	return runErr
}

// cleanup closes the broker and the database. It is safe to call on a
// partially built application.
func (app *application) cleanup() {
	if app.broker != nil {
		if err := app.broker.Close(); err != nil {
			app.logger.Error("failed to close broker", "error", err)
		}
		app.broker = nil
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
		app.db = nil
	}
}
