package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"servicecrm_backend/internal/dispatch"
	"servicecrm_backend/internal/events"
	"servicecrm_backend/internal/identity"
	"servicecrm_backend/internal/leads"
	"servicecrm_backend/internal/scheduler"
	"servicecrm_backend/internal/sequences"
	"servicecrm_backend/internal/sequences/generator"
	"servicecrm_backend/migrations"
	"servicecrm_backend/platform/config"
	"servicecrm_backend/platform/db"
	"servicecrm_backend/platform/logger"
	"servicecrm_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, migrations.FS)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	eventBus := events.NewInMemoryBus(log)
	val := validator.New()

	// Worker-side sequence execution wiring (no HTTP handlers required).
	var smsDispatcher dispatch.Dispatcher
	if c := dispatch.NewSMSClient(cfg, log); c != nil {
		smsDispatcher = c
	}
	emailDispatcher := dispatch.NewEmailDispatcher(cfg)
	messageRouter := dispatch.NewRouter(smsDispatcher, emailDispatcher)

	var gen generator.Generator
	if cfg.IsGeneratorEnabled() {
		g, err := generator.NewGeminiGenerator(ctx, cfg, log)
		if err != nil {
			log.Error("failed to initialize content generator", "error", err)
			panic("failed to initialize content generator: " + err.Error())
		}
		gen = g
	} else {
		gen = generator.TemplateRenderer{}
	}

	orgsRepo := identity.NewRepository(pool)
	leadsModule := leads.NewModule(pool, eventBus, val, log)
	sequencesModule := sequences.NewModule(
		pool, eventBus, messageRouter, gen,
		leadsModule.Repository(), orgsRepo, cfg, val, log,
	)

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize scheduler client", "error", err)
		panic("failed to initialize scheduler client: " + err.Error())
	}
	defer func() { _ = client.Close() }()

	dispatcher := scheduler.NewBatchDispatcher(cfg, client, orgsRepo, log)
	go dispatcher.Run(ctx)

	worker, err := scheduler.NewWorker(cfg, sequencesModule.Executor(), leadsModule.Service(), log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	worker.Run(ctx)
	log.Info("scheduler stopped")
}

// withRetry runs fn up to attempts times with quadratic backoff. Startup
// dependencies (database, migrations) often lag the app in fresh deploys.
func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
