package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"servicecrm_backend/internal/dispatch"
	"servicecrm_backend/internal/events"
	apphttp "servicecrm_backend/internal/http"
	"servicecrm_backend/internal/http/router"
	"servicecrm_backend/internal/identity"
	"servicecrm_backend/internal/leads"
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
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, migrations.FS)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

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
	log.Info("database connection established")

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	// Shared validator instance for dependency injection
	val := validator.New()

	// Outbound channels. Nil dispatchers disable a channel; the executor skips
	// steps for disabled channels instead of failing enrollments.
	var smsDispatcher dispatch.Dispatcher
	if c := dispatch.NewSMSClient(cfg, log); c != nil {
		smsDispatcher = c
		log.Info("sms gateway initialized")
	} else {
		log.Warn("sms gateway not configured, sms steps will be skipped")
	}
	emailDispatcher := dispatch.NewEmailDispatcher(cfg)
	if emailDispatcher == nil {
		log.Warn("email sending not configured, email steps will be skipped")
	}
	messageRouter := dispatch.NewRouter(smsDispatcher, emailDispatcher)

	// Message content generation: Gemini with a hard template fallback. When
	// no API key is configured we go straight to templates.
	var gen generator.Generator
	if cfg.IsGeneratorEnabled() {
		g, err := generator.NewGeminiGenerator(ctx, cfg, log)
		if err != nil {
			log.Error("failed to initialize content generator", "error", err)
			panic("failed to initialize content generator: " + err.Error())
		}
		gen = g
		log.Info("content generator initialized", "model", cfg.GeminiModel)
	} else {
		gen = generator.TemplateRenderer{}
		log.Info("content generator disabled, using templates")
	}

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	orgsRepo := identity.NewRepository(pool)

	leadsModule := leads.NewModule(pool, eventBus, val, log)
	sequencesModule := sequences.NewModule(
		pool, eventBus, messageRouter, gen,
		leadsModule.Repository(), orgsRepo, cfg, val, log,
	)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   db.NewPoolAdapter(pool),
		EventBus: eventBus,
		Modules: []apphttp.Module{
			leadsModule,
			sequencesModule,
		},
	}

	engine := router.New(app)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.ListenAndServe()
	}()
	log.Info("http server listening", "addr", cfg.HTTPAddr)

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			panic("http server failed: " + err.Error())
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown failed", "error", err)
		}
	}

	log.Info("server stopped")
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
