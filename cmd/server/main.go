// Package main is the entrypoint for the scraper API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eliseuvideira/pkgscraper/internal/api"
	"github.com/eliseuvideira/pkgscraper/internal/api/handler"
	mw "github.com/eliseuvideira/pkgscraper/internal/api/middleware"
	"github.com/eliseuvideira/pkgscraper/internal/broker"
	"github.com/eliseuvideira/pkgscraper/internal/cache"
	"github.com/eliseuvideira/pkgscraper/internal/config"
	"github.com/eliseuvideira/pkgscraper/internal/ingest"
	"github.com/eliseuvideira/pkgscraper/internal/metrics"
	"github.com/eliseuvideira/pkgscraper/internal/store"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	}))
	slog.SetDefault(logger)
	slog.Info("config loaded", "env", cfg.Server.Env, "auth_enabled", len(cfg.Auth.APIKeyHashes) > 0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect to RabbitMQ and declare every registry queue
	rabbit, err := broker.Dial(cfg.RabbitMQ, logger)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	defer rabbit.Close()

	if err := rabbit.DeclareTopology(models.Registries); err != nil {
		return fmt.Errorf("declare broker topology: %w", err)
	}
	slog.Info("rabbitmq connected", "exchange", cfg.RabbitMQ.ExchangeName)

	// 5. Optional Redis cache for rate limiting
	var (
		rateCache   cache.Cache
		cachePinger handler.Pinger
	)
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		rateCache, cachePinger = redisCache, redisCache
		slog.Info("redis connected")
	} else {
		slog.Info("redis not configured, rate limiting disabled")
	}

	// 6. Create store, metrics and ingestion service
	pgStore := store.NewPostgresStore(pool)
	m := metrics.New()
	svc := ingest.NewService(pgStore, rabbit, logger, ingest.WithRecorder(m))

	// 7. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		Auth:       mw.NewAuth(cfg.Auth.APIKeyHashes),
		RateLimit:  mw.NewRateLimit(rateCache, cfg.Server.RateLimitPerMinute),
		Instrument: m.Middleware,

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": pgStore,
			"broker":   rabbit,
			"cache":    cachePinger,
		}),
		MetricsHandler: m.Handler(),

		CreateJobHandler:    handler.NewCreateJobHandler(svc),
		ListJobsHandler:     handler.NewListJobsHandler(svc),
		GetJobHandler:       handler.NewGetJobHandler(svc),
		ListPackagesHandler: handler.NewListPackagesHandler(pgStore),
		GetPackageHandler:   handler.NewGetPackageHandler(pgStore),
	})

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
