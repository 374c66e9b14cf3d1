// Package main is the entrypoint for the scrape worker.
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

	"github.com/eliseuvideira/pkgscraper/internal/api/handler"
	mw "github.com/eliseuvideira/pkgscraper/internal/api/middleware"
	"github.com/eliseuvideira/pkgscraper/internal/blob"
	"github.com/eliseuvideira/pkgscraper/internal/broker"
	"github.com/eliseuvideira/pkgscraper/internal/cache"
	"github.com/eliseuvideira/pkgscraper/internal/config"
	"github.com/eliseuvideira/pkgscraper/internal/metrics"
	"github.com/eliseuvideira/pkgscraper/internal/registry"
	"github.com/eliseuvideira/pkgscraper/internal/store"
	"github.com/eliseuvideira/pkgscraper/internal/worker"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	}))
	slog.SetDefault(logger)

	registries := cfg.WorkerRegistries()
	slog.Info("config loaded", "env", cfg.Server.Env, "registries", registries, "concurrency", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database and migrate
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database connected")

	// 3. Connect to RabbitMQ and declare the queues this worker consumes
	rabbit, err := broker.Dial(cfg.RabbitMQ, logger)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	defer rabbit.Close()

	if err := rabbit.DeclareTopology(registries); err != nil {
		return fmt.Errorf("declare broker topology: %w", err)
	}
	slog.Info("rabbitmq connected")

	// 4. Registry adapters
	adapters, err := registry.NewAdapters(registries, cfg.Registry)
	if err != nil {
		return fmt.Errorf("create registry adapters: %w", err)
	}

	pgStore := store.NewPostgresStore(pool)
	m := metrics.New()
	opts := []worker.Option{
		worker.WithRecorder(m),
		worker.WithFetchTimeout(cfg.Registry.FetchTimeout),
		worker.WithDeliveryLimit(cfg.RabbitMQ.DeliveryLimit),
	}
	checks := map[string]handler.Pinger{
		"database": pgStore,
		"broker":   rabbit,
		"cache":    nil,
		"storage":  nil,
	}

	// 5. Optional fetch-result cache
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		opts = append(opts, worker.WithCache(redisCache, cfg.Registry.CacheTTL))
		checks["cache"] = redisCache
		slog.Info("redis connected", "ttl", cfg.Registry.CacheTTL)
	}

	// 6. Optional raw payload archive
	if cfg.Storage.Enabled() {
		s3Store, err := blob.NewS3Store(ctx, cfg.Storage, logger)
		if err != nil {
			return fmt.Errorf("create s3 store: %w", err)
		}
		if err := s3Store.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
		opts = append(opts, worker.WithBlobStore(s3Store))
		checks["storage"] = s3Store
		slog.Info("object storage connected", "bucket", cfg.Storage.Bucket)
	}

	// 7. Handler, pool and ops endpoint
	h := worker.NewHandler(pgStore, adapters, logger, opts...)
	workers := worker.NewPool(rabbit, h, registries, cfg.Worker.Concurrency, logger)

	addr := fmt.Sprintf(":%d", cfg.Worker.MetricsPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newOpsRouter(handler.NewHealthHandler(checks), m.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workers.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("ops server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// newOpsRouter serves the worker's health and metrics endpoints.
func newOpsRouter(health http.HandlerFunc, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(mw.Recovery)
	r.Get("/health", health)
	r.Method(http.MethodGet, "/metrics", metricsHandler)
	return r
}
