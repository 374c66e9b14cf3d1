package store

import (
	"context"
	"fmt"
	"time"

	"github.com/eliseuvideira/pkgscraper/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	healthCheckPeriod = 30 * time.Second
	// defaultConnectTimeout bounds the startup ping when DATABASE_CONNECT_TIMEOUT is unset.
	defaultConnectTimeout = 10 * time.Second
)

// Connect opens a pgx pool sized from cfg and verifies it with a ping that
// gives up after cfg.ConnectTimeout, so an unreachable database fails startup
// instead of hanging it.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout(cfg))
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s:%d: %w", poolCfg.ConnConfig.Host, poolCfg.ConnConfig.Port, err)
	}

	return pool, nil
}

func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(min(cfg.MaxIdleConns, cfg.MaxOpenConns))
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	// Idle connections above MinConns are released after half their lifetime.
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxLifetime / 2
	}
	poolCfg.HealthCheckPeriod = healthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = connectTimeout(cfg)
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "pkgscraper"

	return poolCfg, nil
}

func connectTimeout(cfg config.DatabaseConfig) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return defaultConnectTimeout
}
