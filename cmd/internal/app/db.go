package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbConnectTimeout = 3 * time.Second
	dbIdleTime       = 5 * time.Minute
)

// openIdentityPool connects to the Postgres database backing the device identity store.
// The identity table sees one read per process start, so the pool is kept small and idle
// connections are dropped quickly.
func openIdentityPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database_url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	pcfg.MinConns = max(cfg.DBMinConns, 0)
	pcfg.MaxConnIdleTime = dbIdleTime
	pcfg.ConnConfig.ConnectTimeout = dbConnectTimeout
	pcfg.ConnConfig.RuntimeParams["application_name"] = "nearby/" + cfg.DisplayName

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	if err := pingPool(ctx, pool, dbConnectTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// pingPool reports whether a connection can be acquired and pinged within timeout.
func pingPool(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}
