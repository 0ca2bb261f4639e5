// Package postgres provides the shared pgx connection pool factory and the
// embedded schema migrations for the Postgres challenge store.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationFS embeds the SQL migrations applied by Migrate and cmd/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS

// Config holds Postgres connection parameters.
type Config struct {
	// DSN is a postgres:// URL or key=value connection string.
	DSN string

	// MaxConns caps the pool size. Zero keeps the pgx default.
	MaxConns int32

	// MinConns keeps this many connections open. Zero keeps the pgx default.
	MinConns int32

	// ConnectTimeout bounds the initial dial and ping.
	ConnectTimeout time.Duration
}

// NewPool creates a pgx pool from cfg and verifies connectivity.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: DSN is empty")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if poolCfg.MinConns > poolCfg.MaxConns {
		return nil, fmt.Errorf("postgres: min_conns (%d) > max_conns (%d)", poolCfg.MinConns, poolCfg.MaxConns)
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}
