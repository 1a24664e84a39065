// Package postgres provides PostgreSQL database adapters.
//
// It implements the repository ports for data persistence. The package
// provides type-safe database operations with connection pooling and
// transaction support.
package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/config"
)

// NewPool creates a pgx connection pool from the configured DSN and pool
// limits, and verifies connectivity with a short retried ping so that a slow
// database start doesn't kill the process.
func NewPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	pc.MaxConns = cfg.DBMaxConnections
	pc.MinConns = cfg.DBMinConnections
	pc.MaxConnLifetime = cfg.DBMaxLifetime()
	pc.MaxConnIdleTime = cfg.DBIdleTimeout()

	// OpenTelemetry tracing for every pooled connection
	pc.ConnConfig.Tracer = otelpgx.NewTracer(
		otelpgx.WithTrimSQLInSpanName(),
	)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}, bo); err != nil {
		pool.Close()
		return nil, err
	}

	if err := otelpgx.RecordStats(pool); err != nil {
		slog.Warn("failed to record pgx stats", slog.Any("error", err))
	}

	return pool, nil
}
