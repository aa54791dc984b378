// Package postgres provides PostgreSQL database connection utilities.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/bissquit/trackbuffer/internal/retry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// Config contains PostgreSQL connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
}

// ConnectRetryConfig returns the backoff used while connecting: doubling from
// one second, capped at 16 seconds.
func ConnectRetryConfig(attempts int) retry.Config {
	if attempts <= 0 {
		attempts = 1
	}
	return retry.Config{
		MaxAttempts:    attempts,
		InitialBackoff: time.Second,
		MaxBackoff:     16 * time.Second,
		Multiplier:     2,
	}
}

// Connect establishes a connection pool to PostgreSQL with retry logic.
func Connect(ctx context.Context, cfg Config, clock clockwork.Clock, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime

	driver := retry.NewDriver(ConnectRetryConfig(cfg.ConnectAttempts), clock)

	pool, res, err := retry.Run(ctx, driver, func(ctx context.Context, attempt retry.Attempt) (*pgxpool.Pool, domain.Status, error) {
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			logger.Warn("failed to create connection pool",
				"attempt", attempt.Number,
				"max_attempts", attempt.MaxAttempts,
				"error", err,
			)
			return nil, domain.StatusErrorNetwork, err
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			logger.Warn("failed to ping database",
				"attempt", attempt.Number,
				"max_attempts", attempt.MaxAttempts,
				"error", err,
			)
			return nil, domain.StatusErrorNetwork, err
		}
		return pool, domain.StatusSuccess, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database after %d attempts: %w", res.Attempts, err)
	}

	logger.Info("connected to database", "attempts", res.Attempts)
	return pool, nil
}
