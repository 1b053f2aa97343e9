package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/metrics"
	"github.com/anbu0809/strata-migrate/internal/secrets"
)

type OpenOptions struct {
	Label          string // source / target, used in logs and metrics
	Retry          RetryPolicy
	ConnectTimeout time.Duration
	Debug          bool
	Metrics        *metrics.Store
}

// Open connects with retry and exponential backoff. Only transient failures
// are retried; authentication and unknown-database errors fail immediately.
// The final failure is a ConnectivityError.
func Open(ctx context.Context, p config.ConnectionProfile, creds *secrets.Credentials, opts OpenOptions) (*Connector, error) {
	dialect, err := ParseDialect(p.Dialect)
	if err != nil {
		return nil, errs.Configuration("%v", err)
	}
	dsn, err := BuildDSN(p, creds, opts.ConnectTimeout)
	if err != nil {
		return nil, errs.Configuration("%v", err)
	}
	log := logger.Log.With(zap.String("db", opts.Label), zap.Object("profile", p))
	gl := logger.NewGormLogger(logger.Log, opts.Debug)

	var conn *Connector
	start := time.Now()
	err = Retry(ctx, opts.Retry, IsTransient,
		func(err error, attempt int, wait time.Duration) {
			log.Warn("Retrying database connection",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", opts.Retry.MaxRetries+1),
				zap.Duration("wait_interval", wait),
				zap.String("previous_error", logger.Redact(err.Error())))
		},
		func(ctx context.Context) error {
			c, err := New(dialect, dsn, gl)
			if err != nil {
				countAttempt(opts, "failure")
				return err
			}
			pingCtx, cancel := WithTimeout(ctx, opts.ConnectTimeout)
			defer cancel()
			if err := c.Ping(pingCtx); err != nil {
				_ = c.Close()
				countAttempt(opts, "failure")
				return err
			}
			countAttempt(opts, "success")
			conn = c
			return nil
		})
	if err != nil {
		log.Error("Failed to connect to database", zap.String("error", logger.Redact(err.Error())))
		return nil, errs.Connectivity(fmt.Sprintf("connect %s database", opts.Label), fmt.Errorf("%s", logger.Redact(err.Error())))
	}

	if err := conn.Optimize(p.PoolSize, p.ConnMaxLifetime); err != nil {
		log.Warn("Failed to optimize connection pool", zap.Error(err))
	}
	if opts.Metrics != nil {
		if sqlDB, err := conn.SQLDB(); err == nil {
			opts.Metrics.RegisterDB(opts.Label, sqlDB)
		}
	}
	log.Info("Database connection successful", zap.Duration("connect_duration", time.Since(start)))
	return conn, nil
}

func countAttempt(opts OpenOptions, result string) {
	if opts.Metrics != nil {
		opts.Metrics.ConnectAttempts.WithLabelValues(opts.Label, result).Inc()
	}
}

// WithTimeout derives a per-call context; a zero duration means no extra
// deadline.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
