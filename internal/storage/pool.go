// Package storage provides the PostgreSQL persistence layer for Relay:
// prompt variants and their running experiment metrics, sticky variant
// assignments, usage records with daily rollups, and model health
// snapshots. It manages connection pooling (via pgxpool, optionally
// through PgBouncer) and a dedicated direct connection for LISTEN/NOTIFY.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/repopulse/relay/internal/telemetry"
)

// DB wraps a pgxpool.Pool for normal queries and an optional dedicated
// pgx.Conn for LISTEN/NOTIFY (which requires a non-pooled connection).
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// New creates a new DB with a connection pool.
// poolDSN may point to PgBouncer (or directly to Postgres in dev).
// notifyDSN, when non-empty, must point directly to Postgres.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether a dedicated LISTEN/NOTIFY connection was
// configured.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// Ping verifies pool connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// RegisterPoolMetrics exports pgxpool statistics as OTEL observable
// gauges. Safe to call when no meter provider is configured; the no-op
// provider swallows the observations.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("relay/storage")
	total, _ := meter.Int64ObservableGauge("relay.db.pool.total_conns",
		metric.WithDescription("Total connections in the pool"),
	)
	idle, _ := meter.Int64ObservableGauge("relay.db.pool.idle_conns",
		metric.WithDescription("Idle connections in the pool"),
	)
	acquired, _ := meter.Int64ObservableGauge("relay.db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out"),
	)

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := db.pool.Stat()
		o.ObserveInt64(total, int64(s.TotalConns()))
		o.ObserveInt64(idle, int64(s.IdleConns()))
		o.ObserveInt64(acquired, int64(s.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		db.logger.Warn("storage: pool metrics registration failed", "error", err)
	}
}

// Close releases the pool and the notify connection.
func (db *DB) Close(ctx context.Context) {
	if db.notifyConn != nil {
		_ = db.notifyConn.Close(ctx)
	}
	db.pool.Close()
}
