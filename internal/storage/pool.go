// Package storage provides the PostgreSQL storage layer for kansoku.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY inbox wake-ups, and the inbox, outbox and projection tables.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// DB wraps a pgxpool.Pool for normal queries and an optional dedicated
// pgx.Conn for LISTEN/NOTIFY.
type DB struct {
	pool      *pgxpool.Pool
	notifyDSN string
	logger    *slog.Logger

	notifyMu   sync.Mutex
	notifyConn *pgx.Conn
}

var _ Store = (*DB)(nil)

// New creates a new DB with a connection pool. notifyDSN may be empty, in
// which case Listen is unavailable and the dispatcher relies on its ticker.
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

	db := &DB{
		pool:       pool,
		notifyDSN:  notifyDSN,
		logger:     logger,
		notifyConn: notifyConn,
	}
	db.registerMetrics()
	return db, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
		db.notifyConn = nil
	}
}

// registerMetrics exposes pool statistics and the inbox backlog as gauges.
func (db *DB) registerMetrics() {
	meter := telemetry.Meter("kansoku/storage")

	_, _ = meter.Int64ObservableGauge("kansoku.db.pool.acquired",
		metric.WithDescription("Connections currently acquired from the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kansoku.db.pool.idle",
		metric.WithDescription("Idle connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kansoku.db.pool.total",
		metric.WithDescription("Total connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
}
