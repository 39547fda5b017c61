package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/postwatch/postwatch/internal/config"
)

const (
	connectTimeout     = 10 * time.Second
	healthCheckTimeout = 5 * time.Second
)

// Connect opens the roster database described by storage and sizes its pool
// from storage.Pool. The connection is verified before returning.
func Connect(ctx context.Context, storage config.StorageConfig) (*sql.DB, error) {
	if storage.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster database: %w", err)
	}
	configurePool(db, storage.Pool)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach roster database: %w", err)
	}

	return db, nil
}

// A roster mutation holds one connection for a single upsert, so a handful of
// connections covers the API and a running batch.
func configurePool(db *sql.DB, pool config.PoolConfig) {
	if pool.MaxConnections > 0 {
		db.SetMaxOpenConns(pool.MaxConnections)
	}
	db.SetMaxIdleConns(pool.MaxIdleConnections)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
}

// HealthCheck reports whether the roster table is readable. An empty table is
// healthy: the roster row is only written on the first save.
func HealthCheck(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM registry_snapshots LIMIT 1`).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("roster table unreadable: %w", err)
	}
	return nil
}
