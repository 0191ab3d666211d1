// Package database wraps the PostGIS connection pool used for health pings
// and post-migration consistency checks.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pinger is the narrow view the health monitor needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DB owns a pgx connection pool against the parcels database.
type DB struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for the given DSN.
func Connect(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnLifetime = 30 * time.Minute

	// The pool dials lazily: a malformed DSN fails here (fatal at startup),
	// an unreachable database only surfaces in health pings.
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Ping checks that the database still answers.
func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return d.pool.Ping(ctx)
}

// ParcelCount returns the number of parcel rows loaded for a county. Used
// after migration to verify the load actually produced data.
func (d *DB) ParcelCount(ctx context.Context, county string) (int64, error) {
	var n int64
	err := d.pool.QueryRow(ctx,
		`SELECT count(*) FROM parcels WHERE county = $1`, county).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count parcels for %s: %w", county, err)
	}
	return n, nil
}

// Close releases the pool.
func (d *DB) Close() { d.pool.Close() }
