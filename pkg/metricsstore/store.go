// Package metricsstore persists periodic requests-per-connection snapshots
// to a SQL database via pkg/db.Pool, so a deployment can graph connection
// load over time without standing up a separate time-series database.
// Either sqlite3 (single-binary deployments) or Postgres via pgx's database/sql
// driver works; Store only speaks through the standard database/sql
// interface pkg/db.Pool already wraps.
package metricsstore

import (
	"context"
	"fmt"
	"time"

	// Register the sqlite3 and pgx stdlib drivers so callers only need to
	// name a DriverName ("sqlite3" or "pgx") when building a pkg/db.Pool.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/pipeline/pkg/db"
)

// Snapshot is one recorded requests-per-connection observation.
type Snapshot struct {
	Name       string
	Count      float64
	RecordedAt time.Time
}

// Store persists Snapshots through a pkg/db.Pool.
type Store struct {
	pool *db.Pool
}

// NewStore wraps an already-constructed pool. The caller owns the pool's
// lifecycle (including Close).
func NewStore(pool *db.Pool) *Store {
	if pool == nil {
		panic("metricsstore: pool cannot be nil")
	}
	return &Store{pool: pool}
}

// EnsureSchema creates the backing table if it does not already exist. Safe
// to call every time a Store is constructed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS connection_snapshots (
		name        TEXT NOT NULL,
		count       DOUBLE PRECISION NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`
	if _, err := s.pool.DB().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("metricsstore: ensure schema: %w", err)
	}
	return nil
}

// RecordSnapshot inserts one observation.
func (s *Store) RecordSnapshot(ctx context.Context, snap Snapshot) error {
	const insert = `INSERT INTO connection_snapshots (name, count, recorded_at) VALUES ($1, $2, $3)`
	if _, err := s.pool.DB().ExecContext(ctx, insert, snap.Name, snap.Count, snap.RecordedAt); err != nil {
		return fmt.Errorf("metricsstore: record snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns up to limit most recent observations for name,
// newest first.
func (s *Store) RecentSnapshots(ctx context.Context, name string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT name, count, recorded_at FROM connection_snapshots
	               WHERE name = $1 ORDER BY recorded_at DESC LIMIT $2`
	rows, err := s.pool.DB().QueryContext(ctx, query, name, limit)
	if err != nil {
		return nil, fmt.Errorf("metricsstore: recent snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.Name, &snap.Count, &snap.RecordedAt); err != nil {
			return nil, fmt.Errorf("metricsstore: scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
