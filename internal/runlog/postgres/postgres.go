// Package postgres persists run records to a PostgreSQL table, for sites
// that keep operational history next to the parcels database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/communityview/cvmgr/internal/runlog"
)

// Sink writes run records to PostgreSQL via the pgx stdlib driver.
type Sink struct {
	db *sql.DB
}

// New connects with a postgres:// or postgresql:// DSN and creates the
// schema if missing.
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS pipeline_runs(
		run_id TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		counties_ok TEXT NOT NULL,
		counties_failed TEXT NOT NULL,
		error TEXT
	);`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at);`)
	return err
}

func (s *Sink) Record(ctx context.Context, r runlog.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs(run_id, started_at, finished_at, status, counties_ok, counties_failed, error)
		VALUES($1,$2,$3,$4,$5,$6,$7);`,
		r.RunID, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Status,
		runlog.JoinCounties(r.CountiesOK), runlog.JoinCounties(r.CountiesFailed), r.Error)
	return err
}

func (s *Sink) Close() error { return s.db.Close() }
