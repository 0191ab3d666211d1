// Package sqlite persists run records to a local SQLite database. This is
// the default sink; the daemon creates it under data_dir.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/communityview/cvmgr/internal/runlog"
)

// Sink writes run records to SQLite.
type Sink struct {
	db *sql.DB
}

// New opens (or creates) the database at dsn. Accepted forms:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" or ":memory:"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty sqlite dsn")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
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
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
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
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		r.RunID, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Status,
		runlog.JoinCounties(r.CountiesOK), runlog.JoinCounties(r.CountiesFailed), r.Error)
	return err
}

func (s *Sink) Close() error { return s.db.Close() }
