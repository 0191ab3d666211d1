// Package runlog persists a record of every completed pipeline run to an
// analytics sink (SQLite by default, Postgres or ClickHouse via DSN).
package runlog

import (
	"context"
	"strings"
	"time"
)

// Record summarizes one completed pipeline run.
type Record struct {
	RunID          string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Status         string    `json:"status"`
	CountiesOK     []string  `json:"counties_ok"`
	CountiesFailed []string  `json:"counties_failed"`
	Error          string    `json:"error,omitempty"`
}

// Sink is a destination for run records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(ctx context.Context, r Record) error
	Close() error
}

// JoinCounties flattens a county list for storage in a text column.
func JoinCounties(cs []string) string { return strings.Join(cs, ",") }
