// Package clickhouse ships run records to ClickHouse for long-horizon
// analytics over pipeline outcomes.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/communityview/cvmgr/internal/runlog"
)

// Sink sends run records using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port) and verifies the connection.
func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) Record(ctx context.Context, r runlog.Record) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (run_id, started_at, finished_at, status, counties_ok, counties_failed, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.table)
	err := s.conn.Exec(ctx, query,
		r.RunID,
		r.StartedAt,
		r.FinishedAt,
		r.Status,
		runlog.JoinCounties(r.CountiesOK),
		runlog.JoinCounties(r.CountiesFailed),
		r.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run record into clickhouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
