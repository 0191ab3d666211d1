package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/communityview/cvmgr/internal/runlog"
)

func TestSQLiteSink(t *testing.T) {
	sink, err := New("sqlite://" + t.TempDir() + "/runs.db")
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("close sink: %v", err)
		}
	}()

	ctx := context.Background()
	rec := runlog.Record{
		RunID:          "run-1",
		StartedAt:      time.Now().Add(-time.Minute).UTC(),
		FinishedAt:     time.Now().UTC(),
		Status:         "partial_failure",
		CountiesOK:     []string{"boulder"},
		CountiesFailed: []string{"adams"},
		Error:          "adams: download: timeout",
	}
	if err := sink.Record(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := sink.Record(ctx, rec); err != nil {
		t.Fatalf("second record: %v", err)
	}

	var n int
	if err := sink.db.QueryRowContext(ctx, `SELECT count(*) FROM pipeline_runs WHERE run_id = ?`, "run-1").Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows: %d", n)
	}

	var counties string
	if err := sink.db.QueryRowContext(ctx, `SELECT counties_failed FROM pipeline_runs LIMIT 1`).Scan(&counties); err != nil {
		t.Fatalf("read counties: %v", err)
	}
	if counties != "adams" {
		t.Fatalf("counties_failed: %q", counties)
	}
}

func TestEmptyDSNRejected(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
