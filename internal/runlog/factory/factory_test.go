package factory

import (
	"testing"

	"github.com/communityview/cvmgr/internal/runlog/sqlite"
)

func TestSQLiteDispatch(t *testing.T) {
	sink, err := NewSinkFromDSN("sqlite://" + t.TempDir() + "/runs.db")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if _, ok := sink.(*sqlite.Sink); !ok {
		t.Fatalf("expected sqlite sink, got %T", sink)
	}
}

func TestPlainPathDefaultsToSQLite(t *testing.T) {
	sink, err := NewSinkFromDSN(t.TempDir() + "/runs.db")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if _, ok := sink.(*sqlite.Sink); !ok {
		t.Fatalf("expected sqlite sink, got %T", sink)
	}
}

func TestUnsupportedScheme(t *testing.T) {
	if _, err := NewSinkFromDSN("redis://localhost:6379"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if _, err := NewSinkFromDSN(""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
