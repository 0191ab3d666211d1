package pipeline

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func stageLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestExecRunnerSuccess(t *testing.T) {
	r := NewExecRunner(t.TempDir(), time.Minute, stageLogger())
	if err := r.Run(context.Background(), "/bin/true"); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestExecRunnerFailureIncludesOutput(t *testing.T) {
	r := NewExecRunner("", time.Minute, stageLogger())
	err := r.Run(context.Background(), `sh -c 'echo boom >&2; exit 3'`)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error should carry the command output tail: %v", err)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	r := NewExecRunner("", 100*time.Millisecond, stageLogger())
	start := time.Now()
	err := r.Run(context.Background(), "/bin/sleep 10")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout not honored: %v", elapsed)
	}
}

func TestExpandCounty(t *testing.T) {
	got := expandCounty("fetch --county {county} --out /data/{county}", "adams")
	want := "fetch --county adams --out /data/adams"
	if got != want {
		t.Fatalf("got %q", got)
	}
	if expandCounty("rebuild-index", "adams") != "rebuild-index" {
		t.Fatal("commands without placeholder must pass through")
	}
}
