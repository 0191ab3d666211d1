package schedule

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// at builds a UTC timestamp on a fixed date.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.March, day, hour, minute, 0, 0, time.UTC)
}

func startScheduler(t *testing.T, s *Scheduler, daily, health *atomic.Int64) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx,
			func(context.Context) { daily.Add(1) },
			func(context.Context) { health.Add(1) },
		)
	}()
	return cancel, done
}

func TestDailyTriggerFiresOnceAndAdvances(t *testing.T) {
	clock := clockwork.NewFakeClockAt(at(10, 1, 0))
	s, err := New("0 2 * * *", 24*time.Hour, time.Time{}, clock, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var daily, health atomic.Int64
	cancel, done := startScheduler(t, s, &daily, &health)
	defer func() { cancel(); <-done }()

	clock.BlockUntil(1)
	if got := s.State().NextDaily; !got.Equal(at(10, 2, 0)) {
		t.Fatalf("initial next daily: %v", got)
	}

	// Advance past 02:00; exactly one run fires and the next point is
	// tomorrow 02:00, not a drifted value.
	clock.Advance(time.Hour + time.Second)
	clock.BlockUntil(1)
	if got := daily.Load(); got != 1 {
		t.Fatalf("daily fired %d times", got)
	}
	if got := s.State().NextDaily; !got.Equal(at(11, 2, 0)) {
		t.Fatalf("next daily after trigger: %v", got)
	}
	if !s.State().LastRun.Equal(at(10, 2, 0).Add(time.Second)) {
		t.Fatalf("last run: %v", s.State().LastRun)
	}
}

func TestMissedDailyFiresSingleCatchUp(t *testing.T) {
	// The daemon restarts at 02:00:01 with a last run of yesterday 02:00:
	// the overdue point fires exactly once, promptly, and the next point
	// becomes tomorrow 02:00.
	clock := clockwork.NewFakeClockAt(at(10, 2, 0).Add(time.Second))
	s, err := New("0 2 * * *", 24*time.Hour, at(9, 2, 0), clock, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var daily, health atomic.Int64
	cancel, done := startScheduler(t, s, &daily, &health)
	defer func() { cancel(); <-done }()

	// The overdue trigger needs no clock advance at all.
	deadline := time.Now().Add(2 * time.Second)
	for daily.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := daily.Load(); got != 1 {
		t.Fatalf("catch-up fired %d times", got)
	}

	clock.BlockUntil(1)
	if got := s.State().NextDaily; !got.Equal(at(11, 2, 0)) {
		t.Fatalf("next daily after catch-up: %v", got)
	}

	// Several untouched hours later nothing further fires.
	clock.Advance(6 * time.Hour)
	time.Sleep(10 * time.Millisecond)
	if got := daily.Load(); got != 1 {
		t.Fatalf("spurious daily triggers: %d", got)
	}
}

func TestHealthIntervalDoesNotDrift(t *testing.T) {
	clock := clockwork.NewFakeClockAt(at(10, 1, 0))
	s, err := New("0 2 * * *", 15*time.Minute, time.Time{}, clock, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var daily, health atomic.Int64
	cancel, done := startScheduler(t, s, &daily, &health)
	defer func() { cancel(); <-done }()

	clock.BlockUntil(1)
	for i := 0; i < 3; i++ {
		clock.Advance(15 * time.Minute)
		clock.BlockUntil(1)
	}
	if got := health.Load(); got != 3 {
		t.Fatalf("health fired %d times, want 3", got)
	}
	// 01:00 + 4*15m: the cadence stays anchored to the interval grid.
	if got := s.State().NextHealth; !got.Equal(at(10, 2, 0)) {
		t.Fatalf("next health: %v", got)
	}
	if daily.Load() != 0 {
		t.Fatalf("daily fired early: %d", daily.Load())
	}
}

func TestBadSpecRejected(t *testing.T) {
	if _, err := New("not a cron spec", time.Minute, time.Time{}, clockwork.NewFakeClock(), testLogger()); err == nil {
		t.Fatal("expected parse error")
	}
}
