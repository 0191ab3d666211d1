// Package schedule drives the daemon's timers: one pipeline run per day at
// a configured time, health checks on a fixed interval. Timers are computed
// from schedule points rather than by sleeping fixed durations, so they do
// not drift; a schedule point missed while the daemon was down or busy fires
// exactly once, promptly, never repeatedly.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

// State is a snapshot of the scheduler's timers.
type State struct {
	NextDaily  time.Time `json:"next_daily"`
	NextHealth time.Time `json:"next_health"`
	LastRun    time.Time `json:"last_run,omitzero"`
}

// Scheduler owns the two recurring triggers. Callbacks run synchronously on
// the scheduler goroutine; a long pipeline run delays (but never duplicates)
// subsequent triggers.
type Scheduler struct {
	daily       cron.Schedule
	healthEvery time.Duration
	clock       clockwork.Clock
	log         *slog.Logger

	mu    sync.Mutex
	state State
}

// New parses the daily cron spec (standard five-field form) and builds a
// Scheduler. lastRun may carry the last completed run from a previous daemon
// incarnation; a schedule point between lastRun and now fires once at startup.
func New(dailySpec string, healthEvery time.Duration, lastRun time.Time,
	clock clockwork.Clock, log *slog.Logger) (*Scheduler, error) {
	sched, err := cron.ParseStandard(dailySpec)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		daily:       sched,
		healthEvery: healthEvery,
		clock:       clock,
		log:         log,
		state:       State{LastRun: lastRun},
	}, nil
}

// State returns a snapshot of the timers.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run blocks until ctx is cancelled, invoking onDaily at each daily schedule
// point and onHealth every health interval.
func (s *Scheduler) Run(ctx context.Context, onDaily, onHealth func(context.Context)) {
	now := s.clock.Now()

	s.mu.Lock()
	if !s.state.LastRun.IsZero() {
		// Resume from the previous incarnation's schedule; a point already
		// passed leaves NextDaily in the past and fires immediately below.
		s.state.NextDaily = s.daily.Next(s.state.LastRun)
	} else {
		s.state.NextDaily = s.daily.Next(now)
	}
	s.state.NextHealth = now.Add(s.healthEvery)
	s.mu.Unlock()

	s.log.Info("scheduler started", "next_daily", s.State().NextDaily, "health_interval", s.healthEvery)

	for {
		st := s.State()
		next := st.NextDaily
		if st.NextHealth.Before(next) {
			next = st.NextHealth
		}
		wait := next.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-s.clock.After(wait):
		}

		now = s.clock.Now()
		if !now.Before(st.NextDaily) {
			s.log.Info("daily pipeline trigger", "due", st.NextDaily)
			onDaily(ctx)
			s.advanceDaily(s.clock.Now())
		}
		if !now.Before(st.NextHealth) {
			onHealth(ctx)
			s.advanceHealth(s.clock.Now())
		}
	}
}

// advanceDaily moves the daily timer past now. Advancing from the due point
// keeps the cadence anchored to the schedule; collapsing any points that
// passed while we were down or running guarantees a missed day yields one
// catch-up run, not a burst.
func (s *Scheduler) advanceDaily(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastRun = now
	next := s.daily.Next(s.state.NextDaily)
	if !next.After(now) {
		next = s.daily.Next(now)
	}
	s.state.NextDaily = next
}

// advanceHealth keeps the interval anchored to the original cadence and
// skips cycles that passed while a pipeline run held the loop.
func (s *Scheduler) advanceHealth(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.NextHealth.Add(s.healthEvery)
	if !next.After(now) {
		next = now.Add(s.healthEvery)
	}
	s.state.NextHealth = next
}
