// Package health probes the managed services and the parcels database and
// aggregates the results into a single report. The monitor only produces
// reports; transition detection and alerting live in the notifier.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/communityview/cvmgr/internal/database"
	"github.com/communityview/cvmgr/internal/metrics"
	"github.com/communityview/cvmgr/internal/probe"
)

// Status classifies one dependency or the aggregate.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Target is one service endpoint the monitor probes.
type Target struct {
	Name      string
	HealthURL string
	Required  bool
}

// ServiceHealth is the probe result for one target.
type ServiceHealth struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Required bool   `json:"required"`
	Error    string `json:"error,omitempty"`
}

// Report is the outcome of one check cycle.
type Report struct {
	Timestamp time.Time       `json:"timestamp"`
	Services  []ServiceHealth `json:"services"`
	Database  Status          `json:"database"`
	Overall   Status          `json:"overall"`
}

// Monitor runs concurrent health probes against all targets plus the
// database and keeps only the current and previous reports.
type Monitor struct {
	targets []Target
	db      database.Pinger
	client  *http.Client
	clock   clockwork.Clock
	log     *slog.Logger

	mu      sync.Mutex
	current *Report
	prev    *Report
}

// New builds a Monitor. db may be nil in tests that only probe services.
func New(targets []Target, db database.Pinger, clock clockwork.Clock, log *slog.Logger) *Monitor {
	return &Monitor{
		targets: targets,
		db:      db,
		client:  &http.Client{},
		clock:   clock,
		log:     log,
	}
}

// Check probes every target and the database concurrently and aggregates
// worst-of. One unreachable dependency cannot stall the cycle: every probe
// carries its own timeout.
func (m *Monitor) Check(ctx context.Context) Report {
	rep := Report{
		Timestamp: m.clock.Now(),
		Services:  make([]ServiceHealth, len(m.targets)),
		Database:  StatusUnknown,
	}

	var wg sync.WaitGroup
	for i, t := range m.targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			sh := ServiceHealth{Name: t.Name, Status: StatusHealthy, Required: t.Required}
			if err := probe.HTTP(ctx, m.client, t.HealthURL, 0); err != nil {
				sh.Status = StatusUnhealthy
				sh.Error = err.Error()
			}
			rep.Services[i] = sh
		}(i, t)
	}
	if m.db != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.db.Ping(ctx); err != nil {
				rep.Database = StatusUnhealthy
				m.log.Warn("database ping failed", "error", err)
			} else {
				rep.Database = StatusHealthy
			}
		}()
	}
	wg.Wait()

	rep.Overall = aggregate(rep)
	metrics.IncHealthCheck(string(rep.Overall))

	m.mu.Lock()
	m.prev = m.current
	m.current = &rep
	m.mu.Unlock()

	m.log.Debug("health check completed", "overall", rep.Overall, "database", rep.Database)
	return rep
}

// aggregate is worst-of over required dependencies. Optional services never
// degrade the overall status.
func aggregate(rep Report) Status {
	overall := StatusHealthy
	for _, s := range rep.Services {
		if s.Required && s.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
		if s.Required && s.Status == StatusUnknown && overall == StatusHealthy {
			overall = StatusUnknown
		}
	}
	switch rep.Database {
	case StatusUnhealthy:
		return StatusUnhealthy
	case StatusUnknown:
		if overall == StatusHealthy {
			overall = StatusUnknown
		}
	}
	return overall
}

// Reports returns the current and previous reports, either possibly nil.
func (m *Monitor) Reports() (current, previous *Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.prev
}
