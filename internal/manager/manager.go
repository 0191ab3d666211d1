// Package manager wires the daemon's components together from configuration
// and owns their shared lifecycle. All mutable orchestration state lives
// behind this struct; there are no package-level globals.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/communityview/cvmgr/internal/config"
	"github.com/communityview/cvmgr/internal/database"
	"github.com/communityview/cvmgr/internal/health"
	"github.com/communityview/cvmgr/internal/notify"
	"github.com/communityview/cvmgr/internal/pipeline"
	"github.com/communityview/cvmgr/internal/runlog"
	"github.com/communityview/cvmgr/internal/runlog/factory"
	"github.com/communityview/cvmgr/internal/schedule"
	"github.com/communityview/cvmgr/internal/storage"
	"github.com/communityview/cvmgr/internal/supervisor"
)

// Manager owns every orchestration component. Construct with New, tear down
// with Shutdown.
type Manager struct {
	cfg         *config.Config
	clock       clockwork.Clock
	log         *slog.Logger
	supervisor  *supervisor.Supervisor
	monitor     *health.Monitor
	coordinator *pipeline.Coordinator
	scheduler   *schedule.Scheduler
	notifier    *notify.Notifier
	db          *database.DB
	store       storage.Store
	sink        runlog.Sink
}

// New constructs all components from configuration. Configuration errors
// are fatal here; runtime dependencies (database, object storage) being
// unreachable are not, they surface through health checks and run results.
func New(ctx context.Context, cfg *config.Config, clock clockwork.Clock, log *slog.Logger) (*Manager, error) {
	m := &Manager{cfg: cfg, clock: clock, log: log}

	services := make([]supervisor.Service, 0, len(cfg.Services))
	targets := make([]health.Target, 0, len(cfg.Services))
	reloadURL := ""
	for _, sc := range cfg.Services {
		services = append(services, supervisor.Service{
			Name:          sc.Name,
			Command:       sc.Command,
			WorkDir:       sc.WorkDir,
			HealthURL:     sc.HealthURL,
			ReloadURL:     sc.ReloadURL,
			MarkerPath:    cfg.MarkerPath(sc.Name),
			StopGrace:     sc.StopGrace,
			StartRetries:  sc.StartRetries,
			StartInterval: sc.StartInterval,
			Required:      sc.IsRequired(),
			Log:           sc.Log,
		})
		targets = append(targets, health.Target{
			Name:      sc.Name,
			HealthURL: sc.HealthURL,
			Required:  sc.IsRequired(),
		})
		if reloadURL == "" && sc.ReloadURL != "" {
			reloadURL = sc.ReloadURL
		}
	}
	m.supervisor = supervisor.New(services, clock, log)

	db, err := database.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	m.db = db
	m.monitor = health.New(targets, db, clock, log)

	var store storage.Store = storage.Discard{}
	if cfg.Storage.Bucket != "" {
		gcs, err := storage.NewGCS(ctx, cfg.Storage.Bucket, cfg.Storage.Prefix)
		if err != nil {
			m.closeAll()
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = gcs
	}
	m.store = store

	sink, err := factory.NewSinkFromDSN(cfg.RunLog.DSN)
	if err != nil {
		m.closeAll()
		return nil, fmt.Errorf("runlog: %w", err)
	}
	m.sink = sink

	var transport notify.Transport = notify.Noop{}
	if cfg.Notify.Email != "" {
		transport = &notify.SMTP{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.SMTPUser,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.From,
			To:       cfg.Notify.Email,
		}
	}
	m.notifier = notify.New(transport, clock, log)

	runner := pipeline.NewExecRunner(cfg.Pipeline.WorkDir, cfg.Pipeline.StageTimeout, log)
	m.coordinator = pipeline.New(pipeline.Config{
		Counties:        cfg.Counties,
		DownloadCommand: cfg.Pipeline.DownloadCommand,
		ProcessCommand:  cfg.Pipeline.ProcessCommand,
		MigrateCommand:  cfg.Pipeline.MigrateCommand,
		IndexCommand:    cfg.Pipeline.IndexCommand,
		ArtifactDir:     cfg.Pipeline.ArtifactDir,
		ReloadURL:       reloadURL,
	}, runner, store, db, m.notifier, sink, clock, log)

	spec, err := cfg.Schedule.CronSpec()
	if err != nil {
		m.closeAll()
		return nil, fmt.Errorf("schedule: %w", err)
	}
	m.scheduler, err = schedule.New(spec, cfg.Schedule.HealthInterval, time.Time{}, clock, log)
	if err != nil {
		m.closeAll()
		return nil, fmt.Errorf("schedule: %w", err)
	}
	return m, nil
}

// Supervisor exposes the process supervisor for the CLI commands.
func (m *Manager) Supervisor() *supervisor.Supervisor { return m.supervisor }

// Scheduler exposes the scheduler for the daemon loop.
func (m *Manager) Scheduler() *schedule.Scheduler { return m.scheduler }

// StartServices starts every supervised service in configured order.
func (m *Manager) StartServices(ctx context.Context) error {
	return m.supervisor.StartAll(ctx)
}

// StopServices stops every supervised service in reverse order.
func (m *Manager) StopServices(ctx context.Context) error {
	return m.supervisor.StopAll(ctx)
}

// Statuses returns reconciled snapshots for all services.
func (m *Manager) Statuses(ctx context.Context) []supervisor.Status {
	return m.supervisor.Statuses(ctx)
}

// CheckHealth runs one health cycle and fires a notification when the
// aggregate status changed since the previous cycle.
func (m *Manager) CheckHealth(ctx context.Context) health.Report {
	rep := m.monitor.Check(ctx)
	cur, prev := m.monitor.Reports()
	m.notifier.NotifyHealthTransition(ctx, prev, cur)
	return rep
}

// TriggerRun executes one pipeline cycle. Returns
// pipeline.ErrRunInProgress when a run is already executing.
func (m *Manager) TriggerRun(ctx context.Context) (*pipeline.Run, error) {
	return m.coordinator.Run(ctx)
}

// LastRun returns the most recently completed run, or nil.
func (m *Manager) LastRun() *pipeline.Run { return m.coordinator.LastRun() }

// ScheduleState returns the scheduler's timer snapshot.
func (m *Manager) ScheduleState() schedule.State { return m.scheduler.State() }

// RunInFlight reports whether a pipeline run is executing.
func (m *Manager) RunInFlight() bool { return m.coordinator.InFlight() }

// RequestStop asks an in-flight run to stop at the next stage boundary.
func (m *Manager) RequestStop() { m.coordinator.RequestStop() }

// Shutdown stops supervised services and releases shared resources. Safe to
// call once after the scheduler loop has exited.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.coordinator.RequestStop()
	var errs []error
	if err := m.supervisor.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}
	m.closeAll()
	return errors.Join(errs...)
}

// Close releases shared resources without touching supervised services.
// One-shot CLI commands use this; the daemon uses Shutdown.
func (m *Manager) Close() { m.closeAll() }

func (m *Manager) closeAll() {
	if m.sink != nil {
		_ = m.sink.Close()
	}
	if m.store != nil {
		_ = m.store.Close()
	}
	if m.db != nil {
		m.db.Close()
	}
}
