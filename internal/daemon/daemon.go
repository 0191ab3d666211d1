// Package daemon runs the long-lived orchestration loop: it holds the
// single-instance lock, starts the supervised services, serves the admin
// API and drives the scheduler until a shutdown signal arrives.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/communityview/cvmgr/internal/config"
	"github.com/communityview/cvmgr/internal/manager"
	"github.com/communityview/cvmgr/internal/metrics"
	"github.com/communityview/cvmgr/internal/pipeline"
	"github.com/communityview/cvmgr/internal/server"
)

const shutdownTimeout = 30 * time.Second

// Run executes the daemon until a SIGINT or SIGTERM arrives, then stops
// scheduled work at the next stage boundary and shuts the supervised
// services down in reverse start order.
func Run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance is already running (lock %s)", cfg.LockPath())
	}
	defer func() { _ = lock.Unlock() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	mgr, err := manager.New(ctx, cfg, clockwork.NewRealClock(), log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A service that refuses to start is logged, not fatal: the health
	// monitor keeps reporting it and an operator can intervene while the
	// rest of the system runs.
	if err := mgr.StartServices(ctx); err != nil {
		log.Error("failed to start all services", "error", err)
	}

	var srv interface {
		Shutdown(ctx context.Context) error
	}
	if cfg.Server.Listen != "" {
		srv = server.NewServer(cfg.Server.Listen, mgr, log)
		log.Info("admin server listening", "addr", cfg.Server.Listen)
	}

	mgr.Scheduler().Run(ctx,
		func(ctx context.Context) {
			if _, err := mgr.TriggerRun(ctx); err != nil && !errors.Is(err, pipeline.ErrRunInProgress) {
				log.Error("scheduled pipeline run failed", "error", err)
			}
		},
		func(ctx context.Context) {
			mgr.CheckHealth(ctx)
		},
	)

	log.Info("shutdown requested, stopping at next stage boundary")
	mgr.RequestStop()

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shCtx)
	}
	if err := mgr.Shutdown(shCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("daemon stopped")
	return nil
}
