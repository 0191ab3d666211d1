// Package supervisor starts, stops and tracks the lifecycle of the managed
// external services (search API, tile server). It is the only component
// that mutates service state; everyone else reads Status snapshots.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/communityview/cvmgr/internal/marker"
	"github.com/communityview/cvmgr/internal/metrics"
	"github.com/communityview/cvmgr/internal/probe"
)

var (
	// ErrProcessStartFailure is returned when a spawned service never passes
	// its health probe within the start budget. The spawn is killed on this
	// path so no orphan is left behind.
	ErrProcessStartFailure = errors.New("process start failure")
	// ErrProcessStopTimeout is returned when a process survives SIGKILL.
	// The service is recorded as failed, never silently stopped.
	ErrProcessStopTimeout = errors.New("process stop timeout")
	// ErrUnknownService is returned for a name outside the registry.
	ErrUnknownService = errors.New("unknown service")
)

// Supervisor owns the registry of managed services.
type Supervisor struct {
	mu       sync.Mutex
	order    []string
	services map[string]*managed

	clock  clockwork.Clock
	client *http.Client
	log    *slog.Logger
}

// managed pairs a descriptor with its runtime process state. Only the
// Supervisor goroutines touch it, always under its own lock.
type managed struct {
	mu        sync.Mutex
	svc       Service
	handle    *procHandle
	state     State
	startedAt time.Time
}

// New builds a Supervisor for the given descriptors, preserving start order.
func New(services []Service, clock clockwork.Clock, log *slog.Logger) *Supervisor {
	s := &Supervisor{
		services: make(map[string]*managed, len(services)),
		clock:    clock,
		client:   &http.Client{},
		log:      log,
	}
	for _, svc := range services {
		s.order = append(s.order, svc.Name)
		s.services[svc.Name] = &managed{svc: svc, state: StateStopped}
	}
	return s
}

// Names returns service names in configured start order.
func (s *Supervisor) Names() []string {
	return append([]string(nil), s.order...)
}

// Service returns the descriptor for name.
func (s *Supervisor) Service(name string) (Service, error) {
	m, ok := s.services[name]
	if !ok {
		return Service{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return m.svc, nil
}

// Start launches the named service and waits until its health endpoint
// answers. Starting an already-running, healthy service is a no-op.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	m, ok := s.services[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateRunning && m.handle != nil && m.handle.alive() {
		if probe.HTTP(ctx, s.client, m.svc.HealthURL, 0) == nil {
			s.log.Debug("service already running", "service", name)
			metrics.SetServiceState(name, string(StateRunning))
			return nil
		}
	}

	// A process recorded by a previous daemon run may still be serving.
	if mk, err := marker.Read(m.svc.MarkerPath); err == nil && mk.Alive() {
		if probe.HTTP(ctx, s.client, m.svc.HealthURL, 0) == nil {
			m.handle = adoptHandle(mk)
			m.state = StateRunning
			metrics.SetServiceState(name, string(StateRunning))
			s.log.Info("adopted running service from marker", "service", name, "pid", mk.PID)
			return nil
		}
	}

	m.state = StateStarting
	s.log.Info("starting service", "service", name, "command", m.svc.Command)

	h, err := spawn(m.svc)
	if err != nil {
		m.state = StateFailed
		return fmt.Errorf("%w: %s: %v", ErrProcessStartFailure, name, err)
	}
	m.handle = h
	_ = marker.Write(m.svc.MarkerPath, h.marker(name))

	if err := s.awaitHealthy(ctx, m); err != nil {
		s.log.Error("service failed to become healthy, killing spawn", "service", name, "pid", h.pid)
		h.kill()
		h.reap(s.clock, 200*time.Millisecond)
		_ = marker.Remove(m.svc.MarkerPath)
		m.handle = nil
		m.state = StateFailed
		return fmt.Errorf("%w: %s: %v", ErrProcessStartFailure, name, err)
	}

	m.state = StateRunning
	m.startedAt = s.clock.Now()
	metrics.IncServiceStart(name)
	metrics.SetServiceState(name, string(StateRunning))
	s.log.Info("service running", "service", name, "pid", h.pid)
	return nil
}

// awaitHealthy polls the health endpoint with bounded retries. Caller holds
// the managed lock.
func (s *Supervisor) awaitHealthy(ctx context.Context, m *managed) error {
	var lastErr error
	for attempt := 0; attempt < m.svc.StartRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(m.svc.StartInterval):
			}
		}
		if m.handle != nil && !m.handle.alive() {
			return errors.New("process exited during startup")
		}
		if lastErr = probe.HTTP(ctx, s.client, m.svc.HealthURL, 0); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("health probe never succeeded after %d attempts: %w", m.svc.StartRetries, lastErr)
}

// Stop terminates the named service. It is idempotent: stopping a stopped
// service succeeds and leaves it stopped. A graceful SIGTERM is escalated
// to SIGKILL after the grace period; a process that survives SIGKILL is
// reported as ErrProcessStopTimeout and the state stays failed.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	m, ok := s.services[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateStopping
	if m.handle != nil && m.handle.alive() {
		s.log.Info("stopping service", "service", name, "pid", m.handle.pid)
		if err := s.terminate(ctx, m, m.handle); err != nil {
			m.state = StateFailed
			return err
		}
	}
	m.handle = nil

	// Sweep a stray process recorded in a stale marker (e.g. spawned by a
	// previous daemon incarnation).
	if mk, err := marker.Read(m.svc.MarkerPath); err == nil && mk.Alive() {
		s.log.Warn("sweeping stray process from stale marker", "service", name, "pid", mk.PID)
		stray := adoptHandle(mk)
		if err := s.terminate(ctx, m, stray); err != nil {
			m.state = StateFailed
			return err
		}
	}

	if err := marker.Remove(m.svc.MarkerPath); err != nil {
		s.log.Warn("failed to remove marker", "service", name, "error", err)
	}
	m.state = StateStopped
	metrics.IncServiceStop(name)
	metrics.SetServiceState(name, string(StateStopped))
	s.log.Info("service stopped", "service", name)
	return nil
}

// terminate runs the TERM, grace, KILL escalation for one process handle.
func (s *Supervisor) terminate(ctx context.Context, m *managed, h *procHandle) error {
	h.term()
	if h.waitExit(ctx, s.clock, m.svc.StopGrace) {
		return nil
	}
	s.log.Warn("grace period expired, escalating to SIGKILL", "service", m.svc.Name, "pid", h.pid)
	h.kill()
	if h.waitExit(ctx, s.clock, m.svc.StopGrace) {
		return nil
	}
	return fmt.Errorf("%w: %s: pid %d still alive after SIGKILL", ErrProcessStopTimeout, m.svc.Name, h.pid)
}

// Status reconciles in-memory state against OS-level process existence and
// a live health probe. It mutates nothing beyond internal bookkeeping: a
// stale marker yields stopped, never running.
func (s *Supervisor) Status(ctx context.Context, name string) (Status, error) {
	m, ok := s.services[name]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Name: name, State: m.state, Required: m.svc.Required, StartedAt: m.startedAt}

	switch {
	case m.handle != nil && m.handle.alive():
		st.PID = m.handle.pid
		st.DetectedBy = "exec:pid"
	default:
		// Crash-recovery path: consult the persisted marker, guarding
		// against PID reuse via the recorded process start time.
		mk, err := marker.Read(m.svc.MarkerPath)
		if err == nil && mk.Alive() {
			st.PID = mk.PID
			st.DetectedBy = "marker:" + m.svc.MarkerPath
			m.handle = adoptHandle(mk)
		} else {
			if m.state != StateFailed {
				m.state = StateStopped
			}
			st.State = m.state
			m.handle = nil
			metrics.SetServiceState(name, string(m.state))
			return st, nil
		}
	}

	if probe.HTTP(ctx, s.client, m.svc.HealthURL, 0) == nil {
		st.Healthy = true
		m.state = StateRunning
	} else if m.state == StateRunning {
		// Process exists but does not answer; keep it visible as starting
		// rather than claiming a healthy running state.
		m.state = StateStarting
	}
	st.State = m.state
	// Reconciliation may have adopted a marker or demoted the state; keep
	// the gauge in step with what it decided.
	metrics.SetServiceState(name, string(m.state))
	return st, nil
}

// Statuses returns reconciled snapshots for all services in start order.
func (s *Supervisor) Statuses(ctx context.Context) []Status {
	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		st, err := s.Status(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

// StartAll starts every service in configured order, collecting failures.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range s.order {
		if err := s.Start(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every service in reverse start order.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var errs []error
	for i := len(s.order) - 1; i >= 0; i-- {
		if err := s.Stop(ctx, s.order[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
