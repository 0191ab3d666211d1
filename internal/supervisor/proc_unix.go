//go:build !windows

package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/communityview/cvmgr/internal/marker"
)

// procHandle tracks one OS process. Spawned handles own an exec.Cmd and a
// monitor goroutine that reaps it; adopted handles (recovered from a marker
// after a daemon restart) only carry the pid and recorded start time.
type procHandle struct {
	pid       int
	startUnix int64
	cmd       *exec.Cmd
	waitDone  chan struct{}
	logCloser io.WriteCloser
}

// spawn launches the service command in its own process group with stdout
// and stderr attached to the service's rotated log file.
func spawn(svc Service) (*procHandle, error) {
	cmd := BuildCommand(svc.Command)
	if svc.WorkDir != "" {
		cmd.Dir = svc.WorkDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logw := svc.Log.Writer(svc.Name)
	if logw != nil {
		cmd.Stdout = logw
		cmd.Stderr = logw
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}

	if err := cmd.Start(); err != nil {
		if logw != nil {
			_ = logw.Close()
		}
		return nil, err
	}

	h := &procHandle{
		pid:       cmd.Process.Pid,
		cmd:       cmd,
		waitDone:  make(chan struct{}),
		logCloser: logw,
	}
	h.startUnix = marker.ForPID(svc.Name, h.pid).StartUnix
	go func() {
		_ = cmd.Wait()
		if h.logCloser != nil {
			_ = h.logCloser.Close()
		}
		close(h.waitDone)
	}()
	return h, nil
}

// adoptHandle wraps a process recovered from a persisted marker.
func adoptHandle(mk marker.Marker) *procHandle {
	return &procHandle{pid: mk.PID, startUnix: mk.StartUnix}
}

func (h *procHandle) alive() bool {
	if h == nil || h.pid <= 0 {
		return false
	}
	if h.cmd != nil {
		select {
		case <-h.waitDone:
			return false
		default:
			return true
		}
	}
	return marker.Marker{PID: h.pid, StartUnix: h.startUnix}.Alive()
}

// term sends SIGTERM to the process group (falling back to the single pid
// when the group signal fails).
func (h *procHandle) term() { h.signal(syscall.SIGTERM) }

// kill sends SIGKILL the same way.
func (h *procHandle) kill() { h.signal(syscall.SIGKILL) }

func (h *procHandle) signal(sig syscall.Signal) {
	if h == nil || h.pid <= 0 {
		return
	}
	if err := syscall.Kill(-h.pid, sig); err != nil {
		_ = syscall.Kill(h.pid, sig)
	}
}

// waitExit blocks until the process exits or the budget elapses. Spawned
// handles wait on the reaper; adopted handles poll OS liveness.
func (h *procHandle) waitExit(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if h == nil {
		return true
	}
	if h.cmd != nil {
		select {
		case <-h.waitDone:
			return true
		case <-clock.After(d):
			return false
		case <-ctx.Done():
			return !h.alive()
		}
	}
	deadline := clock.Now().Add(d)
	for clock.Now().Before(deadline) {
		if !h.alive() {
			return true
		}
		select {
		case <-ctx.Done():
			return !h.alive()
		case <-clock.After(50 * time.Millisecond):
		}
	}
	return !h.alive()
}

// reap waits briefly for the monitor goroutine after a kill; best effort.
func (h *procHandle) reap(clock clockwork.Clock, d time.Duration) {
	if h == nil || h.cmd == nil {
		return
	}
	select {
	case <-h.waitDone:
	case <-clock.After(d):
	}
}

// marker builds the persisted record for this handle.
func (h *procHandle) marker(service string) marker.Marker {
	return marker.Marker{Service: service, PID: h.pid, StartUnix: h.startUnix}
}
