package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/communityview/cvmgr/internal/marker"
	"github.com/communityview/cvmgr/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func healthServer(t *testing.T, code int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testService(t *testing.T, name, command, healthURL string) Service {
	t.Helper()
	return Service{
		Name:          name,
		Command:       command,
		HealthURL:     healthURL,
		MarkerPath:    filepath.Join(t.TempDir(), name+".marker"),
		StopGrace:     500 * time.Millisecond,
		StartRetries:  20,
		StartInterval: 50 * time.Millisecond,
		Required:      true,
	}
}

func TestStartStopLifecycle(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	svc := testService(t, "search", "/bin/sleep 60", srv.URL)
	sup := New([]Service{svc}, clockwork.NewRealClock(), testLogger())
	ctx := context.Background()

	if err := sup.Start(ctx, "search"); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, err := sup.Status(ctx, "search")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateRunning || !st.Healthy || st.PID <= 0 {
		t.Fatalf("unexpected status after start: %+v", st)
	}
	if _, err := marker.Read(svc.MarkerPath); err != nil {
		t.Fatalf("marker not written: %v", err)
	}

	// Starting a running, healthy service is a no-op: same pid.
	pid := st.PID
	if err := sup.Start(ctx, "search"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	st, _ = sup.Status(ctx, "search")
	if st.PID != pid {
		t.Fatalf("second start spawned a duplicate: pid %d -> %d", pid, st.PID)
	}

	if err := sup.Stop(ctx, "search"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st, _ = sup.Status(ctx, "search")
	if st.State != StateStopped {
		t.Fatalf("expected stopped, got %+v", st)
	}
	if _, err := marker.Read(svc.MarkerPath); !os.IsNotExist(err) {
		t.Fatalf("marker not removed: %v", err)
	}

	// Stop is idempotent.
	if err := sup.Stop(ctx, "search"); err != nil {
		t.Fatalf("stop twice: %v", err)
	}
	st, _ = sup.Status(ctx, "search")
	if st.State != StateStopped {
		t.Fatalf("expected still stopped, got %+v", st)
	}
}

func TestStartFailureKillsSpawn(t *testing.T) {
	srv := healthServer(t, http.StatusInternalServerError)
	svc := testService(t, "search", "/bin/sleep 60", srv.URL)
	svc.StartRetries = 2
	sup := New([]Service{svc}, clockwork.NewRealClock(), testLogger())

	err := sup.Start(context.Background(), "search")
	if !errors.Is(err, ErrProcessStartFailure) {
		t.Fatalf("expected ErrProcessStartFailure, got %v", err)
	}
	if _, err := marker.Read(svc.MarkerPath); !os.IsNotExist(err) {
		t.Fatalf("marker should be cleaned up on failed start: %v", err)
	}
}

func TestStartExitedProcessFails(t *testing.T) {
	srv := healthServer(t, http.StatusInternalServerError)
	svc := testService(t, "search", "/bin/true", srv.URL)
	sup := New([]Service{svc}, clockwork.NewRealClock(), testLogger())

	err := sup.Start(context.Background(), "search")
	if !errors.Is(err, ErrProcessStartFailure) {
		t.Fatalf("expected ErrProcessStartFailure for exiting command, got %v", err)
	}
}

func TestStatusStaleMarkerReportsStopped(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	svc := testService(t, "search", "/bin/sleep 60", srv.URL)
	sup := New([]Service{svc}, clockwork.NewRealClock(), testLogger())

	// Simulate a daemon restart after a crash: marker points at a pid that
	// no longer exists.
	if err := marker.Write(svc.MarkerPath, marker.Marker{Service: "search", PID: 1 << 30, StartUnix: 1}); err != nil {
		t.Fatal(err)
	}
	st, err := sup.Status(context.Background(), "search")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateStopped {
		t.Fatalf("stale marker must report stopped, got %+v", st)
	}
}

func TestStatusAdoptsLiveMarker(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	svc := testService(t, "search", "/bin/sleep 60", srv.URL)
	sup := New([]Service{svc}, clockwork.NewRealClock(), testLogger())

	// A process from a previous daemon incarnation is still serving.
	cmd := exec.Command("/bin/sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })
	if err := marker.Write(svc.MarkerPath, marker.ForPID("search", cmd.Process.Pid)); err != nil {
		t.Fatal(err)
	}

	st, err := sup.Status(context.Background(), "search")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateRunning || st.PID != cmd.Process.Pid {
		t.Fatalf("expected adoption of live marker, got %+v", st)
	}
}

func TestStopSweepsStrayMarker(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	svc := testService(t, "search", "/bin/sleep 60", srv.URL)
	sup := New([]Service{svc}, clockwork.NewRealClock(), testLogger())

	cmd := exec.Command("/bin/sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	// Reap in the background so the killed stray does not linger as a
	// zombie; a restarted daemon's strays are reaped by init the same way.
	waited := make(chan struct{})
	go func() { _ = cmd.Wait(); close(waited) }()
	t.Cleanup(func() { _ = cmd.Process.Kill(); <-waited })
	if err := marker.Write(svc.MarkerPath, marker.ForPID("search", cmd.Process.Pid)); err != nil {
		t.Fatal(err)
	}

	if err := sup.Stop(context.Background(), "search"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !marker.PIDAlive(cmd.Process.Pid) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := marker.Read(svc.MarkerPath); !os.IsNotExist(err) {
		t.Fatalf("stray marker not removed: %v", err)
	}
}

// procState returns the single-letter process state from /proc/[pid]/stat,
// or "" when the entry is gone.
func procState(t *testing.T, pid int) string {
	t.Helper()
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return ""
	}
	line := string(b)
	i := strings.LastIndex(line, ") ")
	if i == -1 {
		return ""
	}
	fields := strings.Fields(line[i+2:])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func TestStopTimeoutLeavesFailed(t *testing.T) {
	srv := healthServer(t, http.StatusInternalServerError)
	svc := testService(t, "search", "/bin/sleep 60", srv.URL)
	svc.StopGrace = 100 * time.Millisecond
	sup := New([]Service{svc}, clockwork.NewRealClock(), testLogger())

	// An exited child we never reap stays a zombie: kill(pid, 0) still
	// answers and no signal, SIGKILL included, makes it go away. That is
	// exactly a process that outlives the escalation.
	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cmd.Wait() })
	pid := cmd.Process.Pid

	deadline := time.Now().Add(2 * time.Second)
	for procState(t, pid) != "Z" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if procState(t, pid) != "Z" {
		t.Skipf("pid %d never became a zombie", pid)
	}
	if err := marker.Write(svc.MarkerPath, marker.ForPID("search", pid)); err != nil {
		t.Fatal(err)
	}

	err := sup.Stop(context.Background(), "search")
	if !errors.Is(err, ErrProcessStopTimeout) {
		t.Fatalf("expected ErrProcessStopTimeout, got %v", err)
	}

	st, serr := sup.Status(context.Background(), "search")
	if serr != nil {
		t.Fatalf("status: %v", serr)
	}
	if st.State != StateFailed {
		t.Fatalf("unstoppable process must stay failed, got %+v", st)
	}
}

func TestStartAdoptionRefreshesStateGauge(t *testing.T) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	srv := healthServer(t, http.StatusOK)
	svc := testService(t, "tiles", "/bin/sleep 60", srv.URL)
	sup := New([]Service{svc}, clockwork.NewRealClock(), testLogger())

	// A process from a previous daemon incarnation is still serving; the
	// gauge still carries the state from before the restart.
	cmd := exec.Command("/bin/sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })
	if err := marker.Write(svc.MarkerPath, marker.ForPID("tiles", cmd.Process.Pid)); err != nil {
		t.Fatal(err)
	}
	metrics.SetServiceState("tiles", string(StateStopped))

	if err := sup.Start(context.Background(), "tiles"); err != nil {
		t.Fatalf("start: %v", err)
	}

	msrv := httptest.NewServer(metrics.Handler())
	defer msrv.Close()
	resp, err := http.Get(msrv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	want := `cvmgr_service_current_state{name="tiles",state="running"} 1`
	if !strings.Contains(string(raw), want) {
		t.Fatalf("state gauge not refreshed on adoption, missing %q", want)
	}
}

func TestUnknownService(t *testing.T) {
	sup := New(nil, clockwork.NewRealClock(), testLogger())
	if err := sup.Start(context.Background(), "nope"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Stop(context.Background(), "nope"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("stop: %v", err)
	}
	if _, err := sup.Status(context.Background(), "nope"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("status: %v", err)
	}
}
