package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/communityview/cvmgr/internal/health"
	"github.com/communityview/cvmgr/internal/pipeline"
	"github.com/communityview/cvmgr/internal/schedule"
	"github.com/communityview/cvmgr/internal/supervisor"
)

type fakeOrch struct {
	inFlight  atomic.Bool
	triggered atomic.Int64
	overall   health.Status
}

func (f *fakeOrch) Statuses(_ context.Context) []supervisor.Status {
	return []supervisor.Status{
		{Name: "search", State: supervisor.StateRunning, PID: 42, Healthy: true, Required: true},
		{Name: "tiles", State: supervisor.StateStopped, Required: false},
	}
}

func (f *fakeOrch) CheckHealth(_ context.Context) health.Report {
	return health.Report{Timestamp: time.Now(), Overall: f.overall, Database: health.StatusHealthy}
}

func (f *fakeOrch) TriggerRun(_ context.Context) (*pipeline.Run, error) {
	f.triggered.Add(1)
	return &pipeline.Run{ID: "run-1", Status: pipeline.StatusSuccess}, nil
}

func (f *fakeOrch) LastRun() *pipeline.Run { return &pipeline.Run{ID: "run-0", Status: pipeline.StatusSuccess} }

func (f *fakeOrch) ScheduleState() schedule.State {
	return schedule.State{NextDaily: time.Now().Add(time.Hour)}
}

func (f *fakeOrch) RunInFlight() bool { return f.inFlight.Load() }

func newTestServer(t *testing.T, orch Orchestrator) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := httptest.NewServer(NewRouter(orch, log).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusEndpoint(t *testing.T) {
	orch := &fakeOrch{overall: health.StatusHealthy}
	srv := newTestServer(t, orch)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code: %d", resp.StatusCode)
	}

	var body statusResp
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Services) != 2 || body.Services[0].Name != "search" {
		t.Fatalf("services: %+v", body.Services)
	}
	if body.LastRun == nil || body.LastRun.ID != "run-0" {
		t.Fatalf("last run: %+v", body.LastRun)
	}
}

func TestHealthEndpointCodes(t *testing.T) {
	for _, tc := range []struct {
		overall health.Status
		want    int
	}{
		{health.StatusHealthy, http.StatusOK},
		{health.StatusUnknown, http.StatusOK},
		{health.StatusUnhealthy, http.StatusServiceUnavailable},
	} {
		srv := newTestServer(t, &fakeOrch{overall: tc.overall})
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("overall %s: code %d want %d", tc.overall, resp.StatusCode, tc.want)
		}
	}
}

func TestUpdateEndpoint(t *testing.T) {
	orch := &fakeOrch{overall: health.StatusHealthy}
	srv := newTestServer(t, orch)

	resp, err := http.Post(srv.URL+"/update", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("trigger code: %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for orch.triggered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if orch.triggered.Load() != 1 {
		t.Fatalf("triggered %d runs", orch.triggered.Load())
	}
}

func TestUpdateEndpointConflictWhileInFlight(t *testing.T) {
	orch := &fakeOrch{overall: health.StatusHealthy}
	orch.inFlight.Store(true)
	srv := newTestServer(t, orch)

	resp, err := http.Post(srv.URL+"/update", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while a run is in flight, got %d", resp.StatusCode)
	}
	if orch.triggered.Load() != 0 {
		t.Fatal("conflicting request must not trigger a run")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeOrch{overall: health.StatusHealthy})
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics code: %d", resp.StatusCode)
	}
}
