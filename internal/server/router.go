// Package server exposes the daemon's admin HTTP API: status, health,
// manual pipeline trigger and Prometheus metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/communityview/cvmgr/internal/health"
	"github.com/communityview/cvmgr/internal/metrics"
	"github.com/communityview/cvmgr/internal/pipeline"
	"github.com/communityview/cvmgr/internal/schedule"
	"github.com/communityview/cvmgr/internal/supervisor"
)

// Orchestrator is the view of the manager the admin API needs.
type Orchestrator interface {
	Statuses(ctx context.Context) []supervisor.Status
	CheckHealth(ctx context.Context) health.Report
	TriggerRun(ctx context.Context) (*pipeline.Run, error)
	LastRun() *pipeline.Run
	ScheduleState() schedule.State
	RunInFlight() bool
}

// Router provides the admin HTTP handlers.
// Endpoints:
//
//	GET  /status   service states, schedule timers, last run summary
//	GET  /health   run one health check and return the report
//	POST /update   trigger a pipeline run; 409 while one is in flight
//	GET  /metrics  Prometheus exposition
type Router struct {
	orch Orchestrator
	log  *slog.Logger
}

// NewRouter builds a Router over the orchestrator.
func NewRouter(orch Orchestrator, log *slog.Logger) *Router {
	return &Router{orch: orch, log: log}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/status", r.handleStatus)
	g.GET("/health", r.handleHealth)
	g.POST("/update", r.handleUpdate)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr serving this router.
func NewServer(addr string, orch Orchestrator, log *slog.Logger) *http.Server {
	r := NewRouter(orch, log)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	Services []supervisor.Status `json:"services"`
	Schedule schedule.State      `json:"schedule"`
	LastRun  *pipeline.Run       `json:"last_run,omitempty"`
	Updating bool                `json:"updating"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResp{
		Services: r.orch.Statuses(c.Request.Context()),
		Schedule: r.orch.ScheduleState(),
		LastRun:  r.orch.LastRun(),
		Updating: r.orch.RunInFlight(),
	})
}

func (r *Router) handleHealth(c *gin.Context) {
	rep := r.orch.CheckHealth(c.Request.Context())
	code := http.StatusOK
	if rep.Overall == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, rep)
}

func (r *Router) handleUpdate(c *gin.Context) {
	if r.orch.RunInFlight() {
		c.JSON(http.StatusConflict, errorResp{Error: pipeline.ErrRunInProgress.Error()})
		return
	}
	// The run outlives the request; detach it from the request context.
	go func() {
		if _, err := r.orch.TriggerRun(context.Background()); err != nil {
			r.log.Error("triggered pipeline run failed", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}
