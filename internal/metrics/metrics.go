// Package metrics exposes Prometheus collectors for the orchestration
// daemon: service lifecycle counters, pipeline run outcomes and health
// check results.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level collectors, registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvmgr",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvmgr",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service stops (graceful or kill).",
		}, []string{"name"},
	)
	serviceStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cvmgr",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvmgr",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Number of completed pipeline runs by final status.",
		}, []string{"status"},
	)
	pipelineStageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvmgr",
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Number of pipeline stage failures by stage.",
		}, []string{"stage"},
	)
	pipelineRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cvmgr",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall clock duration of completed pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvmgr",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Number of health check cycles by overall status.",
		}, []string{"status"},
	)
)

// Register registers all collectors with the provided registerer. It is safe
// to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceStates,
		pipelineRuns, pipelineStageFailures, pipelineRunDuration,
		healthChecks,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving the DefaultGatherer. The caller
// wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncServiceStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncServiceStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

// SetServiceState marks the given state active and all others inactive for
// the service.
func SetServiceState(name, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range []string{"stopped", "starting", "running", "stopping", "failed"} {
		v := 0.0
		if s == state {
			v = 1
		}
		serviceStates.WithLabelValues(name, s).Set(v)
	}
}

func IncPipelineRun(status string) {
	if regOK.Load() {
		pipelineRuns.WithLabelValues(status).Inc()
	}
}

func IncStageFailure(stage string) {
	if regOK.Load() {
		pipelineStageFailures.WithLabelValues(stage).Inc()
	}
}

func ObserveRunDuration(d time.Duration) {
	if regOK.Load() {
		pipelineRunDuration.Observe(d.Seconds())
	}
}

func IncHealthCheck(status string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(status).Inc()
	}
}
