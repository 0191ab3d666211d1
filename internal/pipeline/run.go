// Package pipeline executes the daily data-refresh cycle: download county
// source data, process it, upload artifacts, migrate the database, rebuild
// the search index, reload the search service and send a run report.
package pipeline

import (
	"time"
)

// Stage names, in execution order.
const (
	StageDownload = "download"
	StageProcess  = "process"
	StageUpload   = "upload"
	StageMigrate  = "migrate"
	StageIndex    = "index"
	StageReload   = "reload"
	StageNotify   = "notify"
)

// Status classifies a stage, a county within a stage, or a whole run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusFailure        Status = "failure"
	StatusSkipped        Status = "skipped"
)

// CountyResult is the outcome of one county within a fan-out stage.
type CountyResult struct {
	County string `json:"county"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StageResult is the outcome of one pipeline stage.
type StageResult struct {
	Stage      string         `json:"stage"`
	Status     Status         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Error      string         `json:"error,omitempty"`
	Counties   []CountyResult `json:"counties,omitempty"`
}

// Run records one pipeline execution. It is mutable only while the
// coordinator drives it; once FinishedAt is set the run is immutable.
type Run struct {
	ID              string        `json:"id"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at,omitzero"`
	Stages          []StageResult `json:"stages"`
	Status          Status        `json:"status"`
	CountiesOK      []string      `json:"counties_ok"`
	CountiesFailed  []string      `json:"counties_failed"`
	CountiesSkipped []string      `json:"counties_skipped,omitempty"`
}

// Duration is the wall clock time of the run.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// stageByName returns the recorded result for a stage, if present.
func (r *Run) stageByName(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// countyStagesSkipped reports whether any fan-out stage was skipped. The
// surviving counties then never completed the cycle and must not be
// reported as ok.
func (r *Run) countyStagesSkipped() bool {
	for _, name := range []string{StageDownload, StageProcess, StageUpload, StageMigrate} {
		if st := r.stageByName(name); st != nil && st.Status == StatusSkipped {
			return true
		}
	}
	return false
}

// computeStatus derives the overall run status. The notify stage is
// reporting, not data work, so it never changes the overall outcome. A
// failed index stage means the run produced no usable search state and the
// whole run counts as a failure.
func (r *Run) computeStatus() Status {
	if st := r.stageByName(StageIndex); st != nil && st.Status == StatusFailure {
		return StatusFailure
	}
	worst := StatusSuccess
	for _, st := range r.Stages {
		if st.Stage == StageNotify {
			continue
		}
		switch st.Status {
		case StatusFailure, StatusPartialFailure, StatusSkipped:
			worst = StatusPartialFailure
		}
	}
	if len(r.CountiesFailed) > 0 {
		worst = StatusPartialFailure
	}
	return worst
}
