package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/communityview/cvmgr/internal/metrics"
	"github.com/communityview/cvmgr/internal/runlog"
	"github.com/communityview/cvmgr/internal/storage"
)

// ErrRunInProgress is returned when a run is triggered while another run is
// still executing. Runs are strictly single-flight.
var ErrRunInProgress = errors.New("pipeline run already in progress")

// ParcelCounter is the post-migration consistency check the coordinator
// needs from the database.
type ParcelCounter interface {
	ParcelCount(ctx context.Context, county string) (int64, error)
}

// Notifier receives the completed run for the notify stage.
type Notifier interface {
	NotifyRun(ctx context.Context, run *Run) error
}

// Config carries the static pipeline parameters from the daemon config.
type Config struct {
	Counties        []string
	DownloadCommand string
	ProcessCommand  string
	MigrateCommand  string
	IndexCommand    string
	ArtifactDir     string
	ReloadURL       string
}

// Coordinator drives pipeline runs. All collaborators are injected so tests
// can substitute fakes for the toolchain, storage, database and notifier.
type Coordinator struct {
	cfg      Config
	runner   Runner
	store    storage.Store
	db       ParcelCounter
	notifier Notifier
	sink     runlog.Sink
	client   *http.Client
	clock    clockwork.Clock
	log      *slog.Logger

	running atomic.Bool
	stopped atomic.Bool

	mu   sync.Mutex
	last *Run
}

// New builds a Coordinator. store falls back to storage.Discard, db,
// notifier and sink may be nil.
func New(cfg Config, runner Runner, store storage.Store, db ParcelCounter,
	notifier Notifier, sink runlog.Sink, clock clockwork.Clock, log *slog.Logger) *Coordinator {
	if store == nil {
		store = storage.Discard{}
	}
	return &Coordinator{
		cfg:      cfg,
		runner:   runner,
		store:    store,
		db:       db,
		notifier: notifier,
		sink:     sink,
		client:   &http.Client{},
		clock:    clock,
		log:      log,
	}
}

// InFlight reports whether a run is currently executing.
func (c *Coordinator) InFlight() bool { return c.running.Load() }

// RequestStop asks the coordinator to stop at the next stage boundary.
// In-flight stages finish; remaining stages are recorded as skipped.
func (c *Coordinator) RequestStop() { c.stopped.Store(true) }

// LastRun returns the most recently completed run, or nil.
func (c *Coordinator) LastRun() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Run executes one full pipeline cycle. County-scoped failures are recorded
// and isolated: a county that fails a stage is excluded from later stages,
// other counties continue. The notify stage always runs.
func (c *Coordinator) Run(ctx context.Context) (*Run, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer c.running.Store(false)
	c.stopped.Store(false)

	run := &Run{ID: uuid.NewString(), StartedAt: c.clock.Now()}
	failed := make(map[string]string, len(c.cfg.Counties))
	c.log.Info("pipeline run started", "run_id", run.ID, "counties", len(c.cfg.Counties))

	// Shutdown is stage-boundary granular: cancelling the caller's context
	// flips the stop flag, it never kills a stage mid-command. Stage
	// commands are bounded by the runner's own timeout.
	stageCtx := context.WithoutCancel(ctx)
	stopWatch := context.AfterFunc(ctx, func() { c.stopped.Store(true) })
	defer stopWatch()
	ctx = stageCtx

	active := append([]string(nil), c.cfg.Counties...)
	active = c.countyStage(ctx, run, StageDownload, active, failed, func(ctx context.Context, county string) error {
		return c.runner.Run(ctx, expandCounty(c.cfg.DownloadCommand, county))
	})
	active = c.countyStage(ctx, run, StageProcess, active, failed, func(ctx context.Context, county string) error {
		return c.runner.Run(ctx, expandCounty(c.cfg.ProcessCommand, county))
	})
	active = c.countyStage(ctx, run, StageUpload, active, failed, func(ctx context.Context, county string) error {
		return c.upload(ctx, county)
	})
	active = c.countyStage(ctx, run, StageMigrate, active, failed, func(ctx context.Context, county string) error {
		return c.migrate(ctx, county)
	})

	// Index rebuild reads whole-database state: counties migrated this run
	// plus the prior state of counties that failed. It never sees a partial
	// migration because failed migrations excluded their county above.
	c.singleStage(ctx, run, StageIndex, func(ctx context.Context) error {
		return c.runner.Run(ctx, c.cfg.IndexCommand)
	})
	c.singleStage(ctx, run, StageReload, func(ctx context.Context) error {
		return c.reload(ctx)
	})

	run.CountiesFailed = sortedKeys(failed)
	if run.countyStagesSkipped() {
		run.CountiesSkipped = active
	} else {
		run.CountiesOK = active
	}
	run.FinishedAt = c.clock.Now()
	run.Status = run.computeStatus()

	c.notify(ctx, run)
	c.finish(ctx, run, failed)

	c.log.Info("pipeline run finished", "run_id", run.ID, "status", run.Status,
		"counties_ok", len(run.CountiesOK), "counties_failed", len(run.CountiesFailed),
		"counties_skipped", len(run.CountiesSkipped))
	return run, nil
}

type countyFn func(ctx context.Context, county string) error

// countyStage fans one stage out over the active counties. Failures are
// recorded into failed and the county is dropped from the returned set.
func (c *Coordinator) countyStage(ctx context.Context, run *Run, name string,
	active []string, failed map[string]string, fn countyFn) []string {
	st := StageResult{Stage: name, StartedAt: c.clock.Now()}
	if c.stopped.Load() || ctx.Err() != nil {
		st.Status = StatusSkipped
		st.Error = "stop requested"
		st.FinishedAt = st.StartedAt
		run.Stages = append(run.Stages, st)
		return active
	}

	var survivors []string
	for _, county := range active {
		if err := fn(ctx, county); err != nil {
			c.log.Error("stage failed for county", "stage", name, "county", county, "error", err)
			st.Counties = append(st.Counties, CountyResult{County: county, Status: StatusFailure, Error: err.Error()})
			failed[county] = fmt.Sprintf("%s: %v", name, err)
			metrics.IncStageFailure(name)
			continue
		}
		st.Counties = append(st.Counties, CountyResult{County: county, Status: StatusSuccess})
		survivors = append(survivors, county)
	}

	switch {
	case len(survivors) == len(active):
		st.Status = StatusSuccess
	case len(survivors) == 0 && len(active) > 0:
		st.Status = StatusFailure
	default:
		st.Status = StatusPartialFailure
	}
	st.FinishedAt = c.clock.Now()
	run.Stages = append(run.Stages, st)
	return survivors
}

// singleStage runs a non-fan-out stage.
func (c *Coordinator) singleStage(ctx context.Context, run *Run, name string, fn func(context.Context) error) {
	st := StageResult{Stage: name, StartedAt: c.clock.Now()}
	if c.stopped.Load() || ctx.Err() != nil {
		st.Status = StatusSkipped
		st.Error = "stop requested"
		st.FinishedAt = st.StartedAt
		run.Stages = append(run.Stages, st)
		return
	}
	if err := fn(ctx); err != nil {
		c.log.Error("stage failed", "stage", name, "error", err)
		st.Status = StatusFailure
		st.Error = err.Error()
		metrics.IncStageFailure(name)
	} else {
		st.Status = StatusSuccess
	}
	st.FinishedAt = c.clock.Now()
	run.Stages = append(run.Stages, st)
}

// upload streams the county artifact to object storage, retrying once on
// failure since transient network errors are the expected cause.
func (c *Coordinator) upload(ctx context.Context, county string) error {
	name := county + ".mbtiles"
	path := filepath.Join(c.cfg.ArtifactDir, name)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open artifact for %s: %w", county, err)
		}
		lastErr = c.store.Put(ctx, name, f)
		_ = f.Close()
		if lastErr == nil {
			return nil
		}
		c.log.Warn("upload attempt failed", "county", county, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

// migrate loads the county into the database and verifies rows arrived.
func (c *Coordinator) migrate(ctx context.Context, county string) error {
	if err := c.runner.Run(ctx, expandCounty(c.cfg.MigrateCommand, county)); err != nil {
		return err
	}
	if c.db == nil {
		return nil
	}
	n, err := c.db.ParcelCount(ctx, county)
	if err != nil {
		return fmt.Errorf("verify migration for %s: %w", county, err)
	}
	if n == 0 {
		return fmt.Errorf("migration for %s loaded no parcels", county)
	}
	return nil
}

// reload POSTs to the search service's internal reload endpoint so the
// rebuilt index takes effect without a restart.
func (c *Coordinator) reload(ctx context.Context) error {
	if c.cfg.ReloadURL == "" {
		return errors.New("no reload url configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ReloadURL, nil)
	if err != nil {
		return fmt.Errorf("build reload request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("reload search index: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reload search index: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// notify always runs, whatever the upstream outcome. A transport failure is
// recorded on the stage but never changes the run status.
func (c *Coordinator) notify(ctx context.Context, run *Run) {
	st := StageResult{Stage: StageNotify, StartedAt: c.clock.Now(), Status: StatusSuccess}
	if c.notifier != nil {
		if err := c.notifier.NotifyRun(ctx, run); err != nil {
			st.Status = StatusFailure
			st.Error = err.Error()
		}
	}
	st.FinishedAt = c.clock.Now()
	run.Stages = append(run.Stages, st)
}

// finish publishes the run snapshot, metrics and the runlog record.
func (c *Coordinator) finish(ctx context.Context, run *Run, failed map[string]string) {
	c.mu.Lock()
	c.last = run
	c.mu.Unlock()

	metrics.IncPipelineRun(string(run.Status))
	metrics.ObserveRunDuration(run.Duration())

	if c.sink == nil {
		return
	}
	rec := runlog.Record{
		RunID:          run.ID,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		Status:         string(run.Status),
		CountiesOK:     run.CountiesOK,
		CountiesFailed: run.CountiesFailed,
	}
	var errs []string
	for _, county := range rec.CountiesFailed {
		errs = append(errs, county+": "+failed[county])
	}
	if len(errs) > 0 {
		rec.Error = joinLines(errs)
	}
	if err := c.sink.Record(ctx, rec); err != nil {
		c.log.Warn("failed to record run", "run_id", run.ID, "error", err)
	}
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func joinLines(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}
