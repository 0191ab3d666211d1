// Package notify composes and sends the daemon's emails: one report per
// pipeline run, unconditionally, and one alert per health-state transition.
// The asymmetry is deliberate: run reports are routine, health alerts are
// incidents, and neither may flood the recipient.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/communityview/cvmgr/internal/health"
	"github.com/communityview/cvmgr/internal/pipeline"
)

// ErrNotificationFailure wraps transport errors. Callers log it; it never
// changes a pipeline or health outcome.
var ErrNotificationFailure = errors.New("notification failure")

// record remembers the last alert sent so an unchanged health state never
// produces a second email.
type record struct {
	status health.Status
	sentAt time.Time
}

// Notifier sends run reports and health alerts through a Transport.
type Notifier struct {
	transport Transport
	clock     clockwork.Clock
	log       *slog.Logger

	mu   sync.Mutex
	last *record
}

// New builds a Notifier. A nil transport degrades to Noop.
func New(transport Transport, clock clockwork.Clock, log *slog.Logger) *Notifier {
	if transport == nil {
		transport = Noop{}
	}
	return &Notifier{transport: transport, clock: clock, log: log}
}

// NotifyRun sends exactly one email summarizing a completed pipeline run.
// Always sent, whatever the run outcome.
func (n *Notifier) NotifyRun(ctx context.Context, run *pipeline.Run) error {
	subject := fmt.Sprintf("cvmgr: pipeline run %s", run.Status)
	if err := n.transport.Send(ctx, subject, formatRun(run)); err != nil {
		n.log.Error("failed to send run report", "run_id", run.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrNotificationFailure, err)
	}
	n.log.Info("run report sent", "run_id", run.ID, "status", run.Status)
	return nil
}

// NotifyHealthTransition sends one email when the aggregate health status
// changes between two consecutive reports. Unchanged state sends nothing,
// however many checks passed in between. Fails soft.
func (n *Notifier) NotifyHealthTransition(ctx context.Context, prev, cur *health.Report) {
	// The first report after startup has no predecessor, so there is no
	// transition to alert on.
	if cur == nil || prev == nil || prev.Overall == cur.Overall {
		return
	}

	n.mu.Lock()
	if n.last != nil && n.last.status == cur.Overall {
		n.mu.Unlock()
		return
	}
	n.last = &record{status: cur.Overall, sentAt: n.clock.Now()}
	n.mu.Unlock()

	from := prev.Overall
	subject := fmt.Sprintf("cvmgr: health %s -> %s", from, cur.Overall)
	if err := n.transport.Send(ctx, subject, formatReport(cur)); err != nil {
		n.log.Error("failed to send health alert", "from", from, "to", cur.Overall, "error", err)
		return
	}
	n.log.Info("health alert sent", "from", from, "to", cur.Overall)
}

func formatRun(run *pipeline.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline run %s\n", run.ID)
	fmt.Fprintf(&b, "Status:   %s\n", run.Status)
	fmt.Fprintf(&b, "Started:  %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Finished: %s\n", run.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Counties: %d ok, %d failed", len(run.CountiesOK), len(run.CountiesFailed))
	if len(run.CountiesSkipped) > 0 {
		fmt.Fprintf(&b, ", %d skipped", len(run.CountiesSkipped))
	}
	b.WriteString("\n\n")
	for _, st := range run.Stages {
		fmt.Fprintf(&b, "  %-10s %s", st.Stage, st.Status)
		if st.Error != "" {
			fmt.Fprintf(&b, " (%s)", st.Error)
		}
		b.WriteString("\n")
		for _, cr := range st.Counties {
			fmt.Fprintf(&b, "      %-16s %s", cr.County, cr.Status)
			if cr.Error != "" {
				fmt.Fprintf(&b, " (%s)", cr.Error)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatReport(rep *health.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Health report at %s\n", rep.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Overall:  %s\n", rep.Overall)
	fmt.Fprintf(&b, "Database: %s\n\n", rep.Database)
	for _, s := range rep.Services {
		fmt.Fprintf(&b, "  %-16s %s", s.Name, s.Status)
		if s.Error != "" {
			fmt.Fprintf(&b, " (%s)", s.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}
