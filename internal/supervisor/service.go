package supervisor

import (
	"os/exec"
	"strings"
	"time"

	"github.com/communityview/cvmgr/internal/logger"
)

// State is the supervisor's view of one managed service process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// Service describes a supervised backend service. Descriptors are owned
// exclusively by the Supervisor; other components read Status snapshots.
type Service struct {
	Name          string
	Command       string
	WorkDir       string
	HealthURL     string
	ReloadURL     string
	MarkerPath    string
	StopGrace     time.Duration
	StartRetries  int
	StartInterval time.Duration
	Required      bool
	Log           logger.FileConfig
}

// Status is a point-in-time snapshot of a service, reconciled against
// OS-level process existence and a live health probe.
type Status struct {
	Name       string    `json:"name"`
	State      State     `json:"state"`
	PID        int       `json:"pid,omitempty"`
	Healthy    bool      `json:"healthy"`
	Required   bool      `json:"required"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	DetectedBy string    `json:"detected_by,omitempty"`
}

// BuildCommand constructs an *exec.Cmd for a configured command string. It
// avoids invoking a shell when not necessary, honors an explicit "sh -c"
// prefix without double-wrapping, and falls back to /bin/sh -c when shell
// metacharacters are present.
func BuildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if after, ok := cutExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// cutExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c, with one surrounding quote pair stripped so redirections
// inside the script still parse.
func cutExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c ", "bash -c ", "/bin/bash -c "} {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}
