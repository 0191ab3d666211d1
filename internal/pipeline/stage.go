package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/communityview/cvmgr/internal/supervisor"
)

// Runner executes one external pipeline command. Tests substitute a fake;
// production uses execRunner against the tile-processing toolchain.
type Runner interface {
	Run(ctx context.Context, command string) error
}

// execRunner shells out with a per-invocation timeout and keeps a bounded
// tail of combined output for error reporting.
type execRunner struct {
	workDir string
	timeout time.Duration
	log     *slog.Logger
}

// NewExecRunner builds the production Runner.
func NewExecRunner(workDir string, timeout time.Duration, log *slog.Logger) Runner {
	return &execRunner{workDir: workDir, timeout: timeout, log: log}
}

const outputTail = 4 << 10

func (e *execRunner) Run(ctx context.Context, command string) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := supervisor.BuildCommand(command)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	e.log.Debug("running pipeline command", "command", command)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", command, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%q: %w: %s", command, err, tail(buf.Bytes()))
		}
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("%q: %w", command, ctx.Err())
	}
}

func tail(b []byte) string {
	if len(b) > outputTail {
		b = b[len(b)-outputTail:]
	}
	return strings.TrimSpace(string(b))
}

// expandCounty substitutes the {county} placeholder in a command template.
func expandCounty(command, county string) string {
	return strings.ReplaceAll(command, "{county}", county)
}
