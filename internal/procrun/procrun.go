// Package procrun runs external conversion tools and turns their failures
// into diagnosable errors.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/metrics"
)

// DefaultStderrLimit is the size of the stderr excerpt kept in errors.
const DefaultStderrLimit = 4096

// Runner runs a command to completion and returns its standard output.
// A failed run returns a *gwerr.ProcessError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner is the os/exec implementation of Runner. Each call is a single
// attempt; retrying is the caller's decision.
type ExecRunner struct {
	// StderrLimit bounds the stderr excerpt attached to errors. Zero means
	// DefaultStderrLimit.
	StderrLimit int
	Logger      *slog.Logger
}

// NewExecRunner returns an ExecRunner logging through logger.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{Logger: logging.OrDefault(logger, "procrun")}
}

// Run executes name with args. Stdout and stderr are collected into
// separate buffers; exec drains both pipes concurrently, so a chatty tool
// cannot block on a full pipe.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	logger := logging.OrDefault(r.Logger, "procrun")
	tool := filepath.Base(name)

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	metrics.ProcessDuration.WithLabelValues(tool).Observe(elapsed.Seconds())

	if err != nil {
		metrics.ProcessRuns.WithLabelValues(tool, "error").Inc()
		perr := &gwerr.ProcessError{
			Command:  name,
			Args:     args,
			ExitCode: -1,
			Stderr:   excerpt(stderr.Bytes(), r.limit()),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			perr.ExitCode = exitErr.ExitCode()
		}
		logger.Warn("process failed",
			"command", name,
			"args", args,
			"exit_code", perr.ExitCode,
			"duration", elapsed,
			"stderr", perr.Stderr,
		)
		return stdout.Bytes(), perr
	}

	metrics.ProcessRuns.WithLabelValues(tool, "success").Inc()
	logger.Debug("process finished", "command", name, "duration", elapsed)
	return stdout.Bytes(), nil
}

func (r *ExecRunner) limit() int {
	if r.StderrLimit > 0 {
		return r.StderrLimit
	}
	return DefaultStderrLimit
}

// excerpt keeps the tail of b; tools print the fatal line last.
func excerpt(b []byte, limit int) string {
	b = bytes.TrimSpace(b)
	if len(b) <= limit {
		return string(b)
	}
	return "..." + string(b[len(b)-limit:])
}

var _ Runner = (*ExecRunner)(nil)
