package procrun

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerr "github.com/fsweb/fsweb/internal/errors"
)

func TestExecRunnerStdout(t *testing.T) {
	r := NewExecRunner(nil)
	out, err := r.Run(context.Background(), "sh", "-c", "printf 'hello'; echo noise >&2")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestExecRunnerFailureCarriesStderr(t *testing.T) {
	r := NewExecRunner(nil)
	_, err := r.Run(context.Background(), "sh", "-c", "echo 'bad input file' >&2; exit 3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gwerr.ErrProcessFailed))

	var perr *gwerr.ProcessError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "sh", perr.Command)
	assert.Equal(t, 3, perr.ExitCode)
	assert.Equal(t, "bad input file", perr.Stderr)
	assert.Contains(t, err.Error(), "exited with status 3")
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := NewExecRunner(nil)
	_, err := r.Run(context.Background(), "fsweb-no-such-tool-xyz")
	require.Error(t, err)

	var perr *gwerr.ProcessError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, -1, perr.ExitCode)
	assert.Equal(t, gwerr.ErrProcessFailed, gwerr.Lookup(err))
}

func TestExecRunnerLargeOutputDoesNotDeadlock(t *testing.T) {
	r := NewExecRunner(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Well past the 64KiB pipe buffer on both streams.
	script := "i=0; while [ $i -lt 4000 ]; do echo 'stdout line padding padding padding'; echo 'stderr line padding padding padding' >&2; i=$((i+1)); done"
	out, err := r.Run(ctx, "sh", "-c", script)
	require.NoError(t, err)
	assert.Equal(t, 4000, strings.Count(string(out), "\n"))
}

func TestExecRunnerStderrExcerptBounded(t *testing.T) {
	r := &ExecRunner{StderrLimit: 16}
	_, err := r.Run(context.Background(), "sh", "-c", "printf 'aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaFATAL: last' >&2; exit 1")
	var perr *gwerr.ProcessError
	require.True(t, errors.As(err, &perr))
	assert.True(t, strings.HasPrefix(perr.Stderr, "..."))
	assert.True(t, strings.HasSuffix(perr.Stderr, "FATAL: last"))
	assert.LessOrEqual(t, len(perr.Stderr), 16+3)
}

func TestExecRunnerContextCancel(t *testing.T) {
	r := NewExecRunner(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, "sh", "-c", "sleep 5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gwerr.ErrProcessFailed))
}
