// Package tasks runs detached background work that must outlive the request
// that scheduled it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/metrics"
)

// ErrClosed is returned by Submit after Shutdown has started.
var ErrClosed = errors.New("task runner is shut down")

// Func is a unit of background work. ctx is cancelled only when the runner
// gives up draining at shutdown.
type Func func(ctx context.Context) error

// Runner executes submitted tasks on at most Workers goroutines at once.
// Task errors and panics are logged and counted; nothing is reported back
// to the submitter.
type Runner struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight atomic.Int64
}

// New creates a Runner with the given concurrency.
func New(workers int, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		logger: logging.OrDefault(logger, "tasks"),
	}
}

// Submit schedules fn and returns immediately. Tasks beyond the worker
// limit queue in their own goroutine.
func (r *Runner) Submit(name string, fn Func) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		metrics.BackgroundTasks.WithLabelValues("rejected").Inc()
		return fmt.Errorf("submitting %s: %w", name, ErrClosed)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.inflight.Add(1)
	metrics.BackgroundTasksInflight.Inc()
	go r.run(name, fn)
	return nil
}

func (r *Runner) run(name string, fn Func) {
	defer func() {
		r.inflight.Add(-1)
		metrics.BackgroundTasksInflight.Dec()
		r.wg.Done()
	}()

	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		r.logger.Warn("background task dropped before start", "task", name)
		metrics.BackgroundTasks.WithLabelValues("error").Inc()
		return
	}
	defer r.sem.Release(1)

	start := time.Now()
	status := "success"
	defer func() {
		if v := recover(); v != nil {
			status = "panic"
			r.logger.Error("background task panic", "task", name, "panic", v, "stack", string(debug.Stack()))
		}
		metrics.BackgroundTasks.WithLabelValues(status).Inc()
	}()

	if err := fn(r.ctx); err != nil {
		status = "error"
		r.logger.Error("background task failed", "task", name, "error", err, "duration", time.Since(start))
		return
	}
	r.logger.Debug("background task done", "task", name, "duration", time.Since(start))
}

// Inflight returns the number of accepted tasks that have not finished.
func (r *Runner) Inflight() int {
	return int(r.inflight.Load())
}

// Shutdown stops accepting tasks and waits for the accepted ones. When ctx
// expires first, the tasks' context is cancelled and ctx's error returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	defer r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("background tasks still running at shutdown", "inflight", r.Inflight())
		return ctx.Err()
	}
}
