// Package janitor periodically removes staged files that no request or
// background task owns any more.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fsweb/fsweb/internal/journal"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/metrics"
)

// PendingLister reports the jobs whose temp files are still in use.
type PendingLister interface {
	Pending(ctx context.Context) ([]*journal.Job, error)
}

// Janitor sweeps a temp directory on a cron schedule.
type Janitor struct {
	dir    string
	maxAge time.Duration
	jobs   PendingLister
	logger *slog.Logger
	now    func() time.Time

	cron     *cron.Cron
	stopOnce sync.Once
}

// New creates a Janitor for dir. jobs may be nil.
func New(dir string, maxAge time.Duration, jobs PendingLister, logger *slog.Logger) *Janitor {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	logger = logging.OrDefault(logger, "janitor")
	cl := cronLogger{logger: logger}
	return &Janitor{
		dir:    dir,
		maxAge: maxAge,
		jobs:   jobs,
		logger: logger,
		now:    time.Now,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl)),
		),
	}
}

// cronLogger routes the scheduler's own messages into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Start sweeps once and then on every tick of schedule until ctx is done
// or Stop is called.
func (j *Janitor) Start(ctx context.Context, schedule string) error {
	if _, err := j.cron.AddFunc(schedule, func() { j.sweepAndLog(ctx) }); err != nil {
		return fmt.Errorf("scheduling temp sweep %q: %w", schedule, err)
	}
	j.sweepAndLog(ctx)
	j.cron.Start()
	j.logger.Info("temp janitor started", "dir", j.dir, "schedule", schedule, "max_age", j.maxAge)

	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep. Safe to call
// multiple times.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		<-j.cron.Stop().Done()
	})
}

func (j *Janitor) sweepAndLog(ctx context.Context) {
	n, err := j.Sweep(ctx)
	if err != nil {
		j.logger.Warn("temp sweep failed", "dir", j.dir, "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("temp sweep", "dir", j.dir, "removed", n)
	}
}

// Sweep removes files under the temp dir older than the max age that no
// pending job references, then any emptied subdirectories. It returns the
// number of files removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	inUse := map[string]bool{}
	if j.jobs != nil {
		jobs, err := j.jobs.Pending(ctx)
		if err != nil {
			return 0, fmt.Errorf("listing pending jobs: %w", err)
		}
		for _, job := range jobs {
			inUse[filepath.Clean(job.SourcePath)] = true
			inUse[filepath.Clean(job.OutputPath)] = true
		}
	}

	cutoff := j.now().Add(-j.maxAge)
	var (
		removed int
		dirs    []string
	)
	err := filepath.WalkDir(j.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == j.dir {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if !d.Type().IsRegular() || inUse[filepath.Clean(path)] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			j.logger.Warn("removing expired temp file", "path", path, "error", err)
			return nil
		}
		j.logger.Debug("removed expired temp file", "path", path, "modified", info.ModTime())
		metrics.TempFilesRemoved.WithLabelValues("expired").Inc()
		removed++
		return nil
	})
	if err != nil {
		return removed, err
	}

	// Deepest first, so parents can empty out in the same pass.
	sort.Slice(dirs, func(a, b int) bool { return len(dirs[a]) > len(dirs[b]) })
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		// Fails harmlessly on a non-empty directory.
		_ = os.Remove(dir)
	}
	return removed, nil
}
