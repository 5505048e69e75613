package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestJournal opens a journal in a temp dir with a controllable clock.
func newTestJournal(t *testing.T) (*SQLiteJournal, *time.Time) {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "jobs.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return clock }
	return j, &clock
}

func TestBeginFinish(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	ok := &Job{ObjectID: "obj-1", Name: "a.avi", SourcePath: "/tmp/a.avi", OutputPath: "/tmp/a.mp4"}
	if err := j.Begin(ctx, ok); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ok.ID == "" {
		t.Fatal("Begin did not assign an id")
	}
	bad := &Job{ObjectID: "obj-2", Name: "b.mkv"}
	if err := j.Begin(ctx, bad); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	pending, err := j.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending = %d jobs, want 2", len(pending))
	}

	if err := j.Finish(ctx, ok.ID, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := j.Finish(ctx, bad.ID, errors.New("transcode failed")); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := j.Finish(ctx, "missing", nil); err == nil {
		t.Error("Finish of unknown job should fail")
	}

	pending, err = j.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending = %d jobs after finishing, want 0", len(pending))
	}

	all, err := j.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	byObject := map[string]*Job{}
	for _, job := range all {
		byObject[job.ObjectID] = job
	}
	if got := byObject["obj-1"]; got == nil || got.Status != StatusDone || got.SourcePath != "/tmp/a.avi" {
		t.Errorf("obj-1 = %+v, want done with source path", got)
	}
	if got := byObject["obj-2"]; got == nil || got.Status != StatusFailed || got.Error != "transcode failed" {
		t.Errorf("obj-2 = %+v, want failed with error text", got)
	}
}

func TestListNewestFirst(t *testing.T) {
	j, clock := newTestJournal(t)
	ctx := context.Background()
	for _, id := range []string{"first", "second", "third"} {
		if err := j.Begin(ctx, &Job{ObjectID: id}); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		*clock = clock.Add(time.Minute)
	}

	jobs, err := j.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("List(2) = %d jobs", len(jobs))
	}
	if jobs[0].ObjectID != "third" || jobs[1].ObjectID != "second" {
		t.Errorf("List order = %s, %s; want third, second", jobs[0].ObjectID, jobs[1].ObjectID)
	}
}

func TestPruneKeepsPending(t *testing.T) {
	j, clock := newTestJournal(t)
	ctx := context.Background()

	old := &Job{ObjectID: "old"}
	stuck := &Job{ObjectID: "stuck"}
	for _, job := range []*Job{old, stuck} {
		if err := j.Begin(ctx, job); err != nil {
			t.Fatalf("Begin: %v", err)
		}
	}
	if err := j.Finish(ctx, old.ID, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	*clock = clock.Add(48 * time.Hour)
	recent := &Job{ObjectID: "recent"}
	if err := j.Begin(ctx, recent); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := j.Finish(ctx, recent.ID, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	n, err := j.Prune(ctx, clock.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d jobs, want 1", n)
	}
	jobs, _ := j.List(ctx, 0)
	if len(jobs) != 2 {
		t.Errorf("remaining jobs = %d, want 2 (pending + recent)", len(jobs))
	}
}

func TestRecoverAbandonsPending(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "upload-1.avi")
	if err := os.WriteFile(src, []byte("raw"), 0o644); err != nil {
		t.Fatal(err)
	}
	job := &Job{ObjectID: "obj", SourcePath: src, OutputPath: filepath.Join(dir, "never-written.mp4")}
	if err := j.Begin(ctx, job); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	finished := &Job{ObjectID: "finished"}
	if err := j.Begin(ctx, finished); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := j.Finish(ctx, finished.ID, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	recovered, err := j.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0].ObjectID != "obj" {
		t.Fatalf("Recover = %+v, want the one pending job", recovered)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source temp file still exists: %v", err)
	}
	pending, _ := j.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("Pending after Recover = %d, want 0", len(pending))
	}

	// Nothing is left for a second pass.
	again, err := j.Recover(ctx)
	if err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second Recover = %d jobs, want 0", len(again))
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	for i := 0; i < 2; i++ {
		j, err := Open(path, nil)
		if err != nil {
			t.Fatalf("Open #%d: %v", i+1, err)
		}
		if err := j.Begin(context.Background(), &Job{ObjectID: "x"}); err != nil {
			t.Fatalf("Begin #%d: %v", i+1, err)
		}
		j.Close()
	}
}
