package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fsweb/fsweb/internal/journal"
)

func seedJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	j, err := journal.Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	done := &journal.Job{ObjectID: "obj-done", Name: "a.mp4"}
	failed := &journal.Job{ObjectID: "obj-failed", Name: "b.mp4"}
	for _, job := range []*journal.Job{done, failed} {
		if err := j.Begin(ctx, job); err != nil {
			t.Fatalf("Begin: %v", err)
		}
	}
	if err := j.Finish(ctx, done.ID, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := j.Finish(ctx, failed.ID, errors.New("ffmpeg exited with status 1")); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return path
}

func TestListJSON(t *testing.T) {
	db := seedJournal(t)

	var out bytes.Buffer
	if rc := runList([]string{"-db", db, "-format", "json"}, &out); rc != 0 {
		t.Fatalf("runList returned %d", rc)
	}
	var jobs []journal.Job
	if err := json.Unmarshal(out.Bytes(), &jobs); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, out.String())
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	statuses := map[string]journal.Status{}
	for _, job := range jobs {
		statuses[job.ObjectID] = job.Status
	}
	if statuses["obj-done"] != journal.StatusDone || statuses["obj-failed"] != journal.StatusFailed {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestListText(t *testing.T) {
	db := seedJournal(t)

	var out bytes.Buffer
	if rc := runList([]string{"-db", db}, &out); rc != 0 {
		t.Fatalf("runList returned %d", rc)
	}
	text := out.String()
	for _, want := range []string{"OBJECT", "obj-done", "obj-failed", "ffmpeg exited with status 1"} {
		if !strings.Contains(text, want) {
			t.Errorf("output lacks %q:\n%s", want, text)
		}
	}
}

func TestListRejectsUnknownFormat(t *testing.T) {
	db := seedJournal(t)
	if rc := runList([]string{"-db", db, "-format", "xml"}, &bytes.Buffer{}); rc != 1 {
		t.Errorf("runList returned %d, want 1", rc)
	}
}

func TestPruneKeepsRecentJobs(t *testing.T) {
	db := seedJournal(t)

	var out bytes.Buffer
	if rc := runPrune([]string{"-db", db, "-older-than", "24h"}, &out); rc != 0 {
		t.Fatalf("runPrune returned %d", rc)
	}
	if got := strings.TrimSpace(out.String()); got != "Pruned 0 job(s)" {
		t.Errorf("output = %q", got)
	}
}

func TestMissingJournal(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.db")
	if rc := runList([]string{"-db", missing}, &bytes.Buffer{}); rc != 1 {
		t.Errorf("runList on a missing journal returned %d, want 1", rc)
	}
}
