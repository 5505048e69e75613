// Package journal records deferred transcode jobs in a local SQLite
// database, so that work lost to a crash is visible and its temp files can
// be reclaimed on the next start.
package journal

import (
	"context"
	"time"
)

// Status is the state of a deferred job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Job is one deferred transcode.
type Job struct {
	ID string `json:"id"`
	// ObjectID is the pre-allocated id the final object is stored under.
	ObjectID   string    `json:"object_id"`
	Name       string    `json:"name"`
	SourcePath string    `json:"source_path"`
	OutputPath string    `json:"output_path"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Journal is the deferred job ledger.
type Journal interface {
	// Begin records job as pending, assigning job.ID when empty.
	Begin(ctx context.Context, job *Job) error
	// Finish marks a job done, or failed with jobErr's text.
	Finish(ctx context.Context, id string, jobErr error) error
	// Pending returns every job still marked pending.
	Pending(ctx context.Context) ([]*Job, error)
	// List returns up to limit jobs, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*Job, error)
	// Prune deletes finished jobs last updated before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
