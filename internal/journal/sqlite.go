package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/metrics"
	"github.com/fsweb/fsweb/internal/uid"
)

// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteJournal implements Journal on a single SQLite file.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the journal at dsn.
func Open(dsn string, logger *slog.Logger) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	j := &SQLiteJournal{
		db:     db,
		logger: logging.OrDefault(logger, "journal"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := j.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal database: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := j.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS deferred_jobs (
			id          TEXT PRIMARY KEY,
			object_id   TEXT NOT NULL,
			name        TEXT NOT NULL DEFAULT '',
			source_path TEXT NOT NULL DEFAULT '',
			output_path TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_deferred_jobs_status ON deferred_jobs(status);
		CREATE INDEX IF NOT EXISTS idx_deferred_jobs_updated ON deferred_jobs(updated_at);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Begin(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uid.New()
	}
	now := j.now()
	job.Status = StatusPending
	job.CreatedAt, job.UpdatedAt = now, now
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO deferred_jobs (id, object_id, name, source_path, output_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ObjectID, job.Name, job.SourcePath, job.OutputPath,
		string(StatusPending), now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("recording job for %s: %w", job.ObjectID, err)
	}
	return nil
}

func (j *SQLiteJournal) Finish(ctx context.Context, id string, jobErr error) error {
	status, msg := StatusDone, ""
	if jobErr != nil {
		status, msg = StatusFailed, jobErr.Error()
	}
	return j.setStatus(ctx, id, status, msg)
}

func (j *SQLiteJournal) setStatus(ctx context.Context, id string, status Status, msg string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE deferred_jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), msg, j.now().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating job %s: no such job", id)
	}
	return nil
}

func (j *SQLiteJournal) Pending(ctx context.Context) ([]*Job, error) {
	return j.query(ctx, `
		SELECT id, object_id, name, source_path, output_path, status, error, created_at, updated_at
		FROM deferred_jobs WHERE status = ? ORDER BY created_at`, string(StatusPending))
}

func (j *SQLiteJournal) List(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = -1
	}
	return j.query(ctx, `
		SELECT id, object_id, name, source_path, output_path, status, error, created_at, updated_at
		FROM deferred_jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
}

func (j *SQLiteJournal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM deferred_jobs WHERE status != ? AND updated_at < ?`,
		string(StatusPending), cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning jobs: %w", err)
	}
	return res.RowsAffected()
}

// Recover marks every pending job abandoned and deletes its temp files.
// It runs at startup, before any new job can be pending.
func (j *SQLiteJournal) Recover(ctx context.Context) ([]*Job, error) {
	jobs, err := j.Pending(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		j.logger.Warn("abandoned deferred transcode",
			"object_id", job.ObjectID, "name", job.Name,
			"source", job.SourcePath, "output", job.OutputPath, "since", job.CreatedAt)
		for _, path := range []string{job.SourcePath, job.OutputPath} {
			if path == "" {
				continue
			}
			err := os.Remove(path)
			switch {
			case err == nil:
				metrics.TempFilesRemoved.WithLabelValues("abandoned").Inc()
			case !errors.Is(err, fs.ErrNotExist):
				j.logger.Warn("removing abandoned temp file", "path", path, "error", err)
			}
		}
		if err := j.setStatus(ctx, job.ID, StatusAbandoned, "process exited before the job finished"); err != nil {
			return nil, err
		}
		job.Status = StatusAbandoned
	}
	return jobs, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func (j *SQLiteJournal) query(ctx context.Context, q string, args ...any) ([]*Job, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var (
			job                  Job
			status               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&job.ID, &job.ObjectID, &job.Name, &job.SourcePath, &job.OutputPath,
			&status, &job.Error, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		job.Status = Status(status)
		job.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		job.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

var _ Journal = (*SQLiteJournal)(nil)
