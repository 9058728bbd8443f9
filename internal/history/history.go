package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout has fixed-width fractions so that text order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// History stores job run history in SQLite.
type History struct {
	db  *sql.DB
	now func() time.Time
}

// NewHistory opens (or creates) the database at dbPath.
func NewHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db, now: time.Now}

	if err := h.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return h, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_runs (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			job TEXT NOT NULL,
			trigger_source TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			exit_code INTEGER,
			output TEXT NOT NULL DEFAULT '',
			error_message TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = h.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_started
		ON job_runs(project, job, started_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// RecordStart inserts a running entry. Empty ID and zero StartedAt are
// filled in; the stored run is returned through the same pointer.
func (h *History) RecordStart(ctx context.Context, run *JobRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = h.now().UTC()
	}
	run.Status = StatusRunning

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, project, job, trigger_source, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Project,
		run.Job,
		run.Trigger,
		run.Status,
		run.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job run: %w", err)
	}
	return nil
}

// RecordCompletion stores the outcome of the run with the given id.
func (h *History) RecordCompletion(ctx context.Context, id string, c Completion) error {
	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = h.now()
	}

	var errMsg *string
	if c.Error != "" {
		errMsg = &c.Error
	}

	res, err := h.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?,
		    completed_at = ?,
		    duration_seconds = (julianday(?) - julianday(started_at)) * 86400.0,
		    exit_code = ?,
		    output = ?,
		    error_message = ?
		WHERE id = ?
	`,
		c.Status,
		completedAt.UTC().Format(timeLayout),
		completedAt.UTC().Format(timeLayout),
		c.ExitCode,
		c.Output,
		errMsg,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update job run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job run %q not found", id)
	}
	return nil
}

// LatestRun returns the most recently started run of a job, or nil.
func (h *History) LatestRun(ctx context.Context, project, job string) (*JobRun, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE project = ? AND job = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`, project, job)

	run, err := scanJobRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}
	return run, nil
}

// Runs returns up to limit runs of a job, newest first.
func (h *History) Runs(ctx context.Context, project, job string, limit int) ([]JobRun, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE project = ? AND job = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, project, job, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return runs, nil
}

// AbortRunning marks runs of project still recorded as running as aborted.
// Called at startup: nothing can be running before the agent starts.
func (h *History) AbortRunning(ctx context.Context, project string) (int64, error) {
	now := h.now().UTC().Format(timeLayout)
	res, err := h.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?, completed_at = ?, error_message = 'agent restarted while the job was running'
		WHERE project = ? AND status = ?
	`, StatusAborted, now, project, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to abort running jobs: %w", err)
	}
	return res.RowsAffected()
}

const runColumns = `id, project, job, trigger_source, status, started_at, completed_at,
		       duration_seconds, exit_code, output, error_message`

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRun(s scanner) (*JobRun, error) {
	var run JobRun
	var startedAt string
	var completedAt sql.NullString
	var exitCode sql.NullInt64

	err := s.Scan(
		&run.ID,
		&run.Project,
		&run.Job,
		&run.Trigger,
		&run.Status,
		&startedAt,
		&completedAt,
		&run.DurationSeconds,
		&exitCode,
		&run.Output,
		&run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	run.StartedAt, err = time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}

	if completedAt.Valid {
		t, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		run.CompletedAt = &t
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}

	return &run, nil
}
