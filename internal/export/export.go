// Package export renders attendance data to CSV files through background
// jobs. The API submits a job and polls its row; the worker does the file
// I/O so export never sits on the tap path.
package export

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/attendance"
)

// Job kinds.
const (
	KindToday = "today"
	KindAll   = "all"
)

// Job statuses.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Job is one export request and its progress.
type Job struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	FilePath   string     `json:"file_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Jobs persists export jobs.
type Jobs struct {
	db *sql.DB
}

// NewJobs creates the job store.
func NewJobs(db *sql.DB) *Jobs {
	return &Jobs{db: db}
}

// Create inserts a pending job and returns it.
func (j *Jobs) Create(ctx context.Context, kind string) (Job, error) {
	if kind != KindToday && kind != KindAll {
		return Job{}, fmt.Errorf("%w: unknown export kind %q", attendance.ErrValidation, kind)
	}
	job := Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO export_jobs (id, kind, status, created_at)
		VALUES ($1, $2, $3, $4)
	`, job.ID, job.Kind, job.Status, job.CreatedAt.Format(time.RFC3339))
	return job, err
}

// Get returns a job or nil when the id is unknown.
func (j *Jobs) Get(ctx context.Context, id string) (*Job, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, kind, status, file_path, error, created_at, finished_at
		FROM export_jobs WHERE id = $1
	`, id)
	var job Job
	var created string
	var finished sql.NullString
	err := row.Scan(&job.ID, &job.Kind, &job.Status, &job.FilePath, &job.Error, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339, finished.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		job.FinishedAt = &t
	}
	return &job, nil
}

// MarkDone records the output path and completion time.
func (j *Jobs) MarkDone(ctx context.Context, id, filePath string) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE export_jobs SET status = 'done', file_path = $1, finished_at = $2
		WHERE id = $3
	`, filePath, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

// MarkFailed records the failure reason.
func (j *Jobs) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE export_jobs SET status = 'failed', error = $1, finished_at = $2
		WHERE id = $3
	`, reason, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

var csvHeader = []string{"date", "first_name", "last_name", "section_name", "status", "method", "timestamp"}

// WriteCSV renders log entries as CSV with a fixed header row.
func WriteCSV(w io.Writer, entries []attendance.LogEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			e.Date,
			e.FirstName,
			e.LastName,
			e.SectionName,
			e.Status,
			e.Method,
			e.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
