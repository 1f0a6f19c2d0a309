package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/store"
)

func openTestJobs(t *testing.T) *Jobs {
	t.Helper()
	db, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "rollcall.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewJobs(db.Client)
}

func TestJobLifecycle(t *testing.T) {
	jobs := openTestJobs(t)
	ctx := context.Background()

	job, err := jobs.Create(ctx, KindToday)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.ID == "" || job.Status != StatusPending {
		t.Fatalf("unexpected new job: %+v", job)
	}

	got, err := jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != StatusPending || got.Kind != KindToday {
		t.Fatalf("unexpected fetched job: %+v", got)
	}

	if err := jobs.MarkDone(ctx, job.ID, "/tmp/out.csv"); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	got, err = jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get after done: %v", err)
	}
	if got.Status != StatusDone || got.FilePath != "/tmp/out.csv" || got.FinishedAt == nil {
		t.Fatalf("unexpected done job: %+v", got)
	}
}

func TestJobFailure(t *testing.T) {
	jobs := openTestJobs(t)
	ctx := context.Background()

	job, err := jobs.Create(ctx, KindAll)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := jobs.MarkFailed(ctx, job.ID, "disk full"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "disk full" {
		t.Fatalf("unexpected failed job: %+v", got)
	}
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	jobs := openTestJobs(t)
	_, err := jobs.Create(context.Background(), "weekly")
	if !errors.Is(err, attendance.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestGetUnknownJob(t *testing.T) {
	jobs := openTestJobs(t)
	got, err := jobs.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown id, got %+v", got)
	}
}

func TestWriteCSV(t *testing.T) {
	ts := time.Date(2026, 8, 24, 17, 5, 0, 0, time.UTC)
	entries := []attendance.LogEntry{
		{Date: "2026-08-24", FirstName: "Jane", LastName: "Doe",
			SectionName: "Ballet", Status: "Present", Method: "RFID", Timestamp: ts},
		{Date: "2026-08-24", FirstName: "John", LastName: "Smith",
			SectionName: "Ballet", Status: "Absent", Method: "Manual", Timestamp: ts},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, entries); err != nil {
		t.Fatalf("write: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "date" || rows[0][6] != "timestamp" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[1][1] != "Jane" || rows[1][4] != "Present" {
		t.Fatalf("unexpected first row: %v", rows[1])
	}
	if rows[2][6] != "2026-08-24T17:05:00Z" {
		t.Fatalf("unexpected timestamp format: %v", rows[2][6])
	}
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected header only, got %d rows", len(rows))
	}
}
