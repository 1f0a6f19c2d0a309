package store

import (
	"path/filepath"
	"testing"
)

func TestOpenMigratesAndSeeds(t *testing.T) {
	db, err := Open("sqlite3", filepath.Join(t.TempDir(), "rollcall.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var threshold string
	err = db.Client.QueryRow(
		`SELECT value FROM settings WHERE key = 'inactive_threshold'`).Scan(&threshold)
	if err != nil {
		t.Fatalf("seeded setting missing: %v", err)
	}
	if threshold != "3" {
		t.Fatalf("expected seeded threshold 3, got %q", threshold)
	}
}

func TestOpenReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "rollcall.db")

	db, err := Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Client.Exec(
		`UPDATE settings SET value = '7' WHERE key = 'inactive_threshold'`); err != nil {
		t.Fatalf("update: %v", err)
	}
	db.Close()

	db, err = Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var threshold string
	if err := db.Client.QueryRow(
		`SELECT value FROM settings WHERE key = 'inactive_threshold'`).Scan(&threshold); err != nil {
		t.Fatalf("read: %v", err)
	}
	if threshold != "7" {
		t.Fatalf("re-running the migration must not clobber settings, got %q", threshold)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "whatever"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
