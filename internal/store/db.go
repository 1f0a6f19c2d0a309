package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sql.DB over either a local SQLite file (default) or Postgres
// via the pgx stdlib driver.
type DB struct {
	Client *sql.DB
	Driver string
}

// Open connects to the configured backend, applies connection settings, and
// runs the schema migration. For sqlite3 the DSN is a file path; WAL mode
// and a busy timeout are appended automatically.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "sqlite3":
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		dsn = dsn + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	case "pgx":
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == "sqlite3" {
		// single writer; SQLite serializes writes anyway
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(db, driver); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db, Driver: driver}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

func migrate(db *sql.DB, driver string) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "pgx" {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	// One statement per entry: the pgx stdlib driver rejects multi-statement
	// Exec, sqlite does not care.
	stmts := []string{fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS students (
		id          %[1]s,
		first_name  TEXT NOT NULL,
		last_name   TEXT NOT NULL,
		card_id     TEXT UNIQUE,
		is_inactive BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TEXT NOT NULL
	)`, serial), fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS sections (
		id     %[1]s,
		name   TEXT NOT NULL,
		type   TEXT NOT NULL,
		level  TEXT NOT NULL,
		day    TEXT NOT NULL,
		time   TEXT NOT NULL
	)`, serial), `
	CREATE TABLE IF NOT EXISTS student_sections (
		student_id  INTEGER NOT NULL REFERENCES students(id),
		section_id  INTEGER NOT NULL REFERENCES sections(id),
		PRIMARY KEY (student_id, section_id)
	)`, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS sessions (
		id          %[1]s,
		section_id  INTEGER NOT NULL REFERENCES sections(id),
		date        TEXT NOT NULL,
		start_time  TEXT NOT NULL,
		end_time    TEXT,
		status      TEXT NOT NULL DEFAULT 'active'
	)`, serial), fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS attendance (
		id          %[1]s,
		session_id  INTEGER NOT NULL REFERENCES sessions(id),
		student_id  INTEGER NOT NULL REFERENCES students(id),
		status      TEXT NOT NULL,
		method      TEXT NOT NULL,
		timestamp   TEXT NOT NULL,
		UNIQUE (session_id, student_id)
	)`, serial), `
	CREATE TABLE IF NOT EXISTS settings (
		key    TEXT PRIMARY KEY,
		value  TEXT NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS export_jobs (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		file_path    TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		finished_at  TEXT
	)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_section_date ON sessions(section_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_student ON attendance(student_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	defaults := [][2]string{
		{"inactive_threshold", "3"},
		{"admin_pin", ""},
		{"language", "en"},
	}
	for _, kv := range defaults {
		_, err := db.Exec(
			`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
			kv[0], kv[1],
		)
		if err != nil {
			return err
		}
	}
	return nil
}
