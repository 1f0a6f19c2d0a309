package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339
)

// Repository persists engine data through database/sql. All timestamps are
// stored as RFC3339 UTC text so the same SQL runs on sqlite3 and pgx.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// ---------- Students ----------

func scanStudent(row interface{ Scan(...any) error }) (*Student, error) {
	var st Student
	var card sql.NullString
	var created string
	if err := row.Scan(&st.ID, &st.FirstName, &st.LastName, &card, &st.Inactive, &created); err != nil {
		return nil, err
	}
	if card.Valid {
		st.CardID = &card.String
	}
	ts, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	st.CreatedAt = ts
	return &st, nil
}

const studentCols = `id, first_name, last_name, card_id, is_inactive, created_at`

// CreateStudent inserts a student and returns the new id. cardID may be nil
// when no card has been paired yet.
func (r *Repository) CreateStudent(ctx context.Context, firstName, lastName string, cardID *string) (int64, error) {
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if firstName == "" || lastName == "" {
		return 0, fmt.Errorf("%w: first and last name required", ErrValidation)
	}
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO students (first_name, last_name, card_id, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, firstName, lastName, cardID, formatTime(time.Now())).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%w: card already assigned", ErrConflict)
	}
	return id, err
}

// StudentByID returns a student or nil when the id is unknown.
func (r *Repository) StudentByID(ctx context.Context, id int64) (*Student, error) {
	st, err := scanStudent(r.db.QueryRowContext(ctx,
		`SELECT `+studentCols+` FROM students WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

// StudentByCard resolves a card identifier to its holder, or nil when no
// student carries that card.
func (r *Repository) StudentByCard(ctx context.Context, cardID string) (*Student, error) {
	st, err := scanStudent(r.db.QueryRowContext(ctx,
		`SELECT `+studentCols+` FROM students WHERE card_id = $1`, cardID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

// ListStudents returns all students ordered by card id, then name. Card ids
// sort by length then text, which matches numeric order for digit strings
// without casting; a cast would raise on Postgres for non-numeric ids.
func (r *Repository) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+studentCols+` FROM students
		ORDER BY card_id IS NULL, LENGTH(card_id), card_id, last_name, first_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *st)
	}
	return res, rows.Err()
}

// UpdateStudentName updates the name fields only; card changes go through
// AssignCard / RemoveCard.
func (r *Repository) UpdateStudentName(ctx context.Context, id int64, firstName, lastName string) error {
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if firstName == "" || lastName == "" {
		return fmt.Errorf("%w: first and last name required", ErrValidation)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE students SET first_name = $1, last_name = $2 WHERE id = $3`,
		firstName, lastName, id)
	if err != nil {
		return err
	}
	return requireRow(res, "student", id)
}

// DeleteStudent removes a student and every dependent row in one
// transaction, in FK-safe order.
func (r *Repository) DeleteStudent(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM attendance WHERE student_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM student_sections WHERE student_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res, "student", id); err != nil {
		return err
	}
	return tx.Commit()
}

// AssignCard moves cardID to the given student. The card is cleared from
// any other holder and assigned in one transaction, so two interleaved
// assignments can never leave the identifier duplicated or orphaned.
func (r *Repository) AssignCard(ctx context.Context, studentID int64, cardID string) error {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return fmt.Errorf("%w: card id required", ErrValidation)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE students SET card_id = NULL WHERE card_id = $1 AND id != $2`,
		cardID, studentID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE students SET card_id = $1 WHERE id = $2`, cardID, studentID)
	if err != nil {
		return err
	}
	if err := requireRow(res, "student", studentID); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveCard clears a student's card pairing.
func (r *Repository) RemoveCard(ctx context.Context, studentID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE students SET card_id = NULL WHERE id = $1`, studentID)
	if err != nil {
		return err
	}
	return requireRow(res, "student", studentID)
}

// SetInactive sets or clears the inactive flag.
func (r *Repository) SetInactive(ctx context.Context, studentID int64, inactive bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE students SET is_inactive = $1 WHERE id = $2`, inactive, studentID)
	if err != nil {
		return err
	}
	return requireRow(res, "student", studentID)
}

// ---------- Sections ----------

func scanSection(row interface{ Scan(...any) error }) (*Section, error) {
	var s Section
	if err := row.Scan(&s.ID, &s.Name, &s.Type, &s.Level, &s.Day, &s.Time); err != nil {
		return nil, err
	}
	return &s, nil
}

const sectionCols = `id, name, type, level, day, time`

// CreateSection inserts a section and returns the new id.
func (r *Repository) CreateSection(ctx context.Context, s Section) (int64, error) {
	if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.Day) == "" {
		return 0, fmt.Errorf("%w: section name and day required", ErrValidation)
	}
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sections (name, type, level, day, time)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, strings.TrimSpace(s.Name), s.Type, s.Level, strings.TrimSpace(s.Day), s.Time).Scan(&id)
	return id, err
}

// SectionByID returns a section or nil when the id is unknown.
func (r *Repository) SectionByID(ctx context.Context, id int64) (*Section, error) {
	s, err := scanSection(r.db.QueryRowContext(ctx,
		`SELECT `+sectionCols+` FROM sections WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListSections returns all sections ordered by name.
func (r *Repository) ListSections(ctx context.Context) ([]Section, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sectionCols+` FROM sections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Section
	for rows.Next() {
		s, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}

// UpdateSection rewrites all editable fields.
func (r *Repository) UpdateSection(ctx context.Context, s Section) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sections SET name = $1, type = $2, level = $3, day = $4, time = $5
		WHERE id = $6
	`, strings.TrimSpace(s.Name), s.Type, s.Level, strings.TrimSpace(s.Day), s.Time, s.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "section", s.ID)
}

// DeleteSection removes a section and all dependent rows in one
// transaction: attendance under its sessions, the sessions, enrollments,
// then the section itself.
func (r *Repository) DeleteSection(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM attendance
		WHERE session_id IN (SELECT id FROM sessions WHERE section_id = $1)
	`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE section_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM student_sections WHERE section_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res, "section", id); err != nil {
		return err
	}
	return tx.Commit()
}

// EnrolledStudents returns every student enrolled in the section.
func (r *Repository) EnrolledStudents(ctx context.Context, sectionID int64) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT st.id, st.first_name, st.last_name, st.card_id, st.is_inactive, st.created_at
		FROM students st
		JOIN student_sections ss ON ss.student_id = st.id
		WHERE ss.section_id = $1
		ORDER BY st.last_name, st.first_name
	`, sectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *st)
	}
	return res, rows.Err()
}

// ---------- Enrollments ----------

// Enroll adds a (student, section) pair; re-enrolling is a no-op.
func (r *Repository) Enroll(ctx context.Context, studentID, sectionID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO student_sections (student_id, section_id)
		VALUES ($1, $2)
		ON CONFLICT (student_id, section_id) DO NOTHING
	`, studentID, sectionID)
	return err
}

// Unenroll removes a (student, section) pair.
func (r *Repository) Unenroll(ctx context.Context, studentID, sectionID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM student_sections WHERE student_id = $1 AND section_id = $2`,
		studentID, sectionID)
	return err
}

// ReplaceEnrollments swaps a student's full enrollment set in one
// transaction so a failure part-way never leaves a mixed state.
func (r *Repository) ReplaceEnrollments(ctx context.Context, studentID int64, sectionIDs []int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM student_sections WHERE student_id = $1`, studentID); err != nil {
		return err
	}
	for _, secID := range sectionIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO student_sections (student_id, section_id)
			VALUES ($1, $2)
			ON CONFLICT (student_id, section_id) DO NOTHING
		`, studentID, secID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SectionsForStudent returns every section the student is enrolled in.
func (r *Repository) SectionsForStudent(ctx context.Context, studentID int64) ([]Section, error) {
	return r.querySections(ctx, `
		SELECT s.id, s.name, s.type, s.level, s.day, s.time
		FROM sections s
		JOIN student_sections ss ON ss.section_id = s.id
		WHERE ss.student_id = $1
		ORDER BY s.name
	`, studentID)
}

// SectionsForStudentOnDay filters the student's enrollments to sections
// scheduled on the named weekday, case-insensitively.
func (r *Repository) SectionsForStudentOnDay(ctx context.Context, studentID int64, day string) ([]Section, error) {
	return r.querySections(ctx, `
		SELECT s.id, s.name, s.type, s.level, s.day, s.time
		FROM sections s
		JOIN student_sections ss ON ss.section_id = s.id
		WHERE ss.student_id = $1 AND LOWER(s.day) = LOWER($2)
		ORDER BY s.name
	`, studentID, day)
}

func (r *Repository) querySections(ctx context.Context, query string, args ...any) ([]Section, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Section
	for rows.Next() {
		s, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}

// ---------- Settings ----------

// Setting returns the stored value for key, or "" when unset.
func (r *Repository) Setting(ctx context.Context, key string) (string, error) {
	var val string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return val, err
}

// SetSetting upserts a key/value pair.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: settings key required", ErrValidation)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

// AllSettings returns the settings table as a map.
func (r *Repository) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// InactivityThreshold reads the configured threshold, defaulting to 3 when
// the setting is missing or malformed.
func (r *Repository) InactivityThreshold(ctx context.Context) (int, error) {
	val, err := r.Setting(ctx, "inactive_threshold")
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(val))
	if convErr != nil || n < 1 {
		return 3, nil
	}
	return n, nil
}

// requireRow converts a zero-row update/delete into ErrNotFound.
func requireRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s id=%d", ErrNotFound, kind, id)
	}
	return nil
}
