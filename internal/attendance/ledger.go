package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ---------- Sessions ----------

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var start string
	var end sql.NullString
	if err := row.Scan(&s.ID, &s.SectionID, &s.Date, &start, &end, &s.Status); err != nil {
		return nil, err
	}
	ts, err := parseTime(start)
	if err != nil {
		return nil, err
	}
	s.StartTime = ts
	if end.Valid {
		et, err := parseTime(end.String)
		if err != nil {
			return nil, err
		}
		s.EndTime = &et
	}
	return &s, nil
}

const sessionCols = `id, section_id, date, start_time, end_time, status`

// CreateSession opens a new active session for the section on the given
// calendar date, starting now.
func (r *Repository) CreateSession(ctx context.Context, sectionID int64, date string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (section_id, date, start_time, status)
		VALUES ($1, $2, $3, 'active')
		RETURNING id
	`, sectionID, date, formatTime(time.Now())).Scan(&id)
	return id, err
}

// SessionByID returns a session or nil when the id is unknown.
func (r *Repository) SessionByID(ctx context.Context, id int64) (*Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ActiveSession returns the section's active session regardless of date, or
// nil. At most one is expected at any time.
func (r *Repository) ActiveSession(ctx context.Context, sectionID int64) (*Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+` FROM sessions
		WHERE section_id = $1 AND status = 'active'
		ORDER BY start_time DESC
		LIMIT 1
	`, sectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// SessionForDate returns the most recent session for (section, date)
// regardless of status, or nil. Normal operation never creates a second
// session per day; the ordering breaks ties if one ever exists.
func (r *Repository) SessionForDate(ctx context.Context, sectionID int64, date string) (*Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+` FROM sessions
		WHERE section_id = $1 AND date = $2
		ORDER BY start_time DESC
		LIMIT 1
	`, sectionID, date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// CloseSession marks a session closed and stamps its end time.
func (r *Repository) CloseSession(ctx context.Context, sessionID int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'closed', end_time = $1 WHERE id = $2
	`, formatTime(time.Now()), sessionID)
	if err != nil {
		return err
	}
	return requireRow(res, "session", sessionID)
}

// ---------- Attendance records ----------

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var ts string
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.Method, &ts); err != nil {
		return nil, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return nil, err
	}
	rec.Timestamp = t
	return &rec, nil
}

const recordCols = `id, session_id, student_id, status, method, timestamp`

func (r *Repository) insertRecord(ctx context.Context, sessionID, studentID int64, status, method string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (session_id, student_id, status, method, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, sessionID, studentID, status, method, formatTime(time.Now())).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%w: record exists for session=%d student=%d", ErrConflict, sessionID, studentID)
	}
	return id, err
}

// MarkPresent inserts a Present record. Fails with ErrConflict when the
// (session, student) pair is already recorded.
func (r *Repository) MarkPresent(ctx context.Context, sessionID, studentID int64, method string) (int64, error) {
	return r.insertRecord(ctx, sessionID, studentID, StatusPresent, method)
}

// MarkAbsent inserts an Absent record; same conflict semantics.
func (r *Repository) MarkAbsent(ctx context.Context, sessionID, studentID int64, method string) (int64, error) {
	return r.insertRecord(ctx, sessionID, studentID, StatusAbsent, method)
}

// BackfillAbsent inserts an Absent/Manual record unless one already exists
// for the pair. A pre-existing record (e.g. a prior manual mark) is a
// benign no-op.
func (r *Repository) BackfillAbsent(ctx context.Context, sessionID, studentID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (session_id, student_id, status, method, timestamp)
		VALUES ($1, $2, 'Absent', 'Manual', $3)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, sessionID, studentID, formatTime(time.Now()))
	return err
}

// RecordFor returns the pair's record, or nil when the student has not been
// marked in this session.
func (r *Repository) RecordFor(ctx context.Context, sessionID, studentID int64) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordCols+` FROM attendance
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// IsDuplicate reports whether the pair already has a record. This is the
// sole definition of "already tapped today" for a section.
func (r *Repository) IsDuplicate(ctx context.Context, sessionID, studentID int64) (bool, error) {
	rec, err := r.RecordFor(ctx, sessionID, studentID)
	return rec != nil, err
}

// Toggle flips Present<->Absent for an existing record, rewriting the
// method to Manual and refreshing the timestamp. A toggle is an operator
// override by definition. Fails with ErrNotFound when no record exists.
func (r *Repository) Toggle(ctx context.Context, sessionID, studentID int64) (string, error) {
	rec, err := r.RecordFor(ctx, sessionID, studentID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("%w: no attendance record for session=%d student=%d",
			ErrNotFound, sessionID, studentID)
	}
	newStatus := StatusPresent
	if rec.Status == StatusPresent {
		newStatus = StatusAbsent
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE attendance SET status = $1, method = 'Manual', timestamp = $2
		WHERE session_id = $3 AND student_id = $4
	`, newStatus, formatTime(time.Now()), sessionID, studentID)
	if err != nil {
		return "", err
	}
	return newStatus, nil
}

// OverridePresent rewrites an existing record to Present/RFID. Used when a
// tap arrives for a student already marked Absent: a scan always wins over
// a prior manual absence.
func (r *Repository) OverridePresent(ctx context.Context, sessionID, studentID int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance SET status = 'Present', method = 'RFID', timestamp = $1
		WHERE session_id = $2 AND student_id = $3
	`, formatTime(time.Now()), sessionID, studentID)
	if err != nil {
		return err
	}
	return requireRow(res, "attendance record", sessionID)
}

// RecordsBySession returns all records for a session.
func (r *Repository) RecordsBySession(ctx context.Context, sessionID int64) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordCols+` FROM attendance WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}
	return res, rows.Err()
}

// ---------- History & reports ----------

// ConsecutiveAbsences counts, newest session first across all enrolled
// sections, how many sessions in a row the student has no Present record
// for. Sessions with no record at all count as non-present. Counting stops
// at the first Present.
func (r *Repository) ConsecutiveAbsences(ctx context.Context, studentID int64) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(a.status, 'Absent') AS status
		FROM student_sections ss
		JOIN sessions sess ON sess.section_id = ss.section_id
		LEFT JOIN attendance a ON a.session_id = sess.id AND a.student_id = ss.student_id
		WHERE ss.student_id = $1
		ORDER BY sess.date DESC, sess.id DESC
	`, studentID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, err
		}
		if status == StatusPresent {
			break
		}
		count++
	}
	return count, rows.Err()
}

// AttendanceSummary returns (attended, total sessions) for one student
// across all enrolled sections.
func (r *Repository) AttendanceSummary(ctx context.Context, studentID int64) (int, int, error) {
	var attended, total int
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN a.status = 'Present' THEN 1 END) AS attended,
			COUNT(DISTINCT sess.id) AS total_sessions
		FROM student_sections ss
		LEFT JOIN sessions sess ON sess.section_id = ss.section_id
		LEFT JOIN attendance a ON a.student_id = $1 AND a.session_id = sess.id
		WHERE ss.student_id = $2
	`, studentID, studentID).Scan(&attended, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return attended, total, err
}

// PerStudentTotals returns one row per student with attended/total counts,
// summed across all their enrolled sections.
func (r *Repository) PerStudentTotals(ctx context.Context) ([]StudentSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.first_name, s.last_name, s.card_id, s.is_inactive, s.created_at,
		       COUNT(CASE WHEN a.status = 'Present' THEN 1 END) AS attended,
		       COUNT(DISTINCT sess.id) AS total_sessions
		FROM students s
		LEFT JOIN student_sections ss ON ss.student_id = s.id
		LEFT JOIN sessions sess ON sess.section_id = ss.section_id
		LEFT JOIN attendance a ON a.student_id = s.id AND a.session_id = sess.id
		GROUP BY s.id, s.first_name, s.last_name, s.card_id, s.is_inactive, s.created_at
		ORDER BY s.last_name, s.first_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StudentSummary
	for rows.Next() {
		var sum StudentSummary
		var card sql.NullString
		var created string
		if err := rows.Scan(&sum.ID, &sum.FirstName, &sum.LastName, &card,
			&sum.Inactive, &created, &sum.Attended, &sum.TotalSessions); err != nil {
			return nil, err
		}
		if card.Valid {
			sum.CardID = &card.String
		}
		ts, err := parseTime(created)
		if err != nil {
			return nil, err
		}
		sum.CreatedAt = ts
		res = append(res, sum)
	}
	return res, rows.Err()
}

// ListLog returns attendance records joined with student and section
// detail, newest first. date filters to one calendar day; empty means all.
func (r *Repository) ListLog(ctx context.Context, date string) ([]LogEntry, error) {
	query := `
		SELECT a.id, sess.date, st.first_name, st.last_name,
		       COALESCE(st.card_id, '') AS card_id,
		       sec.name AS section_name, a.status, a.method, a.timestamp
		FROM attendance a
		JOIN sessions sess ON sess.id = a.session_id
		JOIN sections sec ON sec.id = sess.section_id
		JOIN students st ON st.id = a.student_id
	`
	args := []any{}
	if date != "" {
		query += ` WHERE sess.date = $1`
		args = append(args, date)
	}
	query += ` ORDER BY a.timestamp DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Date, &e.FirstName, &e.LastName, &e.CardID,
			&e.SectionName, &e.Status, &e.Method, &ts); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		e.Timestamp = t
		res = append(res, e)
	}
	return res, rows.Err()
}

// enrolledOnDay lists (studentID, sectionID, sectionName) for every active
// student enrolled in a section scheduled on the given weekday name.
type enrollmentOnDay struct {
	StudentID   int64
	SectionID   int64
	SectionName string
}

func (r *Repository) enrolledOnDay(ctx context.Context, day string) ([]enrollmentOnDay, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT s.id, sec.id AS sec_id, sec.name AS sec_name
		FROM students s
		JOIN student_sections ss ON ss.student_id = s.id
		JOIN sections sec ON sec.id = ss.section_id
		WHERE LOWER(sec.day) = LOWER($1) AND s.is_inactive = FALSE
	`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []enrollmentOnDay
	for rows.Next() {
		var e enrollmentOnDay
		if err := rows.Scan(&e.StudentID, &e.SectionID, &e.SectionName); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type presentPair struct {
	StudentID int64
	SectionID int64
}

func (r *Repository) presentOnDate(ctx context.Context, date string) ([]presentPair, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT a.student_id, sec.id AS sec_id
		FROM attendance a
		JOIN sessions sess ON sess.id = a.session_id
		JOIN sections sec ON sec.id = sess.section_id
		WHERE sess.date = $1 AND a.status = 'Present'
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []presentPair
	for rows.Next() {
		var p presentPair
		if err := rows.Scan(&p.StudentID, &p.SectionID); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
