package attendance

import "time"

// Stored enum values. These strings are persisted; do not rename.
const (
	StatusPresent = "Present"
	StatusAbsent  = "Absent"

	MethodRFID   = "RFID"
	MethodManual = "Manual"

	SessionActive = "active"
	SessionClosed = "closed"
)

// Student is a registered person, optionally paired with an RFID card.
type Student struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	CardID    *string   `json:"card_id,omitempty"`
	Inactive  bool      `json:"inactive"`
	CreatedAt time.Time `json:"created_at"`
}

// Section is a recurring weekly class slot.
type Section struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Level string `json:"level"`
	Day   string `json:"day"`
	Time  string `json:"time"`
}

// Session is one dated occurrence of a Section.
type Session struct {
	ID        int64      `json:"id"`
	SectionID int64      `json:"section_id"`
	Date      string     `json:"date"` // YYYY-MM-DD
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Status    string     `json:"status"`
}

// Record is the Present/Absent outcome for one student in one Session.
// At most one exists per (session, student).
type Record struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	StudentID int64     `json:"student_id"`
	Status    string    `json:"status"`
	Method    string    `json:"method"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome classifies the result of a card tap for the caller.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeUnknownCard   Outcome = "unknown_card"
	OutcomeNoEnrollments Outcome = "no_enrollments"
	OutcomeNoClassToday  Outcome = "no_class_today"
)

// TapResult carries everything the caller needs to react to a tap.
type TapResult struct {
	Outcome       Outcome  `json:"outcome"`
	Student       *Student `json:"student,omitempty"`
	NewlyMarked   []string `json:"newly_marked,omitempty"`
	AlreadyMarked []string `json:"already_marked,omitempty"`
	Inactive      bool     `json:"inactive"`
	Attended      int      `json:"attended"`
	TotalSessions int      `json:"total_sessions"`
	Message       string   `json:"message"`
}

// SessionStart is the outcome of StartSession. A rejected start is a normal
// outcome, not an error: Started is false and ExistingID names the session
// that blocked it.
type SessionStart struct {
	Started    bool   `json:"started"`
	SessionID  int64  `json:"session_id,omitempty"`
	ExistingID int64  `json:"existing_id,omitempty"`
	Message    string `json:"message"`
}

// AbsentStudent identifies one student back-filled absent at close time.
type AbsentStudent struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// SessionSummary reports the reconciled roster after CloseSession. Inactive
// students are excluded from every count.
type SessionSummary struct {
	SessionID     int64           `json:"session_id"`
	SectionName   string          `json:"section_name"`
	TotalEnrolled int             `json:"total_enrolled"`
	PresentCount  int             `json:"present_count"`
	AbsentCount   int             `json:"absent_count"`
	Absent        []AbsentStudent `json:"absent_students"`
}

// RosterEntry is one enrolled student's live status within a session.
type RosterEntry struct {
	StudentID int64  `json:"student_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	CardID    string `json:"card_id,omitempty"`
	Status    string `json:"status"` // Present, Absent, or Not Recorded
	Method    string `json:"method,omitempty"`
}

// SectionCount aggregates one section inside a DailyReport.
type SectionCount struct {
	Name    string `json:"name"`
	Present int    `json:"present"`
	Absent  int    `json:"absent"`
	Total   int    `json:"total"`
}

// DailyReport summarizes one calendar day across all scheduled sections.
type DailyReport struct {
	Date         string         `json:"date"`
	TotalActive  int            `json:"total_active"`
	PresentCount int            `json:"present_count"`
	AbsentCount  int            `json:"absent_count"`
	Sections     []SectionCount `json:"sections"`
}

// StudentSummary is a student plus their attended/total session counts.
type StudentSummary struct {
	Student
	Attended      int `json:"attended"`
	TotalSessions int `json:"total_sessions"`
}

// SectionStatus describes a student's standing in one enrolled section on a
// given date; SessionID and Status are nil when nothing exists yet.
type SectionStatus struct {
	SectionID   int64   `json:"section_id"`
	SectionName string  `json:"section_name"`
	Day         string  `json:"day"`
	Time        string  `json:"time"`
	SessionID   *int64  `json:"session_id,omitempty"`
	Status      *string `json:"status,omitempty"`
}

// LogEntry is one attendance record joined with student and section detail,
// used by the log views and CSV export.
type LogEntry struct {
	ID          int64     `json:"id"`
	Date        string    `json:"date"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	CardID      string    `json:"card_id,omitempty"`
	SectionName string    `json:"section_name"`
	Status      string    `json:"status"`
	Method      string    `json:"method"`
	Timestamp   time.Time `json:"timestamp"`
}
