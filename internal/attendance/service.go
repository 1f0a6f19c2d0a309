package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"rollcall/internal/metrics"
)

// Service is the attendance processing engine: it resolves card taps into
// attendance mutations, manages session lifecycle, and maintains the
// inactivity flag. It holds no ambient session state; callers carry ids.
type Service struct {
	repo *Repository
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func today() (date, day string) {
	now := time.Now()
	return now.Format(dateLayout), WeekdayName(now)
}

// getOrCreateSession returns the id of the most recent session for
// (section, date), creating an active one when none exists. Repeated calls
// for the same pair are idempotent.
func (s *Service) getOrCreateSession(ctx context.Context, sectionID int64, date string) (int64, error) {
	sess, err := s.repo.SessionForDate(ctx, sectionID, date)
	if err != nil {
		return 0, err
	}
	if sess != nil {
		return sess.ID, nil
	}
	return s.repo.CreateSession(ctx, sectionID, date)
}

// Tap processes one card scan end to end. Empty input is rejected with
// ErrValidation before the store is touched; store failures come back as
// wrapped errors. Every other outcome is a normal TapResult.
func (s *Service) Tap(ctx context.Context, cardID string) (TapResult, error) {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return TapResult{}, fmt.Errorf("%w: empty card id", ErrValidation)
	}

	student, err := s.repo.StudentByCard(ctx, cardID)
	if err != nil {
		return TapResult{}, fmt.Errorf("resolve card: %w", err)
	}
	if student == nil {
		log.WithField("card_id", cardID).Info("tap: unknown card")
		metrics.Taps.WithLabelValues(string(OutcomeUnknownCard)).Inc()
		return TapResult{
			Outcome: OutcomeUnknownCard,
			Message: "Unregistered card, please register the student.",
		}, nil
	}

	attended, total, err := s.repo.AttendanceSummary(ctx, student.ID)
	if err != nil {
		return TapResult{}, fmt.Errorf("attendance summary: %w", err)
	}

	enrolled, err := s.repo.SectionsForStudent(ctx, student.ID)
	if err != nil {
		return TapResult{}, fmt.Errorf("list enrollments: %w", err)
	}
	if len(enrolled) == 0 {
		log.WithFields(log.Fields{"student_id": student.ID}).Info("tap: no enrollments")
		metrics.Taps.WithLabelValues(string(OutcomeNoEnrollments)).Inc()
		return TapResult{
			Outcome:       OutcomeNoEnrollments,
			Student:       student,
			Inactive:      student.Inactive,
			Attended:      attended,
			TotalSessions: total,
			Message: fmt.Sprintf("%s %s has no sections assigned.",
				student.FirstName, student.LastName),
		}, nil
	}

	date, day := today()
	scheduled, err := s.repo.SectionsForStudentOnDay(ctx, student.ID, day)
	if err != nil {
		return TapResult{}, fmt.Errorf("schedule filter: %w", err)
	}
	if len(scheduled) == 0 {
		metrics.Taps.WithLabelValues(string(OutcomeNoClassToday)).Inc()
		return TapResult{
			Outcome:       OutcomeNoClassToday,
			Student:       student,
			Inactive:      student.Inactive,
			Attended:      attended,
			TotalSessions: total,
			Message: fmt.Sprintf("%s %s has no sections today (%s).",
				student.FirstName, student.LastName, day),
		}, nil
	}

	var newlyMarked, alreadyMarked []string
	for _, sec := range scheduled {
		sessionID, err := s.getOrCreateSession(ctx, sec.ID, date)
		if err != nil {
			return TapResult{}, fmt.Errorf("get-or-create session for section %d: %w", sec.ID, err)
		}
		rec, err := s.repo.RecordFor(ctx, sessionID, student.ID)
		if err != nil {
			return TapResult{}, fmt.Errorf("load record: %w", err)
		}
		switch {
		case rec == nil:
			if _, err := s.repo.MarkPresent(ctx, sessionID, student.ID, MethodRFID); err != nil {
				if errors.Is(err, ErrConflict) {
					// Lost a race to another writer; already marked is fine.
					alreadyMarked = append(alreadyMarked, sec.Name)
					continue
				}
				return TapResult{}, fmt.Errorf("mark present: %w", err)
			}
			newlyMarked = append(newlyMarked, sec.Name)
		case rec.Status == StatusAbsent:
			// A scan always wins over a prior manual absence.
			if err := s.repo.OverridePresent(ctx, sessionID, student.ID); err != nil {
				return TapResult{}, fmt.Errorf("override absent record: %w", err)
			}
			newlyMarked = append(newlyMarked, sec.Name)
		default:
			alreadyMarked = append(alreadyMarked, sec.Name)
		}
	}

	result := TapResult{
		Student:       student,
		NewlyMarked:   newlyMarked,
		AlreadyMarked: alreadyMarked,
		Inactive:      student.Inactive,
		Attended:      attended,
		TotalSessions: total,
	}

	if len(newlyMarked) > 0 {
		result.Outcome = OutcomeSuccess
		if err := s.RefreshInactivity(ctx, student.ID); err != nil {
			return TapResult{}, fmt.Errorf("refresh inactivity: %w", err)
		}
		if refreshed, err := s.repo.StudentByID(ctx, student.ID); err == nil && refreshed != nil {
			result.Student = refreshed
			result.Inactive = refreshed.Inactive
		}
		if attended, total, err = s.repo.AttendanceSummary(ctx, student.ID); err == nil {
			result.Attended, result.TotalSessions = attended, total
		}
		result.Message = fmt.Sprintf("%s %s marked present: %s | %d/%d sessions",
			student.FirstName, student.LastName, strings.Join(newlyMarked, ", "),
			result.Attended, result.TotalSessions)
		log.WithFields(log.Fields{
			"student_id": student.ID,
			"sections":   newlyMarked,
		}).Info("tap: marked present")
	} else {
		result.Outcome = OutcomeDuplicate
		result.Message = fmt.Sprintf("%s %s already marked today: %s",
			student.FirstName, student.LastName, strings.Join(alreadyMarked, ", "))
		log.WithFields(log.Fields{
			"student_id": student.ID,
			"sections":   alreadyMarked,
		}).Info("tap: duplicate")
	}
	metrics.Taps.WithLabelValues(string(result.Outcome)).Inc()
	return result, nil
}

// StartSession opens a session for a section. Rejected when another session
// for the section is still active, or when a closed session already exists
// for today; the rejection names the conflicting session.
func (s *Service) StartSession(ctx context.Context, sectionID int64) (SessionStart, error) {
	section, err := s.repo.SectionByID(ctx, sectionID)
	if err != nil {
		return SessionStart{}, err
	}
	if section == nil {
		return SessionStart{}, fmt.Errorf("%w: section id=%d", ErrNotFound, sectionID)
	}

	active, err := s.repo.ActiveSession(ctx, sectionID)
	if err != nil {
		return SessionStart{}, err
	}
	if active != nil {
		log.WithFields(log.Fields{
			"section_id": sectionID,
			"session_id": active.ID,
		}).Warn("start rejected: session already active")
		return SessionStart{
			ExistingID: active.ID,
			Message: fmt.Sprintf("A session is already active for %q (started %s).",
				section.Name, active.StartTime.Format("2006-01-02 15:04")),
		}, nil
	}

	date, _ := today()
	existing, err := s.repo.SessionForDate(ctx, sectionID, date)
	if err != nil {
		return SessionStart{}, err
	}
	if existing != nil && existing.Status == SessionClosed {
		return SessionStart{
			ExistingID: existing.ID,
			Message: fmt.Sprintf("A session for %q already ran today (%s) and is closed.",
				section.Name, date),
		}, nil
	}

	id, err := s.repo.CreateSession(ctx, sectionID, date)
	if err != nil {
		return SessionStart{}, err
	}
	log.WithFields(log.Fields{"session_id": id, "section": section.Name}).Info("session started")
	return SessionStart{
		Started:   true,
		SessionID: id,
		Message:   fmt.Sprintf("Session started for %q.", section.Name),
	}, nil
}

// CloseSession reconciles the roster and closes the session: every
// enrolled, non-inactive student with no Present record gets an
// Absent/Manual record, then the session is marked closed. Inactive
// students are skipped so an inactive flag cannot feed itself more
// absences.
func (s *Service) CloseSession(ctx context.Context, sessionID int64) (SessionSummary, error) {
	sess, err := s.repo.SessionByID(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	if sess == nil {
		return SessionSummary{}, fmt.Errorf("%w: session id=%d", ErrNotFound, sessionID)
	}
	// A session transitions active -> closed exactly once.
	if sess.Status == SessionClosed {
		return SessionSummary{}, fmt.Errorf("%w: session id=%d is already closed", ErrConflict, sessionID)
	}

	section, err := s.repo.SectionByID(ctx, sess.SectionID)
	if err != nil {
		return SessionSummary{}, err
	}
	sectionName := fmt.Sprintf("Section %d", sess.SectionID)
	if section != nil {
		sectionName = section.Name
	}

	enrolled, err := s.repo.EnrolledStudents(ctx, sess.SectionID)
	if err != nil {
		return SessionSummary{}, err
	}
	records, err := s.repo.RecordsBySession(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	presentIDs := make(map[int64]bool)
	for _, rec := range records {
		if rec.Status == StatusPresent {
			presentIDs[rec.StudentID] = true
		}
	}

	summary := SessionSummary{SessionID: sessionID, SectionName: sectionName}
	for _, st := range enrolled {
		if st.Inactive {
			continue
		}
		summary.TotalEnrolled++
		if presentIDs[st.ID] {
			summary.PresentCount++
			continue
		}
		if err := s.repo.BackfillAbsent(ctx, sessionID, st.ID); err != nil {
			return SessionSummary{}, fmt.Errorf("back-fill absent for student %d: %w", st.ID, err)
		}
		metrics.BackfilledAbsences.Inc()
		summary.Absent = append(summary.Absent, AbsentStudent{
			ID:        st.ID,
			FirstName: st.FirstName,
			LastName:  st.LastName,
		})
	}
	summary.AbsentCount = len(summary.Absent)

	if err := s.repo.CloseSession(ctx, sessionID); err != nil {
		return SessionSummary{}, err
	}
	metrics.SessionsClosed.Inc()
	log.WithFields(log.Fields{
		"session_id": sessionID,
		"present":    summary.PresentCount,
		"absent":     summary.AbsentCount,
	}).Info("session closed")
	return summary, nil
}

// ToggleAttendance flips an existing record between Present and Absent as
// an operator override. Returns the new status.
func (s *Service) ToggleAttendance(ctx context.Context, sessionID, studentID int64) (string, error) {
	newStatus, err := s.repo.Toggle(ctx, sessionID, studentID)
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"session_id": sessionID,
		"student_id": studentID,
		"status":     newStatus,
	}).Info("attendance toggled")
	return newStatus, nil
}

// MarkPresentManual is the RFID fallback path: no record inserts
// Present/Manual, an Absent record is toggled, a Present record is left
// alone.
func (s *Service) MarkPresentManual(ctx context.Context, sessionID, studentID int64) error {
	rec, err := s.repo.RecordFor(ctx, sessionID, studentID)
	if err != nil {
		return err
	}
	switch {
	case rec == nil:
		_, err = s.repo.MarkPresent(ctx, sessionID, studentID, MethodManual)
	case rec.Status == StatusAbsent:
		_, err = s.repo.Toggle(ctx, sessionID, studentID)
	}
	return err
}

// SetAttendance forces a student's record for (section, date) to the given
// status, creating the session and record as needed.
func (s *Service) SetAttendance(ctx context.Context, studentID, sectionID int64, date, status string) error {
	if status != StatusPresent && status != StatusAbsent {
		return fmt.Errorf("%w: status must be Present or Absent", ErrValidation)
	}
	sessionID, err := s.getOrCreateSession(ctx, sectionID, date)
	if err != nil {
		return err
	}
	rec, err := s.repo.RecordFor(ctx, sessionID, studentID)
	if err != nil {
		return err
	}
	switch {
	case rec == nil && status == StatusPresent:
		_, err = s.repo.MarkPresent(ctx, sessionID, studentID, MethodManual)
	case rec == nil:
		_, err = s.repo.MarkAbsent(ctx, sessionID, studentID, MethodManual)
	case rec.Status != status:
		_, err = s.repo.Toggle(ctx, sessionID, studentID)
	}
	return err
}

// RegisterStudent creates a student with a card, enrolls them in the given
// sections, and marks them present for today in each. Returns the new id
// and the section names marked.
func (s *Service) RegisterStudent(ctx context.Context, firstName, lastName, cardID string, sectionIDs []int64) (int64, []string, error) {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return 0, nil, fmt.Errorf("%w: card id required", ErrValidation)
	}
	existing, err := s.repo.StudentByCard(ctx, cardID)
	if err != nil {
		return 0, nil, err
	}
	if existing != nil {
		return 0, nil, fmt.Errorf("%w: card %q already assigned to %s %s",
			ErrConflict, cardID, existing.FirstName, existing.LastName)
	}

	studentID, err := s.repo.CreateStudent(ctx, firstName, lastName, &cardID)
	if err != nil {
		return 0, nil, err
	}

	date, day := today()
	var marked []string
	for _, secID := range sectionIDs {
		if err := s.repo.Enroll(ctx, studentID, secID); err != nil {
			return 0, nil, err
		}
	}
	// Only sections that actually meet today get a session and a mark.
	scheduled, err := s.repo.SectionsForStudentOnDay(ctx, studentID, day)
	if err != nil {
		return 0, nil, err
	}
	for _, sec := range scheduled {
		sessionID, err := s.getOrCreateSession(ctx, sec.ID, date)
		if err != nil {
			return 0, nil, err
		}
		dup, err := s.repo.IsDuplicate(ctx, sessionID, studentID)
		if err != nil {
			return 0, nil, err
		}
		if !dup {
			if _, err := s.repo.MarkPresent(ctx, sessionID, studentID, MethodRFID); err != nil {
				return 0, nil, err
			}
			marked = append(marked, sec.Name)
		}
	}
	log.WithFields(log.Fields{
		"student_id": studentID,
		"card_id":    cardID,
		"sections":   len(sectionIDs),
	}).Info("student registered")
	return studentID, marked, nil
}

// RefreshInactivity re-evaluates one student's inactive flag against the
// configured threshold and persists a change when the flag flips.
func (s *Service) RefreshInactivity(ctx context.Context, studentID int64) error {
	threshold, err := s.repo.InactivityThreshold(ctx)
	if err != nil {
		return err
	}
	consec, err := s.repo.ConsecutiveAbsences(ctx, studentID)
	if err != nil {
		return err
	}
	shouldBeInactive := consec >= threshold
	student, err := s.repo.StudentByID(ctx, studentID)
	if err != nil || student == nil {
		return err
	}
	if student.Inactive == shouldBeInactive {
		return nil
	}
	if err := s.repo.SetInactive(ctx, studentID, shouldBeInactive); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"student_id":  studentID,
		"inactive":    shouldBeInactive,
		"consecutive": consec,
		"threshold":   threshold,
	}).Info("inactivity flag updated")
	return nil
}

// RefreshInactivityAll recomputes the flag for every student. Returns how
// many were newly flagged inactive and how many were re-activated.
func (s *Service) RefreshInactivityAll(ctx context.Context) (int, int, error) {
	threshold, err := s.repo.InactivityThreshold(ctx)
	if err != nil {
		return 0, 0, err
	}
	students, err := s.repo.ListStudents(ctx)
	if err != nil {
		return 0, 0, err
	}
	var becameInactive, becameActive int
	for _, st := range students {
		consec, err := s.repo.ConsecutiveAbsences(ctx, st.ID)
		if err != nil {
			return 0, 0, err
		}
		should := consec >= threshold
		if st.Inactive == should {
			continue
		}
		if err := s.repo.SetInactive(ctx, st.ID, should); err != nil {
			return 0, 0, err
		}
		if should {
			becameInactive++
		} else {
			becameActive++
		}
	}
	log.WithFields(log.Fields{
		"newly_inactive": becameInactive,
		"newly_active":   becameActive,
		"threshold":      threshold,
	}).Info("inactivity refreshed for all students")
	return becameInactive, becameActive, nil
}

// LiveRoster returns the current standing of every enrolled student for a
// session's section, for the live session view.
func (s *Service) LiveRoster(ctx context.Context, sessionID int64) ([]RosterEntry, error) {
	sess, err := s.repo.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: session id=%d", ErrNotFound, sessionID)
	}
	enrolled, err := s.repo.EnrolledStudents(ctx, sess.SectionID)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.RecordsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	byStudent := make(map[int64]Record, len(records))
	for _, rec := range records {
		byStudent[rec.StudentID] = rec
	}
	roster := make([]RosterEntry, 0, len(enrolled))
	for _, st := range enrolled {
		entry := RosterEntry{
			StudentID: st.ID,
			FirstName: st.FirstName,
			LastName:  st.LastName,
			Status:    "Not Recorded",
		}
		if st.CardID != nil {
			entry.CardID = *st.CardID
		}
		if rec, ok := byStudent[st.ID]; ok {
			entry.Status = rec.Status
			entry.Method = rec.Method
		}
		roster = append(roster, entry)
	}
	return roster, nil
}

// DailyReport summarizes one date: how many active students were scheduled,
// how many showed up anywhere, and per-section counts. Inactive students
// are excluded from all totals.
func (s *Service) DailyReport(ctx context.Context, date string) (DailyReport, error) {
	parsed, err := time.Parse(dateLayout, date)
	if err != nil {
		return DailyReport{}, fmt.Errorf("%w: bad date %q", ErrValidation, date)
	}
	day := WeekdayName(parsed)

	enrolled, err := s.repo.enrolledOnDay(ctx, day)
	if err != nil {
		return DailyReport{}, err
	}
	present, err := s.repo.presentOnDate(ctx, date)
	if err != nil {
		return DailyReport{}, err
	}
	presentSet := make(map[presentPair]bool, len(present))
	for _, p := range present {
		presentSet[p] = true
	}

	report := DailyReport{Date: date}
	perSection := make(map[int64]*SectionCount)
	var order []int64
	allStudents := make(map[int64]bool)
	presentStudents := make(map[int64]bool)

	for _, e := range enrolled {
		allStudents[e.StudentID] = true
		sc, ok := perSection[e.SectionID]
		if !ok {
			sc = &SectionCount{Name: e.SectionName}
			perSection[e.SectionID] = sc
			order = append(order, e.SectionID)
		}
		sc.Total++
		if presentSet[presentPair{StudentID: e.StudentID, SectionID: e.SectionID}] {
			presentStudents[e.StudentID] = true
			sc.Present++
		} else {
			sc.Absent++
		}
	}
	for _, id := range order {
		report.Sections = append(report.Sections, *perSection[id])
	}
	report.TotalActive = len(allStudents)
	report.PresentCount = len(presentStudents)
	report.AbsentCount = report.TotalActive - report.PresentCount
	return report, nil
}

// StudentOverview reports a student's standing in each enrolled section on
// the given date.
func (s *Service) StudentOverview(ctx context.Context, studentID int64, date string) ([]SectionStatus, error) {
	sections, err := s.repo.SectionsForStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	var out []SectionStatus
	for _, sec := range sections {
		entry := SectionStatus{
			SectionID:   sec.ID,
			SectionName: sec.Name,
			Day:         sec.Day,
			Time:        sec.Time,
		}
		sess, err := s.repo.SessionForDate(ctx, sec.ID, date)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			id := sess.ID
			entry.SessionID = &id
			rec, err := s.repo.RecordFor(ctx, sess.ID, studentID)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				status := rec.Status
				entry.Status = &status
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// TodayLog returns today's attendance records with student and section
// detail, newest first.
func (s *Service) TodayLog(ctx context.Context) ([]LogEntry, error) {
	date, _ := today()
	return s.repo.ListLog(ctx, date)
}
