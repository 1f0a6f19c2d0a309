package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/export"
	"rollcall/internal/queue"
)

// Handler owns the HTTP surface. Tap intake is public for kiosk readers;
// everything else sits behind the admin token.
type Handler struct {
	svc      *attendance.Service
	repo     *attendance.Repository
	jobs     *export.Jobs
	q        queue.Queue
	jwtKey   string
	issuer   string
	adminTTL time.Duration
	log      *logrus.Logger
}

func New(svc *attendance.Service, repo *attendance.Repository, jobs *export.Jobs, q queue.Queue, jwtKey, issuer string, adminTTL time.Duration, log *logrus.Logger) *Handler {
	return &Handler{
		svc:      svc,
		repo:     repo,
		jobs:     jobs,
		q:        q,
		jwtKey:   jwtKey,
		issuer:   issuer,
		adminTTL: adminTTL,
		log:      log,
	}
}

// Register mounts all routes. tapLimit wraps only the tap endpoint.
func (h *Handler) Register(r *gin.Engine, tapLimit gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.POST("/taps", tapLimit, h.Tap)
	v1.POST("/admin/login", h.AdminLogin)

	admin := v1.Group("/admin", auth.AdminAuth(h.jwtKey, h.issuer))

	admin.GET("/students", h.ListStudents)
	admin.POST("/students", h.CreateStudent)
	admin.GET("/students/:id", h.GetStudent)
	admin.PUT("/students/:id", h.UpdateStudent)
	admin.DELETE("/students/:id", h.DeleteStudent)
	admin.PUT("/students/:id/card", h.AssignCard)
	admin.DELETE("/students/:id/card", h.RemoveCard)
	admin.PUT("/students/:id/sections", h.ReplaceEnrollments)
	admin.GET("/students/:id/overview", h.StudentOverview)

	admin.GET("/sections", h.ListSections)
	admin.POST("/sections", h.CreateSection)
	admin.PUT("/sections/:id", h.UpdateSection)
	admin.DELETE("/sections/:id", h.DeleteSection)
	admin.GET("/sections/:id/students", h.SectionStudents)
	admin.POST("/sections/:id/enrollments", h.Enroll)
	admin.DELETE("/sections/:id/enrollments/:studentID", h.Unenroll)

	admin.POST("/sessions", h.StartSession)
	admin.POST("/sessions/:id/close", h.CloseSession)
	admin.GET("/sessions/:id/roster", h.Roster)
	admin.POST("/sessions/:id/toggle", h.ToggleAttendance)
	admin.POST("/sessions/:id/present", h.MarkPresent)
	admin.PUT("/attendance", h.SetAttendance)

	admin.GET("/reports/daily", h.DailyReport)
	admin.GET("/reports/students", h.StudentTotals)
	admin.GET("/log", h.AttendanceLog)
	admin.POST("/inactivity/refresh", h.RefreshInactivity)

	admin.GET("/settings", h.GetSettings)
	admin.PUT("/settings", h.PutSettings)

	admin.POST("/exports", h.SubmitExport)
	admin.GET("/exports/:id", h.GetExport)
}

// respondErr maps service errors onto HTTP statuses. Storage failures are
// never echoed to the client.
func (h *Handler) respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.log.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "a storage error occurred"})
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// ---------- Taps ----------

func (h *Handler) Tap(c *gin.Context) {
	var req struct {
		CardID string `json:"card_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.Tap(c.Request.Context(), req.CardID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ---------- Admin auth ----------

// AdminLogin exchanges the admin PIN for a bearer token. When no PIN has
// been configured yet, the first login sets it.
func (h *Handler) AdminLogin(c *gin.Context) {
	var req struct {
		PIN string `json:"pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	stored, err := h.repo.Setting(ctx, "admin_pin")
	if err != nil {
		h.respondErr(c, err)
		return
	}

	if stored == "" {
		hashed, err := auth.HashPIN(req.PIN)
		if err != nil {
			h.respondErr(c, err)
			return
		}
		if err := h.repo.SetSetting(ctx, "admin_pin", hashed); err != nil {
			h.respondErr(c, err)
			return
		}
		h.log.Info("admin pin initialized on first login")
	} else {
		ok, err := auth.VerifyPIN(stored, req.PIN)
		if err != nil {
			h.respondErr(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong pin"})
			return
		}
	}

	token, exp, err := auth.Issue(h.issuer, h.jwtKey, h.adminTTL)
	if err != nil {
		h.log.WithError(err).Error("token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": exp.Unix()})
}

// ---------- Students ----------

func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.repo.ListStudents(c.Request.Context())
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

type createStudentRequest struct {
	FirstName  string  `json:"first_name" binding:"required"`
	LastName   string  `json:"last_name" binding:"required"`
	CardID     string  `json:"card_id"`
	SectionIDs []int64 `json:"section_ids"`
}

// CreateStudent registers a student, optionally pairing a card and
// enrolling into sections in one shot, the way front-desk signup works.
func (h *Handler) CreateStudent(c *gin.Context) {
	var req createStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, marked, err := h.svc.RegisterStudent(c.Request.Context(), req.FirstName, req.LastName, req.CardID, req.SectionIDs)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "marked_present": marked})
}

func (h *Handler) GetStudent(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	st, err := h.repo.StudentByID(c.Request.Context(), id)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
		return
	}
	sections, err := h.repo.SectionsForStudent(c.Request.Context(), id)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"student": st, "sections": sections})
}

func (h *Handler) UpdateStudent(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		FirstName string `json:"first_name" binding:"required"`
		LastName  string `json:"last_name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.repo.UpdateStudentName(c.Request.Context(), id, req.FirstName, req.LastName); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (h *Handler) DeleteStudent(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.repo.DeleteStudent(c.Request.Context(), id); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) AssignCard(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		CardID string `json:"card_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.repo.AssignCard(c.Request.Context(), id, req.CardID); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": true})
}

func (h *Handler) RemoveCard(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.repo.RemoveCard(c.Request.Context(), id); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (h *Handler) ReplaceEnrollments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		SectionIDs []int64 `json:"section_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.repo.ReplaceEnrollments(c.Request.Context(), id, req.SectionIDs); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (h *Handler) StudentOverview(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	date := c.Query("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	overview, err := h.svc.StudentOverview(c.Request.Context(), id, date)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "sections": overview})
}

// ---------- Sections ----------

func (h *Handler) ListSections(c *gin.Context) {
	sections, err := h.repo.ListSections(c.Request.Context())
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sections": sections})
}

type sectionRequest struct {
	Name  string `json:"name" binding:"required"`
	Type  string `json:"type"`
	Level string `json:"level"`
	Day   string `json:"day" binding:"required"`
	Time  string `json:"time" binding:"required"`
}

func (h *Handler) CreateSection(c *gin.Context) {
	var req sectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.repo.CreateSection(c.Request.Context(), attendance.Section{
		Name: req.Name, Type: req.Type, Level: req.Level, Day: req.Day, Time: req.Time,
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *Handler) UpdateSection(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req sectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.repo.UpdateSection(c.Request.Context(), attendance.Section{
		ID: id, Name: req.Name, Type: req.Type, Level: req.Level, Day: req.Day, Time: req.Time,
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (h *Handler) DeleteSection(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.repo.DeleteSection(c.Request.Context(), id); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) SectionStudents(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	students, err := h.repo.EnrolledStudents(c.Request.Context(), id)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

func (h *Handler) Enroll(c *gin.Context) {
	sectionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		StudentID int64 `json:"student_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.repo.Enroll(c.Request.Context(), req.StudentID, sectionID); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"enrolled": true})
}

func (h *Handler) Unenroll(c *gin.Context) {
	sectionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	studentID, ok := pathID(c, "studentID")
	if !ok {
		return
	}
	if err := h.repo.Unenroll(c.Request.Context(), studentID, sectionID); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unenrolled": true})
}

// ---------- Sessions ----------

func (h *Handler) StartSession(c *gin.Context) {
	var req struct {
		SectionID int64 `json:"section_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.StartSession(c.Request.Context(), req.SectionID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	status := http.StatusCreated
	if !res.Started {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *Handler) CloseSession(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	summary, err := h.svc.CloseSession(c.Request.Context(), id)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) Roster(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	roster, err := h.svc.LiveRoster(c.Request.Context(), id)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roster": roster})
}

func (h *Handler) ToggleAttendance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		StudentID int64 `json:"student_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := h.svc.ToggleAttendance(c.Request.Context(), id, req.StudentID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *Handler) MarkPresent(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		StudentID int64 `json:"student_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.MarkPresentManual(c.Request.Context(), id, req.StudentID); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": attendance.StatusPresent})
}

func (h *Handler) SetAttendance(c *gin.Context) {
	var req struct {
		StudentID int64  `json:"student_id" binding:"required"`
		SectionID int64  `json:"section_id" binding:"required"`
		Date      string `json:"date" binding:"required"`
		Status    string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.SetAttendance(c.Request.Context(), req.StudentID, req.SectionID, req.Date, req.Status); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// ---------- Reports ----------

func (h *Handler) DailyReport(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	report, err := h.svc.DailyReport(c.Request.Context(), date)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) StudentTotals(c *gin.Context) {
	totals, err := h.repo.PerStudentTotals(c.Request.Context())
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": totals})
}

// AttendanceLog returns the joined attendance log. Defaults to today;
// pass date=all for the full history.
func (h *Handler) AttendanceLog(c *gin.Context) {
	var entries []attendance.LogEntry
	var err error
	switch date := c.Query("date"); date {
	case "":
		entries, err = h.svc.TodayLog(c.Request.Context())
	case "all":
		entries, err = h.repo.ListLog(c.Request.Context(), "")
	default:
		entries, err = h.repo.ListLog(c.Request.Context(), date)
	}
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) RefreshInactivity(c *gin.Context) {
	becameInactive, becameActive, err := h.svc.RefreshInactivityAll(c.Request.Context())
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"became_inactive": becameInactive, "became_active": becameActive})
}

// ---------- Settings ----------

func (h *Handler) GetSettings(c *gin.Context) {
	settings, err := h.repo.AllSettings(c.Request.Context())
	if err != nil {
		h.respondErr(c, err)
		return
	}
	delete(settings, "admin_pin") // never expose the hash
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

func (h *Handler) PutSettings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	for key, value := range req {
		if key == "admin_pin" {
			if value == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "admin_pin must not be empty"})
				return
			}
			hashed, err := auth.HashPIN(value)
			if err != nil {
				h.respondErr(c, err)
				return
			}
			value = hashed
		}
		if key == "inactive_threshold" {
			if n, err := strconv.Atoi(value); err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "inactive_threshold must be a positive integer"})
				return
			}
		}
		if err := h.repo.SetSetting(ctx, key, value); err != nil {
			h.respondErr(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// ---------- Exports ----------

func (h *Handler) SubmitExport(c *gin.Context) {
	var req struct {
		Kind string `json:"kind" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := h.jobs.Create(c.Request.Context(), req.Kind)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if err := h.q.Publish(c.Request.Context(), queue.Message{Type: "export", Body: []byte(job.ID)}); err != nil {
		h.log.WithError(err).Error("queue publish failed")
		_ = h.jobs.MarkFailed(c.Request.Context(), job.ID, "queue unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "export queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": job.Status})
}

func (h *Handler) GetExport(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "export job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}
