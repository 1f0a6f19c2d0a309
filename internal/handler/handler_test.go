package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rollcall/internal/attendance"
	"rollcall/internal/export"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "rollcall.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := attendance.NewRepository(db.Client)
	svc := attendance.NewService(repo)
	jobs := export.NewJobs(db.Client)
	q := queue.NewInMemory(8)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	h := New(svc, repo, jobs, q, "test-secret", "rollcall", time.Hour, logger)
	r := gin.New()
	h.Register(r, func(c *gin.Context) { c.Next() })
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, r *gin.Engine, pin string) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/v1/admin/login", "", gin.H{"pin": pin})
	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

func TestAdminLoginFirstUseSetsPIN(t *testing.T) {
	r := newTestRouter(t)

	// First login sets the PIN and grants a token.
	token := login(t, r, "4321")
	if token == "" {
		t.Fatal("expected a token on first login")
	}

	// Wrong PIN afterwards is rejected.
	w := doJSON(t, r, http.MethodPost, "/v1/admin/login", "", gin.H{"pin": "0000"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong pin, got %d", w.Code)
	}

	// Correct PIN keeps working.
	if tok := login(t, r, "4321"); tok == "" {
		t.Fatal("expected a token for the correct pin")
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/admin/students", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestTapFlowOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	token := login(t, r, "4321")

	// Create a section scheduled today and a student enrolled in it.
	day := time.Now().Weekday().String()
	w := doJSON(t, r, http.MethodPost, "/v1/admin/sections", token, gin.H{
		"name": "Ballet", "type": "Class", "level": "Beginner", "day": day, "time": "17:00",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create section: %d %s", w.Code, w.Body.String())
	}
	var sec struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &sec); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = doJSON(t, r, http.MethodPost, "/v1/admin/students", token, gin.H{
		"first_name": "Jane", "last_name": "Doe",
		"card_id": "0012345678", "section_ids": []int64{sec.ID},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create student: %d %s", w.Code, w.Body.String())
	}

	// Registration already marked today, so the tap is a duplicate.
	w = doJSON(t, r, http.MethodPost, "/v1/taps", "", gin.H{"card_id": "0012345678"})
	if w.Code != http.StatusOK {
		t.Fatalf("tap: %d %s", w.Code, w.Body.String())
	}
	var tap attendance.TapResult
	if err := json.Unmarshal(w.Body.Bytes(), &tap); err != nil {
		t.Fatalf("decode tap: %v", err)
	}
	if tap.Outcome != attendance.OutcomeDuplicate {
		t.Fatalf("expected duplicate after signup mark, got %s", tap.Outcome)
	}

	// Unknown cards are a normal outcome, not an error status.
	w = doJSON(t, r, http.MethodPost, "/v1/taps", "", gin.H{"card_id": "9999"})
	if w.Code != http.StatusOK {
		t.Fatalf("unknown tap: %d %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &tap); err != nil {
		t.Fatalf("decode tap: %v", err)
	}
	if tap.Outcome != attendance.OutcomeUnknownCard {
		t.Fatalf("expected unknown_card, got %s", tap.Outcome)
	}
}

func TestSessionEndpoints(t *testing.T) {
	r := newTestRouter(t)
	token := login(t, r, "4321")

	day := time.Now().Weekday().String()
	w := doJSON(t, r, http.MethodPost, "/v1/admin/sections", token, gin.H{
		"name": "Jazz", "day": day, "time": "18:00",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create section: %d %s", w.Code, w.Body.String())
	}
	var sec struct {
		ID int64 `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &sec)

	w = doJSON(t, r, http.MethodPost, "/v1/admin/sessions", token, gin.H{"section_id": sec.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("start session: %d %s", w.Code, w.Body.String())
	}
	var start attendance.SessionStart
	json.Unmarshal(w.Body.Bytes(), &start)
	if !start.Started {
		t.Fatalf("expected started session, got %+v", start)
	}

	// A second start is a 200 rejection, not an error.
	w = doJSON(t, r, http.MethodPost, "/v1/admin/sessions", token, gin.H{"section_id": sec.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 rejection, got %d %s", w.Code, w.Body.String())
	}

	// Unknown section is a 404.
	w = doJSON(t, r, http.MethodPost, "/v1/admin/sessions", token, gin.H{"section_id": 404})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", w.Code, w.Body.String())
	}
}

func TestExportSubmitAndPoll(t *testing.T) {
	r := newTestRouter(t)
	token := login(t, r, "4321")

	w := doJSON(t, r, http.MethodPost, "/v1/admin/exports", token, gin.H{"kind": "today"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	var submit struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &submit); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = doJSON(t, r, http.MethodGet, "/v1/admin/exports/"+submit.JobID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("poll: %d %s", w.Code, w.Body.String())
	}
	var job export.Job
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != export.StatusPending {
		t.Fatalf("expected pending before the worker runs, got %s", job.Status)
	}

	// Bad kinds are rejected up front.
	w = doJSON(t, r, http.MethodPost, "/v1/admin/exports", token, gin.H{"kind": "weekly"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", w.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	r := newTestRouter(t)
	token := login(t, r, "4321")

	w := doJSON(t, r, http.MethodPut, "/v1/admin/settings", token, gin.H{"inactive_threshold": "5"})
	if w.Code != http.StatusOK {
		t.Fatalf("put: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/v1/admin/settings", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Settings map[string]string `json:"settings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Settings["inactive_threshold"] != "5" {
		t.Fatalf("expected threshold 5, got %q", resp.Settings["inactive_threshold"])
	}
	if _, ok := resp.Settings["admin_pin"]; ok {
		t.Fatal("the pin hash must never be exposed")
	}

	w = doJSON(t, r, http.MethodPut, "/v1/admin/settings", token, gin.H{"inactive_threshold": "zero"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-numeric threshold, got %d", w.Code)
	}

	// Blanking the pin would lock everyone out; it is rejected up front.
	w = doJSON(t, r, http.MethodPut, "/v1/admin/settings", token, gin.H{"admin_pin": ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty pin, got %d", w.Code)
	}

	// The pin still works afterwards.
	if tok := login(t, r, "4321"); tok == "" {
		t.Fatal("login should keep working after the rejected update")
	}
}
