package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sams/internal/anticheat"
	"sams/internal/attendance"
	"sams/internal/auth"
	"sams/internal/device"
	"sams/internal/geo"
	"sams/internal/kv"
	"sams/internal/queue"
	"sams/internal/review"
	"sams/internal/session"
)

const (
	testKey    = "handler-test-key"
	testIssuer = "sams-test"
)

var (
	classStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	campus     = geo.Point{Lat: 6.5244, Lon: 3.3792}
)

type server struct {
	router  *gin.Engine
	gate    *session.Gate
	records *attendance.Memory
	feed    *review.Memory
	now     time.Time
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &server{now: classStart}
	clock := func() time.Time { return s.now }

	store := kv.NewMemory(clock)
	engine := anticheat.NewEngine(store, device.NewStore(store, device.Config{}, nil), anticheat.Config{}, nil)
	s.gate = session.NewGate(session.NewMemory(), session.GateConfig{Now: clock}, nil)
	s.records = attendance.NewMemory()
	s.feed = review.NewMemory(10)
	recorder := attendance.NewRecorder(s.records, s.gate, engine, queue.NewInMemory(16), attendance.RecorderConfig{Now: clock}, nil)

	s.router = NewRouter(Deps{
		Gate:      s.gate,
		Recorder:  recorder,
		Records:   s.records,
		AntiCheat: engine,
		Feed:      s.feed,
		Auth: AuthConfig{
			SigningKey: testKey,
			Issuer:     testIssuer,
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		DevTokens:       true,
		RateLimitPerMin: 1000,
		Health: map[string]func(context.Context) bool{
			"db": func(context.Context) bool { return true },
		},
		Now: clock,
	})
	return s
}

func bearer(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	pair, err := auth.Issue(auth.Principal{Subject: subject, Role: role}, testIssuer, testKey, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	return "Bearer " + pair.AccessToken
}

func (s *server) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test/1.0")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// openSession schedules, activates and issues a code through the API.
func (s *server) openSession(t *testing.T, lecturer string) (string, string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/sessions", lecturer, gin.H{
		"course_id": "CS101",
		"title":     "Algorithms",
		"starts_at": classStart,
		"ends_at":   classStart.Add(90 * time.Minute),
		"latitude":  campus.Lat,
		"longitude": campus.Lon,
		"radius_m":  100,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sess session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))

	w = s.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/activate", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/qr", lecturer, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tok struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Code)
	return sess.ID, tok.Code
}

func markBody(code string) gin.H {
	return gin.H{
		"qr_code":            code,
		"latitude":           campus.Lat,
		"longitude":          campus.Lon,
		"device_fingerprint": "fp-phone",
	}
}

func TestHealthz(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","db":true}`, w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestDevToken(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/v1/dev/token", "", gin.H{"subject": "u1", "role": "lecturer"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	p, err := auth.Parse(pair.AccessToken, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleLecturer, p.Role)

	w = s.do(t, http.MethodPost, "/v1/dev/token", "", gin.H{"subject": "u1", "role": "janitor"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequiresToken(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/v1/attendance/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStudentCannotManageSessions(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/v1/sessions", bearer(t, "stu-1", auth.RoleStudent), gin.H{
		"course_id": "CS101",
		"starts_at": classStart,
		"ends_at":   classStart.Add(time.Hour),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMarkAttendanceFlow(t *testing.T) {
	s := newServer(t)
	lecturer := bearer(t, "lec-1", auth.RoleLecturer)
	student := bearer(t, "stu-1", auth.RoleStudent)
	sessionID, code := s.openSession(t, lecturer)

	s.now = classStart.Add(2 * time.Minute)
	w := s.do(t, http.MethodPost, "/v1/attendance/mark", student, markBody(code))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res attendance.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, attendance.StatusPresent, res.Record.Status)
	assert.Equal(t, "stu-1", res.Record.StudentID)
	assert.Equal(t, sessionID, res.Record.SessionID)

	s.now = classStart.Add(3 * time.Minute)
	w = s.do(t, http.MethodPost, "/v1/attendance/mark", student, markBody(code))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate_attendance")

	w = s.do(t, http.MethodGet, "/v1/attendance/me", student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var mine struct {
		Records []attendance.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))
	assert.Len(t, mine.Records, 1)

	w = s.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/attendance", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var roster struct {
		Stats attendance.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &roster))
	assert.Equal(t, 1, roster.Stats.Present)
	assert.Equal(t, 100.0, roster.Stats.AttendanceRate)
}

func TestMarkAttendanceRejectsBadInput(t *testing.T) {
	s := newServer(t)
	lecturer := bearer(t, "lec-1", auth.RoleLecturer)
	student := bearer(t, "stu-1", auth.RoleStudent)
	_, code := s.openSession(t, lecturer)

	w := s.do(t, http.MethodPost, "/v1/attendance/mark", student, gin.H{"qr_code": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_or_expired_token")

	w = s.do(t, http.MethodPost, "/v1/attendance/mark", student, gin.H{"qr_code": code, "latitude": 91.0, "longitude": 0.0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_coordinate")

	w = s.do(t, http.MethodPost, "/v1/attendance/mark", student, gin.H{"qr_code": code, "latitude": 1.0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/attendance/mark", student, gin.H{"qr_code": code, "latitude": 6.6, "longitude": 3.3792})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "out_of_geofence")

	w = s.do(t, http.MethodPost, "/v1/attendance/mark", lecturer, markBody(code))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStudentStatsAreScopedToSelf(t *testing.T) {
	s := newServer(t)
	lecturer := bearer(t, "lec-1", auth.RoleLecturer)
	_, code := s.openSession(t, lecturer)

	w := s.do(t, http.MethodPost, "/v1/attendance/mark", bearer(t, "stu-1", auth.RoleStudent), markBody(code))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/attendance/stats?student_id=stu-1", bearer(t, "stu-2", auth.RoleStudent), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats attendance.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Total)

	w = s.do(t, http.MethodGet, "/v1/attendance/stats?student_id=stu-1", lecturer, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
}

func TestQRImageAndDeactivation(t *testing.T) {
	s := newServer(t)
	lecturer := bearer(t, "lec-1", auth.RoleLecturer)
	sessionID, code := s.openSession(t, lecturer)

	w := s.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/qr.png?size=128", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	w = s.do(t, http.MethodPost, "/v1/qr/validate", bearer(t, "stu-1", auth.RoleStudent), gin.H{"code": code})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodDelete, "/v1/sessions/"+sessionID+"/qr", lecturer, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/qr.png", lecturer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/v1/qr/validate", bearer(t, "stu-1", auth.RoleStudent), gin.H{"code": code})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionTransitions(t *testing.T) {
	s := newServer(t)
	lecturer := bearer(t, "lec-1", auth.RoleLecturer)
	sessionID, _ := s.openSession(t, lecturer)

	w := s.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/complete", lecturer, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/activate", lecturer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = s.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/cancel", lecturer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = s.do(t, http.MethodGet, "/v1/sessions/missing", lecturer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	otherID, code := s.openSession(t, lecturer)
	w = s.do(t, http.MethodPost, "/v1/sessions/"+otherID+"/cancel", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, session.StatusCancelled, cancelled.Status)

	w = s.do(t, http.MethodPost, "/v1/qr/validate", bearer(t, "stu-1", auth.RoleStudent), gin.H{"code": code})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/v1/sessions/"+otherID+"/qr", lecturer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRosterXLSX(t *testing.T) {
	s := newServer(t)
	lecturer := bearer(t, "lec-1", auth.RoleLecturer)
	sessionID, code := s.openSession(t, lecturer)
	w := s.do(t, http.MethodPost, "/v1/attendance/mark", bearer(t, "stu-1", auth.RoleStudent), markBody(code))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/attendance.xlsx", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), sessionID)
	// xlsx is a zip container
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("PK")))
}

func TestResolveFlag(t *testing.T) {
	s := newServer(t)
	lecturer := bearer(t, "lec-1", auth.RoleLecturer)
	err := s.records.Create(context.Background(),
		attendance.Record{ID: "rec-1", StudentID: "stu-1", SessionID: "sess-1", Status: attendance.StatusPresent, MarkedAt: classStart},
		[]attendance.FlagRecord{{
			ID:        "flag-1",
			RecordID:  "rec-1",
			StudentID: "stu-1",
			SessionID: "sess-1",
			Type:      anticheat.FlagRapidMarking,
			Severity:  anticheat.SeverityMedium,
			CreatedAt: classStart,
		}},
		attendance.AuditEntry{ID: "audit-1", RecordID: "rec-1", ActorID: "stu-1", Action: "marked"},
	)
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/v1/anticheat/flags?unresolved=true", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "flag-1")

	w = s.do(t, http.MethodPost, "/v1/anticheat/flags/flag-1/resolve", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var f attendance.FlagRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &f))
	assert.True(t, f.Resolved)
	assert.Equal(t, "lec-1", f.ResolvedBy)

	w = s.do(t, http.MethodPost, "/v1/anticheat/flags/flag-1/resolve", lecturer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = s.do(t, http.MethodPost, "/v1/anticheat/flags/flag-9/resolve", lecturer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActivitiesAndReset(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.feed.Push(context.Background(), review.Activity{RecordID: "rec-1", StudentID: "stu-1"}))

	w := s.do(t, http.MethodGet, "/v1/anticheat/activities", bearer(t, "lec-1", auth.RoleLecturer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rec-1")

	w = s.do(t, http.MethodDelete, "/v1/anticheat/users/stu-1", bearer(t, "lec-1", auth.RoleLecturer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(t, http.MethodDelete, "/v1/anticheat/users/stu-1", bearer(t, "adm-1", auth.RoleAdmin), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestDevTokenRouteNeedsOptIn(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(Deps{RateLimitPerMin: 10})
	req := httptest.NewRequest(http.MethodPost, "/v1/dev/token", bytes.NewBufferString(`{"subject":"root","role":"admin"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
