package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"geohub/attendance/internal/attendance"
	"geohub/attendance/internal/auth"
	"geohub/attendance/internal/config"
	"geohub/attendance/internal/db/sqlite"
	"geohub/attendance/internal/geo"
	"geohub/attendance/internal/policy"
)

const (
	testSecret = "test-secret"
	testIssuer = "geohub-auth"
)

var hub = geo.Point{Latitude: 48.8566, Longitude: 2.3522}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type testEnv struct {
	server *httptest.Server
	clock  *testClock
}

func newTestEnv(t *testing.T, store attendance.Store, pinger Pinger) *testEnv {
	t.Helper()
	if store == nil {
		sqliteStore, err := sqlite.Open(filepath.Join(t.TempDir(), "attendance.db"))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = sqliteStore.Close() })
		store = sqliteStore
		if pinger == nil {
			pinger = sqliteStore
		}
	}
	validator, err := geo.NewValidator(geo.Hub{Center: hub, RadiusMeters: 100}, true)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	rules, err := policy.NewRules(time.UTC, 9*3600, 3)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	clock := &testClock{now: time.Date(2024, time.March, 4, 9, 30, 0, 0, time.UTC)}
	service := attendance.NewService(store, validator, rules, attendance.Options{Now: clock.Now})

	cfg := config.Config{JWTSecret: testSecret, JWTIssuer: testIssuer}
	server := httptest.NewServer(NewServer(cfg, service, pinger).Router())
	t.Cleanup(server.Close)
	return &testEnv{server: server, clock: clock}
}

func token(t *testing.T, userID, userType string) string {
	t.Helper()
	signed, err := auth.NewAccessToken(testSecret, testIssuer, time.Hour, auth.Claims{UserID: userID, UserType: userType})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func nearBody() map[string]any {
	return map[string]any{"latitude": hub.Latitude + 0.0003, "longitude": hub.Longitude}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, _ := env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	down := newTestEnv(t, nil, pingFunc(func(context.Context) error { return errors.New("down") }))
	resp, _ = down.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, data := env.do(t, http.MethodGet, "/attendance/today", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errResp errorResponse
	decode(t, data, &errResp)
	if errResp.Error != "missing_token" {
		t.Fatalf("expected missing_token, got %s", errResp.Error)
	}

	resp, _ = env.do(t, http.MethodGet, "/attendance/today", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", resp.StatusCode)
	}

	other, err := auth.NewAccessToken("other-secret", testIssuer, time.Hour, auth.Claims{UserID: "user-1"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp, _ = env.do(t, http.MethodGet, "/attendance/today", other, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", resp.StatusCode)
	}
}

func TestCheckInCheckOutFlow(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	bearer := token(t, "user-1", "student")

	resp, data := env.do(t, http.MethodPost, "/attendance/check-in", bearer, nearBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("check-in status %d: %s", resp.StatusCode, data)
	}
	var checkIn checkInResponse
	decode(t, data, &checkIn)
	if !checkIn.IsLate || !checkIn.Record.IsLate {
		t.Fatalf("09:30 check-in must be late: %+v", checkIn)
	}
	if checkIn.Record.Status != attendance.StatusCheckedIn || checkIn.Record.Date.String() != "2024-03-04" {
		t.Fatalf("unexpected record: %+v", checkIn.Record)
	}
	if checkIn.WeeklyLateCount != 1 || checkIn.WeeklyLateLimit != 3 || checkIn.LateLimitReached {
		t.Fatalf("unexpected late counters: %+v", checkIn)
	}

	resp, data = env.do(t, http.MethodPost, "/attendance/check-in", bearer, nearBody())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var errResp errorResponse
	decode(t, data, &errResp)
	if errResp.Error != string(attendance.CodeAlreadyCheckedIn) {
		t.Fatalf("expected already_checked_in, got %s", errResp.Error)
	}

	resp, data = env.do(t, http.MethodGet, "/attendance/today", bearer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("today status %d", resp.StatusCode)
	}
	var today todayResponse
	decode(t, data, &today)
	if today.Status != attendance.StatusCheckedIn || today.Record == nil {
		t.Fatalf("unexpected today: %+v", today)
	}

	env.clock.Set(time.Date(2024, time.March, 4, 17, 45, 0, 0, time.UTC))
	resp, data = env.do(t, http.MethodPost, "/attendance/check-out", bearer, nearBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check-out status %d: %s", resp.StatusCode, data)
	}
	var checkOut checkOutResponse
	decode(t, data, &checkOut)
	if checkOut.Duration != "8h 15m" || checkOut.DurationMinutes != 495 {
		t.Fatalf("unexpected duration: %+v", checkOut)
	}
	if checkOut.Record.Status != attendance.StatusCheckedOut {
		t.Fatalf("status = %s", checkOut.Record.Status)
	}

	resp, data = env.do(t, http.MethodPost, "/attendance/check-out", bearer, nearBody())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second check-out, got %d", resp.StatusCode)
	}
	decode(t, data, &errResp)
	if errResp.Error != string(attendance.CodeAlreadyCheckedOut) {
		t.Fatalf("expected already_checked_out, got %s", errResp.Error)
	}
}

func TestCheckOutWithoutCheckIn(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, data := env.do(t, http.MethodPost, "/attendance/check-out", token(t, "user-2", "student"), nearBody())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var errResp errorResponse
	decode(t, data, &errResp)
	if errResp.Error != string(attendance.CodeNoCheckInRecord) {
		t.Fatalf("expected no_check_in_record, got %s", errResp.Error)
	}
}

func TestCheckInOutOfRange(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	body := map[string]any{"latitude": hub.Latitude + 0.01, "longitude": hub.Longitude}
	resp, data := env.do(t, http.MethodPost, "/attendance/check-in", token(t, "user-1", "student"), body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	var errResp errorResponse
	decode(t, data, &errResp)
	if errResp.Error != string(attendance.CodeOutOfRange) {
		t.Fatalf("expected out_of_range, got %s", errResp.Error)
	}
	distance, ok := errResp.Details["distanceMeters"].(float64)
	if !ok || distance < 1000 {
		t.Fatalf("expected distance detail, got %+v", errResp.Details)
	}
	if radius, ok := errResp.Details["radiusMeters"].(float64); !ok || radius != 100 {
		t.Fatalf("expected radius detail, got %+v", errResp.Details)
	}
}

func TestCheckInRequestValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	bearer := token(t, "user-1", "student")

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"malformed json", "{", http.StatusBadRequest, "invalid_request"},
		{"unknown field", map[string]any{"latitude": 1, "longitude": 1, "altitude": 3}, http.StatusBadRequest, "invalid_request"},
		{"missing latitude", map[string]any{"longitude": hub.Longitude}, http.StatusUnprocessableEntity, "invalid_coordinate"},
		{"latitude out of range", map[string]any{"latitude": 91, "longitude": hub.Longitude}, http.StatusUnprocessableEntity, "invalid_coordinate"},
		{"negative accuracy", map[string]any{"latitude": hub.Latitude, "longitude": hub.Longitude, "accuracyMeters": -1}, http.StatusUnprocessableEntity, "invalid_coordinate"},
		{"bad timestamp", map[string]any{"latitude": hub.Latitude, "longitude": hub.Longitude, "timestamp": "yesterday"}, http.StatusBadRequest, "invalid_request"},
		{"skewed timestamp", map[string]any{"latitude": hub.Latitude, "longitude": hub.Longitude, "timestamp": "2024-03-04T07:00:00Z"}, http.StatusUnprocessableEntity, "invalid_timestamp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := env.do(t, http.MethodPost, "/attendance/check-in", bearer, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, resp.StatusCode, data)
			}
			var errResp errorResponse
			decode(t, data, &errResp)
			if errResp.Error != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, errResp.Error)
			}
		})
	}

	resp, data := env.do(t, http.MethodPost, "/attendance/check-in", bearer, map[string]any{"longitude": hub.Longitude})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	var errResp errorResponse
	decode(t, data, &errResp)
	if errResp.Details["latitude"] != "required" {
		t.Fatalf("expected latitude detail, got %+v", errResp.Details)
	}
}

func TestHistoryAndStats(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	bearer := token(t, "user-1", "student")
	if resp, data := env.do(t, http.MethodPost, "/attendance/check-in", bearer, nearBody()); resp.StatusCode != http.StatusCreated {
		t.Fatalf("check-in status %d: %s", resp.StatusCode, data)
	}

	resp, data := env.do(t, http.MethodGet, "/attendance/history?from=2024-03-01&to=2024-03-04&perPage=10", bearer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", resp.StatusCode, data)
	}
	var history historyResponse
	decode(t, data, &history)
	if history.Total != 1 || len(history.Records) != 1 || history.PerPage != 10 || history.Page != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history.Summary.PresentDays != 1 || history.Summary.TotalWeekdays != 2 || history.Summary.AttendanceRate != 50 {
		t.Fatalf("unexpected summary: %+v", history.Summary)
	}

	resp, _ = env.do(t, http.MethodGet, "/attendance/history?from=March", bearer, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", resp.StatusCode)
	}
	resp, data = env.do(t, http.MethodGet, "/attendance/stats?from=2024-03-04&to=2024-03-01", bearer, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for inverted window, got %d", resp.StatusCode)
	}
	var errResp errorResponse
	decode(t, data, &errResp)
	if errResp.Error != string(attendance.CodeInvalidWindow) {
		t.Fatalf("expected invalid_window, got %s", errResp.Error)
	}

	resp, data = env.do(t, http.MethodGet, "/attendance/stats?from=2024-03-04&to=2024-03-04", bearer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", resp.StatusCode, data)
	}
	var stats attendance.Stats
	decode(t, data, &stats)
	if stats.PresentDays != 1 || stats.CurrentStreak != 1 || stats.AttendanceRate != 100 || stats.WeeklyLateLimit != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	resp, data = env.do(t, http.MethodGet, "/attendance/calendar?year=2024&month=3", bearer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("calendar status %d: %s", resp.StatusCode, data)
	}
	var calendar calendarResponse
	decode(t, data, &calendar)
	if len(calendar.Days) != 21 {
		t.Fatalf("expected 21 weekdays in March 2024, got %d", len(calendar.Days))
	}
}

func TestOtherUserRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, _ := env.do(t, http.MethodGet, "/attendance/stats?userId=user-9", token(t, "user-1", "student"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/attendance/stats?userId=user-9", token(t, "admin-1", "admin"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected admin to read stats, got %d", resp.StatusCode)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	for _, user := range []string{"user-1", "user-2"} {
		if resp, data := env.do(t, http.MethodPost, "/attendance/check-in", token(t, user, "student"), nearBody()); resp.StatusCode != http.StatusCreated {
			t.Fatalf("check-in %s status %d: %s", user, resp.StatusCode, data)
		}
	}

	resp, _ := env.do(t, http.MethodGet, "/admin/attendance/daily", token(t, "user-1", "student"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for student, got %d", resp.StatusCode)
	}

	admin := token(t, "admin-1", "admin")
	resp, data := env.do(t, http.MethodGet, "/admin/attendance/daily?date=2024-03-04&userId=user-2", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("daily status %d: %s", resp.StatusCode, data)
	}
	var daily dailySummaryResponse
	decode(t, data, &daily)
	if daily.Total != 2 || daily.Late != 2 || daily.Counts[attendance.StatusCheckedIn] != 2 {
		t.Fatalf("unexpected counts: %+v", daily)
	}
	if len(daily.Entries) != 1 || daily.Entries[0].UserID != "user-2" {
		t.Fatalf("unexpected entries: %+v", daily.Entries)
	}

	resp, _ = env.do(t, http.MethodGet, "/admin/attendance/daily?status=sleeping", admin, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", resp.StatusCode)
	}

	resp, data = env.do(t, http.MethodGet, "/admin/attendance/report?from=2024-03-04&to=2024-03-04", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", resp.StatusCode, data)
	}
	var report reportResponse
	decode(t, data, &report)
	if len(report.Rows) != 2 || report.Rows[0].UserID != "user-1" || report.Rows[0].LateDays != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

type unavailableStore struct {
	attendance.Store
}

func (unavailableStore) GetRecord(context.Context, string, policy.Date) (attendance.Record, error) {
	return attendance.Record{}, errors.New("connection refused")
}

func TestStorageFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t, unavailableStore{}, pingFunc(func(context.Context) error { return nil }))
	resp, data := env.do(t, http.MethodGet, "/attendance/today", token(t, "user-1", "student"), nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	var errResp errorResponse
	decode(t, data, &errResp)
	if errResp.Error != string(attendance.CodeStorageUnavailable) || strings.Contains(errResp.Message, "connection refused") {
		t.Fatalf("unexpected error body: %+v", errResp)
	}
}

func TestMetricsExposeTransitions(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.do(t, http.MethodPost, "/attendance/check-in", token(t, "user-1", "student"), nearBody())
	resp, data := env.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "attendance_transitions_total") {
		t.Fatalf("expected transition counter in metrics output")
	}
	if !strings.Contains(string(data), `route="/attendance/check-in"`) {
		t.Fatalf("expected route label in metrics output")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":              "",
		"Bearer abc":    "abc",
		"bearer  abc ":  "abc",
		"Basic abc":     "",
		"Bearerabc":     "",
	}
	for header, want := range cases {
		if got := bearerToken(header); got != want {
			t.Fatalf("bearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
