package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geohub/attendance/internal/attendance"
	"geohub/attendance/internal/auth"
	"geohub/attendance/internal/config"
	"geohub/attendance/internal/geo"
	"geohub/attendance/internal/policy"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	service  *attendance.Service
	store    Pinger
	validate *validator.Validate
}

func NewServer(cfg config.Config, service *attendance.Service, store Pinger) *Server {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		cfg:      cfg,
		service:  service,
		store:    store,
		validate: validate,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.authMiddleware).Post("/attendance/check-in", s.handleCheckIn)
	r.With(s.authMiddleware).Post("/attendance/check-out", s.handleCheckOut)
	r.With(s.authMiddleware).Get("/attendance/today", s.handleToday)
	r.With(s.authMiddleware).Get("/attendance/history", s.handleHistory)
	r.With(s.authMiddleware).Get("/attendance/stats", s.handleStats)
	r.With(s.authMiddleware).Get("/attendance/calendar", s.handleCalendar)
	r.With(s.authMiddleware, adminMiddleware).Get("/admin/attendance/daily", s.handleDailySummary)
	r.With(s.authMiddleware, adminMiddleware).Get("/admin/attendance/report", s.handleReport)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		if !claims.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// subjectUser is the caller, or the userId query parameter when an admin
// asks about someone else.
func subjectUser(r *http.Request) (string, bool) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		return "", false
	}
	requested := strings.TrimSpace(r.URL.Query().Get("userId"))
	if requested == "" || requested == claims.UserID {
		return claims.UserID, true
	}
	if !claims.IsAdmin() {
		return "", false
	}
	return requested, true
}

// Models

type locationRequest struct {
	Latitude       *float64   `json:"latitude" validate:"required,latitude"`
	Longitude      *float64   `json:"longitude" validate:"required,longitude"`
	AccuracyMeters *float64   `json:"accuracyMeters" validate:"omitempty,gte=0"`
	Timestamp      *time.Time `json:"timestamp"`
}

func (req locationRequest) location() attendance.Location {
	return attendance.Location{
		Point:          geo.Point{Latitude: *req.Latitude, Longitude: *req.Longitude},
		AccuracyMeters: req.AccuracyMeters,
	}
}

type recordResponse struct {
	ID               string               `json:"id"`
	UserID           string               `json:"userId"`
	Date             policy.Date          `json:"date"`
	Status           attendance.Status    `json:"status"`
	CheckInTime      *time.Time           `json:"checkInTime,omitempty"`
	CheckInLocation  *attendance.Location `json:"checkInLocation,omitempty"`
	CheckOutTime     *time.Time           `json:"checkOutTime,omitempty"`
	CheckOutLocation *attendance.Location `json:"checkOutLocation,omitempty"`
	IsLate           bool                 `json:"isLate"`
	Weekend          bool                 `json:"weekend"`
	DurationMinutes  *int                 `json:"durationMinutes,omitempty"`
}

type checkInResponse struct {
	Record           recordResponse `json:"record"`
	IsLate           bool           `json:"isLate"`
	DistanceMeters   float64        `json:"distanceMeters"`
	Warnings         []string       `json:"warnings,omitempty"`
	WeeklyLateCount  int            `json:"weeklyLateCount"`
	WeeklyLateLimit  int            `json:"weeklyLateLimit"`
	LateLimitReached bool           `json:"lateLimitReached"`
}

type checkOutResponse struct {
	Record          recordResponse `json:"record"`
	Duration        string         `json:"duration"`
	DurationMinutes int            `json:"durationMinutes"`
	DistanceMeters  float64        `json:"distanceMeters"`
	Warnings        []string       `json:"warnings,omitempty"`
}

type todayResponse struct {
	Date   policy.Date       `json:"date"`
	Status attendance.Status `json:"status"`
	Record *recordResponse   `json:"record,omitempty"`
}

type summaryResponse struct {
	PresentDays       int     `json:"presentDays"`
	TotalWeekdays     int     `json:"totalWeekdays"`
	AttendanceRate    float64 `json:"attendanceRate"`
	LateDays          int     `json:"lateDays"`
	CompletedSessions int     `json:"completedSessions"`
	TotalMinutes      int     `json:"totalMinutes"`
	AverageMinutes    int     `json:"averageMinutes"`
	AverageDuration   string  `json:"averageDuration"`
}

type historyResponse struct {
	From    policy.Date      `json:"from"`
	To      policy.Date      `json:"to"`
	Page    int              `json:"page"`
	PerPage int              `json:"perPage"`
	Total   int              `json:"total"`
	Records []recordResponse `json:"records"`
	Summary summaryResponse  `json:"summary"`
}

type calendarResponse struct {
	Year  int                      `json:"year"`
	Month int                      `json:"month"`
	Days  []attendance.CalendarDay `json:"days"`
}

type dailyEntryResponse struct {
	UserID string            `json:"userId"`
	Status attendance.Status `json:"status"`
	Record *recordResponse   `json:"record,omitempty"`
}

type dailySummaryResponse struct {
	Date    policy.Date               `json:"date"`
	Total   int                       `json:"total"`
	Late    int                       `json:"late"`
	Counts  map[attendance.Status]int `json:"counts"`
	Entries []dailyEntryResponse      `json:"entries"`
}

type reportRowResponse struct {
	UserID                string  `json:"userId"`
	TotalWeekdays         int     `json:"totalWeekdays"`
	PresentDays           int     `json:"presentDays"`
	AttendanceRate        float64 `json:"attendanceRate"`
	CompletedSessions     int     `json:"completedSessions"`
	CompletionRate        float64 `json:"completionRate"`
	LateDays              int     `json:"lateDays"`
	AverageSessionMinutes float64 `json:"averageSessionMinutes"`
}

type reportResponse struct {
	From policy.Date         `json:"from"`
	To   policy.Date         `json:"to"`
	Rows []reportRowResponse `json:"rows"`
}

type errorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			log.Printf("health check failed: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	req, ok := s.decodeLocation(w, r)
	if !ok {
		transitions.WithLabelValues("check_in", "invalid_request").Inc()
		return
	}
	result, err := s.service.CheckIn(r.Context(), attendance.CheckInRequest{
		UserID:    claims.UserID,
		Location:  req.location(),
		Timestamp: req.Timestamp,
	})
	if err != nil {
		transitions.WithLabelValues("check_in", outcome(err)).Inc()
		s.writeServiceError(w, err)
		return
	}
	transitions.WithLabelValues("check_in", "ok").Inc()
	writeJSON(w, http.StatusCreated, checkInResponse{
		Record:           s.mapRecord(result.Record),
		IsLate:           result.IsLate,
		DistanceMeters:   result.DistanceMeters,
		Warnings:         result.Warnings,
		WeeklyLateCount:  result.WeeklyLateCount,
		WeeklyLateLimit:  result.WeeklyLateLimit,
		LateLimitReached: result.LateLimitReached,
	})
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	req, ok := s.decodeLocation(w, r)
	if !ok {
		transitions.WithLabelValues("check_out", "invalid_request").Inc()
		return
	}
	result, err := s.service.CheckOut(r.Context(), attendance.CheckOutRequest{
		UserID:    claims.UserID,
		Location:  req.location(),
		Timestamp: req.Timestamp,
	})
	if err != nil {
		transitions.WithLabelValues("check_out", outcome(err)).Inc()
		s.writeServiceError(w, err)
		return
	}
	transitions.WithLabelValues("check_out", "ok").Inc()
	writeJSON(w, http.StatusOK, checkOutResponse{
		Record:          s.mapRecord(result.Record),
		Duration:        result.DurationText,
		DurationMinutes: int(result.Duration / time.Minute),
		DistanceMeters:  result.DistanceMeters,
		Warnings:        result.Warnings,
	})
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUser(r)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	status, err := s.service.TodayStatus(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := todayResponse{Date: status.Date, Status: status.Status}
	if status.Record != nil {
		record := s.mapRecord(*status.Record)
		resp.Record = &record
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUser(r)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	page, err := parseInt(r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	perPage, err := parseInt(r, "perPage")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	history, err := s.service.History(r.Context(), attendance.HistoryQuery{
		UserID:  userID,
		From:    from,
		To:      to,
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	records := make([]recordResponse, 0, len(history.Records))
	for _, record := range history.Records {
		records = append(records, s.mapRecord(record))
	}
	summary := history.Summary
	writeJSON(w, http.StatusOK, historyResponse{
		From:    history.Window.From,
		To:      history.Window.To,
		Page:    history.Page,
		PerPage: history.PerPage,
		Total:   history.Total,
		Records: records,
		Summary: summaryResponse{
			PresentDays:       summary.Rate.PresentDays,
			TotalWeekdays:     summary.Rate.TotalWeekdays,
			AttendanceRate:    summary.Rate.Percent,
			LateDays:          summary.LateDays,
			CompletedSessions: summary.CompletedSessions,
			TotalMinutes:      int(summary.TotalDuration / time.Minute),
			AverageMinutes:    int(summary.AverageDuration / time.Minute),
			AverageDuration:   attendance.FormatDuration(summary.AverageDuration),
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUser(r)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	stats, err := s.service.Stats(r.Context(), userID, from, to)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUser(r)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	today := s.service.Today()
	year, err := parseInt(r, "year")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	month, err := parseInt(r, "month")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if year == 0 {
		year = today.Year
	}
	if month == 0 {
		month = int(today.Month)
	}
	days, err := s.service.Calendar(r.Context(), userID, year, time.Month(month))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calendarResponse{Year: year, Month: month, Days: days})
}

func (s *Server) handleDailySummary(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var date policy.Date
	if raw := strings.TrimSpace(query.Get("date")); raw != "" {
		parsed, err := policy.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		date = parsed
	}
	filter := attendance.DailyFilter{UserID: strings.TrimSpace(query.Get("userId"))}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := attendance.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(query.Get("late")); raw != "" {
		late, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		filter.LateOnly = late
	}

	summary, err := s.service.DailySummary(r.Context(), date, filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	entries := make([]dailyEntryResponse, 0, len(summary.Entries))
	for _, entry := range summary.Entries {
		item := dailyEntryResponse{UserID: entry.UserID, Status: entry.Status}
		if entry.Record != nil {
			record := s.mapRecord(*entry.Record)
			item.Record = &record
		}
		entries = append(entries, item)
	}
	writeJSON(w, http.StatusOK, dailySummaryResponse{
		Date:    summary.Date,
		Total:   summary.Total,
		Late:    summary.Late,
		Counts:  summary.Counts,
		Entries: entries,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	report, err := s.service.Report(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	rows := make([]reportRowResponse, 0, len(report.Rows))
	for _, row := range report.Rows {
		rows = append(rows, reportRowResponse(row))
	}
	writeJSON(w, http.StatusOK, reportResponse{
		From: report.Window.From,
		To:   report.Window.To,
		Rows: rows,
	})
}

// Mapping

func (s *Server) mapRecord(record attendance.Record) recordResponse {
	resp := recordResponse{
		ID:               record.ID,
		UserID:           record.UserID,
		Date:             record.Date,
		Status:           record.Status(),
		CheckInTime:      s.localTime(record.CheckInTime),
		CheckInLocation:  record.CheckInLocation,
		CheckOutTime:     s.localTime(record.CheckOutTime),
		CheckOutLocation: record.CheckOutLocation,
		IsLate:           record.IsLate,
		Weekend:          record.Weekend,
	}
	if d, ok := attendance.SessionDuration(record); ok {
		minutes := int(d / time.Minute)
		resp.DurationMinutes = &minutes
	}
	return resp
}

func (s *Server) localTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	loc := s.service.Rules().Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return &local
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var e *attendance.Error
	if !errors.As(err, &e) {
		log.Printf("attendance request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	status := http.StatusUnprocessableEntity
	message := e.Message
	switch e.Kind() {
	case attendance.KindStateConflict:
		status = http.StatusConflict
	case attendance.KindTransient:
		log.Printf("attendance storage failure: %v", err)
		w.Header().Set("Retry-After", "5")
		status = http.StatusServiceUnavailable
		message = attendance.ErrStorageUnavailable.Message
	}
	writeJSON(w, status, errorResponse{Error: string(e.Code), Message: message, Details: e.Details})
}

func outcome(err error) string {
	var e *attendance.Error
	if errors.As(err, &e) {
		return string(e.Code)
	}
	return "error"
}

// Utilities

func (s *Server) decodeLocation(w http.ResponseWriter, r *http.Request) (locationRequest, bool) {
	var req locationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return locationRequest{}, false
	}
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return locationRequest{}, false
		}
		details := make(map[string]any, len(fieldErrs))
		for _, fieldErr := range fieldErrs {
			details[fieldErr.Field()] = fieldErr.Tag()
		}
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:   string(attendance.CodeInvalidCoordinate),
			Message: attendance.ErrInvalidCoordinate.Message,
			Details: details,
		})
		return locationRequest{}, false
	}
	return req, true
}

func parseWindow(r *http.Request) (policy.Date, policy.Date, error) {
	from, err := parseDate(r, "from")
	if err != nil {
		return policy.Date{}, policy.Date{}, err
	}
	to, err := parseDate(r, "to")
	if err != nil {
		return policy.Date{}, policy.Date{}, err
	}
	return from, to, nil
}

func parseDate(r *http.Request, key string) (policy.Date, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return policy.Date{}, nil
	}
	return policy.ParseDate(raw)
}

func parseInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}
