package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"geohub/attendance/internal/geo"
	"geohub/attendance/internal/policy"
)

const (
	DefaultWindowDays         = 30
	DefaultMaxWindowDays      = 366
	DefaultStreakLookbackDays = 120
	DefaultMaxClockSkew       = 2 * time.Minute
	DefaultPerPage            = 25
	MaxPerPage                = 200
)

type Options struct {
	Notifier Notifier
	// Now replaces time.Now; tests pin it.
	Now                func() time.Time
	MaxClockSkew       time.Duration
	StreakLookbackDays int
	MaxWindowDays      int
}

// Service is the request/response facade every client talks to.
type Service struct {
	machine  *StateMachine
	store    Store
	rules    policy.Rules
	hub      geo.Hub
	notifier Notifier
	now      func() time.Time

	maxSkew            time.Duration
	streakLookbackDays int
	maxWindowDays      int

	tracer trace.Tracer
}

func NewService(store Store, validator *geo.Validator, rules policy.Rules, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultMaxClockSkew
	}
	if opts.StreakLookbackDays <= 0 {
		opts.StreakLookbackDays = DefaultStreakLookbackDays
	}
	if opts.MaxWindowDays <= 0 {
		opts.MaxWindowDays = DefaultMaxWindowDays
	}
	machine := NewStateMachine(store, validator, rules)
	machine.clock = now
	return &Service{
		machine:            machine,
		store:              store,
		rules:              rules,
		hub:                validator.Hub(),
		notifier:           opts.Notifier,
		now:                now,
		maxSkew:            opts.MaxClockSkew,
		streakLookbackDays: opts.StreakLookbackDays,
		maxWindowDays:      opts.MaxWindowDays,
		tracer:             otel.Tracer("geohub/attendance"),
	}
}

func (s *Service) Rules() policy.Rules {
	return s.rules
}

func (s *Service) Hub() geo.Hub {
	return s.hub
}

// Today is the current hub-local date.
func (s *Service) Today() policy.Date {
	return s.rules.LocalDate(s.now())
}

type CheckInRequest struct {
	UserID   string
	Location Location
	// Timestamp is the client capture time; nil means now.
	Timestamp *time.Time
}

type CheckInResult struct {
	Record           Record
	IsLate           bool
	DistanceMeters   float64
	Warnings         []string
	WeeklyLateCount  int
	WeeklyLateLimit  int
	LateLimitReached bool
}

func (s *Service) CheckIn(ctx context.Context, req CheckInRequest) (result CheckInResult, err error) {
	ctx, span := s.tracer.Start(ctx, "attendance.CheckIn", trace.WithAttributes(attribute.String("user.id", req.UserID)))
	defer func() { endSpan(span, err) }()

	at, err := s.resolveTimestamp(req.Timestamp)
	if err != nil {
		return CheckInResult{}, err
	}
	date := s.rules.LocalDate(at)
	tr, err := s.machine.CheckIn(ctx, req.UserID, date, at, req.Location)
	if err != nil {
		return CheckInResult{}, err
	}

	result = CheckInResult{
		Record:          tr.Record,
		IsLate:          tr.Record.IsLate,
		DistanceMeters:  tr.Geo.DistanceMeters,
		Warnings:        tr.Geo.Warnings,
		WeeklyLateLimit: s.rules.WeeklyLateLimit,
	}
	// The check-in is committed; a failed count read only loses the advisory.
	week, err := s.store.ListUserRange(ctx, tr.Record.UserID, date.WeekStart(), date.WeekStart().AddDays(6))
	if err != nil {
		log.Printf("attendance: weekly late count for %s: %v", tr.Record.UserID, err)
	} else {
		result.WeeklyLateCount = WeeklyLateCount(week, date)
		result.LateLimitReached = s.rules.LateLimitReached(result.WeeklyLateCount)
	}
	span.SetAttributes(attribute.Bool("attendance.late", result.IsLate))

	s.Notify(ctx, Event{
		Type:    EventCheckIn,
		UserID:  tr.Record.UserID,
		Date:    date,
		At:      *tr.Record.CheckInTime,
		Message: checkInMessage(tr.Record),
		Data: map[string]any{
			"isLate":         tr.Record.IsLate,
			"weekend":        tr.Record.Weekend,
			"distanceMeters": roundTenth(tr.Geo.DistanceMeters),
		},
	})
	if result.IsLate && result.LateLimitReached {
		message := fmt.Sprintf("%s has %d late arrivals in the week of %s (limit %d)",
			tr.Record.UserID, result.WeeklyLateCount, date.WeekStart(), s.rules.WeeklyLateLimit)
		s.Notify(ctx, Event{
			Type:    EventLateLimitReached,
			UserID:  tr.Record.UserID,
			Date:    date,
			At:      *tr.Record.CheckInTime,
			Message: message,
			Data: map[string]any{
				"weeklyLateCount": result.WeeklyLateCount,
				"weeklyLateLimit": s.rules.WeeklyLateLimit,
			},
		})
	}
	return result, nil
}

type CheckOutRequest struct {
	UserID    string
	Location  Location
	Timestamp *time.Time
}

type CheckOutResult struct {
	Record         Record
	Duration       time.Duration
	DurationText   string
	DistanceMeters float64
	Warnings       []string
}

// CheckOut closes the session opened on the hub-local day of the timestamp.
func (s *Service) CheckOut(ctx context.Context, req CheckOutRequest) (result CheckOutResult, err error) {
	ctx, span := s.tracer.Start(ctx, "attendance.CheckOut", trace.WithAttributes(attribute.String("user.id", req.UserID)))
	defer func() { endSpan(span, err) }()

	at, err := s.resolveTimestamp(req.Timestamp)
	if err != nil {
		return CheckOutResult{}, err
	}
	date := s.rules.LocalDate(at)
	tr, err := s.machine.CheckOut(ctx, req.UserID, date, at, req.Location)
	if err != nil {
		return CheckOutResult{}, err
	}
	duration, _ := SessionDuration(tr.Record)
	result = CheckOutResult{
		Record:         tr.Record,
		Duration:       duration,
		DurationText:   FormatDuration(duration),
		DistanceMeters: tr.Geo.DistanceMeters,
		Warnings:       tr.Geo.Warnings,
	}
	s.Notify(ctx, Event{
		Type:    EventCheckOut,
		UserID:  tr.Record.UserID,
		Date:    date,
		At:      *tr.Record.CheckOutTime,
		Message: fmt.Sprintf("%s checked out after %s", tr.Record.UserID, result.DurationText),
		Data: map[string]any{
			"durationMinutes": int(duration / time.Minute),
		},
	})
	return result, nil
}

type TodayStatus struct {
	Date   policy.Date
	Status Status
	// Record is nil while the user is Absent.
	Record *Record
}

func (s *Service) TodayStatus(ctx context.Context, userID string) (TodayStatus, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return TodayStatus{}, ErrInvalidUser
	}
	today := s.Today()
	status := TodayStatus{Date: today, Status: StatusAbsent}
	record, err := s.store.GetRecord(ctx, userID, today)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return status, nil
		}
		return TodayStatus{}, storageError("load today", err)
	}
	status.Status = record.Status()
	status.Record = &record
	return status, nil
}

type HistoryQuery struct {
	UserID   string
	From, To policy.Date
	Page     int
	PerPage  int
}

type History struct {
	Window  Window
	Records []Record
	Page    int
	PerPage int
	Total   int
	Summary Summary
}

// History lists a user's records newest first with a summary over the whole
// window, not just the returned page.
func (s *Service) History(ctx context.Context, q HistoryQuery) (History, error) {
	userID := strings.TrimSpace(q.UserID)
	if userID == "" {
		return History{}, ErrInvalidUser
	}
	w, err := s.ResolveWindow(q.From, q.To)
	if err != nil {
		return History{}, err
	}
	records, err := s.store.ListUserRange(ctx, userID, w.From, w.To)
	if err != nil {
		return History{}, storageError("list history", err)
	}

	page, perPage := normalizePage(q.Page, q.PerPage)
	h := History{
		Window:  w,
		Page:    page,
		PerPage: perPage,
		Total:   len(records),
		Summary: Summarize(records, w),
	}
	newest := make([]Record, len(records))
	for i, r := range records {
		newest[len(records)-1-i] = r
	}
	start := (page - 1) * perPage
	if start < len(newest) {
		end := start + perPage
		if end > len(newest) {
			end = len(newest)
		}
		h.Records = newest[start:end]
	} else {
		h.Records = []Record{}
	}
	return h, nil
}

func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return page, perPage
}

// Stats computes UserAttendanceStats over the requested window. The fetch
// reaches back far enough for this week's late count and for every streak
// that touches the window or ends today.
func (s *Service) Stats(ctx context.Context, userID string, from, to policy.Date) (stats Stats, err error) {
	ctx, span := s.tracer.Start(ctx, "attendance.Stats", trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() { endSpan(span, err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Stats{}, ErrInvalidUser
	}
	w, err := s.ResolveWindow(from, to)
	if err != nil {
		return Stats{}, err
	}
	today := s.Today()
	fetchFrom := w.From
	if lookback := today.AddDays(-s.streakLookbackDays); lookback.Before(fetchFrom) {
		fetchFrom = lookback
	}
	if week := today.WeekStart(); week.Before(fetchFrom) {
		fetchFrom = week
	}
	records, err := s.store.ListUserRange(ctx, userID, fetchFrom, today)
	if err != nil {
		return Stats{}, storageError("list stats", err)
	}
	// A run that reaches the fetch boundary may continue further back, so keep
	// paging by the lookback until the history shows a gap or runs out.
	for runReaches(records, fetchFrom) {
		earlier := fetchFrom.AddDays(-s.streakLookbackDays)
		older, err := s.store.ListUserRange(ctx, userID, earlier, fetchFrom.AddDays(-1))
		if err != nil {
			return Stats{}, storageError("list stats", err)
		}
		if len(older) == 0 {
			break
		}
		records = append(older, records...)
		fetchFrom = earlier
	}
	return ComputeStats(records, w, today, s.rules), nil
}

// runReaches reports whether the first weekday on or after from is present.
func runReaches(records []Record, from policy.Date) bool {
	d := from
	for !policy.IsWeekday(d) {
		d = d.AddDays(1)
	}
	for _, r := range records {
		if r.Date == d {
			return r.Present()
		}
	}
	return false
}

func (s *Service) Calendar(ctx context.Context, userID string, year int, month time.Month) ([]CalendarDay, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if year < 1 || year > 9999 || month < time.January || month > time.December {
		return nil, &Error{
			Code:    CodeInvalidWindow,
			Message: "invalid calendar month",
			Details: map[string]any{"year": year, "month": int(month)},
		}
	}
	first := policy.NewDate(year, month, 1)
	last := policy.NewDate(year, month+1, 1).AddDays(-1)
	records, err := s.store.ListUserRange(ctx, userID, first, last)
	if err != nil {
		return nil, storageError("list calendar", err)
	}
	return Calendar(records, year, month, s.Today()), nil
}

// ResolveWindow fills defaults and bounds a requested range. A missing end is
// today, a missing start is DefaultWindowDays before the end, and an end in
// the future is clamped to today.
func (s *Service) ResolveWindow(from, to policy.Date) (Window, error) {
	today := s.Today()
	if to.IsZero() || to.After(today) {
		to = today
	}
	if from.IsZero() {
		from = to.AddDays(-(DefaultWindowDays - 1))
	}
	if from.After(to) {
		return Window{}, windowError("window start is after its end", from, to)
	}
	if days := from.DaysUntil(to) + 1; days > s.maxWindowDays {
		return Window{}, windowError(fmt.Sprintf("window spans %d days, limit is %d", days, s.maxWindowDays), from, to)
	}
	return Window{From: from, To: to}, nil
}

func windowError(message string, from, to policy.Date) *Error {
	return &Error{
		Code:    CodeInvalidWindow,
		Message: message,
		Details: map[string]any{"from": from.String(), "to": to.String()},
	}
}

type DailyFilter struct {
	Status   Status
	LateOnly bool
	UserID   string
}

type DailyEntry struct {
	UserID string
	Status Status
	Record *Record
}

type DailySummary struct {
	Date    policy.Date
	Entries []DailyEntry
	Counts  map[Status]int
	Late    int
	Total   int
}

// DailySummary reports every known user's state on date. Counts cover all
// known users; the filter only narrows Entries.
func (s *Service) DailySummary(ctx context.Context, date policy.Date, filter DailyFilter) (summary DailySummary, err error) {
	ctx, span := s.tracer.Start(ctx, "attendance.DailySummary")
	defer func() { endSpan(span, err) }()

	if date.IsZero() {
		date = s.Today()
	}
	var (
		records []Record
		users   []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = s.store.ListDate(gctx, date)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = s.store.ListUserIDs(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return DailySummary{}, storageError("load daily summary", err)
	}

	byUser := make(map[string]Record, len(records))
	for _, r := range records {
		byUser[r.UserID] = r
	}
	summary = DailySummary{
		Date: date,
		Counts: map[Status]int{
			StatusAbsent:     0,
			StatusCheckedIn:  0,
			StatusCheckedOut: 0,
		},
		Entries: []DailyEntry{},
	}
	for _, userID := range mergeUsers(users, records) {
		entry := DailyEntry{UserID: userID, Status: StatusAbsent}
		if r, ok := byUser[userID]; ok {
			entry.Status = r.Status()
			entry.Record = &r
		}
		summary.Counts[entry.Status]++
		summary.Total++
		late := entry.Record != nil && entry.Record.IsLate
		if late {
			summary.Late++
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.LateOnly && !late {
			continue
		}
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		summary.Entries = append(summary.Entries, entry)
	}
	return summary, nil
}

type ReportRow struct {
	UserID                string
	TotalWeekdays         int
	PresentDays           int
	AttendanceRate        float64
	CompletedSessions     int
	CompletionRate        float64
	LateDays              int
	AverageSessionMinutes float64
}

type Report struct {
	Window Window
	Rows   []ReportRow
}

// Report aggregates every known user over a window, sorted by user id.
func (s *Service) Report(ctx context.Context, from, to policy.Date) (report Report, err error) {
	ctx, span := s.tracer.Start(ctx, "attendance.Report")
	defer func() { endSpan(span, err) }()

	w, err := s.ResolveWindow(from, to)
	if err != nil {
		return Report{}, err
	}
	var (
		records []Record
		users   []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = s.store.ListRange(gctx, w.From, w.To)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = s.store.ListUserIDs(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Report{}, storageError("load report", err)
	}

	byUser := make(map[string][]Record)
	for _, r := range records {
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	report = Report{Window: w, Rows: []ReportRow{}}
	for _, userID := range mergeUsers(users, records) {
		sum := Summarize(byUser[userID], w)
		row := ReportRow{
			UserID:            userID,
			TotalWeekdays:     sum.Rate.TotalWeekdays,
			PresentDays:       sum.Rate.PresentDays,
			AttendanceRate:    sum.Rate.Percent,
			CompletedSessions: sum.CompletedSessions,
			LateDays:          sum.LateDays,
		}
		if row.PresentDays > 0 {
			row.CompletionRate = float64(row.CompletedSessions) / float64(row.PresentDays) * 100
		}
		if sum.CompletedSessions > 0 {
			row.AverageSessionMinutes = sum.AverageDuration.Minutes()
		}
		report.Rows = append(report.Rows, row)
	}
	return report, nil
}

// OpenSessions lists records on date that are still checked in.
func (s *Service) OpenSessions(ctx context.Context, date policy.Date) ([]Record, error) {
	records, err := s.store.ListDate(ctx, date)
	if err != nil {
		return nil, storageError("list open sessions", err)
	}
	open := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Status() == StatusCheckedIn {
			open = append(open, r)
		}
	}
	return open, nil
}

// Notify delivers an advisory event. Failures are logged, never returned.
func (s *Service) Notify(ctx context.Context, event Event) {
	if err := s.Deliver(ctx, event); err != nil {
		log.Printf("attendance: notify %s for %s: %v", event.Type, event.UserID, err)
	}
}

// Deliver hands event to the notifier and returns its error, for callers that
// retry on failure.
func (s *Service) Deliver(ctx context.Context, event Event) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Notify(ctx, event)
}

func (s *Service) resolveTimestamp(ts *time.Time) (time.Time, error) {
	now := s.now()
	if ts == nil || ts.IsZero() {
		return now, nil
	}
	skew := ts.Sub(now)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.maxSkew {
		return time.Time{}, &Error{
			Code:    CodeInvalidTimestamp,
			Message: "timestamp is too far from server time",
			Details: map[string]any{
				"timestamp":  ts.UTC().Format(time.RFC3339),
				"serverTime": now.UTC().Format(time.RFC3339),
				"maxSkew":    s.maxSkew.String(),
			},
		}
	}
	return *ts, nil
}

// mergeUsers returns the sorted union of users and the owners of records.
func mergeUsers(users []string, records []Record) []string {
	seen := make(map[string]struct{}, len(users))
	merged := make([]string, 0, len(users))
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	for _, id := range users {
		add(id)
	}
	for _, r := range records {
		add(r.UserID)
	}
	sort.Strings(merged)
	return merged
}

func checkInMessage(r Record) string {
	switch {
	case r.Weekend:
		return fmt.Sprintf("%s checked in on a weekend", r.UserID)
	case r.IsLate:
		return fmt.Sprintf("%s checked in late", r.UserID)
	default:
		return fmt.Sprintf("%s checked in", r.UserID)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
