package attendance

import (
	"sort"
	"time"

	"geohub/attendance/internal/policy"
)

// Window is an inclusive range of hub-local days.
type Window struct {
	From policy.Date `json:"from"`
	To   policy.Date `json:"to"`
}

func (w Window) Contains(d policy.Date) bool {
	return !d.Before(w.From) && !d.After(w.To)
}

// Weekdays counts Monday-Friday days in w.
func (w Window) Weekdays() int {
	total := 0
	for d := w.From; !d.After(w.To); d = d.AddDays(1) {
		if policy.IsWeekday(d) {
			total++
		}
	}
	return total
}

// presentDays indexes the records that count toward weekday attendance.
// Weekend check-ins are skipped.
func presentDays(records []Record) map[policy.Date]Record {
	present := make(map[policy.Date]Record, len(records))
	for _, r := range records {
		if r.Present() && policy.IsWeekday(r.Date) {
			present[r.Date] = r
		}
	}
	return present
}

type Rate struct {
	PresentDays   int     `json:"presentDays"`
	TotalWeekdays int     `json:"totalWeekdays"`
	Percent       float64 `json:"percent"`
}

// AttendanceRate is present weekdays over total weekdays in w, times 100.
// Late check-ins count as present. An empty window yields 0.
func AttendanceRate(records []Record, w Window) Rate {
	present := presentDays(records)
	rate := Rate{}
	for d := w.From; !d.After(w.To); d = d.AddDays(1) {
		if !policy.IsWeekday(d) {
			continue
		}
		rate.TotalWeekdays++
		if _, ok := present[d]; ok {
			rate.PresentDays++
		}
	}
	if rate.TotalWeekdays > 0 {
		rate.Percent = float64(rate.PresentDays) / float64(rate.TotalWeekdays) * 100
	}
	return rate
}

func previousWeekday(d policy.Date) policy.Date {
	d = d.AddDays(-1)
	for !policy.IsWeekday(d) {
		d = d.AddDays(-1)
	}
	return d
}

// CurrentStreak counts consecutive present weekdays ending at today, or at the
// most recent weekday when today is a weekend. Weekends never break a streak.
// Today without a check-in yet is still open, so counting starts from the
// previous weekday in that case.
func CurrentStreak(records []Record, today policy.Date) int {
	present := presentDays(records)
	if len(present) == 0 {
		return 0
	}
	d := today
	if !policy.IsWeekday(d) {
		d = previousWeekday(d)
	} else if _, ok := present[d]; !ok {
		d = previousWeekday(d)
	}
	streak := 0
	for {
		if _, ok := present[d]; !ok {
			return streak
		}
		streak++
		d = previousWeekday(d)
	}
}

func nextWeekday(d policy.Date) policy.Date {
	d = d.AddDays(1)
	for !policy.IsWeekday(d) {
		d = d.AddDays(1)
	}
	return d
}

// LongestStreak is the longest run of present weekdays that overlaps w. A run
// crossing an edge of w is counted in full, so records may reach past w.
func LongestStreak(records []Record, w Window) int {
	present := presentDays(records)
	days := make([]policy.Date, 0, len(present))
	for d := range present {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	longest := 0
	for i := 0; i < len(days); {
		j := i + 1
		for j < len(days) && days[j] == nextWeekday(days[j-1]) {
			j++
		}
		start, end := days[i], days[j-1]
		if !start.After(w.To) && !end.Before(w.From) && j-i > longest {
			longest = j - i
		}
		i = j
	}
	return longest
}

// WeeklyLateCount counts late weekday records in the ISO week containing weekOf.
func WeeklyLateCount(records []Record, weekOf policy.Date) int {
	week := Window{From: weekOf.WeekStart(), To: weekOf.WeekStart().AddDays(6)}
	count := 0
	for _, r := range records {
		if r.IsLate && r.Present() && week.Contains(r.Date) {
			count++
		}
	}
	return count
}

// DayState tells a renderer how to draw one calendar weekday.
type DayState string

const (
	DayPresent DayState = "present"
	DayAbsent  DayState = "absent"
	// DayPending is today before any check-in.
	DayPending DayState = "pending"
	// DayUpcoming is a date after today; it is never an absence.
	DayUpcoming DayState = "upcoming"
)

type CalendarDay struct {
	Date         policy.Date `json:"date"`
	State        DayState    `json:"state"`
	Present      bool        `json:"present"`
	IsLate       bool        `json:"isLate"`
	CheckInTime  *time.Time  `json:"checkInTime,omitempty"`
	CheckOutTime *time.Time  `json:"checkOutTime,omitempty"`
}

// Calendar lists every weekday of the month with its attendance state.
func Calendar(records []Record, year int, month time.Month, today policy.Date) []CalendarDay {
	present := presentDays(records)
	first := policy.NewDate(year, month, 1)
	days := make([]CalendarDay, 0, 23)
	for d := first; d.Month == month && d.Year == year; d = d.AddDays(1) {
		if !policy.IsWeekday(d) {
			continue
		}
		day := CalendarDay{Date: d}
		record, ok := present[d]
		switch {
		case ok:
			day.State = DayPresent
			day.Present = true
			day.IsLate = record.IsLate
			day.CheckInTime = record.CheckInTime
			day.CheckOutTime = record.CheckOutTime
		case d.After(today):
			day.State = DayUpcoming
		case d == today:
			day.State = DayPending
		default:
			day.State = DayAbsent
		}
		days = append(days, day)
	}
	return days
}

type Stats struct {
	Window                Window  `json:"window"`
	TotalWeekdaysInWindow int     `json:"totalWeekdaysInWindow"`
	PresentDays           int     `json:"presentDays"`
	AttendanceRate        float64 `json:"attendanceRate"`
	LateDays              int     `json:"lateDays"`
	CurrentStreak         int     `json:"currentStreak"`
	LongestStreak         int     `json:"longestStreak"`
	WeeklyLateCount       int     `json:"weeklyLateCount"`
	WeeklyLateLimit       int     `json:"weeklyLateLimit"`
	// LateWarning is advisory; reaching the weekly limit never blocks check-in.
	LateWarning bool `json:"lateWarning"`
}

// ComputeStats derives UserAttendanceStats from records. records may extend
// beyond w so the current streak can reach back past the window. The longest
// streak is never below the current one.
func ComputeStats(records []Record, w Window, today policy.Date, rules policy.Rules) Stats {
	rate := AttendanceRate(records, w)
	weekly := WeeklyLateCount(records, today)
	current := CurrentStreak(records, today)
	longest := LongestStreak(records, w)
	if current > longest {
		longest = current
	}
	late := 0
	for _, r := range records {
		if r.IsLate && r.Present() && w.Contains(r.Date) {
			late++
		}
	}
	return Stats{
		Window:                w,
		TotalWeekdaysInWindow: rate.TotalWeekdays,
		PresentDays:           rate.PresentDays,
		AttendanceRate:        rate.Percent,
		LateDays:              late,
		CurrentStreak:         current,
		LongestStreak:         longest,
		WeeklyLateCount:       weekly,
		WeeklyLateLimit:       rules.WeeklyLateLimit,
		LateWarning:           rules.LateLimitReached(weekly),
	}
}

type Summary struct {
	Rate              Rate          `json:"rate"`
	LateDays          int           `json:"lateDays"`
	CompletedSessions int           `json:"completedSessions"`
	TotalDuration     time.Duration `json:"-"`
	AverageDuration   time.Duration `json:"-"`
}

// Summarize aggregates the records that fall inside w.
func Summarize(records []Record, w Window) Summary {
	summary := Summary{Rate: AttendanceRate(records, w)}
	for _, r := range records {
		if !w.Contains(r.Date) || !r.Present() {
			continue
		}
		if r.IsLate {
			summary.LateDays++
		}
		if d, ok := SessionDuration(r); ok {
			summary.CompletedSessions++
			summary.TotalDuration += d
		}
	}
	if summary.CompletedSessions > 0 {
		summary.AverageDuration = summary.TotalDuration / time.Duration(summary.CompletedSessions)
	}
	return summary
}
