// Package policy holds the calendar rules of the hub: which days count, when
// an arrival is late, and when a week has too many late arrivals. Every
// function takes its inputs explicitly and never reads the clock.
package policy

import (
	"errors"
	"time"
)

// IsWeekday reports whether d falls Monday through Friday.
func IsWeekday(d Date) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}

// IsLateArrival reports whether arrival is strictly after cutoff. An arrival
// exactly at the cutoff is on time.
func IsLateArrival(arrival, cutoff TimeOfDay) bool {
	return arrival > cutoff
}

// ExceedsWeeklyLateLimit reports whether a week's late count has reached the
// limit. A limit of zero or less disables the check.
func ExceedsWeeklyLateLimit(lateCountThisWeek, limit int) bool {
	if limit <= 0 {
		return false
	}
	return lateCountThisWeek >= limit
}

// Rules binds the hub calendar settings used to classify timestamps.
type Rules struct {
	Location        *time.Location
	LateCutoff      TimeOfDay
	WeeklyLateLimit int
}

func NewRules(loc *time.Location, cutoff TimeOfDay, weeklyLateLimit int) (Rules, error) {
	if loc == nil {
		return Rules{}, errors.New("policy location is required")
	}
	if cutoff < 0 || cutoff >= 24*3600 {
		return Rules{}, errors.New("late cutoff out of range")
	}
	if weeklyLateLimit < 0 {
		return Rules{}, errors.New("weekly late limit must not be negative")
	}
	return Rules{Location: loc, LateCutoff: cutoff, WeeklyLateLimit: weeklyLateLimit}, nil
}

func (r Rules) location() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// LocalDate returns the hub-local calendar day of t.
func (r Rules) LocalDate(t time.Time) Date {
	return DateIn(t, r.location())
}

// Arrival is the classification of a check-in timestamp.
type Arrival struct {
	Date    Date
	Weekday bool
	Late    bool
}

// Classify derives the hub-local day of t and whether it counts as a late
// weekday arrival. Weekend arrivals are never late.
func (r Rules) Classify(t time.Time) Arrival {
	local := t.In(r.location())
	date := DateOf(local)
	weekday := IsWeekday(date)
	return Arrival{
		Date:    date,
		Weekday: weekday,
		Late:    weekday && IsLateArrival(TimeOfDayOf(local), r.LateCutoff),
	}
}

// LateLimitReached applies ExceedsWeeklyLateLimit with the configured limit.
func (r Rules) LateLimitReached(lateCountThisWeek int) bool {
	return ExceedsWeeklyLateLimit(lateCountThisWeek, r.WeeklyLateLimit)
}
