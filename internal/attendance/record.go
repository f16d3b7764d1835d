// Package attendance is the authoritative engine for hub check-ins: it owns
// the per-user daily record, the rules that mutate it and the statistics
// derived from the record log.
package attendance

import (
	"fmt"
	"time"

	"geohub/attendance/internal/geo"
	"geohub/attendance/internal/policy"
)

type Status string

const (
	StatusAbsent     Status = "absent"
	StatusCheckedIn  Status = "checked_in"
	StatusCheckedOut Status = "checked_out"
)

func ParseStatus(value string) (Status, error) {
	switch Status(value) {
	case StatusAbsent, StatusCheckedIn, StatusCheckedOut:
		return Status(value), nil
	default:
		return "", fmt.Errorf("unknown status %q", value)
	}
}

// Location is a coordinate captured at check-in or check-out.
type Location struct {
	geo.Point
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty"`
}

// Record is one user's attendance for one hub-local day. A record only exists
// once the user has checked in; Status is derived from the timestamps and is
// never stored.
type Record struct {
	ID               string
	UserID           string
	Date             policy.Date
	CheckInTime      *time.Time
	CheckInLocation  *Location
	CheckOutTime     *time.Time
	CheckOutLocation *Location
	IsLate           bool
	// Weekend marks check-ins kept for audit but excluded from rate, streak
	// and late-count math.
	Weekend   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Record) Status() Status {
	switch {
	case r.CheckInTime == nil:
		return StatusAbsent
	case r.CheckOutTime == nil:
		return StatusCheckedIn
	default:
		return StatusCheckedOut
	}
}

// Present reports whether the record counts toward weekday attendance.
func (r Record) Present() bool {
	return r.CheckInTime != nil && !r.Weekend
}

// SessionDuration returns check-out minus check-in, or false while the
// session is still open.
func SessionDuration(r Record) (time.Duration, bool) {
	if r.CheckInTime == nil || r.CheckOutTime == nil {
		return 0, false
	}
	return r.CheckOutTime.Sub(*r.CheckInTime), true
}

// FormatDuration renders d as "8h 15m", truncating seconds.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d / time.Minute)
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}
