package attendance

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"geohub/attendance/internal/geo"
	"geohub/attendance/internal/policy"
)

// StateMachine owns the Absent -> CheckedIn -> CheckedOut transitions of a
// user's day. It performs one store read and/or one conditional write per
// call and keeps no state of its own.
type StateMachine struct {
	store     Store
	validator *geo.Validator
	rules     policy.Rules
	clock     func() time.Time
}

func NewStateMachine(store Store, validator *geo.Validator, rules policy.Rules) *StateMachine {
	return &StateMachine{
		store:     store,
		validator: validator,
		rules:     rules,
		clock:     time.Now,
	}
}

// Transition is the outcome of an accepted check-in or check-out.
type Transition struct {
	Record Record
	Geo    geo.Result
}

// CheckIn records the first arrival of userID on date. The location gate runs
// before the uniqueness check, and the insert itself decides races: of several
// concurrent calls exactly one succeeds and the rest get ErrAlreadyCheckedIn.
func (m *StateMachine) CheckIn(ctx context.Context, userID string, date policy.Date, at time.Time, location Location) (Transition, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Transition{}, ErrInvalidUser
	}
	result, err := m.gate(location)
	if err != nil {
		return Transition{}, err
	}
	at = normalizeTime(at)
	arrival := m.rules.Classify(at)
	if arrival.Date != date {
		return Transition{}, timestampError("check-in time does not fall on the attendance date", date, at)
	}

	now := normalizeTime(m.clock())
	loc := location
	record := Record{
		ID:              uuid.NewString(),
		UserID:          userID,
		Date:            date,
		CheckInTime:     &at,
		CheckInLocation: &loc,
		IsLate:          arrival.Late,
		Weekend:         !arrival.Weekday,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.InsertCheckIn(ctx, record); err != nil {
		if errors.Is(err, ErrRecordExists) {
			return Transition{}, ErrAlreadyCheckedIn
		}
		return Transition{}, storageError("insert check-in", err)
	}
	return Transition{Record: record, Geo: result}, nil
}

// CheckOut closes the open session of userID on date. It is gated by location
// exactly like CheckIn, but only after the state checks.
func (m *StateMachine) CheckOut(ctx context.Context, userID string, date policy.Date, at time.Time, location Location) (Transition, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Transition{}, ErrInvalidUser
	}
	record, err := m.store.GetRecord(ctx, userID, date)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Transition{}, ErrNoCheckInRecord
		}
		return Transition{}, storageError("load record", err)
	}
	switch record.Status() {
	case StatusAbsent:
		return Transition{}, ErrNoCheckInRecord
	case StatusCheckedOut:
		return Transition{}, ErrAlreadyCheckedOut
	}

	result, err := m.gate(location)
	if err != nil {
		return Transition{}, err
	}
	at = normalizeTime(at)
	if at.Before(*record.CheckInTime) {
		return Transition{}, timestampError("check-out time precedes check-in", date, at)
	}

	if err := m.store.CompleteCheckOut(ctx, userID, date, at, location); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			// Another request closed the session between the read and the write.
			return Transition{}, ErrAlreadyCheckedOut
		}
		return Transition{}, storageError("complete check-out", err)
	}
	loc := location
	record.CheckOutTime = &at
	record.CheckOutLocation = &loc
	record.UpdatedAt = normalizeTime(m.clock())
	return Transition{Record: record, Geo: result}, nil
}

func (m *StateMachine) gate(location Location) (geo.Result, error) {
	result, err := m.validator.Check(location.Point, location.AccuracyMeters)
	if err != nil {
		return geo.Result{}, &Error{
			Code:    CodeInvalidCoordinate,
			Message: ErrInvalidCoordinate.Message,
			Cause:   err,
		}
	}
	if !result.Allowed {
		return result, &Error{
			Code:    CodeOutOfRange,
			Message: ErrOutOfRange.Message,
			Details: map[string]any{
				"distanceMeters": roundTenth(result.DistanceMeters),
				"radiusMeters":   result.RadiusMeters,
			},
		}
	}
	return result, nil
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

func timestampError(message string, date policy.Date, at time.Time) *Error {
	return &Error{
		Code:    CodeInvalidTimestamp,
		Message: message,
		Details: map[string]any{
			"date":      date.String(),
			"timestamp": at.Format(time.RFC3339),
		},
	}
}

// normalizeTime drops sub-millisecond precision so every store round-trips
// timestamps exactly.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
