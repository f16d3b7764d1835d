package attendance

import (
	"context"
	"errors"
	"time"

	"geohub/attendance/internal/policy"
)

var (
	// ErrRecordNotFound is returned by a Store when no matching row exists.
	ErrRecordNotFound = errors.New("attendance record not found")
	// ErrRecordExists is returned by InsertCheckIn when (user, date) is taken.
	ErrRecordExists = errors.New("attendance record already exists")
)

// Store persists attendance records. Implementations must enforce a unique
// (user, date) key so that concurrent InsertCheckIn calls have exactly one
// winner, and CompleteCheckOut must only update a row whose check-out is
// still empty. Each call is all-or-nothing.
type Store interface {
	GetRecord(ctx context.Context, userID string, date policy.Date) (Record, error)
	InsertCheckIn(ctx context.Context, record Record) error
	CompleteCheckOut(ctx context.Context, userID string, date policy.Date, at time.Time, location Location) error
	// ListUserRange returns one user's records with from <= date <= to, oldest first.
	ListUserRange(ctx context.Context, userID string, from, to policy.Date) ([]Record, error)
	// ListRange returns every user's records with from <= date <= to, ordered by user then date.
	ListRange(ctx context.Context, from, to policy.Date) ([]Record, error)
	ListDate(ctx context.Context, date policy.Date) ([]Record, error)
	// ListUserIDs returns every user that has at least one record.
	ListUserIDs(ctx context.Context) ([]string, error)
}

// EventType names a notification emitted after a committed transition.
type EventType string

const (
	EventCheckIn          EventType = "check_in"
	EventCheckOut         EventType = "check_out"
	EventLateLimitReached EventType = "late_limit_reached"
	EventCheckoutReminder EventType = "checkout_reminder"
)

type Event struct {
	Type    EventType      `json:"type"`
	UserID  string         `json:"userId"`
	Date    policy.Date    `json:"date"`
	At      time.Time      `json:"at"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Notifier delivers advisory events to the UI or staff. Delivery failures
// never roll back a committed transition.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type NotifierFunc func(ctx context.Context, event Event) error

func (f NotifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}
