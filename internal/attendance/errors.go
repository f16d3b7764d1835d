package attendance

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how a caller should react.
type Kind string

const (
	// KindValidation errors are recoverable by correcting the input.
	KindValidation Kind = "validation"
	// KindStateConflict errors reflect an ordering mistake and are never retried.
	KindStateConflict Kind = "state_conflict"
	// KindTransient errors are safe to retry with backoff.
	KindTransient Kind = "transient"
)

type Code string

const (
	CodeOutOfRange         Code = "out_of_range"
	CodeInvalidCoordinate  Code = "invalid_coordinate"
	CodeInvalidTimestamp   Code = "invalid_timestamp"
	CodeInvalidWindow      Code = "invalid_window"
	CodeInvalidUser        Code = "invalid_user"
	CodeAlreadyCheckedIn   Code = "already_checked_in"
	CodeAlreadyCheckedOut  Code = "already_checked_out"
	CodeNoCheckInRecord    Code = "no_check_in_record"
	CodeStorageUnavailable Code = "storage_unavailable"
)

func (c Code) Kind() Kind {
	switch c {
	case CodeAlreadyCheckedIn, CodeAlreadyCheckedOut, CodeNoCheckInRecord:
		return KindStateConflict
	case CodeStorageUnavailable:
		return KindTransient
	default:
		return KindValidation
	}
}

// Error is the engine's coded error. Details carries display data such as the
// distance to the hub.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code so callers can test against the
// sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func (e *Error) Kind() Kind {
	return e.Code.Kind()
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrOutOfRange         = newError(CodeOutOfRange, "location is outside the hub geofence")
	ErrInvalidCoordinate  = newError(CodeInvalidCoordinate, "invalid coordinate")
	ErrInvalidTimestamp   = newError(CodeInvalidTimestamp, "invalid timestamp")
	ErrInvalidWindow      = newError(CodeInvalidWindow, "invalid date window")
	ErrInvalidUser        = newError(CodeInvalidUser, "user id is required")
	ErrAlreadyCheckedIn   = newError(CodeAlreadyCheckedIn, "already checked in for this day")
	ErrAlreadyCheckedOut  = newError(CodeAlreadyCheckedOut, "already checked out for this day")
	ErrNoCheckInRecord    = newError(CodeNoCheckInRecord, "no check-in recorded for this day")
	ErrStorageUnavailable = newError(CodeStorageUnavailable, "attendance storage unavailable")
)

// KindOf returns the Kind of err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return ""
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// storageError classifies an unexpected store failure as transient.
func storageError(op string, err error) error {
	return wrapError(CodeStorageUnavailable, op, err)
}
