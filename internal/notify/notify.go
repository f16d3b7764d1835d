// Package notify delivers attendance events to the outside world. Every
// adapter is advisory: the service logs a failed delivery and moves on.
package notify

import (
	"context"
	"errors"
	"log"

	"geohub/attendance/internal/attendance"
)

// Log writes each event as one log line.
type Log struct {
	logger *log.Logger
}

func NewLog(logger *log.Logger) *Log {
	if logger == nil {
		logger = log.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, event attendance.Event) error {
	l.logger.Printf("event %s user=%s date=%s: %s", event.Type, event.UserID, event.Date, event.Message)
	return nil
}

// Multi fans an event out to every notifier, even when one of them fails.
type Multi []attendance.Notifier

func (m Multi) Notify(ctx context.Context, event attendance.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Only forwards the listed event types to next and drops the rest.
func Only(next attendance.Notifier, types ...attendance.EventType) attendance.Notifier {
	allowed := make(map[attendance.EventType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return attendance.NotifierFunc(func(ctx context.Context, event attendance.Event) error {
		if _, ok := allowed[event.Type]; !ok {
			return nil
		}
		return next.Notify(ctx, event)
	})
}
