package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"geohub/attendance/internal/attendance"
	"geohub/attendance/internal/config"
	"geohub/attendance/internal/policy"
)

const reminderKeyPrefix = "attendance:checkout-reminder:"

// Deduper records that a key has been seen. First reports true only for the
// first caller within ttl. Release forgets a key so a later First claims it again.
type Deduper interface {
	First(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// KeyClaimer is the slice of the redis client the deduper needs.
type KeyClaimer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type RedisDeduper struct {
	client KeyClaimer
}

func NewRedisDeduper(client KeyClaimer) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) First(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, key, "1", ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, key).Err()
}

// MemoryDeduper is the single-process fallback used when Redis is not configured.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: map[string]time.Time{}, now: time.Now}
}

func (d *MemoryDeduper) First(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, expires := range d.seen {
		if !now.Before(expires) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

// CheckoutReminder nudges users who are still checked in late in the hub day.
type CheckoutReminder struct {
	service *attendance.Service
	after   policy.TimeOfDay
	dedupe  Deduper
	now     func() time.Time
}

func NewCheckoutReminder(service *attendance.Service, after policy.TimeOfDay, dedupe Deduper) *CheckoutReminder {
	if dedupe == nil {
		dedupe = NewMemoryDeduper()
	}
	return &CheckoutReminder{service: service, after: after, dedupe: dedupe, now: time.Now}
}

// Run sends at most one reminder per open session per day. A failed delivery
// releases its claim so the next run retries it. It returns the number of
// reminders sent.
func (j *CheckoutReminder) Run(ctx context.Context) (int, error) {
	now := j.now()
	rules := j.service.Rules()
	date := rules.LocalDate(now)
	if !policy.IsWeekday(date) {
		return 0, nil
	}
	loc := rules.Location
	if loc == nil {
		loc = time.UTC
	}
	if policy.TimeOfDayOf(now.In(loc)) < j.after {
		return 0, nil
	}

	sessions, err := j.service.OpenSessions(ctx, date)
	if err != nil {
		return 0, err
	}
	sent := 0
	var errs []error
	for _, record := range sessions {
		key := fmt.Sprintf("%s%s:%s", reminderKeyPrefix, date, record.UserID)
		first, err := j.dedupe.First(ctx, key, 36*time.Hour)
		if err != nil {
			errs = append(errs, fmt.Errorf("dedupe %s: %w", record.UserID, err))
			continue
		}
		if !first {
			continue
		}
		err = j.service.Deliver(ctx, attendance.Event{
			Type:    attendance.EventCheckoutReminder,
			UserID:  record.UserID,
			Date:    date,
			At:      now.UTC(),
			Message: fmt.Sprintf("%s is still checked in since %s", record.UserID, record.CheckInTime.In(loc).Format("15:04")),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("remind %s: %w", record.UserID, err))
			if relErr := j.dedupe.Release(ctx, key); relErr != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", record.UserID, relErr))
			}
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func StartCheckoutReminderJob(ctx context.Context, cfg config.Config, job *CheckoutReminder) {
	if !cfg.ReminderJobEnabled {
		return
	}
	if job == nil {
		log.Printf("checkout reminder job disabled: not configured")
		return
	}
	interval := cfg.ReminderJobInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	timeout := interval / 2
	if timeout > 30*time.Second {
		timeout = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				sent, err := job.Run(tickCtx)
				cancel()
				if err != nil {
					log.Printf("checkout reminder job error: %v", err)
				}
				if sent > 0 {
					log.Printf("checkout reminder job sent %d reminders", sent)
				}
			}
		}
	}()
}
