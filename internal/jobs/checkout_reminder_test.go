package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"geohub/attendance/internal/attendance"
	"geohub/attendance/internal/db/sqlite"
	"geohub/attendance/internal/geo"
	"geohub/attendance/internal/policy"
)

var hub = geo.Point{Latitude: 48.8566, Longitude: 2.3522}

type recorder struct {
	mu     sync.Mutex
	events []attendance.Event
}

func (r *recorder) Notify(_ context.Context, event attendance.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) reminders() []attendance.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []attendance.Event
	for _, e := range r.events {
		if e.Type == attendance.EventCheckoutReminder {
			out = append(out, e)
		}
	}
	return out
}

func newService(t *testing.T, now *time.Time, notifier attendance.Notifier) *attendance.Service {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "attendance.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	validator, err := geo.NewValidator(geo.Hub{Center: hub, RadiusMeters: 100}, true)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	rules, err := policy.NewRules(time.UTC, 9*3600, 5)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	return attendance.NewService(store, validator, rules, attendance.Options{
		Notifier: notifier,
		Now:      func() time.Time { return *now },
	})
}

func checkIn(t *testing.T, svc *attendance.Service, userID string) {
	t.Helper()
	loc := attendance.Location{Point: geo.Point{Latitude: hub.Latitude + 0.0003, Longitude: hub.Longitude}}
	if _, err := svc.CheckIn(context.Background(), attendance.CheckInRequest{UserID: userID, Location: loc}); err != nil {
		t.Fatalf("check-in %s: %v", userID, err)
	}
}

func TestCheckoutReminderOncePerDay(t *testing.T) {
	now := time.Date(2024, time.March, 4, 8, 50, 0, 0, time.UTC)
	events := &recorder{}
	svc := newService(t, &now, events)
	checkIn(t, svc, "user-1")
	checkIn(t, svc, "user-2")

	now = time.Date(2024, time.March, 4, 17, 30, 0, 0, time.UTC)
	loc := attendance.Location{Point: hub}
	if _, err := svc.CheckOut(context.Background(), attendance.CheckOutRequest{UserID: "user-2", Location: loc}); err != nil {
		t.Fatalf("check-out: %v", err)
	}

	job := NewCheckoutReminder(svc, 18*3600, nil)
	job.now = func() time.Time { return time.Date(2024, time.March, 4, 17, 59, 0, 0, time.UTC) }
	sent, err := job.Run(context.Background())
	if err != nil || sent != 0 {
		t.Fatalf("expected no reminders before 18:00, got %d %v", sent, err)
	}

	job.now = func() time.Time { return time.Date(2024, time.March, 4, 18, 5, 0, 0, time.UTC) }
	sent, err = job.Run(context.Background())
	if err != nil || sent != 1 {
		t.Fatalf("expected one reminder, got %d %v", sent, err)
	}
	sent, err = job.Run(context.Background())
	if err != nil || sent != 0 {
		t.Fatalf("expected dedupe on second run, got %d %v", sent, err)
	}

	reminders := events.reminders()
	if len(reminders) != 1 || reminders[0].UserID != "user-1" || reminders[0].Date != policy.NewDate(2024, time.March, 4) {
		t.Fatalf("unexpected reminders: %+v", reminders)
	}
}

func TestCheckoutReminderSkipsWeekend(t *testing.T) {
	now := time.Date(2024, time.March, 9, 10, 0, 0, 0, time.UTC)
	events := &recorder{}
	svc := newService(t, &now, events)
	checkIn(t, svc, "user-1")

	job := NewCheckoutReminder(svc, 18*3600, NewMemoryDeduper())
	job.now = func() time.Time { return time.Date(2024, time.March, 9, 19, 0, 0, 0, time.UTC) }
	sent, err := job.Run(context.Background())
	if err != nil || sent != 0 {
		t.Fatalf("expected no weekend reminders, got %d %v", sent, err)
	}
}

type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx, "setnx", key, value)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if f.keys[key] {
		cmd.SetVal(false)
		return cmd
	}
	f.keys[key] = true
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "del")
	var n int64
	for _, key := range keys {
		if f.keys[key] {
			delete(f.keys, key)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

// flaky fails its first delivery and records the rest.
type flaky struct {
	recorder
	failed bool
}

func (f *flaky) Notify(ctx context.Context, event attendance.Event) error {
	f.mu.Lock()
	if !f.failed {
		f.failed = true
		f.mu.Unlock()
		return errors.New("webhook unavailable")
	}
	f.mu.Unlock()
	return f.recorder.Notify(ctx, event)
}

func TestCheckoutReminderRetriesFailedDelivery(t *testing.T) {
	for name, dedupe := range map[string]Deduper{
		"memory": NewMemoryDeduper(),
		"redis":  NewRedisDeduper(&fakeRedis{keys: map[string]bool{}}),
	} {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2024, time.March, 4, 8, 50, 0, 0, time.UTC)
			events := &flaky{}
			svc := newService(t, &now, events)
			checkIn(t, svc, "user-1")

			job := NewCheckoutReminder(svc, 18*3600, dedupe)
			job.now = func() time.Time { return time.Date(2024, time.March, 4, 18, 30, 0, 0, time.UTC) }
			sent, err := job.Run(context.Background())
			if err == nil || sent != 0 {
				t.Fatalf("expected delivery error, got %d %v", sent, err)
			}
			sent, err = job.Run(context.Background())
			if err != nil || sent != 1 {
				t.Fatalf("expected retry to send, got %d %v", sent, err)
			}
			sent, err = job.Run(context.Background())
			if err != nil || sent != 0 {
				t.Fatalf("expected dedupe after success, got %d %v", sent, err)
			}
			if got := events.reminders(); len(got) != 1 || got[0].UserID != "user-1" {
				t.Fatalf("unexpected reminders: %+v", got)
			}
		})
	}
}

func TestRedisDeduper(t *testing.T) {
	client := &fakeRedis{keys: map[string]bool{}}
	dedupe := NewRedisDeduper(client)
	first, err := dedupe.First(context.Background(), "k", time.Hour)
	if err != nil || !first {
		t.Fatalf("expected first, got %v %v", first, err)
	}
	first, err = dedupe.First(context.Background(), "k", time.Hour)
	if err != nil || first {
		t.Fatalf("expected duplicate, got %v %v", first, err)
	}
	if err := dedupe.Release(context.Background(), "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	first, err = dedupe.First(context.Background(), "k", time.Hour)
	if err != nil || !first {
		t.Fatalf("expected released key to be claimable, got %v %v", first, err)
	}
}

func TestCheckoutReminderReportsDedupeErrors(t *testing.T) {
	now := time.Date(2024, time.March, 4, 8, 50, 0, 0, time.UTC)
	events := &recorder{}
	svc := newService(t, &now, events)
	checkIn(t, svc, "user-1")

	job := NewCheckoutReminder(svc, 18*3600, NewRedisDeduper(&fakeRedis{keys: map[string]bool{}, err: errors.New("redis down")}))
	job.now = func() time.Time { return time.Date(2024, time.March, 4, 18, 30, 0, 0, time.UTC) }
	sent, err := job.Run(context.Background())
	if err == nil || sent != 0 {
		t.Fatalf("expected dedupe error and no reminder, got %d %v", sent, err)
	}
	if len(events.reminders()) != 0 {
		t.Fatalf("no reminder should be sent when dedupe fails")
	}
}

func TestMemoryDeduperExpires(t *testing.T) {
	clock := time.Date(2024, time.March, 4, 18, 0, 0, 0, time.UTC)
	dedupe := NewMemoryDeduper()
	dedupe.now = func() time.Time { return clock }
	if first, _ := dedupe.First(context.Background(), "k", time.Hour); !first {
		t.Fatalf("expected first")
	}
	if first, _ := dedupe.First(context.Background(), "k", time.Hour); first {
		t.Fatalf("expected duplicate within ttl")
	}
	clock = clock.Add(time.Hour)
	if first, _ := dedupe.First(context.Background(), "k", time.Hour); !first {
		t.Fatalf("expected key to expire")
	}
}
