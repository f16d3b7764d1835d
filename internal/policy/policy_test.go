package policy

import (
	"testing"
	"time"
)

func TestIsWeekday(t *testing.T) {
	cases := map[Date]bool{
		NewDate(2026, 1, 19): true,  // Monday
		NewDate(2026, 1, 23): true,  // Friday
		NewDate(2026, 1, 24): false, // Saturday
		NewDate(2026, 1, 25): false, // Sunday
	}
	for date, expect := range cases {
		if got := IsWeekday(date); got != expect {
			t.Fatalf("IsWeekday(%s) = %v, want %v", date, got, expect)
		}
	}
}

func TestIsLateArrivalIsStrict(t *testing.T) {
	cutoff, err := ParseTimeOfDay("09:00")
	if err != nil {
		t.Fatalf("parse cutoff: %v", err)
	}
	if IsLateArrival(cutoff, cutoff) {
		t.Fatalf("arrival exactly at cutoff must be on time")
	}
	if !IsLateArrival(cutoff+1, cutoff) {
		t.Fatalf("arrival one second after cutoff must be late")
	}
	if IsLateArrival(cutoff-60, cutoff) {
		t.Fatalf("early arrival must be on time")
	}
}

func TestExceedsWeeklyLateLimit(t *testing.T) {
	if ExceedsWeeklyLateLimit(4, 5) {
		t.Fatalf("4 of 5 should not reach the limit")
	}
	if !ExceedsWeeklyLateLimit(5, 5) {
		t.Fatalf("5 of 5 should reach the limit")
	}
	if ExceedsWeeklyLateLimit(10, 0) {
		t.Fatalf("zero limit disables the check")
	}
}

func TestClassify(t *testing.T) {
	cutoff, _ := ParseTimeOfDay("09:00")
	rules, err := NewRules(time.UTC, cutoff, 5)
	if err != nil {
		t.Fatalf("new rules: %v", err)
	}

	monday := rules.Classify(time.Date(2026, 1, 19, 9, 0, 1, 0, time.UTC))
	if !monday.Weekday || !monday.Late {
		t.Fatalf("expected Monday 09:00:01 to be a late weekday arrival, got %+v", monday)
	}
	onTime := rules.Classify(time.Date(2026, 1, 19, 9, 0, 0, 0, time.UTC))
	if onTime.Late {
		t.Fatalf("expected Monday 09:00:00 to be on time")
	}
	saturday := rules.Classify(time.Date(2026, 1, 24, 10, 0, 0, 0, time.UTC))
	if saturday.Weekday || saturday.Late {
		t.Fatalf("expected Saturday 10:00 to be a non-late weekend arrival, got %+v", saturday)
	}
}

func TestClassifyUsesHubLocation(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	cutoff, _ := ParseTimeOfDay("09:00")
	rules, err := NewRules(loc, cutoff, 5)
	if err != nil {
		t.Fatalf("new rules: %v", err)
	}
	// 2026-01-23 (Friday) 23:30 UTC is Saturday 06:30 at the hub.
	arrival := rules.Classify(time.Date(2026, 1, 23, 23, 30, 0, 0, time.UTC))
	if arrival.Date != NewDate(2026, 1, 24) {
		t.Fatalf("expected hub-local date 2026-01-24, got %s", arrival.Date)
	}
	if arrival.Weekday {
		t.Fatalf("expected hub-local Saturday")
	}
}

func TestParseTimeOfDay(t *testing.T) {
	valid := map[string]TimeOfDay{
		"09:00":    9 * 3600,
		"17:20:30": 17*3600 + 20*60 + 30,
		"00:00":    0,
	}
	for input, expect := range valid {
		got, err := ParseTimeOfDay(input)
		if err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if got != expect {
			t.Fatalf("parse %q = %d, want %d", input, got, expect)
		}
	}
	for _, input := range []string{"", "9:00", "24:00", "09:60", "09:00:00:00", "aa:bb"} {
		if _, err := ParseTimeOfDay(input); err == nil {
			t.Fatalf("expected %q to be rejected", input)
		}
	}
}

func TestDateHelpers(t *testing.T) {
	d, err := ParseDate("2026-01-22")
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	if d.WeekStart() != NewDate(2026, 1, 19) {
		t.Fatalf("week start = %s, want 2026-01-19", d.WeekStart())
	}
	if NewDate(2026, 1, 25).WeekStart() != NewDate(2026, 1, 19) {
		t.Fatalf("Sunday belongs to the ISO week starting the previous Monday")
	}
	if got := d.AddDays(10); got != NewDate(2026, 2, 1) {
		t.Fatalf("add days = %s, want 2026-02-01", got)
	}
	if got := NewDate(2026, 1, 1).DaysUntil(NewDate(2026, 1, 31)); got != 30 {
		t.Fatalf("days until = %d, want 30", got)
	}
	if d.String() != "2026-01-22" {
		t.Fatalf("string = %s", d.String())
	}
}
