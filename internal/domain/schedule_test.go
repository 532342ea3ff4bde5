package domain

import (
	"testing"
	"time"
	_ "time/tzdata"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestWeekdayNextProperty(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/Berlin")
	tol := time.Minute
	start := time.Date(2026, 10, 12, 0, 7, 0, 0, time.UTC)

	for w := 0; w < 7; w++ {
		rec := Recurrence{Kind: RecurWeekday, Weekday: w, Time: "09:00"}
		for i := 0; i < 24*21; i++ {
			now := start.Add(time.Duration(i) * time.Hour)
			at, ok := rec.Next(now, loc, tol)
			if !ok {
				t.Fatalf("Next(%v) for weekday %d returned false", now, w)
			}
			local := at.In(loc)
			if fromGoWeekday(local.Weekday()) != w {
				t.Fatalf("Next(%v) = %v, weekday %v, want %s", now, local, local.Weekday(), WeekdayName(w))
			}
			if local.Hour() != 9 || local.Minute() != 0 {
				t.Fatalf("Next(%v) = %v, want 09:00 local", now, local)
			}
			if at.Before(now.Add(-tol)) {
				t.Fatalf("Next(%v) = %v is older than tolerance", now, at)
			}
			// One extra hour covers a DST switch inside the week.
			if at.After(now.Add(7*24*time.Hour + time.Hour)) {
				t.Fatalf("Next(%v) = %v is more than a week ahead", now, at)
			}
		}
	}
}

func TestWeekdayNextSameDay(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/Moscow")
	// 2026-10-19 is a Monday; 08:00 Moscow == 05:00 UTC.
	rec := Recurrence{Kind: RecurWeekday, Weekday: 0, Time: "09:00"}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{name: "before time", now: time.Date(2026, 10, 19, 5, 0, 0, 0, time.UTC), want: time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)},
		{name: "within tolerance", now: time.Date(2026, 10, 19, 6, 0, 30, 0, time.UTC), want: time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)},
		{name: "passed", now: time.Date(2026, 10, 19, 6, 5, 0, 0, time.UTC), want: time.Date(2026, 10, 26, 6, 0, 0, 0, time.UTC)},
		{name: "other day", now: time.Date(2026, 10, 21, 12, 0, 0, 0, time.UTC), want: time.Date(2026, 10, 26, 6, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := rec.Next(tt.now, loc, time.Minute)
			if !ok {
				t.Fatal("expected an instant")
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDateNext(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Tokyo")
	rec := Recurrence{Kind: RecurDate, Date: "2026-10-20", Time: "09:00"}
	want := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)

	got, ok := rec.Next(time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), loc, time.Minute)
	if !ok || !got.Equal(want) {
		t.Fatalf("Next = %v, %v; want %v", got, ok, want)
	}
	if _, ok := rec.Next(want.Add(30*time.Second), loc, time.Minute); !ok {
		t.Fatal("instant within tolerance must still be due")
	}
	if _, ok := rec.Next(want.Add(2*time.Minute), loc, time.Minute); ok {
		t.Fatal("stale date must not be resurrected")
	}
	if _, ok := rec.After(want, loc); ok {
		t.Fatal("date rules do not recur")
	}
}

func TestWeekdayAfterKeepsWallClockAcrossDST(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/Berlin")
	rec := Recurrence{Kind: RecurWeekday, Weekday: 0, Time: "09:00"}
	// Monday 09:00 CEST, next Monday is after the switch to CET.
	prev := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
	got, ok := rec.After(prev, loc)
	if !ok {
		t.Fatal("weekday rule must recur")
	}
	want := time.Date(2026, 10, 26, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("After = %v, want %v", got, want)
	}
}

func TestScheduleRuleRecurrence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rule ScheduleRule
		ok   bool
		kind RecurrenceKind
	}{
		{name: "time only", rule: ScheduleRule{Weekday: NoWeekday, Time: "10:00"}},
		{name: "date only", rule: ScheduleRule{Date: "2026-10-20", Weekday: NoWeekday}},
		{name: "date and time", rule: ScheduleRule{Date: "2026-10-20", Weekday: NoWeekday, Time: "10:00"}, ok: true, kind: RecurDate},
		{name: "weekday and time", rule: ScheduleRule{Weekday: 3, Time: "10:00"}, ok: true, kind: RecurWeekday},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := tt.rule.Recurrence()
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && rec.Kind != tt.kind {
				t.Fatalf("Kind = %s, want %s", rec.Kind, tt.kind)
			}
		})
	}
}

func TestParseClockAndWeekday(t *testing.T) {
	t.Parallel()
	if got, err := NormalizeClock("9:5"); err != nil || got != "09:05" {
		t.Fatalf("NormalizeClock = %q, %v", got, err)
	}
	if _, _, err := ParseClock("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
	if w, err := ParseWeekday("Friday"); err != nil || w != 4 {
		t.Fatalf("ParseWeekday = %d, %v", w, err)
	}
	if _, err := ParseWeekday("7"); err == nil {
		t.Fatal("expected error for weekday 7")
	}
}
