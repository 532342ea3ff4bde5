package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"

	// NoWeekday marks a rule row without a weekday.
	NoWeekday = -1
)

// Weekdays are numbered Monday=0 .. Sunday=6.
var weekdayNames = [7]string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

func WeekdayName(w int) string {
	if w < 0 || w > 6 {
		return "?"
	}
	return weekdayNames[w]
}

// ParseWeekday accepts 0..6 or a three letter english abbreviation.
func ParseWeekday(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("weekday out of range: %d", n)
		}
		return n, nil
	}
	for i, name := range weekdayNames {
		if strings.HasPrefix(s, name) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

func toGoWeekday(w int) time.Weekday { return time.Weekday((w + 1) % 7) }

func fromGoWeekday(w time.Weekday) int { return (int(w) + 6) % 7 }

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// NormalizeClock returns the canonical zero-padded form of s.
func NormalizeClock(s string) (string, error) {
	h, m, err := ParseClock(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// NormalizeDate validates s as YYYY-MM-DD.
func NormalizeDate(s string) (string, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d.Format(DateLayout), nil
}

// ScheduleRule is one stored row: a date or a weekday, optionally with a time.
// Rows with only a time are waiting for a date or weekday to bind to.
type ScheduleRule struct {
	ID      int64
	TaskID  int64
	Date    string // "" when unset
	Weekday int    // NoWeekday when unset
	Time    string // "" when unset
}

func (r ScheduleRule) HasDate() bool    { return r.Date != "" }
func (r ScheduleRule) HasWeekday() bool { return r.Weekday >= 0 && r.Weekday <= 6 }
func (r ScheduleRule) HasTime() bool    { return r.Time != "" }

// Recurrence returns the rule as a recurrence. Rows missing a time or a
// date/weekday do not produce one.
func (r ScheduleRule) Recurrence() (Recurrence, bool) {
	if !r.HasTime() {
		return Recurrence{}, false
	}
	switch {
	case r.HasDate():
		return Recurrence{Kind: RecurDate, Date: r.Date, Weekday: NoWeekday, Time: r.Time}, true
	case r.HasWeekday():
		return Recurrence{Kind: RecurWeekday, Weekday: r.Weekday, Time: r.Time}, true
	default:
		return Recurrence{}, false
	}
}

// Recurrences collects every complete rule of a set.
func Recurrences(rules []ScheduleRule) []Recurrence {
	out := make([]Recurrence, 0, len(rules))
	for _, r := range rules {
		if rec, ok := r.Recurrence(); ok {
			out = append(out, rec)
		}
	}
	return out
}

type RecurrenceKind string

const (
	RecurDate    RecurrenceKind = "date"
	RecurWeekday RecurrenceKind = "weekday"
)

// Recurrence is a schedule rule in its evaluable form. Date rules fire once;
// weekday rules repeat forever and are materialized one instance at a time.
type Recurrence struct {
	Kind    RecurrenceKind
	Date    string
	Weekday int
	Time    string
}

func (r Recurrence) IsZero() bool { return r.Kind == "" }

func (r Recurrence) Repeats() bool { return r.Kind == RecurWeekday }

func (r Recurrence) String() string {
	switch r.Kind {
	case RecurDate:
		return r.Date + " " + r.Time
	case RecurWeekday:
		return WeekdayName(r.Weekday) + " " + r.Time
	default:
		return ""
	}
}

// Next returns the next instant of r in UTC relative to now, evaluated in loc.
// Instants up to tolerance in the past still count as due.
func (r Recurrence) Next(now time.Time, loc *time.Location, tolerance time.Duration) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	h, m, err := ParseClock(r.Time)
	if err != nil {
		return time.Time{}, false
	}
	cutoff := now.Add(-tolerance)

	switch r.Kind {
	case RecurDate:
		d, err := time.ParseInLocation(DateLayout, r.Date, loc)
		if err != nil {
			return time.Time{}, false
		}
		at := time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc)
		if at.Before(cutoff) {
			return time.Time{}, false
		}
		return at.UTC(), true

	case RecurWeekday:
		if r.Weekday < 0 || r.Weekday > 6 {
			return time.Time{}, false
		}
		local := now.In(loc)
		delta := (r.Weekday - fromGoWeekday(local.Weekday()) + 7) % 7
		at := time.Date(local.Year(), local.Month(), local.Day()+delta, h, m, 0, 0, loc)
		if at.Before(cutoff) {
			at = time.Date(local.Year(), local.Month(), local.Day()+delta+7, h, m, 0, 0, loc)
		}
		return at.UTC(), true
	}
	return time.Time{}, false
}

// After returns the instance following prev. Only weekday rules have one; the
// wall clock time is kept across DST changes.
func (r Recurrence) After(prev time.Time, loc *time.Location) (time.Time, bool) {
	if r.Kind != RecurWeekday {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	h, m, err := ParseClock(r.Time)
	if err != nil {
		return time.Time{}, false
	}
	local := prev.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day()+7, h, m, 0, 0, loc)
	if toGoWeekday(r.Weekday) != at.Weekday() {
		// prev was not on the rule's weekday; realign forward.
		delta := (r.Weekday - fromGoWeekday(local.Weekday()) + 7) % 7
		if delta == 0 {
			delta = 7
		}
		at = time.Date(local.Year(), local.Month(), local.Day()+delta, h, m, 0, 0, loc)
	}
	return at.UTC(), true
}

// LoadLocation resolves an IANA name, falling back to def and then UTC.
func LoadLocation(name, def string) *time.Location {
	for _, n := range []string{name, def} {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if loc, err := time.LoadLocation(n); err == nil {
			return loc
		}
	}
	return time.UTC
}
