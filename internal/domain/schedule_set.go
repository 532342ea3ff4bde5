package domain

import (
	"slices"
	"sort"
)

// ScheduleSet is the editable view of a task's rule rows: a set of anchors
// (dates or weekdays, never both) crossed with a set of times.
type ScheduleSet struct {
	Dates    []string
	Weekdays []int
	Times    []string
}

// ScheduleSetFromRules folds stored rows back into sets.
func ScheduleSetFromRules(rules []ScheduleRule) ScheduleSet {
	var s ScheduleSet
	for _, r := range rules {
		if r.HasDate() && !slices.Contains(s.Dates, r.Date) {
			s.Dates = append(s.Dates, r.Date)
		}
		if r.HasWeekday() && !slices.Contains(s.Weekdays, r.Weekday) {
			s.Weekdays = append(s.Weekdays, r.Weekday)
		}
		if r.HasTime() && !slices.Contains(s.Times, r.Time) {
			s.Times = append(s.Times, r.Time)
		}
	}
	s.normalize()
	return s
}

func (s *ScheduleSet) normalize() {
	sort.Strings(s.Dates)
	sort.Ints(s.Weekdays)
	sort.Strings(s.Times)
}

// ToggleDate adds or removes a date. Adding a date drops every weekday.
func (s *ScheduleSet) ToggleDate(date string) (added bool) {
	if i := slices.Index(s.Dates, date); i >= 0 {
		s.Dates = slices.Delete(s.Dates, i, i+1)
		return false
	}
	s.Weekdays = nil
	s.Dates = append(s.Dates, date)
	s.normalize()
	return true
}

// ToggleWeekday adds or removes a weekday. Adding a weekday drops every date.
func (s *ScheduleSet) ToggleWeekday(w int) (added bool) {
	if i := slices.Index(s.Weekdays, w); i >= 0 {
		s.Weekdays = slices.Delete(s.Weekdays, i, i+1)
		return false
	}
	s.Dates = nil
	s.Weekdays = append(s.Weekdays, w)
	s.normalize()
	return true
}

func (s *ScheduleSet) ToggleTime(clock string) (added bool) {
	if i := slices.Index(s.Times, clock); i >= 0 {
		s.Times = slices.Delete(s.Times, i, i+1)
		return false
	}
	s.Times = append(s.Times, clock)
	s.normalize()
	return true
}

// Rows materializes the set: one row per (anchor, time) pair, time-only rows
// while no anchor exists, and anchor-only rows while no time exists.
func (s ScheduleSet) Rows(taskID int64) []ScheduleRule {
	var out []ScheduleRule
	anchors := make([]ScheduleRule, 0, len(s.Dates)+len(s.Weekdays))
	for _, d := range s.Dates {
		anchors = append(anchors, ScheduleRule{TaskID: taskID, Date: d, Weekday: NoWeekday})
	}
	for _, w := range s.Weekdays {
		anchors = append(anchors, ScheduleRule{TaskID: taskID, Weekday: w})
	}

	switch {
	case len(anchors) == 0:
		for _, t := range s.Times {
			out = append(out, ScheduleRule{TaskID: taskID, Weekday: NoWeekday, Time: t})
		}
	case len(s.Times) == 0:
		out = anchors
	default:
		for _, a := range anchors {
			for _, t := range s.Times {
				r := a
				r.Time = t
				out = append(out, r)
			}
		}
	}
	return out
}
