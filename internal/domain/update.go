package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

var ErrInvalidUpdate = errors.New("invalid task update")

const (
	MaxTaskNameRunes = 64
	// MaxSideEffectHours caps pin and auto delete durations (30 days).
	MaxSideEffectHours = 720
)

// TaskUpdate is one typed edit of a task attribute.
type TaskUpdate interface {
	Field() string
	Validate() error
	Apply(t *Task)
	isTaskUpdate()
}

type SetName struct{ Name string }
type SetContent struct{ Content Content }
type SetPostType struct{ PostType PostType }
type SetPinDuration struct{ Hours float64 }
type SetPinNotify struct{ Notify bool }
type SetAutoDelete struct{ Hours float64 }
type SetReport struct{ Enabled bool }
type SetAdvertiser struct{ UserID int64 }

func (SetName) Field() string        { return "name" }
func (SetContent) Field() string     { return "content" }
func (SetPostType) Field() string    { return "post_type" }
func (SetPinDuration) Field() string { return "pin_duration" }
func (SetPinNotify) Field() string   { return "pin_notify" }
func (SetAutoDelete) Field() string  { return "auto_delete" }
func (SetReport) Field() string      { return "report" }
func (SetAdvertiser) Field() string  { return "advertiser" }

func (u SetName) Validate() error {
	n := strings.TrimSpace(u.Name)
	if n == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidUpdate)
	}
	if utf8.RuneCountInString(n) > MaxTaskNameRunes {
		return fmt.Errorf("%w: name longer than %d characters", ErrInvalidUpdate, MaxTaskNameRunes)
	}
	return nil
}

func (u SetContent) Validate() error {
	if u.Content.IsEmpty() {
		return fmt.Errorf("%w: content is empty", ErrInvalidUpdate)
	}
	for i, it := range u.Content.Album {
		if it.FileID == "" {
			return fmt.Errorf("%w: album item %d has no file", ErrInvalidUpdate, i)
		}
		if first := u.Content.Album[0]; albumGroup(it.Kind) != albumGroup(first.Kind) {
			return fmt.Errorf("%w: an album cannot mix %s and %s items", ErrInvalidUpdate, first.Kind, it.Kind)
		}
	}
	return nil
}

func (u SetPostType) Validate() error {
	if !u.PostType.Valid() {
		return fmt.Errorf("%w: unknown post type %q", ErrInvalidUpdate, u.PostType)
	}
	return nil
}

func (u SetPinDuration) Validate() error { return validateHours("pin duration", u.Hours) }
func (SetPinNotify) Validate() error     { return nil }
func (u SetAutoDelete) Validate() error  { return validateHours("auto delete", u.Hours) }
func (SetReport) Validate() error        { return nil }

func (u SetAdvertiser) Validate() error {
	if u.UserID < 0 {
		return fmt.Errorf("%w: advertiser id must be positive", ErrInvalidUpdate)
	}
	return nil
}

func validateHours(what string, h float64) error {
	if math.IsNaN(h) || math.IsInf(h, 0) || h < 0 {
		return fmt.Errorf("%w: %s must be >= 0", ErrInvalidUpdate, what)
	}
	if h > MaxSideEffectHours {
		return fmt.Errorf("%w: %s above %d hours", ErrInvalidUpdate, what, MaxSideEffectHours)
	}
	return nil
}

func (u SetName) Apply(t *Task)        { t.Name = strings.TrimSpace(u.Name) }
func (u SetContent) Apply(t *Task)     { t.Content = u.Content.Clone() }
func (u SetPostType) Apply(t *Task)    { t.PostType = u.PostType }
func (u SetPinDuration) Apply(t *Task) { t.PinHours = u.Hours }
func (u SetPinNotify) Apply(t *Task)   { t.PinNotify = u.Notify }
func (u SetAutoDelete) Apply(t *Task)  { t.AutoDeleteHours = u.Hours }
func (u SetReport) Apply(t *Task)      { t.ReportEnabled = u.Enabled }
func (u SetAdvertiser) Apply(t *Task)  { t.AdvertiserID = u.UserID }

func (SetName) isTaskUpdate()        {}
func (SetContent) isTaskUpdate()     {}
func (SetPostType) isTaskUpdate()    {}
func (SetPinDuration) isTaskUpdate() {}
func (SetPinNotify) isTaskUpdate()   {}
func (SetAutoDelete) isTaskUpdate()  {}
func (SetReport) isTaskUpdate()      {}
func (SetAdvertiser) isTaskUpdate()  {}
