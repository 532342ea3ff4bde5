package domain

import (
	"math"
	"time"
)

type PostType string

const (
	PostRepost  PostType = "repost"
	PostFromBot PostType = "from_bot"
)

func (p PostType) Valid() bool { return p == PostRepost || p == PostFromBot }

type TaskStatus string

const (
	TaskInactive TaskStatus = "inactive"
	TaskActive   TaskStatus = "active"
)

// Task is a recurring post template owned by one user.
type Task struct {
	ID      int64
	OwnerID int64
	Name    string
	Content Content

	PostType PostType
	Status   TaskStatus

	PinHours        float64
	PinNotify       bool
	AutoDeleteHours float64
	ReportEnabled   bool
	AdvertiserID    int64 // 0 means none

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t Task) Active() bool { return t.Status == TaskActive }

// Snapshot copies everything a job needs at publish time.
func (t Task) Snapshot() JobSnapshot {
	return JobSnapshot{
		TaskName:        t.Name,
		Content:         t.Content.Clone(),
		PostType:        t.PostType,
		PinHours:        t.PinHours,
		PinNotify:       t.PinNotify,
		AutoDeleteHours: t.AutoDeleteHours,
		ReportEnabled:   t.ReportEnabled,
		AdvertiserID:    t.AdvertiserID,
	}
}

// Hours converts a fractional hour count into a duration, rounded to the second.
func Hours(h float64) time.Duration {
	if h <= 0 || math.IsNaN(h) || math.IsInf(h, 0) {
		return 0
	}
	return time.Duration(math.Round(h*3600)) * time.Second
}
