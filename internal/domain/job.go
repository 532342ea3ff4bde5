package domain

import "time"

type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobPublished JobStatus = "published"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
	JobDeleted   JobStatus = "deleted"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCancelled || s == JobFailed || s == JobDeleted
}

// JobSnapshot freezes the task parameters at job creation time.
type JobSnapshot struct {
	TaskName        string   `json:"task_name,omitempty"`
	Content         Content  `json:"content"`
	PostType        PostType `json:"post_type"`
	PinHours        float64  `json:"pin_hours,omitempty"`
	PinNotify       bool     `json:"pin_notify,omitempty"`
	AutoDeleteHours float64  `json:"auto_delete_hours,omitempty"`
	ReportEnabled   bool     `json:"report_enabled,omitempty"`
	AdvertiserID    int64    `json:"advertiser_id,omitempty"`
}

// Job is one timestamped publication of a task into one channel.
type Job struct {
	ID          int64
	TaskID      int64
	UserID      int64
	ChannelID   int64
	ScheduledAt time.Time
	Status      JobStatus
	Snapshot    JobSnapshot
	Rule        Recurrence

	PublishedAt time.Time
	MessageIDs  []int
	Handle      string
	UnpinnedAt  time.Time
	Error       string
	CreatedAt   time.Time
}

// UnpinAt is the instant the pin must be removed, zero if the job pins nothing.
func (j Job) UnpinAt() time.Time {
	d := Hours(j.Snapshot.PinHours)
	if d == 0 || j.PublishedAt.IsZero() || len(j.MessageIDs) == 0 {
		return time.Time{}
	}
	return j.PublishedAt.Add(d)
}

// DeleteAt is the instant the post must be removed, zero if auto delete is off.
func (j Job) DeleteAt() time.Time {
	d := Hours(j.Snapshot.AutoDeleteHours)
	if d == 0 || j.PublishedAt.IsZero() || len(j.MessageIDs) == 0 {
		return time.Time{}
	}
	return j.PublishedAt.Add(d)
}
