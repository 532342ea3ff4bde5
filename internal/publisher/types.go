package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postbot/internal/domain"
	"postbot/internal/transport"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotOwner        = errors.New("not the owner")
)

// Messenger is the platform surface the executor publishes through.
// Methods returning message ids return them in post order.
type Messenger interface {
	transport.TextSender

	Forward(ctx context.Context, to, from int64, messageID int) (int, error)
	ForwardAlbum(ctx context.Context, to, from int64, messageIDs []int) ([]int, error)
	Copy(ctx context.Context, to, from int64, messageID int, buttons [][]domain.Button) (int, error)
	SendAlbum(ctx context.Context, to int64, items []domain.MediaItem) ([]int, error)

	EditText(ctx context.Context, chatID int64, messageID int, text string, ents []domain.Entity, buttons [][]domain.Button) error
	EditCaption(ctx context.Context, chatID int64, messageID int, caption string, ents []domain.Entity, buttons [][]domain.Button) error

	Pin(ctx context.Context, chatID int64, messageID int, notify bool) error
	Unpin(ctx context.Context, chatID int64, messageID int) error
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// Timers is the live callback queue. AddOnce replaces any callback registered
// under the same name.
type Timers interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

type Config struct {
	// Signature is appended to non-repost posts of free-tier users.
	Signature string

	ReportDebounce    time.Duration
	RestoreDelay      time.Duration
	PastTolerance     time.Duration
	InactiveRetention time.Duration
	AlbumWindow       time.Duration
	ActionTimeout     time.Duration

	CaptionLimit    int
	DefaultTimezone string

	Tariffs       map[string]domain.Tariff
	DefaultTariff string
}

const (
	defaultTolerance    = 60 * time.Second
	defaultDebounce     = 5 * time.Second
	defaultRestoreDelay = 5 * time.Second
	defaultRetention    = 60 * 24 * time.Hour
	defaultAlbumWindow  = 1500 * time.Millisecond
	defaultActionTO     = 60 * time.Second
	defaultCaptionLimit = 1024
	textLimit           = 4096
)

func withDefaults(cfg Config) Config {
	if cfg.PastTolerance <= 0 {
		cfg.PastTolerance = defaultTolerance
	}
	if cfg.ReportDebounce <= 0 {
		cfg.ReportDebounce = defaultDebounce
	}
	if cfg.RestoreDelay <= 0 {
		cfg.RestoreDelay = defaultRestoreDelay
	}
	if cfg.InactiveRetention <= 0 {
		cfg.InactiveRetention = defaultRetention
	}
	if cfg.AlbumWindow <= 0 {
		cfg.AlbumWindow = defaultAlbumWindow
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTO
	}
	if cfg.CaptionLimit <= 0 {
		cfg.CaptionLimit = defaultCaptionLimit
	}
	cfg.Signature = strings.TrimSpace(cfg.Signature)
	return cfg
}

// tariff resolves a tariff by name. Unknown names fall back to the default
// tariff; with no tariffs configured everything is unlimited.
func (c Config) tariff(name string) domain.Tariff {
	if t, ok := c.Tariffs[name]; ok {
		t.Name = name
		return t
	}
	if t, ok := c.Tariffs[c.DefaultTariff]; ok {
		t.Name = c.DefaultTariff
		return t
	}
	return domain.Tariff{Name: name}
}

// Problem names one missing activation precondition.
type Problem string

const (
	ProblemContent  Problem = "content"
	ProblemChannels Problem = "channels"
	ProblemSchedule Problem = "schedule"
	ProblemUpcoming Problem = "upcoming"
)

// ValidationError lists every reason a task cannot be active.
type ValidationError struct {
	TaskID   int64
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = string(p)
	}
	return fmt.Sprintf("task %d not activatable: missing %s", e.TaskID, strings.Join(parts, ", "))
}

func (e *ValidationError) Has(p Problem) bool {
	for _, x := range e.Problems {
		if x == p {
			return true
		}
	}
	return false
}

// LimitError reports a tariff limit reached while adding an item.
type LimitError struct {
	What  string
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("tariff limit reached: at most %d %s", e.Limit, e.What)
}

// Status summarizes job state for operators.
type Status struct {
	Jobs        map[domain.JobStatus]int
	ActiveTasks int
}
