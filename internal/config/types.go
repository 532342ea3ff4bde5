package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Scheduler controls housekeeping cron triggers.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of due callbacks. It always runs; the
	// section only sizes it.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage   StorageConfig   `json:"storage"`
	Session   *SessionConfig  `json:"session,omitempty"`
	Publisher PublisherConfig `json:"publisher"`

	// Tariffs maps a tariff name to its limits. DefaultTariff names the one
	// new users receive.
	Tariffs       map[string]TariffConfig `json:"tariffs,omitempty"`
	DefaultTariff string                  `json:"default_tariff,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id receiving the Telegram log sink.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// SendRatePerSec caps outbound API calls. 0 uses the adapter default.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
	// APIURL points at a self-hosted Bot API server.
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	// Enabled turns on the housekeeping cron. Publication timers run regardless.
	Enabled bool `json:"enabled"`
	// Timezone for cron triggers. Publication instants use each user's zone.
	Timezone string `json:"timezone,omitempty"`
	// CleanupAt is the daily HH:MM of the inactive-task cleanup.
	CleanupAt string `json:"cleanup_at,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true (false is rejected)
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// StorageConfig points at the SQLite database.
//
// Example:
//
//	"storage": { "path": "./data/postbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SessionConfig selects where per-user sessions live. Omitted means memory.
type SessionConfig struct {
	Driver string `json:"driver"` // memory | redis

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisUsername string `json:"redis_username,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`

	TTL string `json:"ttl,omitempty"`
}

// PublisherConfig tunes job execution. Durations are Go duration strings and
// may also be whole days ("60d").
type PublisherConfig struct {
	// Signature is appended to non-repost posts of free-tier users.
	Signature string `json:"signature,omitempty"`

	ReportDebounce    string `json:"report_debounce,omitempty"`    // default 5s
	RestoreDelay      string `json:"restore_delay,omitempty"`      // default 5s
	PastTolerance     string `json:"past_tolerance,omitempty"`     // default 60s
	InactiveRetention string `json:"inactive_retention,omitempty"` // default 60d
	AlbumWindow       string `json:"album_window,omitempty"`       // default 1500ms
	ActionTimeout     string `json:"action_timeout,omitempty"`     // default 60s

	CaptionLimit    int    `json:"caption_limit,omitempty"` // default 1024
	DefaultTimezone string `json:"default_timezone,omitempty"`
}

type TariffConfig struct {
	Free            bool `json:"free"`
	MaxTasks        int  `json:"max_tasks"`
	MaxChannels     int  `json:"max_channels"`
	MaxDateSlots    int  `json:"max_date_slots"`
	MaxWeekdaySlots int  `json:"max_weekday_slots"`
	MaxTimeSlots    int  `json:"max_time_slots"`
}
