package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Premium accounts get 4096; the bot cannot post anything longer.
const maxCaptionLimit = 4096

// Validate rejects configs the app cannot start with. It is also the hot
// reload gate: a config failing here is never published.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if raw := strings.TrimSpace(cfg.Telegram.APIURL); raw != "" {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("telegram.api_url: %q is not an http(s) url", raw))
		}
	}
	if n := cfg.Publisher.CaptionLimit; n < 0 || n > maxCaptionLimit {
		errs = append(errs, fmt.Errorf("publisher.caption_limit: must be within 0..%d", maxCaptionLimit))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}

	durations := map[string]string{
		"telegram.poll_timeout":        cfg.Telegram.PollTimeout,
		"storage.busy_timeout":         cfg.Storage.BusyTimeout,
		"publisher.report_debounce":    cfg.Publisher.ReportDebounce,
		"publisher.restore_delay":      cfg.Publisher.RestoreDelay,
		"publisher.past_tolerance":     cfg.Publisher.PastTolerance,
		"publisher.inactive_retention": cfg.Publisher.InactiveRetention,
		"publisher.album_window":       cfg.Publisher.AlbumWindow,
		"publisher.action_timeout":     cfg.Publisher.ActionTimeout,
	}
	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil && !*te.Enabled {
			errs = append(errs, errors.New("task_engine.enabled cannot be false: publishing runs on the engine"))
		}
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			errs = append(errs, errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
		}
		durations["task_engine.default_timeout"] = te.DefaultTimeout
		durations["task_engine.max_queue_delay"] = te.MaxQueueDelay
	}
	if sc := cfg.Session; sc != nil {
		durations["session.ttl"] = sc.TTL
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Publisher.DefaultTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("publisher.default_timezone: %w", err))
		}
	}
	if at := strings.TrimSpace(cfg.Scheduler.CleanupAt); at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.cleanup_at: invalid time %q", at))
		}
	}
	if sc := cfg.Session; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "memory":
		case "redis":
			if strings.TrimSpace(sc.RedisAddr) == "" {
				errs = append(errs, errors.New("session.redis_addr is required for redis driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("session.driver: unknown driver %q", sc.Driver))
		}
	}

	for name, t := range cfg.Tariffs {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("tariffs: empty tariff name"))
		}
		if t.MaxTasks < 0 || t.MaxChannels < 0 || t.MaxDateSlots < 0 || t.MaxWeekdaySlots < 0 || t.MaxTimeSlots < 0 {
			errs = append(errs, fmt.Errorf("tariffs.%s: limits must be >= 0", name))
		}
		if t.MaxWeekdaySlots > 7 {
			errs = append(errs, fmt.Errorf("tariffs.%s.max_weekday_slots: at most 7", name))
		}
	}
	if d := strings.TrimSpace(cfg.DefaultTariff); d != "" && len(cfg.Tariffs) > 0 {
		if _, ok := cfg.Tariffs[d]; !ok {
			errs = append(errs, fmt.Errorf("default_tariff %q is not defined", d))
		}
	}
	return errors.Join(errs...)
}
