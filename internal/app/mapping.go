package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/domain"
	"postbot/internal/publisher"
	"postbot/internal/session"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	telegram "postbot/internal/transport/telegram/adapter"
	logx "postbot/pkg/logx"
)

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    poll,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
		APIURL:         cfg.Telegram.APIURL,
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	// An unparsable group id leaves the sink without a target.
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if chatID, err := strconv.ParseInt(g, 10, 64); err == nil {
			lc.Telegram.ChatID = chatID
		}
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	if cfg.Session == nil {
		return session.Config{Driver: "memory", TTL: 24 * time.Hour}, nil
	}
	sc := cfg.Session
	ttl, err := config.ParseDurationOrDefault("session.ttl", sc.TTL, 24*time.Hour)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Driver:        sc.Driver,
		RedisAddr:     sc.RedisAddr,
		RedisUsername: sc.RedisUsername,
		RedisPassword: sc.RedisPassword,
		RedisDB:       sc.RedisDB,
		KeyPrefix:     sc.KeyPrefix,
		TTL:           ttl,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	workers, queueSize, historySize := 2, 256, 200
	defTimeoutStr, maxQueueDelayStr := "", ""

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false")
		}
		if te.Workers > 0 {
			workers = te.Workers
		}
		if te.QueueSize > 0 {
			queueSize = te.QueueSize
		}
		if te.HistorySize > 0 {
			historySize = te.HistorySize
		}
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay
	}

	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}
}

func mapPublisherConfig(cfg *config.Config) (publisher.Config, error) {
	pc := cfg.Publisher
	out := publisher.Config{
		Signature:       pc.Signature,
		CaptionLimit:    pc.CaptionLimit,
		DefaultTimezone: pc.DefaultTimezone,
		DefaultTariff:   cfg.DefaultTariff,
	}
	// Zero durations fall back to publisher defaults.
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"publisher.report_debounce", pc.ReportDebounce, &out.ReportDebounce},
		{"publisher.restore_delay", pc.RestoreDelay, &out.RestoreDelay},
		{"publisher.past_tolerance", pc.PastTolerance, &out.PastTolerance},
		{"publisher.inactive_retention", pc.InactiveRetention, &out.InactiveRetention},
		{"publisher.album_window", pc.AlbumWindow, &out.AlbumWindow},
		{"publisher.action_timeout", pc.ActionTimeout, &out.ActionTimeout},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return publisher.Config{}, err
		}
		*d.dst = v
	}

	if len(cfg.Tariffs) > 0 {
		out.Tariffs = make(map[string]domain.Tariff, len(cfg.Tariffs))
		for name, t := range cfg.Tariffs {
			out.Tariffs[name] = domain.Tariff{
				Name:            name,
				Free:            t.Free,
				MaxTasks:        t.MaxTasks,
				MaxChannels:     t.MaxChannels,
				MaxDateSlots:    t.MaxDateSlots,
				MaxWeekdaySlots: t.MaxWeekdaySlots,
				MaxTimeSlots:    t.MaxTimeSlots,
			}
		}
	}
	return out, nil
}
