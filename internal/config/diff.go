package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens and passwords are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.SendRatePerSec != newCfg.Telegram.SendRatePerSec ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.cleanup_at", strings.TrimSpace(newCfg.Scheduler.CleanupAt)),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := true
		if newCfg.TaskEngine != nil && newCfg.TaskEngine.Enabled != nil {
			enabled = *newCfg.TaskEngine.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Session (never log password)
	oS, nS := derefSession(oldCfg.Session), derefSession(newCfg.Session)
	if oS != nS {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.driver", strings.TrimSpace(nS.Driver)),
			logx.String("session.redis_addr", strings.TrimSpace(nS.RedisAddr)),
			logx.Int("session.redis_db", nS.RedisDB),
			logx.Bool("session.redis_password_set", nS.RedisPassword != ""),
		)
	}

	if oldCfg.Publisher != newCfg.Publisher {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.Bool("publisher.signature_set", strings.TrimSpace(newCfg.Publisher.Signature) != ""),
			logx.String("publisher.report_debounce", strings.TrimSpace(newCfg.Publisher.ReportDebounce)),
			logx.String("publisher.past_tolerance", strings.TrimSpace(newCfg.Publisher.PastTolerance)),
			logx.String("publisher.default_timezone", strings.TrimSpace(newCfg.Publisher.DefaultTimezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tariffs, newCfg.Tariffs) || oldCfg.DefaultTariff != newCfg.DefaultTariff {
		changed = append(changed, "tariffs")
		attrs = append(attrs,
			logx.Int("tariffs.count", len(newCfg.Tariffs)),
			logx.String("tariffs.default", newCfg.DefaultTariff),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefSession(sc *SessionConfig) SessionConfig {
	if sc == nil {
		return SessionConfig{}
	}
	return *sc
}
