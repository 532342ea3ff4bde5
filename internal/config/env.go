package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides holds secrets and paths that may come from the environment
// instead of the config file. Empty values leave the file untouched.
type envOverrides struct {
	TelegramToken string `env:"TELEGRAM_TOKEN"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	StoragePath   string `env:"STORAGE_PATH"`
	LogLevel      string `env:"LOG_LEVEL"`
}

const envPrefix = "POSTBOT_"

// ApplyEnv overlays POSTBOT_* variables on cfg.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, nil)
}

func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.TelegramToken != "" {
		cfg.Telegram.Token = o.TelegramToken
	}
	if o.RedisPassword != "" {
		if cfg.Session == nil {
			cfg.Session = &SessionConfig{}
		}
		cfg.Session.RedisPassword = o.RedisPassword
	}
	if o.StoragePath != "" {
		cfg.Storage.Path = o.StoragePath
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	return nil
}
