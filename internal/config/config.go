package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the YAML config at path, applies defaults and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.App.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", cfg.App.LogLevel)
	}
	if cfg.Poller.MaxAccountWorkers > 64 {
		return fmt.Errorf("poller.max_account_workers too large: %d", cfg.Poller.MaxAccountWorkers)
	}
	if cfg.Feed.ReconnectAttempts > 20 {
		return fmt.Errorf("feed.reconnect_attempts too large: %d", cfg.Feed.ReconnectAttempts)
	}
	if cfg.Feed.BackoffMaxSec > 600 {
		return fmt.Errorf("feed.backoff_max_sec too large: %d", cfg.Feed.BackoffMaxSec)
	}
	return nil
}
