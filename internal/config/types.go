package config

import "time"

// Config is the root of the engine configuration tree. Accounts and
// strategies live in the database; this file only tunes the loops.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Poller  PollerConfig  `mapstructure:"poller"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

type AppConfig struct {
	LogLevel   string `mapstructure:"log_level"`
	LogPath    string `mapstructure:"log_path"`
	DBPath     string `mapstructure:"db_path"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type BrokerConfig struct {
	RequestTimeoutSec int     `mapstructure:"request_timeout_sec"`
	RatePerSec        float64 `mapstructure:"rate_per_sec"`
	SnapshotTTLSec    int     `mapstructure:"snapshot_ttl_sec"`
}

func (c BrokerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c BrokerConfig) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSec) * time.Second
}

type PollerConfig struct {
	IntervalSec       int `mapstructure:"interval_sec"`
	MaxAccountWorkers int `mapstructure:"max_account_workers"`
	StaleAfterHours   int `mapstructure:"stale_after_hours"`
	PriceRetries      int `mapstructure:"price_retries"`
}

func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c PollerConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterHours) * time.Hour
}

type RiskConfig struct {
	IntervalSec       int `mapstructure:"interval_sec"`
	PriceStaleSec     int `mapstructure:"price_stale_sec"`
	ExitRetries       int `mapstructure:"exit_retries"`
	ExitStaggerMillis int `mapstructure:"exit_stagger_ms"`
}

func (c RiskConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c RiskConfig) PriceStaleAfter() time.Duration {
	return time.Duration(c.PriceStaleSec) * time.Second
}

func (c RiskConfig) ExitStagger() time.Duration {
	return time.Duration(c.ExitStaggerMillis) * time.Millisecond
}

type MonitorConfig struct {
	FlushIntervalSec   int `mapstructure:"flush_interval_sec"`
	RefreshIntervalSec int `mapstructure:"refresh_interval_sec"`
}

func (c MonitorConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSec) * time.Second
}

func (c MonitorConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSec) * time.Second
}

type FeedConfig struct {
	ReconnectAttempts int     `mapstructure:"reconnect_attempts"`
	BackoffBase       float64 `mapstructure:"backoff_base"`
	BackoffMaxSec     int     `mapstructure:"backoff_max_sec"`
}

func (c FeedConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSec) * time.Second
}

type NotifyConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID string `mapstructure:"telegram_chat_id"`
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.DBPath == "" {
		c.App.DBPath = "data/talon.db"
	}
	if c.App.ListenAddr == "" {
		c.App.ListenAddr = ":8086"
	}
	if c.Broker.RequestTimeoutSec <= 0 {
		c.Broker.RequestTimeoutSec = 10
	}
	if c.Broker.RatePerSec <= 0 {
		c.Broker.RatePerSec = 1
	}
	if c.Broker.SnapshotTTLSec <= 0 {
		c.Broker.SnapshotTTLSec = 5
	}
	if c.Poller.IntervalSec <= 0 {
		c.Poller.IntervalSec = 1
	}
	if c.Poller.MaxAccountWorkers <= 0 {
		c.Poller.MaxAccountWorkers = 10
	}
	if c.Poller.StaleAfterHours <= 0 {
		c.Poller.StaleAfterHours = 8
	}
	if c.Poller.PriceRetries <= 0 {
		c.Poller.PriceRetries = 3
	}
	if c.Risk.IntervalSec <= 0 {
		c.Risk.IntervalSec = 5
	}
	if c.Risk.PriceStaleSec <= 0 {
		c.Risk.PriceStaleSec = 30
	}
	if c.Risk.ExitRetries <= 0 {
		c.Risk.ExitRetries = 3
	}
	if c.Risk.ExitStaggerMillis <= 0 {
		c.Risk.ExitStaggerMillis = 300
	}
	if c.Monitor.FlushIntervalSec <= 0 {
		c.Monitor.FlushIntervalSec = 2
	}
	if c.Monitor.RefreshIntervalSec <= 0 {
		c.Monitor.RefreshIntervalSec = 60
	}
	if c.Feed.ReconnectAttempts <= 0 {
		c.Feed.ReconnectAttempts = 3
	}
	if c.Feed.BackoffBase <= 1 {
		c.Feed.BackoffBase = 2
	}
	if c.Feed.BackoffMaxSec <= 0 {
		c.Feed.BackoffMaxSec = 60
	}
}
