package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full daemon configuration. Durations are expressed as
// integer fields with explicit units so the file format stays flat and
// editor-friendly.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Telegram    TelegramConfig    `json:"telegram"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Driver        string `json:"driver"` // "sqlite" or "memory"
	Path          string `json:"path,omitempty"`
	BusyTimeoutMS int    `json:"busy_timeout_ms,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"` // IANA TZ; empty means local
}

type DispatchConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	SendTimeoutMS int     `json:"send_timeout_ms,omitempty"`
}

type MaintenanceConfig struct {
	PruneAgeDays   int `json:"prune_age_days,omitempty"`   // 0 disables pruning
	ResyncEveryMin int `json:"resync_every_min,omitempty"` // 0 disables periodic resync
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/checkind.db", BusyTimeoutMS: 5000},
		Dispatch: DispatchConfig{
			Workers:       4,
			QueueSize:     256,
			RatePerSec:    25,
			SendTimeoutMS: 10000,
		},
		Maintenance: MaintenanceConfig{PruneAgeDays: 7},
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d != "" && d != "sqlite" && d != "sqlite3" && d != "memory" {
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if c.Dispatch.Workers < 0 || c.Dispatch.QueueSize < 0 || c.Dispatch.RatePerSec < 0 {
		return errors.New("dispatch values must not be negative")
	}
	if c.Maintenance.PruneAgeDays < 0 || c.Maintenance.ResyncEveryMin < 0 {
		return errors.New("maintenance values must not be negative")
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required when telegram.enabled")
	}
	return nil
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Dispatch.SendTimeoutMS) * time.Millisecond
}

func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeoutMS) * time.Millisecond
}

func (c *Config) PruneAge() time.Duration {
	return time.Duration(c.Maintenance.PruneAgeDays) * 24 * time.Hour
}

func (c *Config) ResyncEvery() time.Duration {
	return time.Duration(c.Maintenance.ResyncEveryMin) * time.Minute
}
