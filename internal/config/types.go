package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"calnotify/pkg/logx"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Fanout    FanoutConfig    `json:"fanout"`
	Transport TransportConfig `json:"transport"`
	Storage   StorageConfig   `json:"storage"`
	Sync      SyncConfig      `json:"sync"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the reminder jobs.
//
// Timezone is the IANA zone fire times are normalized in; empty means the
// host's local zone. Changing it requires a restart.
type SchedulerConfig struct {
	Timezone    string `json:"timezone,omitempty"`
	TaskTimeout string `json:"task_timeout,omitempty"`
}

// FanoutConfig controls delivery of a fired reminder.
//
// Defaults: workers 8, rate_per_sec 0 (unlimited), delivery_timeout "15s",
// body "You have a calendar event".
type FanoutConfig struct {
	Workers         int     `json:"workers,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	DeliveryTimeout string  `json:"delivery_timeout,omitempty"`
	Body            string  `json:"body,omitempty"`
	Link            string  `json:"link,omitempty"`
}

// TransportConfig selects the delivery sink. Token is never logged.
type TransportConfig struct {
	Driver    string `json:"driver"`
	Token     string `json:"token,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// StorageConfig controls persistence of targets and events.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/calnotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SyncConfig controls re-deriving jobs from stored events.
//
// Enabled is a pointer so an omitted key can default to true.
type SyncConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Horizon  string `json:"horizon,omitempty"`
}

func (s SyncConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Default is used when no config file exists.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Transport: TransportConfig{Driver: "log"},
		Storage:   StorageConfig{Driver: "file", Path: "./data/calnotify.json"},
		Sync:      SyncConfig{Schedule: "@every 1m", Horizon: "720h"},
	}
}

// Validate checks everything that can be checked without side effects.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for path, raw := range map[string]string{
		"scheduler.task_timeout":  c.Scheduler.TaskTimeout,
		"fanout.delivery_timeout": c.Fanout.DeliveryTimeout,
		"storage.busy_timeout":    c.Storage.BusyTimeout,
		"sync.horizon":            c.Sync.Horizon,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Fanout.Workers < 0 {
		errs = append(errs, errors.New("fanout.workers must be >= 0"))
	}
	if c.Fanout.RatePerSec < 0 {
		errs = append(errs, errors.New("fanout.rate_per_sec must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Transport.Driver)) {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(c.Transport.Token) == "" {
			errs = append(errs, errors.New("transport.token is required for the telegram driver"))
		}
		switch c.Transport.ParseMode {
		case "", "HTML", "Markdown", "MarkdownV2":
		default:
			errs = append(errs, fmt.Errorf("transport.parse_mode: unknown mode %q", c.Transport.ParseMode))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.driver: unknown driver %q", c.Transport.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}
