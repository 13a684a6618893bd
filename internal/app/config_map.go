package app

import (
	"fmt"
	"strings"
	"time"

	"calnotify/internal/config"
	"calnotify/internal/eventsync"
	"calnotify/internal/fanout"
	"calnotify/internal/schedule"
	"calnotify/internal/storage"
	"calnotify/internal/transport/push"
	"calnotify/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func loadLocation(name string) (*time.Location, error) {
	loc, err := schedule.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", name, err)
	}
	return loc, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTransportConfig(cfg *config.Config) push.Config {
	return push.Config{
		Driver:    cfg.Transport.Driver,
		Token:     cfg.Transport.Token,
		ParseMode: cfg.Transport.ParseMode,
	}
}

func mapFanoutConfig(cfg *config.Config) (fanout.Config, error) {
	timeout, err := config.ParseDurationField("fanout.delivery_timeout", cfg.Fanout.DeliveryTimeout)
	if err != nil {
		return fanout.Config{}, err
	}
	if cfg.Fanout.Workers < 0 {
		return fanout.Config{}, fmt.Errorf("fanout.workers must be >= 0")
	}
	// zero values fall back to fanout defaults
	return fanout.Config{
		Workers:         cfg.Fanout.Workers,
		RatePerSec:      cfg.Fanout.RatePerSec,
		DeliveryTimeout: timeout,
	}, nil
}

func mapSyncConfig(cfg *config.Config) (eventsync.Config, error) {
	horizon, err := config.ParseDurationField("sync.horizon", cfg.Sync.Horizon)
	if err != nil {
		return eventsync.Config{}, err
	}
	schedule := strings.TrimSpace(cfg.Sync.Schedule)
	if schedule == "" {
		schedule = eventsync.DefaultSchedule
	}
	if err := eventsync.ValidateSchedule(schedule); err != nil {
		return eventsync.Config{}, fmt.Errorf("sync.schedule: %w", err)
	}
	return eventsync.Config{
		Enabled:  cfg.Sync.IsEnabled(),
		Schedule: schedule,
		Horizon:  horizon,
	}, nil
}

// OpenStore opens the storage configured in cfg. The CLI uses it to manage
// targets and events without starting the scheduler.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// Location resolves cfg's scheduler time zone.
func Location(cfg *config.Config) (*time.Location, error) {
	return loadLocation(cfg.Scheduler.Timezone)
}
