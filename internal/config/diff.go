package config

import (
	"strings"

	"calnotify/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and safe log fields
// describing the new values (the transport token is only reported as set or
// unset). restart names changed sections that only take effect on restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, fields []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		restart = append(restart, "scheduler")
		fields = append(fields,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.task_timeout", newCfg.Scheduler.TaskTimeout),
		)
	}
	if oldCfg.Fanout != newCfg.Fanout {
		changed = append(changed, "fanout")
		fields = append(fields,
			logx.Int("fanout.workers", newCfg.Fanout.Workers),
			logx.Any("fanout.rate_per_sec", newCfg.Fanout.RatePerSec),
			logx.String("fanout.delivery_timeout", newCfg.Fanout.DeliveryTimeout),
			logx.Bool("fanout.link_set", strings.TrimSpace(newCfg.Fanout.Link) != ""),
		)
	}
	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		fields = append(fields,
			logx.String("transport.driver", newCfg.Transport.Driver),
			logx.String("transport.parse_mode", newCfg.Transport.ParseMode),
			logx.Bool("transport.token_set", strings.TrimSpace(newCfg.Transport.Token) != ""),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if oldCfg.Sync.IsEnabled() != newCfg.Sync.IsEnabled() ||
		oldCfg.Sync.Schedule != newCfg.Sync.Schedule ||
		oldCfg.Sync.Horizon != newCfg.Sync.Horizon {
		changed = append(changed, "sync")
		fields = append(fields,
			logx.Bool("sync.enabled", newCfg.Sync.IsEnabled()),
			logx.String("sync.schedule", newCfg.Sync.Schedule),
			logx.String("sync.horizon", newCfg.Sync.Horizon),
		)
	}
	return changed, fields, restart
}
