package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names plus safe structured
// attrs for logging. Secrets (tokens, DSNs, broker URLs) are never included;
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.Bool("storage.legacy_set", strings.TrimSpace(nS.LegacyPath) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.sync_interval", newCfg.Scheduler.SyncInterval),
			logx.String("scheduler.retry_base", newCfg.Scheduler.RetryBase),
			logx.Int("scheduler.retry_ceiling", newCfg.Scheduler.RetryCeiling),
		)
	}

	if !reflect.DeepEqual(oldCfg.Allocator, newCfg.Allocator) {
		changed = append(changed, "allocator")
		attrs = append(attrs,
			logx.String("allocator.min_lead_time", newCfg.Allocator.MinLeadTime),
			logx.Int("allocator.horizon_days", newCfg.Allocator.HorizonDays),
			logx.Bool("allocator.reschedule_override", newCfg.Allocator.RescheduleOverride),
		)
	}

	if !reflect.DeepEqual(oldCfg.Capacity, newCfg.Capacity) {
		changed = append(changed, "capacity")
		attrs = append(attrs,
			logx.Int("capacity.window_days", newCfg.Capacity.WindowDays),
			logx.Bool("capacity.scan_enabled", newCfg.Capacity.ScanEnabled),
		)
	}

	oP, nP := oldCfg.Publisher, newCfg.Publisher
	if oP != nP {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.String("publisher.driver", nP.Driver),
			logx.Int("publisher.rate_per_sec", nP.RatePerSec),
			logx.Bool("publisher.token_set", strings.TrimSpace(nP.Token) != ""),
		)
	}

	// nil means disabled
	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Bool("notifier.persist_dedup", nN.PersistDedup),
			logx.Bool("notifier.telegram_token_set", strings.TrimSpace(nN.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Int("events.buffer_size", newCfg.Events.BufferSize),
			logx.Bool("events.amqp_enabled", newCfg.Events.AMQP.Enabled),
			logx.String("events.amqp_exchange", newCfg.Events.AMQP.Exchange),
		)
	}

	oO, nO := oldCfg.Ops, newCfg.Ops
	if !reflect.DeepEqual(oO, nO) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nO.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nO.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", nO.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

// RestartRequired reports whether any changed section cannot be hot-applied.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "storage", "events", "publisher":
			return true
		}
	}
	return false
}
