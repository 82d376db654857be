package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Allocator AllocatorConfig `json:"allocator"`
	Capacity  CapacityConfig  `json:"capacity"`
	Publisher PublisherConfig `json:"publisher"`

	// Notifier is optional; omitted means disabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Events   EventsConfig    `json:"events"`
	Ops      OpsConfig       `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// JSON prints stdout lines as JSON instead of the console format.
	JSON bool        `json:"json,omitempty"`
	File LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the primary store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postpilot.db" }
//	"storage": { "driver": "postgres", "dsn": "${POSTPILOT_PG_DSN}" }
//
// LegacyPath points at an old JSON document store. When set, serve reconciles
// it into the primary store once at startup and never reads it again.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	LegacyPath  string `json:"legacy_path,omitempty"`
}

// SchedulerConfig controls the per-account daemons.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - sync_interval: "1m" (cron, duration or HH:MM)
//   - poll_interval: "30s"
//   - retry_base: "1m"
//   - retry_max_delay: "1h"
//   - retry_ceiling: 3
//   - publish_timeout: "2m"
//   - stop_timeout: "30s"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone for cron jobs.
	Timezone string `json:"timezone,omitempty"`

	SyncInterval   string `json:"sync_interval,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	RetryCeiling   int    `json:"retry_ceiling,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
	StopTimeout    string `json:"stop_timeout,omitempty"`
}

// AllocatorConfig holds the slot allocation policy.
//
// RescheduleOverride lets a manual reschedule skip min_interval and max_per_day.
// Lead time and slot uniqueness are always enforced.
type AllocatorConfig struct {
	MinLeadTime        string `json:"min_lead_time,omitempty"` // default "1m"
	HorizonDays        int    `json:"horizon_days,omitempty"`  // default 60
	RandomRangeDays    int    `json:"random_range_days,omitempty"`
	SpacedGap          string `json:"spaced_gap,omitempty"`
	RescheduleOverride bool   `json:"reschedule_override,omitempty"`
	Seed               int64  `json:"seed,omitempty"`
}

type CapacityConfig struct {
	WindowDays   int    `json:"window_days,omitempty"`   // default 14
	ScanSchedule string `json:"scan_schedule,omitempty"` // default "1h"; empty + enabled=false disables
	ScanEnabled  bool   `json:"scan_enabled,omitempty"`
}

// PublisherConfig points at the external publish worker.
//
// Driver "http" posts items as JSON to URL. Driver "log" only logs (dry run).
type PublisherConfig struct {
	Driver     string `json:"driver"`
	URL        string `json:"url,omitempty"`
	Token      string `json:"token,omitempty"` // do not log
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Burst      int    `json:"burst,omitempty"`
}

// NotifierConfig controls the async needs-attention pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	Enabled         bool           `json:"enabled"`
	Workers         int            `json:"workers"`
	QueueSize       int            `json:"queue_size"`
	RatePerSec      int            `json:"rate_per_sec"`
	RetryMax        int            `json:"retry_max"`
	RetryBase       string         `json:"retry_base"`
	RetryMaxDelay   string         `json:"retry_max_delay"`
	DedupWindow     string         `json:"dedup_window"`
	DedupMaxEntries int            `json:"dedup_max_entries"`
	PersistDedup    bool           `json:"persist_dedup,omitempty"`
	Telegram        TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// EventsConfig controls the in-process bus and the optional AMQP relay.
type EventsConfig struct {
	BufferSize int        `json:"buffer_size,omitempty"` // per-subscriber, default 64
	AMQP       AMQPConfig `json:"amqp"`
}

type AMQPConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"` // do not log
	Exchange string `json:"exchange,omitempty"`
}

// OpsConfig controls the read-only ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7070").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
