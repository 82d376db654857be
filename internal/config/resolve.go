package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Scheduler is the parsed, defaulted form of SchedulerConfig.
type Scheduler struct {
	Enabled        bool
	Timezone       string
	SyncInterval   string
	PollInterval   time.Duration
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	RetryCeiling   int
	PublishTimeout time.Duration
	StopTimeout    time.Duration
}

type Allocator struct {
	MinLeadTime        time.Duration
	HorizonDays        int
	RandomRangeDays    int
	SpacedGap          time.Duration
	RescheduleOverride bool
	Seed               int64
}

type Capacity struct {
	WindowDays   int
	ScanEnabled  bool
	ScanSchedule string
}

type Publisher struct {
	Driver     string
	URL        string
	Token      string
	Timeout    time.Duration
	RatePerSec int
	Burst      int
}

type Notifier struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	Telegram        TelegramConfig
}

type Ops struct {
	Enabled              bool
	Addr                 string
	Token                string
	AllowInsecure        bool
	Pprof                bool
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	MutexProfileFraction int
	BlockProfileRate     int
}

func (c *Config) ResolveScheduler() (Scheduler, error) {
	in := c.Scheduler
	out := Scheduler{
		Enabled:      in.Enabled,
		Timezone:     strings.TrimSpace(in.Timezone),
		SyncInterval: strings.TrimSpace(in.SyncInterval),
		RetryCeiling: in.RetryCeiling,
	}
	if out.SyncInterval == "" {
		out.SyncInterval = "1m"
	}
	if out.RetryCeiling <= 0 {
		out.RetryCeiling = 3
	}
	var err error
	if out.PollInterval, err = ParseDurationOrDefault("scheduler.poll_interval", in.PollInterval, 30*time.Second); err != nil {
		return out, err
	}
	if out.RetryBase, err = ParseDurationOrDefault("scheduler.retry_base", in.RetryBase, time.Minute); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = ParseDurationOrDefault("scheduler.retry_max_delay", in.RetryMaxDelay, time.Hour); err != nil {
		return out, err
	}
	if out.RetryMaxDelay < out.RetryBase {
		return out, fmt.Errorf("scheduler.retry_max_delay must be >= scheduler.retry_base")
	}
	if out.PublishTimeout, err = ParseDurationOrDefault("scheduler.publish_timeout", in.PublishTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	if out.StopTimeout, err = ParseDurationOrDefault("scheduler.stop_timeout", in.StopTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return out, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return out, nil
}

func (c *Config) ResolveAllocator() (Allocator, error) {
	in := c.Allocator
	out := Allocator{
		HorizonDays:        in.HorizonDays,
		RandomRangeDays:    in.RandomRangeDays,
		RescheduleOverride: in.RescheduleOverride,
		Seed:               in.Seed,
	}
	if in.HorizonDays < 0 || in.RandomRangeDays < 0 {
		return out, errors.New("allocator: day counts must be >= 0")
	}
	if out.HorizonDays == 0 {
		out.HorizonDays = 60
	}
	if out.RandomRangeDays == 0 {
		out.RandomRangeDays = 7
	}
	var err error
	if out.MinLeadTime, err = ParseDurationOrDefault("allocator.min_lead_time", in.MinLeadTime, time.Minute); err != nil {
		return out, err
	}
	if out.SpacedGap, err = ParseDurationField("allocator.spaced_gap", in.SpacedGap); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Config) ResolveCapacity() (Capacity, error) {
	out := Capacity{
		WindowDays:   c.Capacity.WindowDays,
		ScanEnabled:  c.Capacity.ScanEnabled,
		ScanSchedule: strings.TrimSpace(c.Capacity.ScanSchedule),
	}
	if out.WindowDays < 0 {
		return out, errors.New("capacity.window_days must be >= 0")
	}
	if out.WindowDays == 0 {
		out.WindowDays = 14
	}
	if out.ScanSchedule == "" {
		out.ScanSchedule = "1h"
	}
	return out, nil
}

func (c *Config) ResolvePublisher() (Publisher, error) {
	in := c.Publisher
	out := Publisher{
		Driver:     strings.ToLower(strings.TrimSpace(in.Driver)),
		URL:        strings.TrimSpace(in.URL),
		Token:      strings.TrimSpace(in.Token),
		RatePerSec: in.RatePerSec,
		Burst:      in.Burst,
	}
	if out.Driver == "" {
		out.Driver = "log"
	}
	switch out.Driver {
	case "log":
	case "http":
		if out.URL == "" {
			return out, errors.New("publisher.url is required for driver http")
		}
	default:
		return out, fmt.Errorf("publisher.driver: unknown driver %q", in.Driver)
	}
	if out.RatePerSec < 0 || out.Burst < 0 {
		return out, errors.New("publisher: rate_per_sec and burst must be >= 0")
	}
	if out.Burst == 0 {
		out.Burst = 1
	}
	var err error
	if out.Timeout, err = ParseDurationOrDefault("publisher.timeout", in.Timeout, time.Minute); err != nil {
		return out, err
	}
	return out, nil
}

// ResolveNotifier returns the notifier settings; an omitted section disables it.
func (c *Config) ResolveNotifier() (Notifier, error) {
	if c.Notifier == nil {
		return Notifier{}, nil
	}
	in := *c.Notifier
	out := Notifier{
		Enabled:         in.Enabled,
		Workers:         in.Workers,
		QueueSize:       in.QueueSize,
		RatePerSec:      in.RatePerSec,
		RetryMax:        in.RetryMax,
		DedupMaxEntries: in.DedupMaxEntries,
		PersistDedup:    in.PersistDedup,
		Telegram:        in.Telegram,
	}
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 512
	}
	if out.RatePerSec <= 0 {
		out.RatePerSec = 3
	}
	if out.RetryMax < 0 {
		return out, errors.New("notifier.retry_max must be >= 0")
	}
	if out.DedupMaxEntries <= 0 {
		out.DedupMaxEntries = 2000
	}
	var err error
	if out.RetryBase, err = ParseDurationOrDefault("notifier.retry_base", in.RetryBase, 500*time.Millisecond); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = ParseDurationOrDefault("notifier.retry_max_delay", in.RetryMaxDelay, 10*time.Second); err != nil {
		return out, err
	}
	if out.DedupWindow, err = ParseDurationOrDefault("notifier.dedup_window", in.DedupWindow, time.Minute); err != nil {
		return out, err
	}
	if out.Enabled && strings.TrimSpace(out.Telegram.Token) == "" {
		return out, errors.New("notifier.telegram.token is required when the notifier is enabled")
	}
	if out.Enabled && out.Telegram.ChatID == 0 {
		return out, errors.New("notifier.telegram.chat_id is required when the notifier is enabled")
	}
	return out, nil
}

func (c *Config) ResolveOps() (Ops, error) {
	in := c.Ops
	out := Ops{
		Enabled:              in.Enabled,
		Addr:                 strings.TrimSpace(in.Addr),
		Token:                strings.TrimSpace(in.Token),
		AllowInsecure:        in.AllowInsecure,
		Pprof:                in.Pprof,
		MutexProfileFraction: in.MutexProfileFraction,
		BlockProfileRate:     in.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:7070"
	}
	var err error
	if out.ReadTimeout, err = ParseDurationOrDefault("ops.read_timeout", in.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = ParseDurationField("ops.write_timeout", in.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = ParseDurationOrDefault("ops.idle_timeout", in.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

// Validate resolves every section and joins the errors.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.ResolveScheduler(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ResolveAllocator(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ResolveCapacity(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ResolvePublisher(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ResolveNotifier(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ResolveOps(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "memory", "file":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for driver postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Events.AMQP.Enabled && strings.TrimSpace(c.Events.AMQP.URL) == "" {
		errs = append(errs, errors.New("events.amqp.url is required when the relay is enabled"))
	}
	return errors.Join(errs...)
}
