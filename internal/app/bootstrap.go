package app

import (
	"fmt"
	"strings"
	"time"

	"postpilot/internal/allocator"
	"postpilot/internal/config"
	"postpilot/internal/daemon"
	"postpilot/internal/jobs"
	logx "postpilot/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func daemonConfig(s config.Scheduler) daemon.Config {
	return daemon.Config{
		Retry: daemon.RetryPolicy{
			Base:     s.RetryBase,
			MaxDelay: s.RetryMaxDelay,
			Ceiling:  s.RetryCeiling,
		},
		PollInterval:   s.PollInterval,
		PublishTimeout: s.PublishTimeout,
	}
}

func allocPolicy(a config.Allocator) allocator.Policy {
	return allocator.Policy{
		MinLeadTime:        a.MinLeadTime,
		HorizonDays:        a.HorizonDays,
		RandomRangeDays:    a.RandomRangeDays,
		SpacedGap:          a.SpacedGap,
		RescheduleOverride: a.RescheduleOverride,
	}
}

func newAllocator(store allocator.Booker, a config.Allocator, log logx.Logger) *allocator.Allocator {
	return allocator.New(store, allocPolicy(a), allocator.WithLogger(log), allocator.WithSeed(a.Seed))
}

// validateReload rejects configs whose job schedules would fail to register.
// Section-level checks already ran in Config.Validate.
func validateReload(cfg *config.Config) error {
	s, err := cfg.ResolveScheduler()
	if err != nil {
		return err
	}
	if err := jobs.Validate(s.SyncInterval); err != nil {
		return fmt.Errorf("scheduler.sync_interval: %w", err)
	}
	c, err := cfg.ResolveCapacity()
	if err != nil {
		return err
	}
	if c.ScanEnabled {
		if err := jobs.Validate(c.ScanSchedule); err != nil {
			return fmt.Errorf("capacity.scan_schedule: %w", err)
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

// jobTimeout bounds a job run to its interval so runs never pile up behind a
// stuck one. Cron schedules get a flat minute.
func jobTimeout(schedule string) time.Duration {
	ps, err := jobs.ParseSchedule(schedule)
	if err != nil || ps.Kind != jobs.SpecInterval || ps.Every <= 0 {
		return time.Minute
	}
	return ps.Every
}

func joinSections(s []string) string { return strings.Join(s, ",") }
