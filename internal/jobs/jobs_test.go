package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"postpilot/internal/capacity"
	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in     string
		kind   SpecKind
		every  time.Duration
		source string
	}{
		{"*/5 * * * *", SpecCron, 0, "cron"},
		{"@hourly", SpecCron, 0, "cron"},
		{"@every 55m", SpecCron, 0, "cron"},
		{"cron:0 30 * * * *", SpecCron, 0, "cron"},
		{"55m", SpecInterval, 55 * time.Minute, "duration"},
		{"02:30", SpecInterval, 2*time.Hour + 30*time.Minute, "hhmm"},
		{"interval:00:50", SpecInterval, 50 * time.Minute, "hhmm"},
		{"every: 1h", SpecInterval, time.Hour, "duration"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ps, err := ParseSchedule(tc.in)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ps.Kind != tc.kind || ps.Every != tc.every || ps.Source != tc.source {
				t.Fatalf("got %+v", ps)
			}
		})
	}

	for _, bad := range []string{"", "soon", "0s", "-5m", "01:75", "cron:", "interval:"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

func TestAddValidatesCron(t *testing.T) {
	s := New(Config{}, logx.Nop())
	if err := s.Add("bad", "61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected cron parse error")
	}
	if err := s.Add("", "1m", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected name error")
	}
	if err := s.Add("ok", "*/5 * * * *", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if snap := s.Snapshot(); len(snap.Jobs) != 1 || snap.Jobs[0].Spec != "*/5 * * * *" {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	s := New(Config{}, logx.Nop())
	entered := make(chan struct{})
	release := make(chan struct{})
	_ = s.Add("slow", "1h", 0, func(context.Context) error {
		close(entered)
		<-release
		return errors.New("boom")
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "slow")
		done <- err
	}()
	<-entered

	ran, err := s.RunNow(context.Background(), "slow")
	if ran || err != nil {
		t.Fatalf("overlapping run should be skipped: ran=%v err=%v", ran, err)
	}
	close(release)
	if err := <-done; err == nil || err.Error() != "boom" {
		t.Fatalf("first run: %v", err)
	}

	info := s.Snapshot().Jobs[0]
	if info.Runs != 1 || info.Skipped != 1 || info.Failed != 1 || info.LastErr != "boom" {
		t.Fatalf("counters: %+v", info)
	}
	if _, err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown job: %v", err)
	}
}

func TestRunNowRecoversPanic(t *testing.T) {
	s := New(Config{}, logx.Nop())
	_ = s.Add("panics", "1h", time.Second, func(context.Context) error { panic("oops") })
	if _, err := s.RunNow(context.Background(), "panics"); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
}

func TestStartStopRegistersEntries(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	_ = s.Add("tick", "10m", 0, func(context.Context) error { return nil })
	s.Start(context.Background())

	snap := s.Snapshot()
	if !snap.Started || snap.Timezone != "UTC" || snap.Jobs[0].Next.IsZero() {
		t.Fatalf("snapshot after start: %+v", snap)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Snapshot().Started {
		t.Fatalf("still started after stop")
	}
}

func TestCapacityScanPublishesFullAccounts(t *testing.T) {
	ctx := context.Background()
	day0 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	now := day0.Add(8 * time.Hour)
	store := storage.NewMemory()
	pattern, _ := domain.ParsePattern("UTC", "09:00", "18:00")
	_ = store.PutAccount(ctx, domain.Account{ID: "busy", Status: domain.AccountActive, Pattern: pattern})
	_ = store.PutAccount(ctx, domain.Account{ID: "quiet", Status: domain.AccountActive, Pattern: pattern})
	_ = store.PutAccount(ctx, domain.Account{ID: "off", Status: domain.AccountInactive, Pattern: pattern})
	for i, h := range []int{9, 18, 33, 42} {
		at := day0.Add(time.Duration(h) * time.Hour)
		_ = store.PutItem(ctx, domain.Item{
			ID: string(rune('a' + i)), AccountID: "busy", Status: domain.ItemScheduled, ScheduledAt: &at,
		})
	}

	bus := eventbus.New()
	events, _ := bus.Subscribe(8, eventbus.CapacityAlert)
	scan := CapacityScan(store, bus, 2, func() time.Time { return now }, logx.Nop())
	if err := scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	select {
	case ev := <-events:
		a, ok := ev.Data.(capacity.Alert)
		if ev.AccountID != "busy" || !ok || a.Level != capacity.LevelCritical {
			t.Fatalf("event: %+v", ev)
		}
	default:
		t.Fatalf("no capacity alert published")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second alert: %+v", ev)
	default:
	}
}

func TestValidate(t *testing.T) {
	for raw, ok := range map[string]bool{
		"1m":          true,
		"02:30":       true,
		"*/5 * * * *": true,
		"@hourly":     true,
		"61 * * * *":  false,
		"soon":        false,
		"":            false,
	} {
		if err := Validate(raw); (err == nil) != ok {
			t.Fatalf("%q: err=%v want ok=%v", raw, err, ok)
		}
	}
}
