package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/daemon"
	"postpilot/internal/domain"
	"postpilot/internal/planner"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "postpilot.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func testAccount(t *testing.T, id string) domain.Account {
	t.Helper()
	pattern, err := domain.ParsePattern("UTC", "09:00", "18:00")
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}
	return domain.Account{ID: id, Status: domain.AccountActive, Pattern: pattern, MinInterval: time.Hour}
}

func TestAppLifecycle(t *testing.T) {
	path := writeConfig(t, `{
		"logging": {"level": "error"},
		"storage": {"driver": "memory"},
		"scheduler": {"enabled": true, "sync_interval": "1m", "stop_timeout": "2s"},
		"capacity": {"scan_enabled": true, "scan_schedule": "10m"},
		"publisher": {"driver": "log"}
	}`)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	p := a.Planner()
	if _, err := p.PutAccount(ctx, testAccount(t, "acc")); err != nil {
		t.Fatalf("put account: %v", err)
	}
	it, err := p.Submit(ctx, planner.SubmitRequest{AccountID: "acc", PayloadRef: "post-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if it.Status != domain.ItemScheduled {
		t.Fatalf("status=%s", it.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		states, err := p.DaemonStatus(ctx, "acc")
		if err == nil && len(states) == 1 && states[0].Status != daemon.StatusStopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon never reported: %v %+v", err, states)
		}
		time.Sleep(20 * time.Millisecond)
	}

	stats := a.componentStats()
	for _, k := range []string{"notifier", "jobs", "events_dropped"} {
		if _, ok := stats[k]; !ok {
			t.Fatalf("missing component %q in %+v", k, stats)
		}
	}
	if _, ok := stats["relay"]; ok {
		t.Fatalf("relay reported while disabled")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("supervisor context still live after stop")
	}
}

func TestValidateReload(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		ok   bool
	}{
		{"defaults", config.Config{}, true},
		{"bad sync interval", config.Config{Scheduler: config.SchedulerConfig{SyncInterval: "soon"}}, false},
		{"bad scan schedule", config.Config{Capacity: config.CapacityConfig{ScanEnabled: true, ScanSchedule: "61 * * * *"}}, false},
		{"scan disabled ignores schedule", config.Config{Capacity: config.CapacityConfig{ScanSchedule: "soon"}}, true},
		{"postgres without dsn", config.Config{Storage: config.StorageConfig{Driver: "postgres"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateReload(&tc.cfg)
			if (err == nil) != tc.ok {
				t.Fatalf("err=%v want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		in     config.StorageConfig
		driver string
		busy   time.Duration
		ok     bool
	}{
		{config.StorageConfig{}, "sqlite", 5 * time.Second, true},
		{config.StorageConfig{Driver: "sqlite3", BusyTimeout: "2s"}, "sqlite", 2 * time.Second, true},
		{config.StorageConfig{Driver: "postgres", DSN: "postgres://x"}, "postgres", 0, true},
		{config.StorageConfig{Driver: "memory"}, "memory", 0, true},
		{config.StorageConfig{Driver: "file", Path: "./x.json"}, "file", 0, true},
		{config.StorageConfig{Driver: "redis"}, "", 0, false},
		{config.StorageConfig{BusyTimeout: "forever"}, "", 0, false},
	}
	for _, tc := range cases {
		sc, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if (err == nil) != tc.ok {
			t.Fatalf("%+v: err=%v", tc.in, err)
		}
		if !tc.ok {
			continue
		}
		if sc.Driver != tc.driver || sc.BusyTimeout != tc.busy && tc.driver == "sqlite" {
			t.Fatalf("%+v: got %+v", tc.in, sc)
		}
	}
}

func TestSessionMigrateLegacy(t *testing.T) {
	dir := t.TempDir()
	legacyPath := filepath.Join(dir, "legacy.json")
	legacy, err := storage.Open(storage.Config{Driver: "file", Path: legacyPath}, logx.Nop())
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	acc := testAccount(t, "old")
	acc.UpdatedAt = time.Now().UTC()
	if err := legacy.PutAccount(context.Background(), acc); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}
	if err := legacy.Close(); err != nil {
		t.Fatalf("close legacy: %v", err)
	}

	path := writeConfig(t, `{"storage": {"driver": "memory"}, "publisher": {"driver": "log"}}`)
	s, err := OpenSession(path, logx.Nop())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer s.Close()

	rep, err := s.MigrateLegacy(context.Background(), legacyPath)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if rep.AccountsImported != 1 {
		t.Fatalf("report: %+v", rep)
	}
	accounts, err := s.Planner.Accounts(context.Background())
	if err != nil || len(accounts) != 1 || accounts[0].ID != "old" {
		t.Fatalf("accounts: %v %+v", err, accounts)
	}
}
