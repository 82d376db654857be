package logx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("parseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestFileOutputFollowsApply(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, root := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()

	log := root.With(Component("daemon"), String("account", "acc-1"))
	log.Debug("hidden")
	log.Info("tick", Int("due", 2), TimePtr("scheduled_at", nil), Err(nil))

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	log.Debug("after reload", Duration("wait", time.Second))

	a := readLines(t, first)
	if len(a) != 1 {
		t.Fatalf("first file has %d lines, want 1", len(a))
	}
	if a[0]["comp"] != "daemon" || a[0]["account"] != "acc-1" || a[0]["message"] != "tick" {
		t.Fatalf("unexpected line %v", a[0])
	}
	if _, ok := a[0]["err"]; ok {
		t.Fatalf("nil error must not be logged: %v", a[0])
	}
	if a[0]["scheduled_at"] != "" {
		t.Fatalf("nil time should be empty, got %v", a[0]["scheduled_at"])
	}
	if c, _ := a[0]["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%q", c)
	}

	b := readLines(t, second)
	if len(b) != 1 || b[0]["message"] != "after reload" || b[0]["comp"] != "daemon" {
		t.Fatalf("second file: %v", b)
	}
}

func TestZeroLoggerDiscards(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing", String("k", "v"))
	if Nop().IsZero() {
		t.Fatalf("Nop is a configured logger")
	}
	if l.With(Component("x")).IsZero() {
		t.Fatalf("logger with fields is not zero")
	}
}
