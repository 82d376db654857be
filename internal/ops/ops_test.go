package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"postpilot/internal/capacity"
	"postpilot/internal/config"
	"postpilot/internal/daemon"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type fakePlanner struct {
	lastWindow int
}

func (f *fakePlanner) Capacity(_ context.Context, id string, window int) (capacity.Snapshot, error) {
	if id != "acc" {
		return capacity.Snapshot{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	f.lastWindow = window
	return capacity.Snapshot{AccountID: id, WindowDays: window, TotalCapacity: 4}, nil
}

func (f *fakePlanner) Alerts(_ context.Context, id string, window int) ([]capacity.Alert, error) {
	return []capacity.Alert{{AccountID: id, Kind: capacity.KindCapacity, Level: capacity.LevelInfo}}, nil
}

func (f *fakePlanner) DaemonStatus(_ context.Context, id string) ([]daemon.RunState, error) {
	return []daemon.RunState{{AccountID: "acc", Status: daemon.StatusWaiting}}, nil
}

func do(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter(t *testing.T) {
	p := &fakePlanner{}
	h := Router(Deps{Planner: p, Extra: func() map[string]any { return map[string]any{"notifier": "ok"} }}, "", false)

	cases := []struct {
		path string
		code int
	}{
		{"/healthz", http.StatusOK},
		{"/status", http.StatusOK},
		{"/runtime", http.StatusOK},
		{"/accounts/acc/capacity?window=7", http.StatusOK},
		{"/accounts/acc/capacity?window=0", http.StatusBadRequest},
		{"/accounts/acc/capacity?window=abc", http.StatusBadRequest},
		{"/accounts/missing/capacity", http.StatusNotFound},
		{"/accounts/acc/alerts", http.StatusOK},
		{"/accounts/acc/status", http.StatusOK},
		{"/debug/pprof/", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			if rec := do(t, h, tc.path, nil); rec.Code != tc.code {
				t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
			}
		})
	}

	rec := do(t, h, "/accounts/acc/capacity?window=3", nil)
	var snap capacity.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil || snap.WindowDays != 3 || p.lastWindow != 3 {
		t.Fatalf("snapshot: %v %+v", err, snap)
	}

	rec = do(t, h, "/status", nil)
	var rep StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if len(rep.Daemons) != 1 || rep.Extra["notifier"] != "ok" {
		t.Fatalf("status: %+v", rep)
	}
}

func TestRouterAuthAndPprof(t *testing.T) {
	h := Router(Deps{Planner: &fakePlanner{}}, "s3cret", true)

	if rec := do(t, h, "/healthz", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := do(t, h, "/healthz", map[string]string{"Authorization": "Bearer nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}
	if rec := do(t, h, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("header token: %d", rec.Code)
	}
	if rec := do(t, h, "/debug/pprof/?token=s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof index: %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:7070": true,
		"localhost:80":   true,
		"[::1]:7070":     true,
		":7070":          false,
		"0.0.0.0:7070":   false,
		"10.0.0.5:7070":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	cfg := config.Ops{Enabled: true, Addr: "127.0.0.1:0", ReadTimeout: time.Second}
	s := NewServer(cfg, Deps{Planner: &fakePlanner{}}, logx.Nop())
	s.Reconfigure(context.Background(), cfg)

	addr := s.Addr(2 * time.Second)
	if addr == "" {
		t.Fatalf("server did not start")
	}
	rep, err := NewClient(addr, "").Status(context.Background())
	if err != nil || len(rep.Daemons) != 1 {
		t.Fatalf("client status: %v %+v", err, rep)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cfg.Enabled = false
	s.Reconfigure(ctx, cfg)
	if s.Addr(0) != "" {
		t.Fatalf("server still listening")
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	s := NewServer(config.Ops{Enabled: true, Addr: "0.0.0.0:0"}, Deps{Planner: &fakePlanner{}}, logx.Nop())
	if err := s.serveOnce(context.Background()); err != ErrInsecureBind {
		t.Fatalf("expected insecure bind refusal, got %v", err)
	}
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(Router(Deps{Planner: &fakePlanner{}}, "tok", false))
	defer srv.Close()
	if _, err := NewClient(srv.URL, "").Status(context.Background()); err == nil {
		t.Fatalf("expected unauthorized error")
	}
	if _, err := NewClient(srv.URL, "tok").Status(context.Background()); err != nil {
		t.Fatalf("status: %v", err)
	}
}
