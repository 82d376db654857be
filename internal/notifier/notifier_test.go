package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"postpilot/internal/capacity"
	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

func testConfig() config.Notifier {
	return config.Notifier{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Hour,
	}
}

func recvWithin(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification delivered")
	}
	return Notification{}
}

func TestFromEvent(t *testing.T) {
	cases := []struct {
		name  string
		ev    eventbus.Event
		ok    bool
		key   string
		level capacity.Level
	}{
		{
			name:  "failed item",
			ev:    eventbus.Event{Type: eventbus.ItemFailed, AccountID: "a", ItemID: "i1", Data: map[string]any{"reason": "timeout"}},
			ok:    true,
			key:   "failed:i1",
			level: capacity.LevelWarning,
		},
		{
			name:  "halted account",
			ev:    eventbus.Event{Type: eventbus.AccountHalted, AccountID: "a", Data: map[string]any{"status": "suspended", "reason": "banned"}},
			ok:    true,
			key:   "halted:a:suspended",
			level: capacity.LevelCritical,
		},
		{
			name:  "critical capacity",
			ev:    eventbus.Event{Type: eventbus.CapacityAlert, AccountID: "a", Data: capacity.Alert{AccountID: "a", Level: capacity.LevelCritical, Message: "full"}},
			ok:    true,
			key:   "capacity:a:critical",
			level: capacity.LevelCritical,
		},
		{
			name: "info capacity",
			ev:   eventbus.Event{Type: eventbus.CapacityAlert, Data: capacity.Alert{Level: capacity.LevelInfo}},
		},
		{
			name: "unwatched",
			ev:   eventbus.Event{Type: eventbus.ItemPosted},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, ok := FromEvent(tc.ev)
			if ok != tc.ok {
				t.Fatalf("ok=%v", ok)
			}
			if ok && (n.Key != tc.key || n.Level != tc.level) {
				t.Fatalf("got %+v", n)
			}
		})
	}
}

func TestNotifyStates(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, SenderFunc(func(context.Context, Notification) error { return nil }), nil, logx.Nop())
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}
	s.Apply(testConfig())
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
}

func TestDedupAndRetry(t *testing.T) {
	delivered := make(chan Notification, 4)
	var calls atomic.Int32
	sender := SenderFunc(func(_ context.Context, n Notification) error {
		if calls.Add(1) == 1 {
			return errors.New("flaky")
		}
		delivered <- n
		return nil
	})
	s := New(testConfig(), sender, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := Notification{Key: "failed:i1", Title: "Item failed", Text: "boom"}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("duplicate notify: %v", err)
	}
	if got := recvWithin(t, delivered); got.Key != n.Key {
		t.Fatalf("delivered %+v", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, calls=%d", calls.Load())
	}
	st := s.Stats()
	if st.Sent != 1 || st.Deduped != 1 || st.Failed != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestPersistedDedupSuppresses(t *testing.T) {
	store := storage.NewMemory()
	_ = store.PutDedup(context.Background(), "capacity:a:critical", time.Now().Add(time.Hour))

	cfg := testConfig()
	cfg.PersistDedup = true
	var calls atomic.Int32
	s := New(cfg, SenderFunc(func(context.Context, Notification) error { calls.Add(1); return nil }), store, logx.Nop())
	s.Start(context.Background())

	_ = s.Notify(context.Background(), Notification{Key: "capacity:a:critical", Text: "full"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if calls.Load() != 0 || s.Stats().Deduped != 1 {
		t.Fatalf("expected suppression from store: calls=%d stats=%+v", calls.Load(), s.Stats())
	}
}

func TestForwardFromBus(t *testing.T) {
	delivered := make(chan Notification, 4)
	s := New(testConfig(), SenderFunc(func(_ context.Context, n Notification) error {
		delivered <- n
		return nil
	}), nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	go func() {
		close(started)
		_ = s.Forward(ctx, bus)
	}()
	<-started

	// Forward subscribes asynchronously; republish until it is listening.
	deadline := time.After(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.ItemFailed, AccountID: "a", ItemID: "i9", Data: map[string]any{"reason": "banned"}})
		select {
		case n := <-delivered:
			if n.ItemID != "i9" || !strings.Contains(n.Text, "banned") {
				t.Fatalf("notification: %+v", n)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("event never forwarded")
		}
	}
}

func TestTelegramSend(t *testing.T) {
	var body map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	tg, err := newTelegram(config.TelegramConfig{Token: "123:abc", ChatID: 42}, srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = tg.Send(context.Background(), Notification{Level: capacity.LevelWarning, Title: "Item <failed>", Text: "a & b"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasSuffix(path, "/sendMessage") {
		t.Fatalf("path: %s", path)
	}
	text, _ := body["text"].(string)
	if !strings.Contains(text, "<b>Item &lt;failed&gt;</b>") || !strings.Contains(text, "a &amp; b") {
		t.Fatalf("text: %q", text)
	}

	if _, err := NewTelegram(config.TelegramConfig{ChatID: 1}); err == nil {
		t.Fatalf("expected token error")
	}
}
