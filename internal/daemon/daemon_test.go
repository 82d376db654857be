package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"postpilot/internal/allocator"
	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/publish"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

var day0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(day, hour, minute int) time.Time {
	return day0.AddDate(0, 0, day).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	t       *testing.T
	clock   *fakeClock
	store   *storage.Memory
	bus     *eventbus.MemBus
	events  <-chan eventbus.Event
	calls   atomic.Int32
	publish func(ctx context.Context, it domain.Item) error
	sched   *Scheduler
}

func newFixture(t *testing.T, now time.Time, cfg Config) *fixture {
	t.Helper()
	f := &fixture{t: t, clock: &fakeClock{t: now}, store: storage.NewMemory(), bus: eventbus.New()}
	f.events, _ = f.bus.Subscribe(64)
	f.publish = func(context.Context, domain.Item) error { return nil }

	pattern, err := domain.ParsePattern("UTC", "09:00", "18:00")
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}
	acc := domain.Account{
		ID:              "acc",
		Status:          domain.AccountActive,
		Pattern:         pattern,
		MinInterval:     2 * time.Hour,
		ToleranceWindow: 30 * time.Minute,
	}
	if err := f.store.PutAccount(context.Background(), acc); err != nil {
		t.Fatalf("put account: %v", err)
	}

	alloc := allocator.New(f.store, allocator.Policy{MinLeadTime: time.Minute}, allocator.WithClock(f.clock.Now))
	deps := Deps{
		Store:     f.store,
		Allocator: alloc,
		Publisher: publish.PublisherFunc(func(ctx context.Context, _ domain.Account, it domain.Item) error {
			f.calls.Add(1)
			return f.publish(ctx, it)
		}),
		Bus: f.bus,
		Log: logx.Nop(),
		Now: f.clock.Now,
	}
	f.sched = NewScheduler("acc", deps, cfg)
	return f
}

func (f *fixture) put(it domain.Item) {
	f.t.Helper()
	if it.AccountID == "" {
		it.AccountID = "acc"
	}
	if err := f.store.PutItem(context.Background(), it); err != nil {
		f.t.Fatalf("put item: %v", err)
	}
}

func (f *fixture) item(id string) domain.Item {
	f.t.Helper()
	it, err := f.store.GetItem(context.Background(), id)
	if err != nil {
		f.t.Fatalf("get item %s: %v", id, err)
	}
	return it
}

func (f *fixture) account() domain.Account {
	f.t.Helper()
	acc, err := f.store.GetAccount(context.Background(), "acc")
	if err != nil {
		f.t.Fatalf("get account: %v", err)
	}
	return acc
}

func (f *fixture) sawEvent(typ string) bool {
	for {
		select {
		case e := <-f.events:
			if e.Type == typ {
				return true
			}
		default:
			return false
		}
	}
}

func scheduledAt(id string, ts time.Time) domain.Item {
	return domain.Item{ID: id, AccountID: "acc", Status: domain.ItemScheduled, ScheduledAt: domain.TimePtr(ts)}
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{Base: time.Minute, MaxDelay: time.Hour, Ceiling: 3}
	now := at(0, 9, 0)
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{6, time.Hour},
		{40, time.Hour},
	}
	for _, tc := range cases {
		if got := p.NextRetryAt(now, tc.attempts); !got.Equal(now.Add(tc.want)) {
			t.Fatalf("attempts=%d: got %s want %s", tc.attempts, got.Sub(now), tc.want)
		}
	}
	if p.Exhausted(2) || !p.Exhausted(3) {
		t.Fatalf("ceiling 3 mis-evaluated")
	}
	if d := (RetryPolicy{}).Delay(0); d != time.Minute {
		t.Fatalf("zero policy delay %s", d)
	}
}

func TestRecoveryMissedWindow(t *testing.T) {
	f := newFixture(t, at(0, 9, 40), Config{})
	f.put(scheduledAt("late", at(0, 9, 0)))

	if err := f.sched.recoverQueue(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	it := f.item("late")
	if it.Status != domain.ItemRetryWait || it.LastError != reasonMissed {
		t.Fatalf("expected retry_wait with missed reason, got %s %q", it.Status, it.LastError)
	}
	if !it.At().Equal(at(0, 18, 0)) {
		t.Fatalf("expected fresh slot 18:00, got %s", it.At())
	}
	if f.calls.Load() != 0 {
		t.Fatalf("missed item must not be published late")
	}
	if !f.sawEvent(eventbus.ItemMissed) {
		t.Fatalf("expected item.missed event")
	}
}

func TestRecoveryWithinToleranceProcesses(t *testing.T) {
	f := newFixture(t, at(0, 9, 20), Config{})
	f.put(scheduledAt("due", at(0, 9, 0)))
	f.put(scheduledAt("later", at(0, 18, 0)))

	ctx := context.Background()
	if err := f.sched.recoverQueue(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	next, err := f.sched.tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !next.Equal(at(0, 18, 0)) {
		t.Fatalf("next due %s, want 18:00", next)
	}
	it := f.item("due")
	if it.Status != domain.ItemPosted || it.PostedAt == nil {
		t.Fatalf("expected posted, got %+v", it)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("publisher calls=%d", f.calls.Load())
	}
	if !f.sawEvent(eventbus.ItemPosted) {
		t.Fatalf("expected item.posted event")
	}
}

func TestRecoveryFailsInterruptedPublish(t *testing.T) {
	f := newFixture(t, at(0, 9, 5), Config{})
	stuck := scheduledAt("stuck", at(0, 9, 0))
	stuck.Status = domain.ItemPosting
	f.put(stuck)

	if err := f.sched.recoverQueue(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	it := f.item("stuck")
	if it.Status != domain.ItemFailed || it.LastError != reasonInterrupted {
		t.Fatalf("expected failed/interrupted, got %s %q", it.Status, it.LastError)
	}
	if !f.sawEvent(eventbus.ItemFailed) {
		t.Fatalf("expected item.failed event")
	}
}

func TestRetryCeilingFailsItem(t *testing.T) {
	f := newFixture(t, at(0, 9, 0), Config{Retry: RetryPolicy{Base: time.Minute, MaxDelay: time.Hour, Ceiling: 3}})
	f.publish = func(context.Context, domain.Item) error {
		return publish.Retryable(publish.KindNetwork, errors.New("connection reset"))
	}
	f.put(scheduledAt("x", at(0, 9, 0)))

	ctx := context.Background()
	wantRetryAt := []time.Time{at(0, 9, 2), at(0, 9, 6)}
	for i := 0; i < 3; i++ {
		next, err := f.sched.tick(ctx)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		it := f.item("x")
		if it.Attempts != i+1 {
			t.Fatalf("tick %d: attempts=%d", i, it.Attempts)
		}
		if i < 2 {
			if it.Status != domain.ItemRetryWait || !next.Equal(wantRetryAt[i]) {
				t.Fatalf("tick %d: status=%s next=%s", i, it.Status, next)
			}
			f.clock.Set(next)
			continue
		}
		if it.Status != domain.ItemFailed || !next.IsZero() {
			t.Fatalf("expected failed with empty queue, got %s next=%s", it.Status, next)
		}
	}
	if f.calls.Load() != 3 {
		t.Fatalf("publisher calls=%d", f.calls.Load())
	}
	if acc := f.account(); acc.Status != domain.AccountActive {
		t.Fatalf("account should stay active, got %s", acc.Status)
	}
	if !f.sawEvent(eventbus.ItemFailed) {
		t.Fatalf("expected item.failed event")
	}
}

func TestRetryHonoursRetryAfterHint(t *testing.T) {
	f := newFixture(t, at(0, 9, 0), Config{Retry: RetryPolicy{Base: time.Minute, MaxDelay: time.Hour, Ceiling: 5}})
	f.publish = func(context.Context, domain.Item) error {
		return publish.RetryAfter(publish.KindNetwork, 30*time.Minute, errors.New("429"))
	}
	f.put(scheduledAt("x", at(0, 9, 0)))
	next, err := f.sched.tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !next.Equal(at(0, 9, 30)) {
		t.Fatalf("retry at %s, want 09:30", next)
	}
}

func TestSessionExpiredHalts(t *testing.T) {
	f := newFixture(t, at(0, 9, 0), Config{})
	f.publish = func(context.Context, domain.Item) error {
		return publish.Fatal(publish.KindSessionExpired, errors.New("login required"))
	}
	f.put(scheduledAt("x", at(0, 9, 0)))
	f.put(scheduledAt("y", at(0, 18, 0)))

	_, err := f.sched.tick(context.Background())
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	if it := f.item("x"); it.Status != domain.ItemFailed {
		t.Fatalf("item status %s, want failed", it.Status)
	}
	if it := f.item("y"); it.Status != domain.ItemScheduled {
		t.Fatalf("untouched item changed to %s", it.Status)
	}
	if acc := f.account(); acc.Status != domain.AccountError {
		t.Fatalf("account status %s, want error", acc.Status)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("fatal errors must not be retried, calls=%d", f.calls.Load())
	}
	if st := f.sched.State(); !st.Halted {
		t.Fatalf("state not halted: %+v", st)
	}
	if !f.sawEvent(eventbus.AccountHalted) {
		t.Fatalf("expected account.halted event")
	}
}

func TestBannedSuspendsAccount(t *testing.T) {
	f := newFixture(t, at(0, 9, 0), Config{})
	f.publish = func(context.Context, domain.Item) error {
		return publish.Fatal(publish.KindBanned, errors.New("account banned"))
	}
	f.put(scheduledAt("x", at(0, 9, 0)))

	if _, err := f.sched.tick(context.Background()); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	if acc := f.account(); acc.Status != domain.AccountSuspended {
		t.Fatalf("account status %s, want suspended", acc.Status)
	}
	if it := f.item("x"); it.Status != domain.ItemScheduled || it.Attempts != 0 {
		t.Fatalf("item should return to the queue untouched, got %s attempts=%d", it.Status, it.Attempts)
	}
}

func TestShutdownRestoresItem(t *testing.T) {
	f := newFixture(t, at(0, 9, 0), Config{})
	started := make(chan struct{})
	f.publish = func(ctx context.Context, _ domain.Item) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	f.put(scheduledAt("x", at(0, 9, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	if _, err := f.sched.tick(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	it := f.item("x")
	if it.Status != domain.ItemScheduled || it.Attempts != 0 {
		t.Fatalf("expected scheduled with no attempt consumed, got %s attempts=%d", it.Status, it.Attempts)
	}
}

func TestIntervalRecheckReslots(t *testing.T) {
	f := newFixture(t, at(0, 9, 0), Config{})
	posted := scheduledAt("p", at(0, 8, 30))
	posted.Status = domain.ItemPosted
	posted.PostedAt = domain.TimePtr(at(0, 8, 30))
	f.put(posted)
	f.put(scheduledAt("x", at(0, 9, 0)))

	next, err := f.sched.tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.calls.Load() != 0 {
		t.Fatalf("publish must wait for min_interval")
	}
	if !next.Equal(at(0, 10, 30)) {
		t.Fatalf("next %s, want 10:30", next)
	}
	if it := f.item("x"); it.Status != domain.ItemScheduled || !it.At().Equal(at(0, 10, 30)) {
		t.Fatalf("item not re-slotted: %+v", it)
	}
}

// interleavedStore runs hook once, right after the daemon reads the head of
// its queue and before it acts on it.
type interleavedStore struct {
	storage.Repository
	once sync.Once
	hook func()
}

func (s *interleavedStore) ListItems(ctx context.Context, f storage.ItemFilter) ([]domain.Item, error) {
	items, err := s.Repository.ListItems(ctx, f)
	if err == nil && f.Limit == 1 && len(items) > 0 {
		s.once.Do(s.hook)
	}
	return items, err
}

func TestUserChangeAfterQueueReadIsKept(t *testing.T) {
	cases := []struct {
		name   string
		change func(domain.Item) domain.Item
		want   domain.ItemStatus
		wantAt time.Time
		next   time.Time
	}{
		{
			name:   "cancel",
			change: func(it domain.Item) domain.Item { it.Status = domain.ItemCancelled; return it },
			want:   domain.ItemCancelled,
			wantAt: at(0, 9, 0),
		},
		{
			name: "reschedule",
			change: func(it domain.Item) domain.Item {
				it.ScheduledAt = domain.TimePtr(at(1, 9, 0))
				return it
			},
			want:   domain.ItemScheduled,
			wantAt: at(1, 9, 0),
			next:   at(1, 9, 0),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, at(0, 9, 5), Config{})
			f.put(scheduledAt("due", at(0, 9, 0)))
			f.sched.deps.Store = &interleavedStore{Repository: f.store, hook: func() {
				if err := f.store.PutItem(context.Background(), tc.change(f.item("due"))); err != nil {
					t.Errorf("concurrent change: %v", err)
				}
			}}

			next, err := f.sched.tick(context.Background())
			if err != nil {
				t.Fatalf("tick: %v", err)
			}
			if f.calls.Load() != 0 {
				t.Fatalf("publisher calls=%d after the item was changed", f.calls.Load())
			}
			it := f.item("due")
			if it.Status != tc.want || !it.At().Equal(tc.wantAt) {
				t.Fatalf("got %s at %s, want %s at %s", it.Status, it.At(), tc.want, tc.wantAt)
			}
			if !next.Equal(tc.next) {
				t.Fatalf("next %s, want %s", next, tc.next)
			}
		})
	}
}

func TestTickStopsForInactiveAccount(t *testing.T) {
	f := newFixture(t, at(0, 9, 0), Config{})
	_ = f.store.SetAccountStatus(context.Background(), "acc", domain.AccountInactive, "")
	f.put(scheduledAt("x", at(0, 9, 0)))
	if _, err := f.sched.tick(context.Background()); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
	if f.calls.Load() != 0 {
		t.Fatalf("inactive account published")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunStopInterruptsWaiting(t *testing.T) {
	f := newFixture(t, time.Now(), Config{PollInterval: time.Hour})
	f.sched.deps.Now = time.Now
	f.put(scheduledAt("x", time.Now().Add(48*time.Hour).Truncate(time.Second)))

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(context.Background()) }()
	waitFor(t, "waiting state", func() bool { return f.sched.State().Status == StatusWaiting })
	if st := f.sched.State(); st.NextDueAt == nil {
		t.Fatalf("waiting without next_due_at: %+v", st)
	}

	f.sched.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not interrupt waiting")
	}
	if st := f.sched.State(); st.Status != StatusStopped {
		t.Fatalf("status %s, want stopped", st.Status)
	}
}

func TestSupervisorSync(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	pattern, _ := domain.ParsePattern("UTC", "09:00")
	_ = store.PutAccount(ctx, domain.Account{ID: "a", Status: domain.AccountActive, Pattern: pattern})
	_ = store.PutAccount(ctx, domain.Account{ID: "b", Status: domain.AccountInactive, Pattern: pattern})

	rt := rtsup.New(ctx)
	defer rt.Cancel()
	deps := Deps{
		Store:     store,
		Allocator: allocator.New(store, allocator.Policy{}),
		Publisher: publish.NewDryRun(logx.Nop()),
		Log:       logx.Nop(),
	}
	sup := NewSupervisor(rt, deps, Config{PollInterval: 20 * time.Millisecond})

	if err := sup.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !sup.Running("a") || sup.Running("b") {
		t.Fatalf("expected only a running")
	}
	// a second sync must not start a duplicate
	if sup.Activate("a") {
		t.Fatalf("duplicate daemon started")
	}

	states, err := sup.Status(ctx, "")
	if err != nil || len(states) != 2 {
		t.Fatalf("status: %v %+v", err, states)
	}
	if states[1].AccountID != "b" || states[1].Status != StatusStopped {
		t.Fatalf("inactive account should report stopped: %+v", states[1])
	}

	_ = store.SetAccountStatus(ctx, "a", domain.AccountInactive, "")
	done := sup.Deactivate("a")
	_ = sup.Sync(ctx)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("daemon did not stop")
	}
	waitFor(t, "daemon removal", func() bool { return !sup.Running("a") })

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := sup.StopAll(stopCtx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
}

func TestSupervisorReactivateWhileDraining(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	pattern, _ := domain.ParsePattern("UTC", "09:00")
	_ = store.PutAccount(ctx, domain.Account{ID: "a", Status: domain.AccountActive, Pattern: pattern})
	due := time.Now().Add(-time.Second).Truncate(time.Second)
	_ = store.PutItem(ctx, domain.Item{ID: "x", AccountID: "a", Status: domain.ItemScheduled, ScheduledAt: domain.TimePtr(due)})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	rt := rtsup.New(ctx)
	defer rt.Cancel()
	sup := NewSupervisor(rt, Deps{
		Store:     store,
		Allocator: allocator.New(store, allocator.Policy{}),
		Publisher: publish.PublisherFunc(func(context.Context, domain.Account, domain.Item) error {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return nil
		}),
		Log: logx.Nop(),
	}, Config{PollInterval: 20 * time.Millisecond})

	if !sup.Activate("a") {
		t.Fatalf("activate")
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish never started")
	}

	_ = store.SetAccountStatus(ctx, "a", domain.AccountInactive, "")
	done := sup.Deactivate("a")
	_ = store.SetAccountStatus(ctx, "a", domain.AccountActive, "")
	if !sup.Activate("a") {
		t.Fatalf("re-activation during drain was not queued")
	}
	if sup.Activate("a") {
		t.Fatalf("second re-activation queued a duplicate")
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("old daemon did not exit")
	}
	waitFor(t, "replacement daemon", func() bool { return sup.Running("a") })
	if it, _ := store.GetItem(ctx, "x"); it.Status != domain.ItemPosted {
		t.Fatalf("in-flight publish lost: %s", it.Status)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := sup.StopAll(stopCtx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if sup.Activate("a") {
		t.Fatalf("activate after StopAll")
	}
}
