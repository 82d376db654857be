package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/storage"
)

var day0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(day, hour, minute int) time.Time {
	return day0.AddDate(0, 0, day).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func testAccount(t *testing.T, maxPerDay int, minInterval time.Duration) domain.Account {
	t.Helper()
	p, err := domain.ParsePattern("UTC", "09:00", "18:00")
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}
	return domain.Account{
		ID:          "acc",
		Status:      domain.AccountActive,
		Pattern:     p,
		MaxPerDay:   maxPerDay,
		MinInterval: minInterval,
	}
}

func scheduled(id string, status domain.ItemStatus, ts time.Time) domain.Item {
	return domain.Item{ID: id, AccountID: "acc", Status: status, ScheduledAt: domain.TimePtr(ts)}
}

var policy = Policy{MinLeadTime: time.Minute, HorizonDays: 60, RandomRangeDays: 7}

func TestPickSequential(t *testing.T) {
	acc := testAccount(t, 0, 2*time.Hour)
	now := at(0, 8, 0)

	cases := []struct {
		name  string
		items []domain.Item
		want  time.Time
	}{
		{"empty", nil, at(0, 9, 0)},
		{"first slot taken", []domain.Item{scheduled("x", domain.ItemScheduled, at(0, 9, 0))}, at(0, 18, 0)},
		{"cancelled frees slot", []domain.Item{scheduled("x", domain.ItemCancelled, at(0, 9, 0))}, at(0, 9, 0)},
		{"retry_wait blocks by interval", []domain.Item{scheduled("x", domain.ItemRetryWait, at(0, 8, 30))}, at(0, 18, 0)},
		{"day full rolls over", []domain.Item{
			scheduled("x", domain.ItemScheduled, at(0, 9, 0)),
			scheduled("y", domain.ItemScheduled, at(0, 18, 0)),
		}, at(1, 9, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Pick(Request{Account: acc, Item: domain.Item{ID: "new"}}, tc.items, policy, now, nil)
			if err != nil {
				t.Fatalf("pick: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestPickIsDeterministic(t *testing.T) {
	acc := testAccount(t, 0, 2*time.Hour)
	items := []domain.Item{scheduled("x", domain.ItemScheduled, at(0, 9, 0))}
	req := Request{Account: acc, Item: domain.Item{ID: "new"}}
	a, errA := Pick(req, items, policy, at(0, 8, 0), nil)
	b, errB := Pick(req, items, policy, at(0, 8, 0), nil)
	if errA != nil || errB != nil || !a.Equal(b) {
		t.Fatalf("pick differs: %s/%v vs %s/%v", a, errA, b, errB)
	}
}

func TestPickMaxPerDay(t *testing.T) {
	acc := testAccount(t, 1, 0)
	items := []domain.Item{scheduled("x", domain.ItemScheduled, at(0, 9, 0))}
	got, err := Pick(Request{Account: acc, Item: domain.Item{ID: "new"}}, items, policy, at(0, 8, 0), nil)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if !got.Equal(at(1, 9, 0)) {
		t.Fatalf("got %s, want next day 09:00", got)
	}
}

func TestPickRequestedTime(t *testing.T) {
	acc := testAccount(t, 0, 2*time.Hour)
	now := at(0, 8, 0)
	items := []domain.Item{scheduled("x", domain.ItemScheduled, at(0, 12, 0))}

	cases := []struct {
		name   string
		at     time.Time
		reason domain.AllocationReason
	}{
		{"past", at(0, 7, 0), domain.TooSoon},
		{"now", now, domain.TooSoon},
		{"inside lead time", now.Add(30 * time.Second), domain.TooSoon},
		{"taken", at(0, 12, 0), domain.SlotTaken},
		{"too close", at(0, 13, 0), domain.IntervalViolation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := Request{Account: acc, Item: domain.Item{ID: "new"}, RequestedAt: domain.TimePtr(tc.at)}
			_, err := Pick(req, items, policy, now, nil)
			if !domain.IsAllocation(err, tc.reason) {
				t.Fatalf("expected %s, got %v", tc.reason, err)
			}
		})
	}

	// off-pattern instants are accepted when valid
	req := Request{Account: acc, Item: domain.Item{ID: "new"}, RequestedAt: domain.TimePtr(at(0, 15, 17))}
	got, err := Pick(req, items, policy, now, nil)
	if err != nil || !got.Equal(at(0, 15, 17)) {
		t.Fatalf("requested time rejected: %s %v", got, err)
	}
}

func TestPickNoSlots(t *testing.T) {
	acc := domain.Account{ID: "acc"}
	_, err := Pick(Request{Account: acc, Item: domain.Item{ID: "new"}}, nil, policy, at(0, 8, 0), nil)
	if !domain.IsAllocation(err, domain.CapacityExhausted) {
		t.Fatalf("expected capacity_exhausted, got %v", err)
	}
}

func TestPickHorizonExhausted(t *testing.T) {
	acc := testAccount(t, 0, 0)
	var items []domain.Item
	for d := 0; d < 3; d++ {
		items = append(items,
			scheduled(fmt.Sprintf("m%d", d), domain.ItemScheduled, at(d, 9, 0)),
			scheduled(fmt.Sprintf("e%d", d), domain.ItemScheduled, at(d, 18, 0)),
		)
	}
	p := policy
	p.HorizonDays = 3
	_, err := Pick(Request{Account: acc, Item: domain.Item{ID: "new"}}, items, p, at(0, 8, 0), nil)
	if !domain.IsAllocation(err, domain.CapacityExhausted) {
		t.Fatalf("expected capacity_exhausted, got %v", err)
	}
}

func TestPickRandomSeeded(t *testing.T) {
	acc := testAccount(t, 0, 0)
	now := at(0, 8, 0)
	req := Request{Account: acc, Item: domain.Item{ID: "new"}, Strategy: domain.StrategyRandom}

	a, err := Pick(req, nil, policy, now, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	b, _ := Pick(req, nil, policy, now, rand.New(rand.NewSource(42)))
	if !a.Equal(b) {
		t.Fatalf("same seed gave %s and %s", a, b)
	}
	if a.Before(now) || a.After(at(7, 0, 0)) {
		t.Fatalf("random pick %s outside range", a)
	}
	if h := a.Hour(); (h != 9 && h != 18) || a.Minute() != 0 {
		t.Fatalf("random pick %s is not a pattern slot", a)
	}
}

func TestPickRandomEmptyRange(t *testing.T) {
	acc := testAccount(t, 0, 0)
	req := Request{
		Account:  acc,
		Item:     domain.Item{ID: "new"},
		Strategy: domain.StrategyRandom,
		From:     at(0, 10, 0),
		To:       at(0, 17, 0),
	}
	_, err := Pick(req, nil, policy, at(0, 8, 0), rand.New(rand.NewSource(1)))
	if !domain.IsAllocation(err, domain.CapacityExhausted) {
		t.Fatalf("expected capacity_exhausted, got %v", err)
	}
}

func newAllocator(t *testing.T, p Policy, now time.Time) (*Allocator, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	return New(store, p, WithClock(func() time.Time { return now }), WithSeed(7)), store
}

func TestAssignPersists(t *testing.T) {
	ctx := context.Background()
	acc := testAccount(t, 0, 2*time.Hour)
	a, store := newAllocator(t, policy, at(0, 8, 0))

	first, err := a.Assign(ctx, Request{Account: acc, Item: domain.Item{ID: "i1", PayloadRef: "p1"}})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if first.Status != domain.ItemScheduled || !first.At().Equal(at(0, 9, 0)) || first.Strategy != domain.StrategySequential {
		t.Fatalf("unexpected item: %+v", first)
	}
	second, err := a.Assign(ctx, Request{Account: acc, Item: domain.Item{ID: "i2"}})
	if err != nil || !second.At().Equal(at(0, 18, 0)) {
		t.Fatalf("second assign: %v %+v", err, second)
	}
	stored, err := store.GetItem(ctx, "i1")
	if err != nil || stored.PayloadRef != "p1" || stored.CreatedAt.IsZero() {
		t.Fatalf("stored item: %v %+v", err, stored)
	}

	// re-assigning an already booked item ignores its own booking
	again, err := a.Assign(ctx, Request{Account: acc, Item: stored})
	if err != nil || !again.At().Equal(at(0, 9, 0)) {
		t.Fatalf("reassign: %v %+v", err, again)
	}
}

func TestAssignBulkSpaced(t *testing.T) {
	ctx := context.Background()
	acc := testAccount(t, 0, 2*time.Hour)
	a, _ := newAllocator(t, policy, at(0, 8, 0))

	items := []domain.Item{{ID: "b1"}, {ID: "b2"}, {ID: "b3"}}
	res := a.AssignBulk(ctx, acc, items, BulkOptions{
		Strategy: domain.StrategySpaced,
		From:     day0,
		To:       at(3, 0, 0),
		Gap:      24 * time.Hour,
	})
	want := []time.Time{at(0, 9, 0), at(1, 9, 0), at(2, 9, 0)}
	for i, r := range res {
		if r.Err != nil {
			t.Fatalf("item %d: %v", i, r.Err)
		}
		if !r.Item.At().Equal(want[i]) {
			t.Fatalf("item %d at %s, want %s", i, r.Item.At(), want[i])
		}
	}
}

func TestAssignBulkPartialFailure(t *testing.T) {
	ctx := context.Background()
	acc := testAccount(t, 0, 0)
	p := policy
	p.HorizonDays = 1
	a, _ := newAllocator(t, p, at(0, 8, 0))

	res := a.AssignBulk(ctx, acc, []domain.Item{{ID: "a"}, {ID: "b"}, {ID: "c"}}, BulkOptions{})
	if res[0].Err != nil || res[1].Err != nil {
		t.Fatalf("first two should fit: %v %v", res[0].Err, res[1].Err)
	}
	if !domain.IsAllocation(res[2].Err, domain.CapacityExhausted) {
		t.Fatalf("third should exhaust capacity, got %v", res[2].Err)
	}
}

func TestAssignConcurrentUnique(t *testing.T) {
	ctx := context.Background()
	acc := testAccount(t, 0, 2*time.Hour)
	a, store := newAllocator(t, policy, at(0, 8, 0))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Assign(ctx, Request{Account: acc, Item: domain.Item{ID: fmt.Sprintf("c%02d", i)}})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
	}

	items, _ := store.ListItems(ctx, storage.ItemFilter{AccountID: "acc"})
	if len(items) != n {
		t.Fatalf("got %d items, want %d", len(items), n)
	}
	seen := map[time.Time]string{}
	for _, it := range items {
		if other, dup := seen[it.At()]; dup {
			t.Fatalf("%s and %s share %s", it.ID, other, it.At())
		}
		seen[it.At()] = it.ID
	}
}

func TestRescheduleOverride(t *testing.T) {
	ctx := context.Background()
	acc := testAccount(t, 1, 2*time.Hour)
	now := at(0, 8, 0)

	for _, override := range []bool{false, true} {
		t.Run(fmt.Sprintf("override=%v", override), func(t *testing.T) {
			p := policy
			p.RescheduleOverride = override
			a, store := newAllocator(t, p, now)
			_ = store.PutItem(ctx, scheduled("x", domain.ItemScheduled, at(0, 9, 0)))

			req := Request{Account: acc, Item: domain.Item{ID: "m"}, RequestedAt: domain.TimePtr(at(0, 10, 0)), Manual: true}
			_, err := a.Assign(ctx, req)
			if override && err != nil {
				t.Fatalf("override should allow: %v", err)
			}
			if !override && !domain.IsAllocation(err, domain.IntervalViolation) {
				t.Fatalf("expected interval_violation, got %v", err)
			}

			req.RequestedAt = domain.TimePtr(at(0, 9, 0))
			req.Item.ID = "m2"
			if _, err := a.Assign(ctx, req); !domain.IsAllocation(err, domain.SlotTaken) {
				t.Fatalf("uniqueness must hold, got %v", err)
			}
		})
	}
}

func TestRetrySlot(t *testing.T) {
	ctx := context.Background()
	acc := testAccount(t, 0, 2*time.Hour)
	a, store := newAllocator(t, policy, at(0, 8, 0))
	_ = store.PutItem(ctx, scheduled("x", domain.ItemScheduled, at(0, 12, 0)))
	failed := scheduled("y", domain.ItemRetryWait, at(0, 9, 0))
	_ = store.PutItem(ctx, failed)

	out, err := a.RetrySlot(ctx, acc, failed, at(0, 11, 0), nil)
	if err != nil {
		t.Fatalf("retry slot: %v", err)
	}
	if !out.At().Equal(at(0, 14, 0)) {
		t.Fatalf("got %s, want 14:00", out.At())
	}
	if out.Status != domain.ItemRetryWait {
		t.Fatalf("status changed to %s", out.Status)
	}

	// sub-second notBefore rounds up
	out, err = a.RetrySlot(ctx, acc, out, at(1, 9, 0).Add(300*time.Millisecond), nil)
	if err != nil || !out.At().Equal(at(1, 9, 0).Add(time.Second)) {
		t.Fatalf("rounding: %v %s", err, out.At())
	}
}

func TestRecheck(t *testing.T) {
	acc := testAccount(t, 0, 2*time.Hour)
	now := at(0, 12, 0)
	item := scheduled("i", domain.ItemScheduled, now)

	posted := scheduled("p", domain.ItemPosted, at(0, 11, 0))
	posted.PostedAt = domain.TimePtr(at(0, 11, 30))

	err := Recheck(acc, item, []domain.Item{posted}, now)
	if !domain.IsAllocation(err, domain.IntervalViolation) {
		t.Fatalf("expected interval_violation, got %v", err)
	}
	var ae *domain.AllocationError
	if !errors.As(err, &ae) || !ae.At.Equal(at(0, 13, 30)) {
		t.Fatalf("expected earliest allowed 13:30, got %+v", ae)
	}

	if err := Recheck(acc, item, []domain.Item{scheduled("s", domain.ItemScheduled, at(0, 11, 0))}, now); err != nil {
		t.Fatalf("scheduled items must not block: %v", err)
	}
	old := scheduled("o", domain.ItemPosted, at(0, 9, 0))
	if err := Recheck(acc, item, []domain.Item{old}, now); err != nil {
		t.Fatalf("old publish must not block: %v", err)
	}
}
