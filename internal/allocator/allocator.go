package allocator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// Booker runs fn inside one transaction over the account's bookings that are
// at or after since, then persists the item fn returns. Implementations must
// reject a write that would duplicate a non-cancelled (account, scheduled_at),
// and, when expect is set, a write over an item whose stored state moved.
type Booker interface {
	Book(ctx context.Context, accountID string, since time.Time, expect *domain.Expect, fn func(bookings []domain.Item) (domain.Item, error)) (domain.Item, error)
}

// Allocator turns placement requests into committed bookings. Allocation for
// one account is serialized in-process and committed through Booker.
type Allocator struct {
	store Booker
	log   logx.Logger
	now   func() time.Time

	policy atomic.Pointer[Policy]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Allocator)

func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		if now != nil {
			a.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(a *Allocator) { a.log = log }
}

// WithSeed makes the random strategy reproducible. Zero keeps a time seed.
func WithSeed(seed int64) Option {
	return func(a *Allocator) {
		if seed != 0 {
			a.rng = rand.New(rand.NewSource(seed))
		}
	}
}

func New(store Booker, p Policy, opts ...Option) *Allocator {
	a := &Allocator{
		store: store,
		now:   time.Now,
		locks: map[string]*sync.Mutex{},
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(a)
	}
	a.SetPolicy(p)
	return a
}

// SetPolicy swaps the policy (hot reload).
func (a *Allocator) SetPolicy(p Policy) {
	p = p.normalized()
	a.policy.Store(&p)
}

func (a *Allocator) Policy() Policy { return *a.policy.Load() }

func (a *Allocator) lock(accountID string) func() {
	a.locksMu.Lock()
	mu := a.locks[accountID]
	if mu == nil {
		mu = &sync.Mutex{}
		a.locks[accountID] = mu
	}
	a.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func since(acc domain.Account, now time.Time) time.Time {
	return now.Add(-max(acc.MinInterval, 24*time.Hour))
}

// Assign places req.Item and commits it. The returned item carries the
// assigned scheduled_at and status (scheduled unless req.Status says otherwise).
func (a *Allocator) Assign(ctx context.Context, req Request) (domain.Item, error) {
	if req.Account.ID == "" || req.Item.ID == "" {
		return domain.Item{}, errors.New("allocator: account and item ids are required")
	}
	if req.Strategy == "" {
		req.Strategy = domain.StrategySequential
	}
	status := req.Status
	if status == "" {
		status = domain.ItemScheduled
	}

	unlock := a.lock(req.Account.ID)
	defer unlock()

	now := a.now()
	p := a.Policy()
	out, err := a.store.Book(ctx, req.Account.ID, since(req.Account, now), req.Expect, func(existing []domain.Item) (domain.Item, error) {
		a.rngMu.Lock()
		t, err := Pick(req, existing, p, now, a.rng)
		a.rngMu.Unlock()
		if err != nil {
			return domain.Item{}, err
		}
		it := req.Item
		it.AccountID = req.Account.ID
		it.ScheduledAt = domain.TimePtr(t)
		it.Status = status
		it.Strategy = req.Strategy
		it.UpdatedAt = now
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		return it, nil
	})
	if err != nil {
		a.log.Debug("allocation failed",
			logx.String("account", req.Account.ID),
			logx.String("item", req.Item.ID),
			logx.String("strategy", string(req.Strategy)),
			logx.Err(err),
		)
		return domain.Item{}, err
	}
	a.log.Debug("allocated",
		logx.String("account", out.AccountID),
		logx.String("item", out.ID),
		logx.TimePtr("scheduled_at", out.ScheduledAt),
	)
	return out, nil
}

// BulkOptions applies to every item of an AssignBulk call.
type BulkOptions struct {
	Strategy domain.Strategy
	From, To time.Time
	Gap      time.Duration
	// Stored marks items already in the store; each is only booked while
	// it still has the status and scheduled_at it was passed with.
	Stored bool
}

// BulkResult reports the outcome for items[Index]. Err is nil on success.
type BulkResult struct {
	Index int         `json:"index"`
	Item  domain.Item `json:"item"`
	Err   error       `json:"-"`
}

// AssignBulk places items one by one. Each item either fully succeeds or
// reports its error; the batch is not atomic.
func (a *Allocator) AssignBulk(ctx context.Context, acc domain.Account, items []domain.Item, opt BulkOptions) []BulkResult {
	results := make([]BulkResult, len(items))
	var chosen []time.Time
	for i, it := range items {
		results[i] = BulkResult{Index: i, Item: it}
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		req := Request{
			Account:  acc,
			Item:     it,
			Strategy: opt.Strategy,
			From:     opt.From,
			To:       opt.To,
			Gap:      opt.Gap,
			Chosen:   chosen,
		}
		if opt.Stored {
			req.Expect = domain.ExpectOf(it)
		}
		out, err := a.Assign(ctx, req)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Item = out
		chosen = append(chosen, out.At())
	}
	return results
}

// RetrySlot books item at the first instant at or after notBefore that avoids
// collisions and keeps min_interval and max_per_day. The item's status is kept.
// A non-nil expect guards against the stored item having moved meanwhile.
func (a *Allocator) RetrySlot(ctx context.Context, acc domain.Account, item domain.Item, notBefore time.Time, expect *domain.Expect) (domain.Item, error) {
	unlock := a.lock(acc.ID)
	defer unlock()

	now := a.now()
	p := a.Policy()
	return a.store.Book(ctx, acc.ID, since(acc, now), expect, func(existing []domain.Item) (domain.Item, error) {
		b := newBookings(existing, item.ID, acc.Location())
		t, err := retryInstant(acc, b, notBefore, p.HorizonDays)
		if err != nil {
			return domain.Item{}, err
		}
		item.ScheduledAt = domain.TimePtr(t)
		item.UpdatedAt = now
		return item, nil
	})
}

// Recheck re-validates, right before publishing at now, that the account's
// recent publishes leave min_interval free. On violation the AllocationError's
// At is the earliest instant publishing becomes allowed again.
func Recheck(acc domain.Account, item domain.Item, items []domain.Item, now time.Time) error {
	if item.ScheduledAt == nil {
		return domain.NewAllocationError(domain.SlotTaken, time.Time{}, "item has no scheduled time")
	}
	if acc.MinInterval <= 0 {
		return nil
	}
	var last time.Time
	for _, o := range items {
		if o.ID == item.ID || (o.Status != domain.ItemPosted && o.Status != domain.ItemPosting) {
			continue
		}
		ref := o.At()
		if o.PostedAt != nil {
			ref = *o.PostedAt
		}
		if ref.After(last) && !ref.After(now) {
			last = ref
		}
	}
	if last.IsZero() || now.Sub(last) >= acc.MinInterval {
		return nil
	}
	return domain.NewAllocationError(domain.IntervalViolation, last.Add(acc.MinInterval),
		"last publish at %s, min_interval %s", last.Format(time.RFC3339), acc.MinInterval)
}
