// Package planner is the entry point for callers outside the scheduling core:
// submitting content, moving or cancelling items, and reading capacity, alerts
// and daemon state.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/allocator"
	"postpilot/internal/capacity"
	"postpilot/internal/daemon"
	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

var (
	ErrInvalidState = errors.New("invalid item state")
	ErrInvalidInput = errors.New("invalid input")
)

// Daemons is the part of the scheduler supervisor the planner drives.
type Daemons interface {
	Activate(accountID string) bool
	Deactivate(accountID string) <-chan struct{}
	Nudge(accountID string)
	Status(ctx context.Context, accountID string) ([]daemon.RunState, error)
}

type Service struct {
	store   storage.Repository
	alloc   *allocator.Allocator
	daemons Daemons
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	newID   func() string

	windowDays int
}

type Option func(*Service)

// WithDaemons connects a running supervisor. Without one, status queries
// report every account as stopped.
func WithDaemons(d Daemons) Option { return func(s *Service) { s.daemons = d } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDs(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// WithWindowDays sets the default capacity window.
func WithWindowDays(n int) Option { return func(s *Service) { s.windowDays = n } }

func New(store storage.Repository, alloc *allocator.Allocator, opts ...Option) *Service {
	s := &Service{
		store:      store,
		alloc:      alloc,
		bus:        eventbus.Nop{},
		now:        time.Now,
		newID:      uuid.NewString,
		windowDays: 14,
	}
	for _, o := range opts {
		o(s)
	}
	if s.daemons == nil {
		s.daemons = stoppedDaemons{store: store}
	}
	s.log = s.log.With(logx.Component("planner"))
	return s
}

type SubmitRequest struct {
	AccountID   string
	PayloadRef  string
	RequestedAt *time.Time
	Strategy    string
	// From/To bound the random and spaced strategies; zero values fall back
	// to the allocator's default range.
	From, To time.Time
}

// Submit creates an item and books it. Nothing is stored when allocation fails.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (domain.Item, error) {
	if strings.TrimSpace(req.PayloadRef) == "" {
		return domain.Item{}, fmt.Errorf("%w: payload_ref is required", ErrInvalidInput)
	}
	strategy, ok := domain.ParseStrategy(req.Strategy)
	if !ok {
		return domain.Item{}, fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, req.Strategy)
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return domain.Item{}, fmt.Errorf("%w: range ends before it starts", ErrInvalidInput)
	}
	acc, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return domain.Item{}, fmt.Errorf("account %s: %w", req.AccountID, err)
	}

	now := s.now()
	it := domain.Item{
		ID:         s.newID(),
		AccountID:  acc.ID,
		PayloadRef: req.PayloadRef,
		Status:     domain.ItemPending,
		CreatedAt:  now,
	}
	out, err := s.alloc.Assign(ctx, allocator.Request{
		Account:     acc,
		Item:        it,
		RequestedAt: req.RequestedAt,
		Strategy:    strategy,
		From:        req.From,
		To:          req.To,
	})
	if err != nil {
		return domain.Item{}, err
	}
	s.booked(ctx, out, domain.ItemPending, "submit")
	return out, nil
}

type BulkRequest struct {
	AccountID   string
	PayloadRefs []string
	Strategy    string
	From, To    time.Time
	Gap         time.Duration
}

// SubmitBulk books each payload independently. Failed entries are reported
// per index and not stored; the caller decides whether to cancel the rest.
func (s *Service) SubmitBulk(ctx context.Context, req BulkRequest) ([]allocator.BulkResult, error) {
	if len(req.PayloadRefs) == 0 {
		return nil, fmt.Errorf("%w: no payloads", ErrInvalidInput)
	}
	for i, ref := range req.PayloadRefs {
		if strings.TrimSpace(ref) == "" {
			return nil, fmt.Errorf("%w: payload %d is empty", ErrInvalidInput, i)
		}
	}
	strategy, ok := domain.ParseStrategy(req.Strategy)
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, req.Strategy)
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return nil, fmt.Errorf("%w: range ends before it starts", ErrInvalidInput)
	}
	acc, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", req.AccountID, err)
	}

	gap := req.Gap
	if strategy == domain.StrategySpaced && gap <= 0 && !req.From.IsZero() && !req.To.IsZero() {
		gap = req.To.Sub(req.From) / time.Duration(len(req.PayloadRefs))
	}

	now := s.now()
	items := make([]domain.Item, len(req.PayloadRefs))
	for i, ref := range req.PayloadRefs {
		items[i] = domain.Item{
			ID:         s.newID(),
			AccountID:  acc.ID,
			PayloadRef: ref,
			Status:     domain.ItemPending,
			CreatedAt:  now,
		}
	}
	results := s.alloc.AssignBulk(ctx, acc, items, allocator.BulkOptions{
		Strategy: strategy,
		From:     req.From,
		To:       req.To,
		Gap:      gap,
	})
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		s.booked(ctx, r.Item, domain.ItemPending, "submit")
	}
	s.log.Info("bulk submit",
		logx.String("account", acc.ID),
		logx.String("strategy", string(strategy)),
		logx.Int("items", len(items)),
		logx.Int("failed", failed),
	)
	return results, nil
}

// Reschedule moves an item to newTime. Manual moves follow the allocator's
// reschedule policy. Failed items may be rescheduled; their attempts reset.
func (s *Service) Reschedule(ctx context.Context, itemID string, newTime time.Time) (domain.Item, error) {
	var (
		out  domain.Item
		from domain.ItemStatus
	)
	err := s.guarded(ctx, itemID, func(it domain.Item) error {
		switch it.Status {
		case domain.ItemPending, domain.ItemScheduled, domain.ItemRetryWait, domain.ItemFailed:
		default:
			return fmt.Errorf("%w: cannot reschedule %s item", ErrInvalidState, it.Status)
		}
		acc, err := s.store.GetAccount(ctx, it.AccountID)
		if err != nil {
			return fmt.Errorf("account %s: %w", it.AccountID, err)
		}
		seen := domain.ExpectOf(it)
		from = it.Status
		if from == domain.ItemFailed {
			it.Attempts = 0
		}
		it.LastError = ""
		out, err = s.alloc.Assign(ctx, allocator.Request{
			Account:     acc,
			Item:        it,
			RequestedAt: &newTime,
			Strategy:    it.Strategy,
			Manual:      true,
			Expect:      seen,
		})
		return err
	})
	if err != nil {
		return domain.Item{}, err
	}
	s.booked(ctx, out, from, "reschedule")
	return out, nil
}

// Cancel releases the item's slot. Items already posting or posted cannot
// be cancelled.
func (s *Service) Cancel(ctx context.Context, itemID string) error {
	var it domain.Item
	var from domain.ItemStatus
	err := s.guarded(ctx, itemID, func(cur domain.Item) error {
		switch cur.Status {
		case domain.ItemPosting, domain.ItemPosted, domain.ItemCancelled:
			return fmt.Errorf("%w: cannot cancel %s item", ErrInvalidState, cur.Status)
		}
		seen := domain.ExpectOf(cur)
		from = cur.Status
		it = cur
		it.Status = domain.ItemCancelled
		it.UpdatedAt = s.now()
		return s.store.UpdateItemIf(ctx, it, *seen)
	})
	if err != nil {
		return err
	}
	s.audit(ctx, it, "cancel", from)
	s.bus.Publish(eventbus.Event{Type: eventbus.ItemCancelled, AccountID: it.AccountID, ItemID: it.ID})
	s.daemons.Nudge(it.AccountID)
	return nil
}

// staleRetries bounds how often a user change is re-read and re-applied
// after losing a race with a daemon.
const staleRetries = 3

// guarded loads the item and runs apply against the fresh copy. apply must
// write conditionally; when the item moved in between it runs again on the
// new state, which then decides whether the change is still allowed.
func (s *Service) guarded(ctx context.Context, itemID string, apply func(domain.Item) error) error {
	for attempt := 0; ; attempt++ {
		it, err := s.store.GetItem(ctx, itemID)
		if err != nil {
			return fmt.Errorf("item %s: %w", itemID, err)
		}
		err = apply(it)
		if !errors.Is(err, storage.ErrStale) {
			return err
		}
		if attempt+1 >= staleRetries {
			return fmt.Errorf("%w: item %s keeps changing: %w", ErrInvalidState, itemID, err)
		}
		s.log.Debug("item changed underneath; retrying", logx.String("item", itemID), logx.Err(err))
	}
}

// Capacity computes the account's occupancy over windowDays (the service
// default when zero).
func (s *Service) Capacity(ctx context.Context, accountID string, windowDays int) (capacity.Snapshot, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return capacity.Snapshot{}, fmt.Errorf("account %s: %w", accountID, err)
	}
	if windowDays <= 0 {
		windowDays = s.windowDays
	}
	now := s.now()
	items, err := s.store.ListItems(ctx, storage.ItemFilter{
		AccountID: accountID,
		From:      domain.StartOfDay(now, acc.Location()),
		To:        now.Add(time.Duration(windowDays+1) * 24 * time.Hour),
	})
	if err != nil {
		return capacity.Snapshot{}, err
	}
	return capacity.Occupancy(acc, items, windowDays, now), nil
}

// Alerts lists everything about the account that needs attention: the
// capacity alert, a halted account, failed items and items waiting to retry.
// The capacity alert is always first.
func (s *Service) Alerts(ctx context.Context, accountID string, windowDays int) ([]capacity.Alert, error) {
	snap, err := s.Capacity(ctx, accountID, windowDays)
	if err != nil {
		return nil, err
	}
	out := []capacity.Alert{capacity.Classify(snap)}

	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	switch acc.Status {
	case domain.AccountError:
		out = append(out, capacity.Alert{
			AccountID: acc.ID, Kind: capacity.KindAccount, Level: capacity.LevelCritical,
			Message: "publishing halted: account needs re-authorization (" + acc.StatusReason + ")",
		})
	case domain.AccountSuspended:
		out = append(out, capacity.Alert{
			AccountID: acc.ID, Kind: capacity.KindAccount, Level: capacity.LevelCritical,
			Message: "publishing halted: account suspended by the platform (" + acc.StatusReason + ")",
		})
	}

	stuck, err := s.store.ListItems(ctx, storage.ItemFilter{
		AccountID: accountID,
		Statuses:  []domain.ItemStatus{domain.ItemFailed, domain.ItemRetryWait},
	})
	if err != nil {
		return nil, err
	}
	for _, it := range stuck {
		a := capacity.Alert{AccountID: accountID, ItemID: it.ID}
		if it.Status == domain.ItemFailed {
			a.Kind, a.Level = capacity.KindFailed, capacity.LevelWarning
			a.Message = fmt.Sprintf("item failed after %d attempt(s): %s", it.Attempts, it.LastError)
		} else {
			a.Kind, a.Level = capacity.KindRetry, capacity.LevelInfo
			a.Message = fmt.Sprintf("retry %d scheduled for %s: %s", it.Attempts+1, it.At().Format(time.RFC3339), it.LastError)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Service) DaemonStatus(ctx context.Context, accountID string) ([]daemon.RunState, error) {
	return s.daemons.Status(ctx, accountID)
}

// AllocatePending books every pending item of the account sequentially.
func (s *Service) AllocatePending(ctx context.Context, accountID string) ([]allocator.BulkResult, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}
	pending, err := s.store.ListItems(ctx, storage.ItemFilter{
		AccountID: accountID,
		Statuses:  []domain.ItemStatus{domain.ItemPending},
	})
	if err != nil {
		return nil, err
	}
	results := s.alloc.AssignBulk(ctx, acc, pending, allocator.BulkOptions{Strategy: domain.StrategySequential, Stored: true})
	for _, r := range results {
		if r.Err == nil {
			s.booked(ctx, r.Item, domain.ItemPending, "allocate")
		}
	}
	return results, nil
}

// SetAccountStatus records an account-management decision and starts or
// stops the account's daemon accordingly.
func (s *Service) SetAccountStatus(ctx context.Context, accountID string, status domain.AccountStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown account status %q", ErrInvalidInput, status)
	}
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}
	if err := s.store.SetAccountStatus(ctx, accountID, status, reason); err != nil {
		return err
	}
	_ = s.store.AppendAudit(ctx, storage.AuditEntry{
		At: s.now(), AccountID: accountID, Action: "account.status",
		From: string(acc.Status), To: string(status), Error: reason,
	})
	if status == domain.AccountActive {
		s.daemons.Activate(accountID)
	} else {
		s.daemons.Deactivate(accountID)
	}
	s.log.Info("account status changed", logx.String("account", accountID), logx.String("from", string(acc.Status)), logx.String("to", string(status)))
	return nil
}

// PutAccount creates or updates an account. The posting pattern is
// normalized; an empty status means inactive.
func (s *Service) PutAccount(ctx context.Context, acc domain.Account) (domain.Account, error) {
	if strings.TrimSpace(acc.ID) == "" {
		acc.ID = s.newID()
	}
	if acc.Status == "" {
		acc.Status = domain.AccountInactive
	}
	if !acc.Status.Valid() {
		return domain.Account{}, fmt.Errorf("%w: unknown account status %q", ErrInvalidInput, acc.Status)
	}
	if acc.MaxPerDay < 0 || acc.MinInterval < 0 || acc.ToleranceWindow < 0 {
		return domain.Account{}, fmt.Errorf("%w: limits must not be negative", ErrInvalidInput)
	}
	if tz := acc.Pattern.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return domain.Account{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalidInput, tz, err)
		}
	}
	acc.Pattern = acc.Pattern.Normalize()

	now := s.now()
	if prev, err := s.store.GetAccount(ctx, acc.ID); err == nil {
		acc.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domain.Account{}, err
	} else {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	if err := s.store.PutAccount(ctx, acc); err != nil {
		return domain.Account{}, err
	}
	if acc.Status == domain.AccountActive {
		if !s.daemons.Activate(acc.ID) {
			s.daemons.Nudge(acc.ID)
		}
	} else {
		s.daemons.Deactivate(acc.ID)
	}
	return acc, nil
}

func (s *Service) Item(ctx context.Context, id string) (domain.Item, error) {
	return s.store.GetItem(ctx, id)
}

func (s *Service) Items(ctx context.Context, f storage.ItemFilter) ([]domain.Item, error) {
	return s.store.ListItems(ctx, f)
}

func (s *Service) Accounts(ctx context.Context) ([]domain.Account, error) {
	return s.store.ListAccounts(ctx)
}

func (s *Service) booked(ctx context.Context, it domain.Item, from domain.ItemStatus, action string) {
	s.audit(ctx, it, action, from)
	s.bus.Publish(eventbus.Event{
		Type:      eventbus.ItemScheduled,
		AccountID: it.AccountID,
		ItemID:    it.ID,
		Data:      map[string]any{"scheduled_at": it.At(), "strategy": string(it.Strategy)},
	})
	s.daemons.Nudge(it.AccountID)
}

func (s *Service) audit(ctx context.Context, it domain.Item, action string, from domain.ItemStatus) {
	err := s.store.AppendAudit(ctx, storage.AuditEntry{
		At:        s.now(),
		AccountID: it.AccountID,
		ItemID:    it.ID,
		Action:    action,
		From:      string(from),
		To:        string(it.Status),
	})
	if err != nil {
		s.log.Debug("audit write failed", logx.Err(err))
	}
}

// stoppedDaemons stands in when no supervisor runs in this process.
type stoppedDaemons struct {
	store storage.Repository
}

func (stoppedDaemons) Activate(string) bool { return false }

func (stoppedDaemons) Deactivate(string) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (stoppedDaemons) Nudge(string) {}

func (d stoppedDaemons) Status(ctx context.Context, accountID string) ([]daemon.RunState, error) {
	if accountID != "" {
		if _, err := d.store.GetAccount(ctx, accountID); err != nil {
			return nil, err
		}
		return []daemon.RunState{{AccountID: accountID, Status: daemon.StatusStopped}}, nil
	}
	accounts, err := d.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]daemon.RunState, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, daemon.RunState{AccountID: a.ID, Status: daemon.StatusStopped})
	}
	return out, nil
}
