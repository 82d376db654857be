package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"postpilot/internal/allocator"
	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/publish"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

var (
	// ErrHalted is returned by Run after a fatal account error.
	ErrHalted = errors.New("daemon halted")
	// ErrInactive is returned by Run when the account is no longer active.
	ErrInactive = errors.New("account not active")

	errStopped = errors.New("daemon stopped")
)

const (
	reasonMissed      = "missed publish window"
	reasonInterrupted = "publish interrupted; outcome unknown"
)

// Deps are the collaborators shared by every account's daemon.
type Deps struct {
	Store     storage.Repository
	Allocator *allocator.Allocator
	Publisher publish.Publisher
	Bus       eventbus.Bus
	Log       logx.Logger
	Now       func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Config holds the hot-reloadable daemon knobs.
type Config struct {
	Retry          RetryPolicy
	PollInterval   time.Duration
	PublishTimeout time.Duration
	// Grace is the minimum lateness tolerated regardless of the account's
	// tolerance_window, so a timer firing slightly late is not a miss.
	Grace time.Duration
}

func (c Config) normalized() Config {
	c.Retry = c.Retry.normalized()
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	return c
}

// Scheduler is the daemon for one account. It publishes the account's due
// items one at a time in scheduled_at order.
type Scheduler struct {
	accountID string
	deps      Deps
	log       logx.Logger

	cfg atomic.Pointer[Config]

	state runState

	nudge    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewScheduler(accountID string, deps Deps, cfg Config) *Scheduler {
	deps = deps.withDefaults()
	s := &Scheduler{
		accountID: accountID,
		deps:      deps,
		log:       deps.Log.With(logx.Component("daemon"), logx.String("account", accountID)),
		nudge:     make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	s.SetConfig(cfg)
	s.state.st = RunState{AccountID: accountID, Status: StatusIdle}
	return s
}

func (s *Scheduler) SetConfig(cfg Config) {
	cfg = cfg.normalized()
	s.cfg.Store(&cfg)
}

func (s *Scheduler) config() Config { return *s.cfg.Load() }

func (s *Scheduler) AccountID() string { return s.accountID }

func (s *Scheduler) State() RunState { return s.state.get() }

// Nudge wakes a waiting daemon so it re-reads the queue.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Stop ends waiting immediately. A publish in flight is allowed to finish;
// Run returns right after it.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Run drives the daemon until Stop, a halt, account deactivation or ctx
// cancellation. Cancelling ctx also cancels an in-flight publish.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	defer func() {
		now := s.deps.Now()
		s.state.update(func(st *RunState) {
			st.Status = StatusStopped
			st.NextDueAt = nil
			st.LastHeartbeat = now
		})
		if errors.Is(err, errStopped) {
			err = nil
		}
		s.log.Info("daemon stopped", logx.Err(err))
	}()

	s.state.set(StatusRecovering, s.deps.Now())
	s.log.Info("daemon recovering")
	for {
		if err := s.recoverQueue(ctx); err == nil {
			break
		} else if done := s.fatalLoopErr(err); done != nil {
			return done
		}
		if err := s.sleep(ctx, time.Time{}); err != nil {
			return err
		}
	}

	for {
		if s.stopping() {
			return errStopped
		}
		next, err := s.tick(ctx)
		if err != nil {
			if done := s.fatalLoopErr(err); done != nil {
				return done
			}
			next = time.Time{}
		}
		if err := s.sleep(ctx, next); err != nil {
			return err
		}
	}
}

// fatalLoopErr returns err when it ends the loop; other errors are logged and
// the loop retries after a poll interval.
func (s *Scheduler) fatalLoopErr(err error) error {
	switch {
	case errors.Is(err, ErrHalted), errors.Is(err, ErrInactive), errors.Is(err, errStopped),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	s.state.update(func(st *RunState) { st.LastError = err.Error() })
	s.log.Warn("daemon pass failed", logx.Err(err))
	return nil
}

// sleep waits until next (or one poll interval when next is zero or farther
// away), a nudge, Stop or ctx cancellation.
func (s *Scheduler) sleep(ctx context.Context, next time.Time) error {
	now := s.deps.Now()
	d := s.config().PollInterval
	if !next.IsZero() {
		if until := next.Sub(now); until < d {
			d = max(until, 0)
		}
	}
	if next.IsZero() {
		s.state.set(StatusIdle, now)
	} else {
		s.state.waiting(next, now)
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return errStopped
	case <-s.nudge:
	case <-t.C:
	}
	return nil
}

func (s *Scheduler) account(ctx context.Context) (domain.Account, error) {
	acc, err := s.deps.Store.GetAccount(ctx, s.accountID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("load account: %w", err)
	}
	if acc.Status != domain.AccountActive {
		return acc, fmt.Errorf("%w: %s", ErrInactive, acc.Status)
	}
	return acc, nil
}

// recoverQueue runs once at start. Items left in posting by a previous run
// fail (the outcome is unknown). Due items that overshot the tolerance are
// moved to retry_wait on a fresh slot; the rest are left for tick.
func (s *Scheduler) recoverQueue(ctx context.Context) error {
	acc, err := s.account(ctx)
	if err != nil {
		return err
	}
	now := s.deps.Now()

	stuck, err := s.deps.Store.ListItems(ctx, storage.ItemFilter{
		AccountID: acc.ID,
		Statuses:  []domain.ItemStatus{domain.ItemPosting},
	})
	if err != nil {
		return fmt.Errorf("list posting items: %w", err)
	}
	for _, it := range stuck {
		if err := s.fail(ctx, it, reasonInterrupted, now); err != nil {
			return err
		}
	}

	due, err := s.deps.Store.ListItems(ctx, storage.ItemFilter{
		AccountID: acc.ID,
		Statuses:  []domain.ItemStatus{domain.ItemScheduled, domain.ItemRetryWait},
		To:        now,
	})
	if err != nil {
		return fmt.Errorf("list due items: %w", err)
	}
	missed := 0
	for _, it := range due {
		if s.late(acc, it, now) {
			if err := s.missWindow(ctx, acc, it, now); err != nil {
				return err
			}
			missed++
		}
	}
	s.log.Info("recovery done", logx.Int("interrupted", len(stuck)), logx.Int("missed", missed), logx.Int("due", len(due)-missed))
	return nil
}

func (s *Scheduler) late(acc domain.Account, it domain.Item, now time.Time) bool {
	tol := max(acc.ToleranceWindow, s.config().Grace)
	return now.Sub(it.At()) > tol
}

// tick processes every due item in order and returns the next due instant
// (zero when the queue is empty).
func (s *Scheduler) tick(ctx context.Context) (time.Time, error) {
	for {
		if s.stopping() {
			return time.Time{}, errStopped
		}
		acc, err := s.account(ctx)
		if err != nil {
			return time.Time{}, err
		}
		now := s.deps.Now()
		s.state.update(func(st *RunState) { st.LastHeartbeat = now })

		items, err := s.deps.Store.ListItems(ctx, storage.ItemFilter{
			AccountID: acc.ID,
			Statuses:  []domain.ItemStatus{domain.ItemScheduled, domain.ItemRetryWait},
			Limit:     1,
		})
		if err != nil {
			return time.Time{}, fmt.Errorf("list queue: %w", err)
		}
		if len(items) == 0 || items[0].ScheduledAt == nil {
			return time.Time{}, nil
		}
		it := items[0]
		if it.At().After(now) {
			return it.At(), nil
		}
		if err := s.process(ctx, acc, it, now); err != nil {
			return time.Time{}, err
		}
	}
}

// process publishes one due item and records the outcome.
func (s *Scheduler) process(ctx context.Context, acc domain.Account, it domain.Item, now time.Time) error {
	s.state.set(StatusProcessing, now)
	log := s.log.With(logx.String("item", it.ID))
	queued := domain.ExpectOf(it)

	if s.late(acc, it, now) {
		return s.missWindow(ctx, acc, it, now)
	}

	recent, err := s.deps.Store.ListItems(ctx, storage.ItemFilter{
		AccountID: acc.ID,
		Statuses:  []domain.ItemStatus{domain.ItemPosted, domain.ItemPosting},
		From:      now.Add(-acc.MinInterval - 24*time.Hour),
	})
	if err != nil {
		return fmt.Errorf("list recent publishes: %w", err)
	}
	if err := allocator.Recheck(acc, it, recent, now); err != nil {
		var ae *domain.AllocationError
		if errors.As(err, &ae) && !ae.At.IsZero() {
			moved, rerr := s.deps.Allocator.RetrySlot(ctx, acc, it, ae.At, queued)
			if rerr != nil {
				if errors.Is(rerr, storage.ErrStale) {
					log.Info("item changed before re-slot; skipped", logx.Err(rerr))
					return nil
				}
				if !domain.IsAllocation(rerr, "") {
					return fmt.Errorf("re-slot: %w", rerr)
				}
				return s.fail(ctx, it, "re-slot after interval check: "+rerr.Error(), now)
			}
			log.Info("item re-slotted before publish", logx.Err(err), logx.TimePtr("scheduled_at", moved.ScheduledAt))
			s.audit(ctx, moved, "reslot", it.Status, moved.Status, err)
			return nil
		}
		return s.fail(ctx, it, err.Error(), now)
	}

	// A user cancel or reschedule that landed after the queue read wins.
	prev := it.Status
	it.Status = domain.ItemPosting
	it.UpdatedAt = now
	if err := s.deps.Store.UpdateItemIf(ctx, it, *queued); err != nil {
		if errors.Is(err, storage.ErrStale) {
			log.Info("item changed before publish; skipped", logx.Err(err))
			return nil
		}
		return fmt.Errorf("mark posting: %w", err)
	}
	s.audit(ctx, it, "posting", prev, it.Status, nil)
	owned := domain.ExpectOf(it)

	cfg := s.config()
	pctx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	perr := s.deps.Publisher.Publish(pctx, acc, it)
	cancel()

	// Writes below use a context that survives shutdown so the outcome of a
	// finished publish is never lost.
	wctx := context.WithoutCancel(ctx)
	done := s.deps.Now()
	s.state.update(func(st *RunState) { st.Processed++; st.LastHeartbeat = done })

	if perr != nil && ctx.Err() != nil {
		it.Status = prev
		it.UpdatedAt = done
		if err := s.deps.Store.UpdateItemIf(wctx, it, *owned); err != nil {
			log.Error("restore item after shutdown failed", logx.Err(err))
		}
		s.audit(wctx, it, "interrupted", domain.ItemPosting, prev, perr)
		return ctx.Err()
	}

	outcome, re, fe := publish.Classify(perr)
	switch outcome {
	case publish.OutcomeSuccess:
		it.Status = domain.ItemPosted
		it.PostedAt = domain.TimePtr(done)
		it.LastError = ""
		it.UpdatedAt = done
		if err := s.deps.Store.UpdateItemIf(wctx, it, *owned); err != nil {
			return fmt.Errorf("mark posted: %w", err)
		}
		s.audit(wctx, it, "posted", domain.ItemPosting, it.Status, nil)
		s.emit(eventbus.ItemPosted, it, nil)
		log.Info("item posted", logx.Duration("lateness", done.Sub(it.At())))
		return nil

	case publish.OutcomeRetry:
		return s.retry(wctx, acc, it, re, done)

	default:
		return s.halt(wctx, acc, it, fe, done)
	}
}

func (s *Scheduler) retry(ctx context.Context, acc domain.Account, it domain.Item, re *publish.RetryableError, now time.Time) error {
	policy := s.config().Retry
	it.Attempts++
	it.LastError = re.Error()
	it.UpdatedAt = now
	log := s.log.With(logx.String("item", it.ID), logx.Int("attempts", it.Attempts), logx.String("kind", string(re.Kind)))

	if policy.Exhausted(it.Attempts) {
		log.Warn("retry ceiling reached")
		return s.fail(ctx, it, it.LastError, now)
	}

	notBefore := policy.NextRetryAt(now, it.Attempts)
	if hint := now.Add(re.After); re.After > 0 && hint.After(notBefore) {
		notBefore = hint
	}
	it.Status = domain.ItemRetryWait
	moved, err := s.deps.Allocator.RetrySlot(ctx, acc, it, notBefore, &domain.Expect{Status: domain.ItemPosting, ScheduledAt: it.ScheduledAt})
	if err != nil {
		if !domain.IsAllocation(err, "") {
			return fmt.Errorf("retry slot: %w", err)
		}
		return s.fail(ctx, it, fmt.Sprintf("%s; no retry slot: %v", it.LastError, err), now)
	}
	s.audit(ctx, moved, "retry", domain.ItemPosting, moved.Status, re)
	s.emit(eventbus.ItemRetry, moved, map[string]any{
		"attempts": moved.Attempts,
		"kind":     string(re.Kind),
		"retry_at": moved.At(),
	})
	log.Info("publish failed; retry scheduled", logx.Err(re), logx.TimePtr("retry_at", moved.ScheduledAt))
	return nil
}

func (s *Scheduler) halt(ctx context.Context, acc domain.Account, it domain.Item, fe *publish.FatalAccountError, now time.Time) error {
	reason := fe.Error()
	var accStatus domain.AccountStatus
	switch fe.Kind {
	case publish.KindBanned:
		// the item did nothing wrong; it waits for the account to come back
		accStatus = domain.AccountSuspended
		it.Status = domain.ItemScheduled
		it.LastError = reason
		it.UpdatedAt = now
		if err := s.deps.Store.UpdateItemIf(ctx, it, domain.Expect{Status: domain.ItemPosting, ScheduledAt: it.ScheduledAt}); err != nil {
			s.log.Error("return item to queue failed", logx.String("item", it.ID), logx.Err(err))
		}
		s.audit(ctx, it, "requeued", domain.ItemPosting, it.Status, fe)
	default:
		accStatus = domain.AccountError
		it.Attempts++
		if err := s.fail(ctx, it, reason, now); err != nil {
			s.log.Error("mark failed", logx.String("item", it.ID), logx.Err(err))
		}
	}

	if err := s.deps.Store.SetAccountStatus(ctx, acc.ID, accStatus, reason); err != nil {
		s.log.Error("set account status failed", logx.Err(err))
	}
	_ = s.deps.Store.AppendAudit(ctx, storage.AuditEntry{
		At:        now,
		AccountID: acc.ID,
		Action:    "account.status",
		From:      string(acc.Status),
		To:        string(accStatus),
		Error:     reason,
	})
	s.state.update(func(st *RunState) {
		st.Halted = true
		st.HaltReason = reason
		st.LastError = reason
	})
	s.deps.Bus.Publish(eventbus.Event{
		Type:      eventbus.AccountHalted,
		Time:      now,
		AccountID: acc.ID,
		ItemID:    it.ID,
		Data:      map[string]any{"status": string(accStatus), "kind": string(fe.Kind), "reason": reason},
	})
	s.log.Error("account halted", logx.String("status", string(accStatus)), logx.String("item", it.ID), logx.Err(fe))
	return fmt.Errorf("%w: %s", ErrHalted, fe.Kind)
}

// missWindow moves an overdue item to retry_wait on a fresh sequential slot.
// When no slot exists the item fails rather than being dropped.
func (s *Scheduler) missWindow(ctx context.Context, acc domain.Account, it domain.Item, now time.Time) error {
	orig := it
	from := it.Status
	late := now.Sub(it.At())
	it.Status = domain.ItemRetryWait
	it.LastError = reasonMissed
	moved, err := s.deps.Allocator.Assign(ctx, allocator.Request{
		Account:  acc,
		Item:     it,
		Strategy: domain.StrategySequential,
		Status:   domain.ItemRetryWait,
		Expect:   domain.ExpectOf(orig),
	})
	if err != nil {
		if errors.Is(err, storage.ErrStale) {
			s.log.Info("missed item changed before re-slot; skipped", logx.String("item", it.ID), logx.Err(err))
			return nil
		}
		if !domain.IsAllocation(err, "") {
			return fmt.Errorf("re-slot missed item: %w", err)
		}
		return s.fail(ctx, orig, fmt.Sprintf("%s; no new slot: %v", reasonMissed, err), now)
	}
	s.audit(ctx, moved, "missed", from, moved.Status, nil)
	s.emit(eventbus.ItemMissed, moved, map[string]any{
		"late":     late.String(),
		"retry_at": moved.At(),
	})
	s.log.Warn("missed publish window; item re-slotted",
		logx.String("item", it.ID),
		logx.Duration("late", late),
		logx.TimePtr("retry_at", moved.ScheduledAt),
	)
	return nil
}

// fail marks it failed and emits item.failed. it must carry the status and
// scheduled_at last read from the store; an item that moved since is left alone.
func (s *Scheduler) fail(ctx context.Context, it domain.Item, reason string, now time.Time) error {
	from := it.Status
	seen := domain.ExpectOf(it)
	it.Status = domain.ItemFailed
	it.LastError = reason
	it.UpdatedAt = now
	if err := s.deps.Store.UpdateItemIf(ctx, it, *seen); err != nil {
		if errors.Is(err, storage.ErrStale) {
			s.log.Info("item changed before it could be failed; skipped", logx.String("item", it.ID), logx.Err(err))
			return nil
		}
		return fmt.Errorf("mark failed: %w", err)
	}
	s.audit(ctx, it, "failed", from, it.Status, errors.New(reason))
	s.emit(eventbus.ItemFailed, it, map[string]any{"attempts": it.Attempts, "reason": reason})
	s.state.update(func(st *RunState) { st.LastError = reason })
	return nil
}

func (s *Scheduler) emit(typ string, it domain.Item, data map[string]any) {
	s.deps.Bus.Publish(eventbus.Event{
		Type:      typ,
		Time:      s.deps.Now(),
		AccountID: it.AccountID,
		ItemID:    it.ID,
		Data:      data,
	})
}

func (s *Scheduler) audit(ctx context.Context, it domain.Item, action string, from, to domain.ItemStatus, cause error) {
	e := storage.AuditEntry{
		At:        s.deps.Now(),
		AccountID: it.AccountID,
		ItemID:    it.ID,
		Action:    action,
		From:      string(from),
		To:        string(to),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	if err := s.deps.Store.AppendAudit(ctx, e); err != nil {
		s.log.Debug("audit write failed", logx.Err(err))
	}
}
