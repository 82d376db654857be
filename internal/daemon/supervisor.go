package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"postpilot/internal/domain"
	rtsup "postpilot/internal/runtime/supervisor"
	logx "postpilot/pkg/logx"
)

// Supervisor keeps exactly one Scheduler running per active account.
type Supervisor struct {
	deps Deps
	log  logx.Logger
	rt   *rtsup.Supervisor

	cfg atomic.Pointer[Config]

	mu       sync.Mutex
	running  map[string]*entry
	last     map[string]RunState
	stopping bool
}

type entry struct {
	sched *Scheduler
	done  chan struct{}
	// restart starts a fresh daemon once this one has exited.
	restart bool
}

// NewSupervisor runs daemons under rt. Cancelling rt's context is a hard
// shutdown: in-flight publishes are cancelled too.
func NewSupervisor(rt *rtsup.Supervisor, deps Deps, cfg Config) *Supervisor {
	deps = deps.withDefaults()
	s := &Supervisor{
		deps:    deps,
		log:     deps.Log.With(logx.Component("supervisor")),
		rt:      rt,
		running: map[string]*entry{},
		last:    map[string]RunState{},
	}
	s.SetConfig(cfg)
	return s
}

// SetConfig applies cfg to running and future daemons.
func (s *Supervisor) SetConfig(cfg Config) {
	cfg = cfg.normalized()
	s.cfg.Store(&cfg)
	s.mu.Lock()
	for _, e := range s.running {
		e.sched.SetConfig(cfg)
	}
	s.mu.Unlock()
}

// Sync starts daemons for active accounts and stops the others.
func (s *Supervisor) Sync(ctx context.Context) error {
	accounts, err := s.deps.Store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	active := make(map[string]bool, len(accounts))
	started := 0
	for _, a := range accounts {
		if a.Status != domain.AccountActive {
			continue
		}
		active[a.ID] = true
		if s.start(a.ID) {
			started++
		}
	}

	s.mu.Lock()
	var stale []*entry
	for id, e := range s.running {
		if !active[id] {
			e.restart = false
			stale = append(stale, e)
		}
	}
	s.mu.Unlock()
	for _, e := range stale {
		e.sched.Stop()
	}
	if started > 0 || len(stale) > 0 {
		s.log.Info("daemons synced", logx.Int("started", started), logx.Int("stopped", len(stale)), logx.Int("active", len(active)))
	}
	return nil
}

// Activate starts the account's daemon if it is not already running. When
// the previous daemon is still finishing after a stop, the new one starts as
// soon as it exits. The account must be active; the daemon exits on its own
// otherwise.
func (s *Supervisor) Activate(accountID string) bool {
	return s.start(accountID)
}

func (s *Supervisor) start(accountID string) bool {
	if s.rt.Context().Err() != nil {
		return false
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return false
	}
	if cur, ok := s.running[accountID]; ok {
		queued := cur.sched.stopping() && !cur.restart
		if queued {
			cur.restart = true
		}
		s.mu.Unlock()
		return queued
	}
	sched := NewScheduler(accountID, s.deps, *s.cfg.Load())
	e := &entry{sched: sched, done: make(chan struct{})}
	s.running[accountID] = e
	s.mu.Unlock()

	s.rt.Go("daemon."+accountID, func(ctx context.Context) error {
		defer close(e.done)
		err := sched.Run(ctx)

		s.mu.Lock()
		if s.running[accountID] == e {
			delete(s.running, accountID)
		}
		s.last[accountID] = sched.State()
		restart := e.restart && !s.stopping
		s.mu.Unlock()

		if restart {
			s.log.Info("restarting re-activated daemon", logx.String("account", accountID))
			s.start(accountID)
		}

		switch {
		case errors.Is(err, ErrHalted):
			// the account status written by the daemon keeps Sync away
			return nil
		case errors.Is(err, ErrInactive):
			return nil
		}
		return err
	})
	return true
}

// Deactivate signals the daemon to stop without aborting a publish in flight.
// It returns a channel closed once the daemon has exited.
func (s *Supervisor) Deactivate(accountID string) <-chan struct{} {
	s.mu.Lock()
	e, ok := s.running[accountID]
	if ok {
		e.restart = false
	}
	s.mu.Unlock()
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	e.sched.Stop()
	return e.done
}

// Nudge wakes the account's daemon, e.g. after a new or rescheduled item.
func (s *Supervisor) Nudge(accountID string) {
	s.mu.Lock()
	e, ok := s.running[accountID]
	s.mu.Unlock()
	if ok {
		e.sched.Nudge()
	}
}

func (s *Supervisor) Running(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[accountID]
	return ok
}

// Status reports run state for one account, or for every known account when
// accountID is empty. Accounts without a running daemon report stopped.
func (s *Supervisor) Status(ctx context.Context, accountID string) ([]RunState, error) {
	var ids []string
	if accountID != "" {
		if _, err := s.deps.Store.GetAccount(ctx, accountID); err != nil {
			return nil, err
		}
		ids = []string{accountID}
	} else {
		accounts, err := s.deps.Store.ListAccounts(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range accounts {
			ids = append(ids, a.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunState, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.running[id]; ok {
			out = append(out, e.sched.State())
			continue
		}
		st, ok := s.last[id]
		if !ok {
			st = RunState{AccountID: id}
		}
		st.Status = StatusStopped
		st.NextDueAt = nil
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// StopAll stops every daemon and waits for them. Publishes in flight finish
// unless ctx expires first, in which case they are cancelled.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	entries := make([]*entry, 0, len(s.running))
	for _, e := range s.running {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.sched.Stop()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			select {
			case <-e.done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("daemon %s: %w", e.sched.AccountID(), gctx.Err())
			}
		})
	}
	err := g.Wait()
	if err != nil {
		s.log.Warn("daemons did not stop in time; cancelling", logx.Err(err))
		s.rt.Cancel()
	}
	return err
}
