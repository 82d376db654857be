package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"postpilot/internal/domain"
)

// Memory is an in-process Repository. Everything is lost on exit.
type Memory struct {
	mu       sync.Mutex
	closed   bool
	accounts map[string]domain.Account
	items    map[string]domain.Item
	audit    []AuditEntry
	dedup    map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts: map[string]domain.Account{},
		items:    map[string]domain.Item{},
		dedup:    map[string]time.Time{},
	}
}

func (m *Memory) GetAccount(_ context.Context, id string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	return cloneAccount(acc), nil
}

func (m *Memory) ListAccounts(context.Context) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, cloneAccount(a))
	}
	sortAccounts(out)
	return out, nil
}

func (m *Memory) PutAccount(_ context.Context, acc domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.accounts[acc.ID] = cloneAccount(acc)
	return nil
}

func (m *Memory) SetAccountStatus(_ context.Context, id string, status domain.AccountStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acc.Status = status
	acc.StatusReason = reason
	acc.UpdatedAt = time.Now()
	m.accounts[id] = acc
	return nil
}

func (m *Memory) GetItem(_ context.Context, id string) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return domain.Item{}, ErrNotFound
	}
	return cloneItem(it), nil
}

func (m *Memory) PutItem(_ context.Context, it domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(it)
}

func (m *Memory) UpdateItemIf(_ context.Context, it domain.Item, expect domain.Expect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[it.ID]
	if err := checkExpect(cur, ok, expect); err != nil {
		return err
	}
	return m.putLocked(it)
}

func (m *Memory) putLocked(it domain.Item) error {
	if m.closed {
		return ErrClosed
	}
	if it.Booked() {
		for _, o := range m.items {
			if o.ID != it.ID && o.AccountID == it.AccountID && o.Booked() && o.At().Equal(it.At()) {
				return conflictErr(it, nil)
			}
		}
	}
	m.items[it.ID] = cloneItem(it)
	return nil
}

func (m *Memory) ListItems(_ context.Context, f ItemFilter) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Item
	for _, it := range m.items {
		if f.match(it) {
			out = append(out, cloneItem(it))
		}
	}
	sortItems(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Book(_ context.Context, accountID string, since time.Time, expect *domain.Expect, fn func([]domain.Item) (domain.Item, error)) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.Item{}, ErrClosed
	}
	var existing []domain.Item
	for _, it := range m.items {
		if it.AccountID == accountID && it.Booked() && !it.At().Before(since) {
			existing = append(existing, cloneItem(it))
		}
	}
	sortItems(existing)
	out, err := fn(existing)
	if err != nil {
		return domain.Item{}, err
	}
	if expect != nil {
		cur, ok := m.items[out.ID]
		if err := checkExpect(cur, ok, *expect); err != nil {
			return domain.Item{}, err
		}
	}
	if err := m.putLocked(out); err != nil {
		return domain.Item{}, err
	}
	return cloneItem(out), nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sortAccounts(accs []domain.Account) {
	sort.Slice(accs, func(i, j int) bool { return accs[i].ID < accs[j].ID })
}

func sortItems(items []domain.Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].ScheduledAt, items[j].ScheduledAt
		switch {
		case a == nil && b == nil:
			return items[i].ID < items[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return items[i].ID < items[j].ID
	})
}

func cloneItem(it domain.Item) domain.Item {
	if it.ScheduledAt != nil {
		it.ScheduledAt = domain.TimePtr(*it.ScheduledAt)
	}
	if it.PostedAt != nil {
		it.PostedAt = domain.TimePtr(*it.PostedAt)
	}
	return it
}

func cloneAccount(a domain.Account) domain.Account {
	a.Pattern.Slots = append([]domain.Slot(nil), a.Pattern.Slots...)
	return a
}
