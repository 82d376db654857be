package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpilot/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("booking conflict")
	ErrClosed   = errors.New("store closed")
	// ErrStale means a conditional write found the item in another state.
	ErrStale = errors.New("item changed concurrently")
)

// Config configures the primary store.
//
// Driver values: "sqlite" (default), "postgres", "memory", "file".
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// AuditEntry records one state transition of an item or account.
type AuditEntry struct {
	At        time.Time `json:"at"`
	AccountID string    `json:"account_id,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	Action    string    `json:"action"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ItemFilter narrows ListItems. Zero fields do not filter. From/To bound
// scheduled_at inclusively and exclude unscheduled items.
type ItemFilter struct {
	AccountID string
	Statuses  []domain.ItemStatus
	From      time.Time
	To        time.Time
	Limit     int
}

func (f ItemFilter) match(it domain.Item) bool {
	if f.AccountID != "" && it.AccountID != f.AccountID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if it.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		if it.ScheduledAt == nil {
			return false
		}
		if !f.From.IsZero() && it.ScheduledAt.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && it.ScheduledAt.After(f.To) {
			return false
		}
	}
	return true
}

type Repository interface {
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	PutAccount(ctx context.Context, acc domain.Account) error
	SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus, reason string) error

	GetItem(ctx context.Context, id string) (domain.Item, error)
	// PutItem inserts or replaces an item.
	PutItem(ctx context.Context, it domain.Item) error
	// UpdateItemIf replaces an existing item only while its stored status and
	// scheduled_at still match expect. It returns ErrStale otherwise.
	UpdateItemIf(ctx context.Context, it domain.Item, expect domain.Expect) error
	// ListItems returns matching items ordered by scheduled_at (unscheduled last), then id.
	ListItems(ctx context.Context, f ItemFilter) ([]domain.Item, error)
	// Book runs fn over the account's bookings at or after since and persists
	// the item it returns, all in one transaction. A non-nil expect makes the
	// write conditional like UpdateItemIf.
	Book(ctx context.Context, accountID string, since time.Time, expect *domain.Expect, fn func(bookings []domain.Item) (domain.Item, error)) (domain.Item, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// conflictErr reports a uniqueness violation in both vocabularies:
// errors.Is(err, ErrConflict) and domain.IsAllocation(err, domain.SlotTaken).
func conflictErr(it domain.Item, cause error) error {
	ae := domain.NewAllocationError(domain.SlotTaken, it.At(), "booking already exists for account %s", it.AccountID)
	if cause != nil {
		return fmt.Errorf("%w: %w: %v", ErrConflict, ae, cause)
	}
	return fmt.Errorf("%w: %w", ErrConflict, ae)
}

// checkExpect validates the stored copy of an item against expect.
func checkExpect(cur domain.Item, found bool, expect domain.Expect) error {
	if !found {
		return ErrNotFound
	}
	if !expect.Holds(cur) {
		return fmt.Errorf("%w: item %s is %s", ErrStale, cur.ID, cur.Status)
	}
	return nil
}

// collides reports whether it shares a booked instant with another item.
func collides(it domain.Item, others []domain.Item) bool {
	if !it.Booked() {
		return false
	}
	for _, o := range others {
		if o.ID != it.ID && o.AccountID == it.AccountID && o.Booked() && o.At().Equal(it.At()) {
			return true
		}
	}
	return false
}
