package domain

import (
	"strings"
	"time"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountInactive  AccountStatus = "inactive"
	AccountError     AccountStatus = "error"
	AccountSuspended AccountStatus = "suspended"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountInactive, AccountError, AccountSuspended:
		return true
	}
	return false
}

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemScheduled ItemStatus = "scheduled"
	ItemPosting   ItemStatus = "posting"
	ItemPosted    ItemStatus = "posted"
	ItemRetryWait ItemStatus = "retry_wait"
	ItemFailed    ItemStatus = "failed"
	ItemCancelled ItemStatus = "cancelled"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemPending, ItemScheduled, ItemPosting, ItemPosted, ItemRetryWait, ItemFailed, ItemCancelled:
		return true
	}
	return false
}

// Occupying reports whether an item in this status counts towards capacity.
func (s ItemStatus) Occupying() bool {
	return s == ItemScheduled || s == ItemPosting || s == ItemPosted
}

// Spacing reports whether an item in this status is expected to publish at
// its scheduled_at, so it counts for min_interval and max_per_day.
func (s ItemStatus) Spacing() bool {
	return s.Occupying() || s == ItemRetryWait
}

// Due reports whether the daemon picks up items in this status once scheduled_at passes.
func (s ItemStatus) Due() bool {
	return s == ItemScheduled || s == ItemRetryWait
}

type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyRandom     Strategy = "random"
	StrategySpaced     Strategy = "spaced"
)

// ParseStrategy maps user input to a Strategy. Empty input means sequential.
func ParseStrategy(raw string) (Strategy, bool) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", StrategySequential:
		return StrategySequential, true
	case StrategyRandom:
		return StrategyRandom, true
	case StrategySpaced:
		return StrategySpaced, true
	}
	return "", false
}

// Account is owned by account management; the scheduling core only reads it,
// except for flipping Status to error/suspended on fatal publish failures.
type Account struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Platform     string        `json:"platform,omitempty"`
	Status       AccountStatus `json:"status"`
	StatusReason string        `json:"status_reason,omitempty"`

	Pattern         PostingPattern `json:"pattern"`
	MaxPerDay       int            `json:"max_per_day"`
	MinInterval     time.Duration  `json:"min_interval"`
	ToleranceWindow time.Duration  `json:"tolerance_window"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location returns the account's time zone (UTC when unset or unknown).
func (a Account) Location() *time.Location {
	return a.Pattern.Location()
}

// Item is a unit of content waiting to be published.
type Item struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	PayloadRef  string     `json:"payload_ref"`
	Status      ItemStatus `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	Strategy    Strategy   `json:"strategy,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	PostedAt  *time.Time `json:"posted_at,omitempty"`
}

// Booked reports whether the item claims its scheduled instant.
func (it Item) Booked() bool {
	return it.ScheduledAt != nil && it.Status != ItemCancelled
}

// At returns the scheduled instant or the zero time.
func (it Item) At() time.Time {
	if it.ScheduledAt == nil {
		return time.Time{}
	}
	return *it.ScheduledAt
}

// Expect is the stored state a conditional item write requires. Instants
// compare at millisecond precision, the resolution the SQL stores keep.
type Expect struct {
	Status      ItemStatus
	ScheduledAt *time.Time
}

// ExpectOf captures the item's current status and scheduled time.
func ExpectOf(it Item) *Expect {
	e := &Expect{Status: it.Status}
	if it.ScheduledAt != nil {
		e.ScheduledAt = TimePtr(*it.ScheduledAt)
	}
	return e
}

// Holds reports whether cur still matches the expectation.
func (e Expect) Holds(cur Item) bool {
	if cur.Status != e.Status {
		return false
	}
	switch {
	case e.ScheduledAt == nil && cur.ScheduledAt == nil:
		return true
	case e.ScheduledAt == nil || cur.ScheduledAt == nil:
		return false
	}
	return e.ScheduledAt.UnixMilli() == cur.ScheduledAt.UnixMilli()
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
