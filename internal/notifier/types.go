package notifier

import (
	"context"
	"time"

	"postpilot/internal/capacity"
)

// Notification is one operator message. Key identifies the condition for
// de-duplication; messages with an empty Key are never suppressed.
type Notification struct {
	Key       string
	Level     capacity.Level
	AccountID string
	ItemID    string
	Title     string
	Text      string
}

// Sender delivers a rendered notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

type SenderFunc func(ctx context.Context, n Notification) error

func (f SenderFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type HistoryItem struct {
	At    time.Time      `json:"at"`
	Level capacity.Level `json:"level"`
	Title string         `json:"title"`
	Error string         `json:"error,omitempty"`
}

type Stats struct {
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	Sent     uint64        `json:"sent"`
	Failed   uint64        `json:"failed"`
	Deduped  uint64        `json:"deduped"`
	Dropped  uint64        `json:"dropped"`
	History  []HistoryItem `json:"history,omitempty"`
}
