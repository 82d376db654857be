// Package relay forwards bus events to an external message broker so other
// systems can follow item and account lifecycle changes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

// Message is one event ready for the broker. RoutingKey is the event type.
type Message struct {
	ID         string
	RoutingKey string
	Time       time.Time
	Body       []byte
}

type Broker interface {
	Publish(ctx context.Context, m Message) error
	// Done yields once when the connection is lost.
	Done() <-chan error
	Close() error
}

type Dialer func(ctx context.Context) (Broker, error)

// Relay subscribes at construction so events published while the broker is
// reconnecting wait in the subscription buffer (and are dropped when it
// fills).
type Relay struct {
	dial   Dialer
	log    logx.Logger
	events <-chan eventbus.Event
	unsub  func()

	pending   *Message
	published atomic.Uint64
	failed    atomic.Uint64
	sessions  atomic.Uint64
}

func New(bus eventbus.Bus, dial Dialer, buffer int, log logx.Logger) *Relay {
	if buffer <= 0 {
		buffer = 256
	}
	events, unsub := bus.Subscribe(buffer)
	return &Relay{dial: dial, log: log.With(logx.Component("relay")), events: events, unsub: unsub}
}

// Run holds one broker session. It returns nil when ctx is done and an error
// when the connection drops, so it is meant to run under a restart loop.
func (r *Relay) Run(ctx context.Context) error {
	b, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	n := r.sessions.Add(1)
	r.log.Info("relay connected", logx.Uint64("session", n))
	lost := b.Done()

	// a message that failed in the previous session goes first
	if r.pending != nil {
		if err := r.send(ctx, b, *r.pending); err != nil {
			return err
		}
		r.pending = nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			return fmt.Errorf("relay connection lost: %w", err)
		case ev, ok := <-r.events:
			if !ok {
				return nil
			}
			m, err := Encode(ev)
			if err != nil {
				r.failed.Add(1)
				r.log.Warn("event not encodable; skipped", logx.String("type", ev.Type), logx.Err(err))
				continue
			}
			if err := r.send(ctx, b, m); err != nil {
				r.pending = &m
				return err
			}
		}
	}
}

func (r *Relay) send(ctx context.Context, b Broker, m Message) error {
	if err := b.Publish(ctx, m); err != nil {
		r.failed.Add(1)
		return fmt.Errorf("relay publish %s: %w", m.RoutingKey, err)
	}
	r.published.Add(1)
	return nil
}

// Close stops the subscription. Run returns once it drains.
func (r *Relay) Close() { r.unsub() }

type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Sessions  uint64 `json:"sessions"`
}

func (r *Relay) Stats() Stats {
	return Stats{Published: r.published.Load(), Failed: r.failed.Load(), Sessions: r.sessions.Load()}
}

// Encode renders ev as the JSON message body.
func Encode(ev eventbus.Event) (Message, error) {
	if ev.Type == "" {
		return Message{}, errors.New("event type is empty")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: uuid.NewString(), RoutingKey: ev.Type, Time: ev.Time, Body: body}, nil
}
