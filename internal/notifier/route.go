package notifier

import (
	"context"
	"errors"
	"fmt"

	"postpilot/internal/capacity"
	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

// Watched lists the bus events that become notifications.
var Watched = []string{eventbus.ItemFailed, eventbus.AccountHalted, eventbus.CapacityAlert}

// Forward feeds watched bus events into s until ctx is done.
func (s *Service) Forward(ctx context.Context, bus eventbus.Bus) error {
	events, unsubscribe := bus.Subscribe(64, Watched...)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n, ok := FromEvent(ev)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrQueueFull) {
				s.log.Debug("notify skipped", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

// FromEvent renders a bus event. Capacity alerts below warning are dropped.
func FromEvent(ev eventbus.Event) (Notification, bool) {
	data, _ := ev.Data.(map[string]any)
	str := func(k string) string {
		v, _ := data[k].(string)
		return v
	}

	switch ev.Type {
	case eventbus.ItemFailed:
		return Notification{
			Key:       "failed:" + ev.ItemID,
			Level:     capacity.LevelWarning,
			AccountID: ev.AccountID,
			ItemID:    ev.ItemID,
			Title:     "Item failed",
			Text:      fmt.Sprintf("Item %s on account %s gave up: %s", ev.ItemID, ev.AccountID, str("reason")),
		}, true

	case eventbus.AccountHalted:
		return Notification{
			Key:       "halted:" + ev.AccountID + ":" + str("status"),
			Level:     capacity.LevelCritical,
			AccountID: ev.AccountID,
			Title:     "Publishing halted",
			Text:      fmt.Sprintf("Account %s is now %s: %s", ev.AccountID, str("status"), str("reason")),
		}, true

	case eventbus.CapacityAlert:
		var a capacity.Alert
		switch v := ev.Data.(type) {
		case capacity.Alert:
			a = v
		case *capacity.Alert:
			a = *v
		default:
			return Notification{}, false
		}
		if a.Level.Rank() < capacity.LevelWarning.Rank() {
			return Notification{}, false
		}
		return Notification{
			Key:       "capacity:" + a.AccountID + ":" + string(a.Level),
			Level:     a.Level,
			AccountID: a.AccountID,
			Title:     "Capacity " + string(a.Level),
			Text:      fmt.Sprintf("Account %s: %s", a.AccountID, a.Message),
		}, true
	}
	return Notification{}, false
}
