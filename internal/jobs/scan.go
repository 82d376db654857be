package jobs

import (
	"context"
	"fmt"
	"time"

	"postpilot/internal/capacity"
	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

const (
	SyncJob = "supervisor.sync"
	ScanJob = "capacity.scan"
)

// CapacityScan returns a job that classifies every active account's
// occupancy and publishes a capacity.alert event for warning and critical
// levels.
func CapacityScan(store storage.Repository, bus eventbus.Bus, windowDays int, now func() time.Time, log logx.Logger) Func {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		accounts, err := store.ListAccounts(ctx)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		t := now()
		alerts := 0
		for _, acc := range accounts {
			if acc.Status != domain.AccountActive {
				continue
			}
			items, err := store.ListItems(ctx, storage.ItemFilter{
				AccountID: acc.ID,
				From:      domain.StartOfDay(t, acc.Location()),
				To:        t.Add(time.Duration(windowDays+1) * 24 * time.Hour),
			})
			if err != nil {
				return fmt.Errorf("account %s: %w", acc.ID, err)
			}
			a := capacity.Classify(capacity.Occupancy(acc, items, windowDays, t))
			if a.Level.Rank() < capacity.LevelWarning.Rank() {
				continue
			}
			alerts++
			bus.Publish(eventbus.Event{Type: eventbus.CapacityAlert, Time: t, AccountID: acc.ID, Data: a})
		}
		log.Debug("capacity scan done", logx.Int("accounts", len(accounts)), logx.Int("alerts", alerts))
		return nil
	}
}
