package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "postpilot/pkg/logx"
)

// Collision is a legacy booking that could not be imported because the
// primary store already holds another item at the same instant.
type Collision struct {
	ItemID    string    `json:"item_id"`
	AccountID string    `json:"account_id"`
	At        time.Time `json:"at"`
}

type ReconcileReport struct {
	AccountsImported int         `json:"accounts_imported"`
	AccountsSkipped  int         `json:"accounts_skipped"`
	ItemsImported    int         `json:"items_imported"`
	ItemsSkipped     int         `json:"items_skipped"`
	Collisions       []Collision `json:"collisions,omitempty"`
}

// Reconcile copies legacy documents into primary so primary becomes the single
// source of truth. A record is imported when primary lacks it or holds an
// older UpdatedAt. Colliding bookings are reported and left out.
func Reconcile(ctx context.Context, legacy, primary Repository, log logx.Logger) (ReconcileReport, error) {
	var rep ReconcileReport

	accounts, err := legacy.ListAccounts(ctx)
	if err != nil {
		return rep, fmt.Errorf("list legacy accounts: %w", err)
	}
	for _, a := range accounts {
		cur, err := primary.GetAccount(ctx, a.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return rep, fmt.Errorf("get account %s: %w", a.ID, err)
		case !a.UpdatedAt.After(cur.UpdatedAt):
			rep.AccountsSkipped++
			continue
		}
		if err := primary.PutAccount(ctx, a); err != nil {
			return rep, fmt.Errorf("put account %s: %w", a.ID, err)
		}
		rep.AccountsImported++
	}

	items, err := legacy.ListItems(ctx, ItemFilter{})
	if err != nil {
		return rep, fmt.Errorf("list legacy items: %w", err)
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		cur, err := primary.GetItem(ctx, it.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return rep, fmt.Errorf("get item %s: %w", it.ID, err)
		case !it.UpdatedAt.After(cur.UpdatedAt):
			rep.ItemsSkipped++
			continue
		}
		err = primary.PutItem(ctx, it)
		if errors.Is(err, ErrConflict) {
			rep.Collisions = append(rep.Collisions, Collision{ItemID: it.ID, AccountID: it.AccountID, At: it.At()})
			log.Warn("legacy booking collides; not imported",
				logx.String("item", it.ID),
				logx.String("account", it.AccountID),
				logx.Time("scheduled_at", it.At()),
			)
			continue
		}
		if err != nil {
			return rep, fmt.Errorf("put item %s: %w", it.ID, err)
		}
		rep.ItemsImported++
		_ = primary.AppendAudit(ctx, AuditEntry{
			AccountID: it.AccountID,
			ItemID:    it.ID,
			Action:    "legacy.import",
			To:        string(it.Status),
		})
	}

	log.Info("legacy store reconciled",
		logx.Int("accounts_imported", rep.AccountsImported),
		logx.Int("items_imported", rep.ItemsImported),
		logx.Int("items_skipped", rep.ItemsSkipped),
		logx.Int("collisions", len(rep.Collisions)),
	)
	return rep, nil
}
