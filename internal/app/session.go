package app

import (
	"context"

	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/planner"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// Session is a short-lived handle for one-shot commands. It plans against
// the configured store without running daemons; a serve process sharing the
// store picks the changes up on its next sync.
type Session struct {
	Config  *config.Config
	Planner *planner.Service

	store storage.Repository
	log   logx.Logger
}

// OpenSession loads cfgPath and opens the store. Legacy reconciliation is
// left to the migrate-legacy command and the serve process.
func OpenSession(cfgPath string, log logx.Logger) (*Session, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.Component("storage")))
	if err != nil {
		return nil, err
	}
	allocCfg, _ := cfg.ResolveAllocator()
	capCfg, _ := cfg.ResolveCapacity()

	alloc := newAllocator(store, allocCfg, log.With(logx.Component("allocator")))
	plan := planner.New(store, alloc,
		planner.WithBus(eventbus.Nop{}),
		planner.WithLogger(log),
		planner.WithWindowDays(capCfg.WindowDays),
	)
	return &Session{Config: cfg, Planner: plan, store: store, log: log}, nil
}

// MigrateLegacy folds the file store at path into the primary store.
func (s *Session) MigrateLegacy(ctx context.Context, path string) (storage.ReconcileReport, error) {
	return migrateLegacy(ctx, s.store, path, s.log)
}

func (s *Session) Close() error { return s.store.Close() }
