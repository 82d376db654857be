package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "sqlite", "sqlite3":
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	case "file":
		return storage.Config{Driver: "file", Path: strings.TrimSpace(sc.Path)}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// openStore opens the primary store and, when storage.legacy_path is set,
// folds the legacy JSON store into it first.
func openStore(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Repository, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	legacy := strings.TrimSpace(cfg.Storage.LegacyPath)
	if legacy == "" {
		return store, nil
	}
	if _, err := migrateLegacy(ctx, store, legacy, log); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// migrateLegacy reconciles the file store at path into primary.
func migrateLegacy(ctx context.Context, primary storage.Repository, path string, log logx.Logger) (storage.ReconcileReport, error) {
	old, err := storage.Open(storage.Config{Driver: "file", Path: path}, log)
	if err != nil {
		return storage.ReconcileReport{}, fmt.Errorf("open legacy store: %w", err)
	}
	defer old.Close()
	rep, err := storage.Reconcile(ctx, old, primary, log.With(logx.String("legacy", path)))
	if err != nil {
		return rep, fmt.Errorf("reconcile legacy store: %w", err)
	}
	return rep, nil
}
