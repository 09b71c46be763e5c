package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "fetchbot/pkg/logx"
)

// Store is the minimal persistence API the dispatcher needs: single-row
// upsert atomicity, point reads, and retention pruning. No transactions.
type Store interface {
	UpsertJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, bool, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
	PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
