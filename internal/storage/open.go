package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "nodediag/pkg/logx"
)

// Store is the persistence API used by sinks and the HTTP server.
type Store interface {
	SaveBatch(ctx context.Context, b Batch) (int64, error)
	RecentBatches(ctx context.Context, limit int) ([]Batch, error)
	ReportsByName(ctx context.Context, name string, limit int) ([]StoredReport, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
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
