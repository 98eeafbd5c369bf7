package storage

import (
	"context"
	"errors"
	"strings"

	logx "vaultpulse/pkg/logx"
)

// Store is the minimal persistence API used by the pulse orchestrator,
// the broadcast processor (webhook settings) and the CLI.
type Store interface {
	AppendPulseResult(ctx context.Context, rec PulseRecord) error
	// RecentPulseResults returns up to limit records for eventID, oldest first.
	RecentPulseResults(ctx context.Context, eventID string, limit int) ([]PulseRecord, error)

	PutSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	DeleteSetting(ctx context.Context, key string) error

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
