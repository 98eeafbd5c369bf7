package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// SettingWebhookURL is the persisted settings key holding the optional broadcast webhook URL.
const SettingWebhookURL = "webhook_url"

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl audit + settings snapshot)
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PulseRecord is one audit-trail row: a single channel result for a single
// pulse attempt. Records are never updated; a retry appends a new one.
type PulseRecord struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	At        time.Time `json:"at"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Kind      string    `json:"kind,omitempty"`
}
