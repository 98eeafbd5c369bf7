package pulse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"vaultpulse/internal/storage"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrNoStatus         = errors.New("no status for event")
)

// EventType is the closed set of occurrences that can raise a pulse.
type EventType string

const (
	EventGlyphDetected EventType = "glyph_detected"
	EventVaultActivity EventType = "vault_activity"
	EventMint          EventType = "mint"
)

func (t EventType) Valid() bool {
	switch t {
	case EventGlyphDetected, EventVaultActivity, EventMint:
		return true
	}
	return false
}

// ParseEventType accepts the canonical names plus dashed variants ("vault-activity").
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	return t, nil
}

// Event is immutable once created. Data may hold nested metadata.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data,omitempty"`
	// Severity is optional; 0 means unset.
	Severity int `json:"severity,omitempty"`
}

func NewEvent(t EventType, data map[string]any, severity int) (Event, error) {
	if !t.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		CreatedAt: time.Now(),
		Data:      data,
		Severity:  severity,
	}, nil
}

// ErrorKind classifies a failed Result.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindTransport ErrorKind = "transport"
	KindAuth      ErrorKind = "auth"
	KindPayload   ErrorKind = "payload"
	KindConfig    ErrorKind = "config"
	KindPanic     ErrorKind = "panic"
)

// Result is the outcome of one delivery attempt on one channel.
type Result struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Kind      ErrorKind `json:"kind,omitempty"`
}

func Sent(channel, messageID string) Result {
	return Result{Channel: channel, Success: true, Timestamp: time.Now(), MessageID: messageID}
}

func Failed(channel string, kind ErrorKind, err error) Result {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	if kind == KindNone {
		kind = KindTransport
	}
	return Result{Channel: channel, Timestamp: time.Now(), Error: msg, Kind: kind}
}

// KindForStatus maps an HTTP status code from a provider API to an ErrorKind.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code >= 400 && code < 500:
		return KindPayload
	default:
		return KindTransport
	}
}

// Channel is one outbound notification transport.
//
// Send must always return a Result: transport errors are converted into a
// failed Result, never returned or panicked across this boundary.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) Result
}

// State is the per-channel delivery state in the status view.
type State string

const (
	StatePending State = "pending"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

type Status struct {
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
	Result    *Result   `json:"result,omitempty"`
}

// StatusStore is the last-write-wins view keyed by event id + channel.
type StatusStore interface {
	Set(ctx context.Context, eventID, channel string, st Status) error
	Get(ctx context.Context, eventID string) (map[string]Status, error)
}

// AuditSink receives every Result (append-only trail). storage.Store satisfies it.
type AuditSink interface {
	AppendPulseResult(ctx context.Context, rec storage.PulseRecord) error
}

func (r Result) record(ev Event) storage.PulseRecord {
	return storage.PulseRecord{
		EventID:   ev.ID,
		EventType: string(ev.Type),
		Channel:   r.Channel,
		Success:   r.Success,
		At:        r.Timestamp,
		MessageID: r.MessageID,
		Error:     r.Error,
		Kind:      string(r.Kind),
	}
}
