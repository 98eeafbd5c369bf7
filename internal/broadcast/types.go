package broadcast

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped        = errors.New("broadcast processor stopped")
	ErrInvalidPayload = errors.New("invalid broadcast payload")
	ErrQueueFull      = errors.New("broadcast queue full")
	ErrNoTransport    = errors.New("no required transport available")
)

// WebhookEvent is the event name sent to the optional webhook.
const WebhookEvent = "relic_evolution_broadcast"

// Payload is the broadcast body as it travels over every transport.
type Payload struct {
	Type      string   `json:"type"`
	Data      any      `json:"data,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Priority  string   `json:"priority,omitempty"`
	Targets   []string `json:"targets,omitempty"`
	ID        string   `json:"id"`
}

type State string

const (
	StateQueued      State = "queued"
	StateInFlight    State = "in_flight"
	StateRetryQueued State = "retry_queued"
	StateSuccess     State = "success"
	StateFailed      State = "failed"
)

func (s State) Terminal() bool { return s == StateSuccess || s == StateFailed }

// Item is one unit of reliable-delivery work.
type Item struct {
	ID        string    `json:"id"`
	Payload   Payload   `json:"payload"`
	Attempts  int       `json:"attempts"`
	QueuedAt  time.Time `json:"queued_at"`
	State     State     `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	// NotBefore gates a retry_queued item at the head of the queue.
	NotBefore time.Time `json:"not_before,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outcome is published on broadcast.* bus topics.
type Outcome struct {
	ID       string        `json:"id"`
	State    State         `json:"state"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
	Payload  Payload       `json:"payload"`
	Backoff  time.Duration `json:"backoff,omitempty"`
}

type Config struct {
	// Endpoint receives the HTTP POST delivery, e.g. http://localhost:8080/api/broadcast.
	Endpoint string
	// Token is sent as a bearer token on the HTTP POST.
	Token string
	// WebhookURL is used when no webhook_url setting is persisted.
	WebhookURL string

	MaxRetries     int
	RetryBackoff   time.Duration
	ItemDelay      time.Duration
	SafetyInterval time.Duration
	HTTPTimeout    time.Duration
	MaxQueue       int

	StatusMax int
	StatusTTL time.Duration
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.ItemDelay < 0 {
		c.ItemDelay = 0
	} else if c.ItemDelay == 0 {
		c.ItemDelay = 100 * time.Millisecond
	}
	if c.SafetyInterval <= 0 {
		c.SafetyInterval = 2 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 1000
	}
	if c.StatusMax <= 0 {
		c.StatusMax = 500
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 24 * time.Hour
	}
}

// Realtime is the push connection; realtime.Client satisfies it.
type Realtime interface {
	Connected() bool
	Send(ctx context.Context, payload any) error
}

// Settings is the persisted key/value store; storage.Store satisfies it.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}
