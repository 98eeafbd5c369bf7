package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Credentials should be written as ${VAR} references; they are expanded from
// the environment (and .env files) before decoding.
type Config struct {
	Logging     LoggingConfig      `json:"logging"`
	Storage     *StorageConfig     `json:"storage,omitempty"`
	StatusStore *StatusStoreConfig `json:"status_store,omitempty"`
	Pulse       PulseConfig        `json:"pulse"`
	Broadcast   BroadcastConfig    `json:"broadcast"`
	Realtime    RealtimeConfig     `json:"realtime"`
	Server      ServerConfig       `json:"server"`
	Metrics     MetricsConfig      `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	JSON    bool   `json:"json,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// StorageConfig controls the audit trail and persisted settings.
//
// Driver: "file" | "sqlite" | "none" (default).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// StatusStoreConfig selects the live per-channel status view.
//
// Driver: "memory" (default) | "redis".
type StatusStoreConfig struct {
	Driver    string `json:"driver"`
	MaxEvents int    `json:"max_events,omitempty"`

	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

// PulseConfig controls the multi-channel orchestrator.
// Only the enabled flags and sync_window are hot-reloadable.
type PulseConfig struct {
	SyncWindow string `json:"sync_window,omitempty"`
	Timeout    string `json:"timeout,omitempty"`

	Social   SocialConfig   `json:"social"`
	Email    EmailConfig    `json:"email"`
	SMS      SMSConfig      `json:"sms"`
	Telegram TelegramConfig `json:"telegram"`
}

// ChannelToggle is embedded by every channel section.
type ChannelToggle struct {
	Enabled    bool `json:"enabled"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
}

type SocialConfig struct {
	ChannelToggle
	Endpoint    string   `json:"endpoint,omitempty"`
	BearerToken string   `json:"bearer_token,omitempty"`
	Hashtags    []string `json:"hashtags,omitempty"`
}

type EmailConfig struct {
	ChannelToggle
	Host          string   `json:"host,omitempty"`
	Port          int      `json:"port,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	From          string   `json:"from,omitempty"`
	To            []string `json:"to,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
}

type SMSConfig struct {
	ChannelToggle
	BaseURL    string   `json:"base_url,omitempty"`
	AccountSID string   `json:"account_sid,omitempty"`
	AuthToken  string   `json:"auth_token,omitempty"`
	From       string   `json:"from,omitempty"`
	To         []string `json:"to,omitempty"`
}

type TelegramConfig struct {
	ChannelToggle
	Token          string  `json:"token,omitempty"`
	ChatIDs        []int64 `json:"chat_ids,omitempty"`
	APIURL         string  `json:"api_url,omitempty"`
	ThreadID       int     `json:"thread_id,omitempty"`
	DisablePreview bool    `json:"disable_preview,omitempty"`
}

// BroadcastConfig controls the retry queue.
//
// Defaults (when fields are omitted/zero):
//   - max_retries: 3
//   - retry_backoff: "1s"
//   - item_delay: "100ms"
//   - safety_interval: "2s"
//   - http_timeout: "10s"
//   - max_queue: 1000
type BroadcastConfig struct {
	Endpoint   string `json:"endpoint,omitempty"`
	Token      string `json:"token,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`

	MaxRetries     int    `json:"max_retries,omitempty"`
	RetryBackoff   string `json:"retry_backoff,omitempty"`
	ItemDelay      string `json:"item_delay,omitempty"`
	SafetyInterval string `json:"safety_interval,omitempty"`
	HTTPTimeout    string `json:"http_timeout,omitempty"`
	MaxQueue       int    `json:"max_queue,omitempty"`
	StatusMax      int    `json:"status_max,omitempty"`
	StatusTTL      string `json:"status_ttl,omitempty"`
}

// RealtimeConfig controls the outbound WebSocket/SSE client.
// An empty base_url disables the client.
type RealtimeConfig struct {
	BaseURL          string `json:"base_url,omitempty"`
	WSPath           string `json:"ws_path,omitempty"`
	SSEPath          string `json:"sse_path,omitempty"`
	Token            string `json:"token,omitempty"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	ReconnectBackoff string `json:"reconnect_backoff,omitempty"`
	MaxAttempts      int    `json:"max_attempts,omitempty"`
	WriteTimeout     string `json:"write_timeout,omitempty"`
}

// ServerConfig controls the relay HTTP server. An empty addr disables it.
type ServerConfig struct {
	Addr              string   `json:"addr,omitempty"`
	Token             string   `json:"token,omitempty"`
	RatePerSec        int      `json:"rate_per_sec,omitempty"`
	Burst             int      `json:"burst,omitempty"`
	ReadHeaderTimeout string   `json:"read_header_timeout,omitempty"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	TrustedProxies    []string `json:"trusted_proxies,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}
