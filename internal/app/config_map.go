package app

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"vaultpulse/internal/broadcast"
	"vaultpulse/internal/channels"
	"vaultpulse/internal/channels/email"
	"vaultpulse/internal/channels/sms"
	"vaultpulse/internal/channels/social"
	"vaultpulse/internal/channels/telegram"
	"vaultpulse/internal/config"
	"vaultpulse/internal/pulse"
	"vaultpulse/internal/realtime"
	"vaultpulse/internal/server"
	"vaultpulse/internal/storage"
	logx "vaultpulse/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// statusStoreChoice is the resolved status_store section.
type statusStoreChoice struct {
	driver    string
	maxEvents int
	redis     pulse.RedisConfig
}

func mapStatusStoreConfig(cfg *config.Config) (statusStoreChoice, error) {
	if cfg == nil || cfg.StatusStore == nil {
		return statusStoreChoice{driver: "memory"}, nil
	}
	sc := cfg.StatusStore
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		if sc.MaxEvents < 0 {
			return statusStoreChoice{}, fmt.Errorf("status_store.max_events must be >= 0")
		}
		return statusStoreChoice{driver: "memory", maxEvents: sc.MaxEvents}, nil
	case "redis":
		if strings.TrimSpace(sc.Addr) == "" {
			return statusStoreChoice{}, fmt.Errorf("status_store.addr is required when status_store.driver=redis")
		}
		ttl, err := config.ParseDurationOrDefault("status_store.ttl", sc.TTL, 24*time.Hour)
		if err != nil {
			return statusStoreChoice{}, err
		}
		return statusStoreChoice{driver: "redis", redis: pulse.RedisConfig{
			Addr:     strings.TrimSpace(sc.Addr),
			Password: sc.Password,
			DB:       sc.DB,
			Prefix:   strings.TrimSpace(sc.Prefix),
			TTL:      ttl,
		}}, nil
	default:
		return statusStoreChoice{}, fmt.Errorf("unknown status_store.driver: %s", sc.Driver)
	}
}

// mapPulseConfig returns the hot-reloadable part of the pulse section.
func mapPulseConfig(cfg *config.Config) (pulse.Config, error) {
	window, err := config.ParseDurationOrDefault("pulse.sync_window", cfg.Pulse.SyncWindow, pulse.DefaultSyncWindow)
	if err != nil {
		return pulse.Config{}, err
	}
	p := cfg.Pulse
	return pulse.Config{
		SyncWindow: window,
		Enabled: map[string]bool{
			channels.Social:   p.Social.Enabled,
			channels.Email:    p.Email.Enabled,
			channels.SMS:      p.SMS.Enabled,
			channels.Telegram: p.Telegram.Enabled,
		},
	}, nil
}

// buildChannels constructs every adapter, enabled or not, so a hot reload can
// flip the flags without rebuilding clients. Adapters with missing credentials
// still register: their sends fail with a config-kind Result.
func buildChannels(cfg *config.Config, log logx.Logger) ([]pulse.Channel, error) {
	timeout, err := config.ParseDurationOrDefault("pulse.timeout", cfg.Pulse.Timeout, channels.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	client := channels.HTTPClient(nil)
	client.Timeout = timeout
	p := cfg.Pulse

	out := make([]pulse.Channel, 0, 4)
	out = append(out, pulse.RateLimited(social.New(social.Config{
		Endpoint:    strings.TrimSpace(p.Social.Endpoint),
		BearerToken: p.Social.BearerToken,
		Hashtags:    p.Social.Hashtags,
	}, client, log.With(logx.String("channel", channels.Social))), p.Social.RatePerSec))

	out = append(out, pulse.RateLimited(email.New(email.Config{
		Host:          strings.TrimSpace(p.Email.Host),
		Port:          p.Email.Port,
		Username:      p.Email.Username,
		Password:      p.Email.Password,
		From:          strings.TrimSpace(p.Email.From),
		To:            p.Email.To,
		SubjectPrefix: p.Email.SubjectPrefix,
	}, log.With(logx.String("channel", channels.Email))), p.Email.RatePerSec))

	out = append(out, pulse.RateLimited(sms.New(sms.Config{
		BaseURL:    strings.TrimSpace(p.SMS.BaseURL),
		AccountSID: p.SMS.AccountSID,
		AuthToken:  p.SMS.AuthToken,
		From:       strings.TrimSpace(p.SMS.From),
		To:         p.SMS.To,
	}, client, log.With(logx.String("channel", channels.SMS))), p.SMS.RatePerSec))

	tg, err := telegram.New(telegram.Config{
		Token:          p.Telegram.Token,
		ChatIDs:        p.Telegram.ChatIDs,
		APIURL:         strings.TrimSpace(p.Telegram.APIURL),
		ThreadID:       p.Telegram.ThreadID,
		DisablePreview: p.Telegram.DisablePreview,
	}, client, log.With(logx.String("channel", channels.Telegram)))
	if err != nil {
		if p.Telegram.Enabled || !errors.Is(err, channels.ErrMissingCredentials) {
			log.Warn("telegram channel unavailable", logx.Err(err))
		}
		out = append(out, unavailable{name: channels.Telegram, err: err})
	} else {
		out = append(out, pulse.RateLimited(tg, p.Telegram.RatePerSec))
	}
	return out, nil
}

// unavailable stands in for an adapter that could not be built, so an enabled
// channel still reports a config failure instead of vanishing from results.
type unavailable struct {
	name string
	err  error
}

func (u unavailable) Name() string { return u.name }

func (u unavailable) Send(context.Context, pulse.Event) pulse.Result {
	return pulse.Failed(u.name, pulse.KindConfig, u.err)
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	if b.MaxRetries < 0 || b.MaxQueue < 0 || b.StatusMax < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast: max_retries, max_queue and status_max must be >= 0")
	}
	out := broadcast.Config{
		Endpoint:   strings.TrimSpace(b.Endpoint),
		Token:      b.Token,
		WebhookURL: strings.TrimSpace(b.WebhookURL),
		MaxRetries: b.MaxRetries,
		MaxQueue:   b.MaxQueue,
		StatusMax:  b.StatusMax,
	}
	var err error
	if out.RetryBackoff, err = config.ParseDurationField("broadcast.retry_backoff", b.RetryBackoff); err != nil {
		return broadcast.Config{}, err
	}
	if out.ItemDelay, err = config.ParseDurationField("broadcast.item_delay", b.ItemDelay); err != nil {
		return broadcast.Config{}, err
	}
	if out.SafetyInterval, err = config.ParseDurationField("broadcast.safety_interval", b.SafetyInterval); err != nil {
		return broadcast.Config{}, err
	}
	if out.SafetyInterval > 0 && out.SafetyInterval < time.Second {
		return broadcast.Config{}, fmt.Errorf("broadcast.safety_interval must be >= 1s")
	}
	if out.HTTPTimeout, err = config.ParseDurationField("broadcast.http_timeout", b.HTTPTimeout); err != nil {
		return broadcast.Config{}, err
	}
	if out.StatusTTL, err = config.ParseDurationField("broadcast.status_ttl", b.StatusTTL); err != nil {
		return broadcast.Config{}, err
	}
	return out, nil
}

func mapRealtimeConfig(cfg *config.Config) (realtime.Config, error) {
	r := cfg.Realtime
	if r.MaxAttempts < 0 {
		return realtime.Config{}, fmt.Errorf("realtime.max_attempts must be >= 0")
	}
	out := realtime.Config{
		BaseURL:     strings.TrimSpace(r.BaseURL),
		WSPath:      strings.TrimSpace(r.WSPath),
		SSEPath:     strings.TrimSpace(r.SSEPath),
		Token:       r.Token,
		MaxAttempts: r.MaxAttempts,
	}
	var err error
	if out.HandshakeTimeout, err = config.ParseDurationField("realtime.handshake_timeout", r.HandshakeTimeout); err != nil {
		return realtime.Config{}, err
	}
	if out.ReconnectBackoff, err = config.ParseDurationField("realtime.reconnect_backoff", r.ReconnectBackoff); err != nil {
		return realtime.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("realtime.write_timeout", r.WriteTimeout); err != nil {
		return realtime.Config{}, err
	}
	return out, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	s := cfg.Server
	if s.RatePerSec < 0 || s.Burst < 0 {
		return server.Config{}, fmt.Errorf("server.rate_per_sec and server.burst must be >= 0")
	}
	rht, err := config.ParseDurationField("server.read_header_timeout", s.ReadHeaderTimeout)
	if err != nil {
		return server.Config{}, err
	}
	proxies, err := parseTrustedProxies(s.TrustedProxies)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:              strings.TrimSpace(s.Addr),
		Token:             s.Token,
		RatePerSec:        s.RatePerSec,
		Burst:             s.Burst,
		ReadHeaderTimeout: rht,
		AllowedOrigins:    s.AllowedOrigins,
		TrustedProxies:    proxies,
	}, nil
}

// parseTrustedProxies accepts bare addresses and CIDR prefixes.
func parseTrustedProxies(in []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range in {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// validate runs every mapper so a bad hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStatusStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPulseConfig(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("pulse.timeout", cfg.Pulse.Timeout); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRealtimeConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	return nil
}
