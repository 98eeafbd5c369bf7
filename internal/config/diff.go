package config

import (
	"reflect"
	"strings"

	logx "vaultpulse/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens, passwords, SIDs) are only
// ever reported as "<name>_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := "none"
		if newCfg.Storage != nil && strings.TrimSpace(newCfg.Storage.Driver) != "" {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.StatusStore, newCfg.StatusStore) {
		changed = append(changed, "status_store")
		driver := "memory"
		if newCfg.StatusStore != nil && strings.TrimSpace(newCfg.StatusStore.Driver) != "" {
			driver = strings.TrimSpace(newCfg.StatusStore.Driver)
		}
		attrs = append(attrs, logx.String("status_store.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Pulse, newCfg.Pulse) {
		changed = append(changed, "pulse")
		p := newCfg.Pulse
		attrs = append(attrs,
			logx.String("pulse.sync_window", strings.TrimSpace(p.SyncWindow)),
			logx.Bool("pulse.social", p.Social.Enabled),
			logx.Bool("pulse.email", p.Email.Enabled),
			logx.Bool("pulse.sms", p.SMS.Enabled),
			logx.Bool("pulse.telegram", p.Telegram.Enabled),
			logx.Bool("pulse.social.token_set", p.Social.BearerToken != ""),
			logx.Bool("pulse.email.password_set", p.Email.Password != ""),
			logx.Bool("pulse.sms.auth_set", p.SMS.AccountSID != "" && p.SMS.AuthToken != ""),
			logx.Bool("pulse.telegram.token_set", p.Telegram.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		b := newCfg.Broadcast
		attrs = append(attrs,
			logx.String("broadcast.endpoint", strings.TrimSpace(b.Endpoint)),
			logx.Bool("broadcast.token_set", b.Token != ""),
			logx.Bool("broadcast.webhook_set", strings.TrimSpace(b.WebhookURL) != ""),
			logx.Int("broadcast.max_retries", b.MaxRetries),
			logx.String("broadcast.retry_backoff", strings.TrimSpace(b.RetryBackoff)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Realtime, newCfg.Realtime) {
		changed = append(changed, "realtime")
		attrs = append(attrs,
			logx.String("realtime.base_url", strings.TrimSpace(newCfg.Realtime.BaseURL)),
			logx.Bool("realtime.token_set", newCfg.Realtime.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.token_set", newCfg.Server.Token != ""),
			logx.Int("server.rate_per_sec", newCfg.Server.RatePerSec),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	return changed, attrs
}

// RestartRequired reports the sections in changed that are only read at startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "status_store", "realtime", "server", "metrics":
			out = append(out, s)
		}
	}
	return out
}
