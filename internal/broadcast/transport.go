package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"vaultpulse/internal/storage"
	logx "vaultpulse/pkg/logx"
)

// deliver runs the required transports, then the best-effort webhook.
func (p *Processor) deliver(ctx context.Context, it Item) error {
	cfg := p.config()
	used := 0

	if p.rt != nil && p.rt.Connected() {
		used++
		if err := p.rt.Send(ctx, it.Payload); err != nil {
			return fmt.Errorf("realtime: %w", err)
		}
	}
	if strings.TrimSpace(cfg.Endpoint) != "" {
		used++
		if err := p.postJSON(ctx, cfg.Endpoint, cfg.Token, it.Payload); err != nil {
			return fmt.Errorf("http post: %w", err)
		}
	}
	if used == 0 {
		return ErrNoTransport
	}

	if url := p.webhookURL(ctx, cfg); url != "" {
		body := map[string]any{"event": WebhookEvent, "data": it.Payload}
		if err := p.postJSON(ctx, url, "", body); err != nil {
			p.log.Warn("webhook delivery failed", logx.String("id", it.ID), logx.Err(err))
		} else {
			p.log.Debug("webhook delivered", logx.String("id", it.ID))
		}
	}
	return nil
}

// webhookURL prefers the persisted setting over config.
func (p *Processor) webhookURL(ctx context.Context, cfg Config) string {
	if p.settings != nil {
		v, ok, err := p.settings.GetSetting(ctx, storage.SettingWebhookURL)
		if err != nil {
			p.log.Debug("webhook setting lookup failed", logx.Err(err))
		} else if ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(cfg.WebhookURL)
}

func (p *Processor) postJSON(ctx context.Context, url, token string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	p.mu.Lock()
	client := p.http
	p.mu.Unlock()
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if s := strings.TrimSpace(string(msg)); s != "" {
			return fmt.Errorf("status %s: %s", resp.Status, s)
		}
		return fmt.Errorf("status %s", resp.Status)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}
