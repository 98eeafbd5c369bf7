// Package sms sends pulses through a Twilio-compatible Messages API, one
// request per recipient.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"vaultpulse/internal/channels"
	"vaultpulse/internal/pulse"
	logx "vaultpulse/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.twilio.com"
	MaxBodyRunes   = 320
)

type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	To         []string
}

type Channel struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, client *http.Client, log logx.Logger) *Channel {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{cfg: cfg, http: channels.HTTPClient(client), log: log}
}

func (c *Channel) Name() string { return channels.SMS }

type messageResponse struct {
	SID string `json:"sid"`
}

func (c *Channel) Send(ctx context.Context, ev pulse.Event) pulse.Result {
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" || c.cfg.From == "" {
		return pulse.Failed(c.Name(), pulse.KindConfig, fmt.Errorf("sms: account sid/token/from: %w", channels.ErrMissingCredentials))
	}
	var to []string
	for _, n := range c.cfg.To {
		if n = strings.TrimSpace(n); n != "" {
			to = append(to, n)
		}
	}
	if len(to) == 0 {
		return pulse.Failed(c.Name(), pulse.KindConfig, fmt.Errorf("sms: no recipients"))
	}

	body := pulse.Truncate(pulse.Headline(ev), MaxBodyRunes)
	var (
		ids      []string
		failures []string
		kind     pulse.ErrorKind
	)
	for _, n := range to {
		sid, k, err := c.sendOne(ctx, n, body)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", n, err))
			if kind == pulse.KindNone || k == pulse.KindAuth {
				kind = k
			}
			continue
		}
		ids = append(ids, sid)
	}
	if len(failures) > 0 {
		c.log.Debug("sms partial failure", logx.Int("ok", len(ids)), logx.Int("failed", len(failures)))
		r := pulse.Failed(c.Name(), kind, fmt.Errorf("sms failed for %d/%d recipients: %s", len(failures), len(to), strings.Join(failures, "; ")))
		r.MessageID = strings.Join(ids, ",")
		return r
	}
	return pulse.Sent(c.Name(), strings.Join(ids, ","))
}

func (c *Channel) sendOne(ctx context.Context, to, body string) (string, pulse.ErrorKind, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.From)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", pulse.KindConfig, err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", pulse.KindTransport, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", pulse.KindForStatus(resp.StatusCode), channels.APIError(resp)
	}
	var out messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.log.Debug("sms response not decodable", logx.Err(err))
	}
	return out.SID, pulse.KindNone, nil
}
