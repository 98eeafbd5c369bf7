// Package social posts pulses to an X/Twitter v2 compatible "create post" endpoint.
package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"vaultpulse/internal/channels"
	"vaultpulse/internal/pulse"
	logx "vaultpulse/pkg/logx"
)

const (
	DefaultEndpoint = "https://api.twitter.com/2/tweets"
	MaxPostRunes    = 280

	maxHashtagRunes = MaxPostRunes / 2
)

type Config struct {
	Endpoint    string
	BearerToken string
	// Hashtags are appended to every post, e.g. ["vault", "mint"].
	Hashtags []string
}

type Channel struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, client *http.Client, log logx.Logger) *Channel {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{cfg: cfg, http: channels.HTTPClient(client), log: log}
}

func (c *Channel) Name() string { return channels.Social }

type postRequest struct {
	Text string `json:"text"`
}

type postResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

func (c *Channel) Send(ctx context.Context, ev pulse.Event) pulse.Result {
	if strings.TrimSpace(c.cfg.BearerToken) == "" {
		return pulse.Failed(c.Name(), pulse.KindConfig, fmt.Errorf("social: bearer token: %w", channels.ErrMissingCredentials))
	}
	body, err := json.Marshal(postRequest{Text: c.text(ev)})
	if err != nil {
		return pulse.Failed(c.Name(), pulse.KindPayload, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return pulse.Failed(c.Name(), pulse.KindConfig, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return pulse.Failed(c.Name(), pulse.KindTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pulse.Failed(c.Name(), pulse.KindForStatus(resp.StatusCode), channels.APIError(resp))
	}
	var out postResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// The post went out; only the id is unknown.
		c.log.Debug("social response not decodable", logx.Err(err))
	}
	return pulse.Sent(c.Name(), out.Data.ID)
}

// text fits headline plus hashtags into MaxPostRunes. Hashtags are dropped
// whole once they would take more than half of the post.
func (c *Channel) text(ev pulse.Event) string {
	suffix := ""
	for _, h := range c.cfg.Hashtags {
		h = strings.TrimPrefix(strings.TrimSpace(h), "#")
		if h == "" {
			continue
		}
		sep := " "
		if suffix == "" {
			sep = "\n"
		}
		next := suffix + sep + "#" + h
		if utf8.RuneCountInString(next) > maxHashtagRunes {
			break
		}
		suffix = next
	}
	head := pulse.Truncate(pulse.Headline(ev), MaxPostRunes-utf8.RuneCountInString(suffix))
	return head + suffix
}
