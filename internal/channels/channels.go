// Package channels holds the helpers shared by the outbound channel adapters.
// Each adapter lives in its own subpackage and implements pulse.Channel.
package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	Social   = "social"
	Email    = "email"
	SMS      = "sms"
	Telegram = "telegram"
)

// ErrMissingCredentials marks a channel whose config lacks what it needs to call out.
var ErrMissingCredentials = errors.New("missing credentials")

const DefaultTimeout = 10 * time.Second

// HTTPClient returns c, or a client with DefaultTimeout when c is nil.
func HTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: DefaultTimeout}
}

// APIError drains a non-2xx provider response into an error carrying the
// status line and the provider's message, if one can be found.
func APIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(b))
	var probe map[string]any
	if json.Unmarshal(b, &probe) == nil {
		for _, k := range []string{"detail", "message", "title", "error"} {
			if s, ok := probe[k].(string); ok && s != "" {
				msg = s
				break
			}
		}
	}
	if msg == "" {
		return fmt.Errorf("http %s", resp.Status)
	}
	return fmt.Errorf("http %s: %s", resp.Status, msg)
}
