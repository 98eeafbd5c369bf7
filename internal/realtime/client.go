// Package realtime keeps the push connection to the relay: a WebSocket on
// /ws/mutations, or a receive-only SSE stream on /sse/mutations when the
// WebSocket handshake fails. After MaxAttempts failed reconnects the client
// goes degraded and stays down until Start is called again.
package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vaultpulse/internal/eventbus"
	"vaultpulse/internal/observability/metrics"
	logx "vaultpulse/pkg/logx"
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrReceiveOnly  = errors.New("realtime: sse fallback is receive-only")
)

type Mode string

const (
	ModeDisconnected Mode = "disconnected"
	ModeWebSocket    Mode = "websocket"
	ModeSSE          Mode = "sse"
	ModeDegraded     Mode = "degraded"
)

type Config struct {
	// BaseURL is the relay origin, e.g. http://localhost:8080.
	BaseURL          string
	WSPath           string
	SSEPath          string
	Token            string
	HandshakeTimeout time.Duration
	ReconnectBackoff time.Duration
	MaxAttempts      int
	WriteTimeout     time.Duration
}

func (c *Config) defaults() {
	if c.WSPath == "" {
		c.WSPath = "/ws/mutations"
	}
	if c.SSEPath == "" {
		c.SSEPath = "/sse/mutations"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Frame is the outbound message shape.
type Frame struct {
	Action    string `json:"action"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Message is published on the bus for every inbound frame.
type Message struct {
	Source Mode            `json:"source"`
	Data   json.RawMessage `json:"data"`
}

// Transition is published on connect and on degrade.
type Transition struct {
	Mode     Mode   `json:"mode"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Client struct {
	cfg     Config
	bus     eventbus.Bus
	log     logx.Logger
	metrics *metrics.Recorder
	http    *http.Client
	dialer  *websocket.Dialer

	mu      sync.Mutex
	mode    Mode
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	writeMu sync.Mutex
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger, rec *metrics.Recorder) *Client {
	cfg.defaults()
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		bus:     bus,
		log:     log,
		metrics: rec,
		http:    &http.Client{},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		mode: ModeDisconnected,
	}
}

// Start launches the connect loop. Calling Start while running is a no-op;
// calling it after degraded mode starts a fresh attempt cycle.
func (c *Client) Start(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return errors.New("realtime: base url is empty")
	}
	if _, err := url.Parse(c.cfg.BaseURL); err != nil {
		return fmt.Errorf("realtime: base url: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		select {
		case <-c.done:
		default:
			return nil
		}
	}
	rctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mode = ModeDisconnected
	go func(done chan struct{}) {
		defer close(done)
		c.run(rctx)
	}(c.done)
	return nil
}

// Stop tears down the connection and waits for the loop to exit.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Connected reports a live WebSocket. SSE does not count: it cannot send.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode == ModeWebSocket && c.conn != nil
}

// Send writes {action:"broadcast", payload, timestamp} on the WebSocket.
func (c *Client) Send(ctx context.Context, payload any) error {
	c.mu.Lock()
	mode, conn := c.mode, c.conn
	c.mu.Unlock()
	if mode == ModeSSE {
		return ErrReceiveOnly
	}
	if mode != ModeWebSocket || conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(Frame{Action: "broadcast", Payload: payload, Timestamp: time.Now().UnixMilli()}); err != nil {
		return fmt.Errorf("realtime write: %w", err)
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	attempt := 0
	for {
		established, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			c.setMode(ctx, ModeDisconnected)
			return
		}
		if established {
			attempt = 0
		}
		attempt++
		if attempt > c.cfg.MaxAttempts {
			c.setMode(ctx, ModeDegraded)
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			c.log.Warn("realtime degraded; continuing without push", logx.Int("attempts", attempt-1), logx.String("last_err", msg))
			c.bus.Publish(eventbus.Event{Type: eventbus.TopicRealtimeDegraded, Data: Transition{Mode: ModeDegraded, Attempts: attempt - 1, Error: msg}})
			return
		}
		c.setMode(ctx, ModeDisconnected)
		wait := time.Duration(attempt) * c.cfg.ReconnectBackoff
		c.log.Info("realtime reconnecting", logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setMode(ctx, ModeDisconnected)
			return
		case <-t.C:
		}
	}
}

// connectOnce tries WebSocket then SSE. It blocks while a session is live and
// reports whether one was established.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	conn, wsErr := c.dialWS(ctx)
	if wsErr == nil {
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setMode(ctx, ModeWebSocket)
		c.publishConnected(ModeWebSocket)
		err := c.readWS(ctx, conn)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		return true, err
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	c.log.Debug("websocket handshake failed; trying sse", logx.Err(wsErr))

	body, sseErr := c.openSSE(ctx)
	if sseErr != nil {
		return false, fmt.Errorf("websocket: %v; sse: %w", wsErr, sseErr)
	}
	defer body.Close()
	c.setMode(ctx, ModeSSE)
	c.publishConnected(ModeSSE)
	return true, c.readSSE(ctx, body)
}

func (c *Client) dialWS(ctx context.Context) (*websocket.Conn, error) {
	u, err := endpoint(c.cfg.BaseURL, c.cfg.WSPath, true)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	if c.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dctx, u, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Client) readWS(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.dispatch(ModeWebSocket, data)
	}
}

func (c *Client) openSSE(ctx context.Context) (io.ReadCloser, error) {
	u, err := endpoint(c.cfg.BaseURL, c.cfg.SSEPath, false)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	// Only the handshake is bounded; the stream itself lives as long as ctx.
	timer := time.AfterFunc(c.cfg.HandshakeTimeout, cancel)
	req, err := http.NewRequestWithContext(sctx, http.MethodGet, u, nil)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if !timer.Stop() {
		cancel()
		if err == nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("sse handshake timed out after %s", c.cfg.HandshakeTimeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse: unexpected response %s (%s)", resp.Status, resp.Header.Get("Content-Type"))
	}
	return &cancelBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *Client) readSSE(ctx context.Context, body io.ReadCloser) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				c.dispatch(ModeSSE, []byte(strings.Join(data, "\n")))
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return errors.New("sse stream closed")
}

func (c *Client) dispatch(src Mode, data []byte) {
	if !json.Valid(data) {
		c.log.Debug("dropping non-json realtime frame", logx.String("source", string(src)), logx.Int("bytes", len(data)))
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TopicRealtimeMessage, Data: Message{Source: src, Data: json.RawMessage(append([]byte(nil), data...))}})
}

func (c *Client) setMode(ctx context.Context, m Mode) {
	c.mu.Lock()
	prev := c.mode
	c.mode = m
	c.mu.Unlock()
	if prev != m {
		c.metrics.RealtimeTransition(context.WithoutCancel(ctx), string(m))
	}
}

func (c *Client) publishConnected(m Mode) {
	c.log.Info("realtime connected", logx.String("mode", string(m)))
	c.bus.Publish(eventbus.Event{Type: eventbus.TopicRealtimeConnected, Data: Transition{Mode: m}})
}

// endpoint joins base and path; ws=true swaps the scheme to ws/wss.
func endpoint(base, path string, ws bool) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	if ws {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// cancelBody releases the request context together with the response body.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
