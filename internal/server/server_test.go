package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultpulse/internal/pulse"
	"vaultpulse/internal/runtime/supervisor"
	logx "vaultpulse/pkg/logx"
)

type fakePulse map[string]map[string]pulse.Status

func (f fakePulse) Status(_ context.Context, id string) (map[string]pulse.Status, error) {
	st, ok := f[id]
	if !ok {
		return nil, pulse.ErrNoStatus
	}
	return st, nil
}

func startServer(t *testing.T, cfg Config, deps Deps) (*Server, string) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	s := New(cfg, deps, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, "http://" + s.Addr()
}

func post(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestBroadcastRelaysToWebSocketAndSSE(t *testing.T) {
	t.Parallel()
	s, base := startServer(t, Config{}, Deps{})

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws/mutations", nil)
	require.NoError(t, err)
	defer ws.Close()

	sseResp, err := http.Get(base + "/sse/mutations")
	require.NoError(t, err)
	defer sseResp.Body.Close()
	assert.Equal(t, "text/event-stream", sseResp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return s.hub.count() == 1 && s.sse.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := post(t, base+"/api/broadcast", "", `{"type":"mutation_broadcast","data":{"relic":7},"priority":"high","extra":true}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var ack map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	require.NotEmpty(t, ack["id"])

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame struct {
		Action  string         `json:"action"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg, &frame))
	assert.Equal(t, "broadcast", frame.Action)
	assert.Equal(t, ack["id"], frame.Payload["id"])
	assert.Equal(t, "mutation_broadcast", frame.Payload["type"])

	sc := bufio.NewScanner(sseResp.Body)
	var data string
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Contains(t, data, ack["id"])
}

func TestWebSocketFramesAreRelayed(t *testing.T) {
	t.Parallel()
	s, base := startServer(t, Config{}, Deps{})
	url := "ws" + strings.TrimPrefix(base, "http") + "/ws/mutations"

	a, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer b.Close()
	require.Eventually(t, func() bool { return s.hub.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"action":"broadcast","payload":{"id":"x1","type":"t"},"timestamp":1}`)))

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := b.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"broadcast","payload":{"id":"x1","type":"t"},"timestamp":1}`, string(msg))
}

func TestBroadcastValidation(t *testing.T) {
	t.Parallel()
	h := New(Config{}, Deps{}, logx.Nop()).Handler()

	for _, body := range []string{`{not json`, `{"data":{}}`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/broadcast", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/broadcast", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, Deps{}, logx.Nop()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/broadcast", strings.NewReader(`{"type":"t"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/broadcast", strings.NewReader(`{"type":"t","id":"fixed"}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"id":"fixed"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")
}

func TestPulseStatusRoute(t *testing.T) {
	t.Parallel()
	fp := fakePulse{"ev1": {"email": {State: pulse.StateSent}}}
	h := New(Config{}, Deps{Pulse: fp}, logx.Nop()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pulse/ev1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		EventID  string                  `json:"event_id"`
		Channels map[string]pulse.Status `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ev1", body.EventID)
	assert.Equal(t, pulse.StateSent, body.Channels["email"].State)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pulse/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := New(Config{}, Deps{QueueLen: func() int { return 4 }}, logx.Nop()).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","ws_clients":0,"sse_clients":0,"queue_len":4}`, rec.Body.String())

	tasks := func() []supervisor.TaskState { return []supervisor.TaskState{{Name: "pulse.listen", Running: 1, Runs: 1}} }
	h = New(Config{}, Deps{Tasks: tasks}, logx.Nop()).Handler()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body struct {
		Tasks []supervisor.TaskState `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "pulse.listen", body.Tasks[0].Name)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	h := New(Config{RatePerSec: 1, Burst: 2}, Deps{}, logx.Nop()).Handler()
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()
	h := chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }), recovery(logx.Nop()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	t.Parallel()
	h := New(Config{RatePerSec: 1, Burst: 2}, Deps{}, logx.Nop()).Handler()
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestRateLimitHonorsForwardedForFromTrustedProxy(t *testing.T) {
	t.Parallel()
	trusted := []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}
	h := New(Config{RatePerSec: 1, Burst: 1, TrustedProxies: trusted}, Deps{}, logx.Nop()).Handler()
	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, send("203.0.113.7"))
	assert.Equal(t, http.StatusOK, send("203.0.113.8"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.8"))
	// A spoofed leftmost hop does not change the client seen by the proxy.
	assert.Equal(t, http.StatusTooManyRequests, send("1.2.3.4, 203.0.113.8"))
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		remote, xff string
		trusted     []netip.Prefix
		want        string
	}{
		{"198.51.100.1:5000", "203.0.113.1", nil, "198.51.100.1"},
		{"198.51.100.1:5000", "203.0.113.1", trusted, "198.51.100.1"},
		{"10.1.1.1:5000", "203.0.113.1", trusted, "203.0.113.1"},
		{"10.1.1.1:5000", "203.0.113.1, 10.2.2.2", trusted, "203.0.113.1"},
		{"10.1.1.1:5000", "10.3.3.3", trusted, "10.3.3.3"},
		{"10.1.1.1:5000", "", trusted, "10.1.1.1"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		assert.Equal(t, tc.want, clientIP(req, tc.trusted), "%s via %s", tc.xff, tc.remote)
	}
}

func TestBearerRejectsTokenPrefix(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, Deps{}, logx.Nop()).Handler()
	for _, tok := range []string{"s3cre", "s3cret2", "S3CRET"} {
		req := httptest.NewRequest(http.MethodPost, "/api/broadcast", strings.NewReader(`{"type":"t"}`))
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tok)
	}
}
