// Package server is the relay side of the broadcast transports: it accepts
// POST /api/broadcast and fans each payload out to WebSocket (/ws/mutations)
// and SSE (/sse/mutations) subscribers. It also exposes pulse status and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vaultpulse/internal/broadcast"
	"vaultpulse/internal/pulse"
	"vaultpulse/internal/realtime"
	"vaultpulse/internal/runtime/supervisor"
	logx "vaultpulse/pkg/logx"
)

type Config struct {
	Addr              string
	Token             string
	RatePerSec        int
	Burst             int
	ReadHeaderTimeout time.Duration
	// AllowedOrigins limits WebSocket origins; empty allows any.
	AllowedOrigins []string
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	// Empty means the header is ignored and the socket address is used.
	TrustedProxies []netip.Prefix
}

// PulseStatus is satisfied by *pulse.Orchestrator.
type PulseStatus interface {
	Status(ctx context.Context, eventID string) (map[string]pulse.Status, error)
}

type Deps struct {
	Pulse    PulseStatus
	QueueLen func() int
	// Tasks, when set, adds the supervisor task table to /health.
	Tasks func() []supervisor.TaskState
}

type Server struct {
	cfg      Config
	deps     Deps
	log      logx.Logger
	hub      *hub
	sse      *sseBroadcaster
	upgrader websocket.Upgrader
	handler  http.Handler

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log, sse: newSSEBroadcaster(log)}
	s.hub = newHub(log, s.relayFrame)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/broadcast", bearer(s.cfg.Token, http.HandlerFunc(s.handleBroadcast)))
	mux.Handle("GET /ws/mutations", bearer(s.cfg.Token, http.HandlerFunc(s.handleWS)))
	mux.Handle("GET /sse/mutations", bearer(s.cfg.Token, s.sse))
	mux.Handle("GET /api/pulse/{eventID}", bearer(s.cfg.Token, http.HandlerFunc(s.handlePulse)))
	mux.HandleFunc("GET /health", s.handleHealth)
	return chain(mux,
		recovery(s.log),
		requestLog(s.log),
		rateLimit(s.cfg.RatePerSec, s.cfg.Burst, s.cfg.TrustedProxies, s.log),
	)
}

// Handler is the full routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return rctx },
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.run(rctx)
	}()
	srv := s.srv
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay server stopped", logx.Err(err))
		}
	}()
	s.log.Info("relay server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.srv, s.cancel
	s.srv, s.cancel, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.sse.shutdown()
	cancel()
	err := srv.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.log.Info("relay server stopped")
	return err
}

// Relay pushes a broadcast frame to every WebSocket and SSE subscriber.
func (s *Server) Relay(pl broadcast.Payload) error {
	b, err := json.Marshal(realtime.Frame{Action: "broadcast", Payload: pl, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	s.fanout(pl.ID, b)
	return nil
}

func (s *Server) relayFrame(raw []byte) {
	var f struct {
		Payload struct {
			ID string `json:"id"`
		} `json:"payload"`
	}
	_ = json.Unmarshal(raw, &f)
	s.fanout(f.Payload.ID, append([]byte(nil), raw...))
}

func (s *Server) fanout(id string, frame []byte) {
	s.hub.publish(frame)
	s.sse.publish(sseEvent{Event: "broadcast", ID: id, Data: frame})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var pl broadcast.Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&pl); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if strings.TrimSpace(pl.Type) == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if pl.ID == "" {
		pl.ID = uuid.NewString()
	}
	if pl.Timestamp == 0 {
		pl.Timestamp = time.Now().UnixMilli()
	}
	if err := s.Relay(pl); err != nil {
		writeError(w, http.StatusBadRequest, "payload not encodable: "+err.Error())
		return
	}
	s.log.Debug("broadcast relayed", logx.String("id", pl.ID), logx.String("type", pl.Type), logx.Int("ws", s.hub.count()), logx.Int("sse", s.sse.count()))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": pl.ID})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}
	c := &wsClient{
		id:   fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano()),
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if !s.hub.join(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (s *Server) handlePulse(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pulse == nil {
		writeError(w, http.StatusNotFound, "pulse status unavailable")
		return
	}
	id := r.PathValue("eventID")
	st, err := s.deps.Pulse.Status(r.Context(), id)
	if errors.Is(err, pulse.ErrNoStatus) {
		writeError(w, http.StatusNotFound, "unknown event")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": id, "channels": st})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	q := 0
	if s.deps.QueueLen != nil {
		q = s.deps.QueueLen()
	}
	body := map[string]any{
		"status":      "ok",
		"ws_clients":  s.hub.count(),
		"sse_clients": s.sse.count(),
		"queue_len":   q,
	}
	if s.deps.Tasks != nil {
		body["tasks"] = s.deps.Tasks()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
