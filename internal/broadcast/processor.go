// Package broadcast is the reliable-delivery queue: an in-memory FIFO drained by
// a single worker, with bounded retries, linear backoff, and front re-queue so
// a failed item is retried before anything enqueued after it.
package broadcast

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"vaultpulse/internal/eventbus"
	"vaultpulse/internal/observability/metrics"
	logx "vaultpulse/pkg/logx"
)

type Processor struct {
	mu  sync.Mutex
	cfg Config

	rt       Realtime
	settings Settings
	bus      eventbus.Bus
	log      logx.Logger
	metrics  *metrics.Recorder
	http     *http.Client

	queue      []*Item
	tracked    map[string]*Item
	running    bool
	processing bool
	// current is the item between dequeue and settle.
	current *Item

	runCtx    context.Context
	runCancel context.CancelFunc
	cron      *cron.Cron
	drainWG   sync.WaitGroup
}

// New builds a processor. rt and settings may be nil.
func New(cfg Config, rt Realtime, settings Settings, bus eventbus.Bus, log logx.Logger, rec *metrics.Recorder) *Processor {
	cfg.defaults()
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{
		cfg:      cfg,
		rt:       rt,
		settings: settings,
		bus:      bus,
		log:      log,
		metrics:  rec,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		tracked:  map[string]*Item{},
	}
}

func (p *Processor) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Apply swaps transport settings and retry knobs. Items already queued keep
// their attempt count.
func (p *Processor) Apply(cfg Config) {
	cfg.defaults()
	p.mu.Lock()
	p.cfg = cfg
	p.http = &http.Client{Timeout: cfg.HTTPTimeout}
	p.mu.Unlock()
}

func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.runCtx, p.runCancel = context.WithCancel(ctx)
	p.running = true
	interval := p.cfg.SafetyInterval
	c := cron.New()
	// Safety net: re-kick the drain in case a kick was swallowed by the processing flag.
	if _, err := c.AddFunc("@every "+interval.String(), p.kick); err != nil {
		p.running = false
		p.runCancel()
		p.mu.Unlock()
		return fmt.Errorf("broadcast safety net: %w", err)
	}
	p.cron = c
	pending := len(p.queue)
	p.mu.Unlock()

	c.Start()
	p.log.Info("broadcast processor started",
		logx.Int("max_retries", p.cfg.MaxRetries),
		logx.Duration("retry_backoff", p.cfg.RetryBackoff),
		logx.Duration("safety_interval", interval),
	)
	if pending > 0 {
		p.kick()
	}
	return nil
}

// Stop ends intake, the safety net and the drain. Undelivered items are dropped.
func (p *Processor) Stop(ctx context.Context) error {
	start := time.Now()
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.runCancel
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.drainWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	lost := len(p.queue)
	p.queue = nil
	p.processing = false
	p.mu.Unlock()
	fields := []logx.Field{logx.Duration("took", time.Since(start))}
	if lost > 0 {
		fields = append(fields, logx.Int("dropped", lost))
		p.log.Warn("broadcast processor stopped with undelivered items", fields...)
		return nil
	}
	p.log.Info("broadcast processor stopped", fields...)
	return nil
}

// QueueBroadcast appends a payload and kicks the drain. Missing id and
// timestamp are filled in; the returned id tracks the item.
func (p *Processor) QueueBroadcast(pl Payload) (string, error) {
	if strings.TrimSpace(pl.Type) == "" {
		return "", fmt.Errorf("%w: type is required", ErrInvalidPayload)
	}
	now := time.Now()
	if pl.ID == "" {
		pl.ID = uuid.NewString()
	}
	if pl.Timestamp == 0 {
		pl.Timestamp = now.UnixMilli()
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return "", ErrStopped
	}
	if len(p.queue) >= p.cfg.MaxQueue {
		n := len(p.queue)
		p.mu.Unlock()
		p.log.Warn("broadcast queue full; rejecting item", logx.String("id", pl.ID), logx.Int("queue_len", n))
		return "", ErrQueueFull
	}
	it := &Item{ID: pl.ID, Payload: pl, QueuedAt: now, State: StateQueued, UpdatedAt: now}
	p.queue = append(p.queue, it)
	p.tracked[it.ID] = it
	p.pruneLocked(now)
	qlen := len(p.queue)
	p.mu.Unlock()

	p.log.Debug("broadcast queued", logx.String("id", it.ID), logx.String("type", pl.Type), logx.Int("queue_len", qlen))
	p.bus.Publish(eventbus.Event{Type: eventbus.TopicBroadcastQueued, Data: Outcome{ID: it.ID, State: StateQueued, Payload: pl}})
	p.kick()
	return it.ID, nil
}

// Len reports items waiting in the queue, including retry_queued ones.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Status returns a snapshot of a tracked item.
func (p *Processor) Status(id string) (Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.tracked[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// kick starts a drain unless one is already active.
func (p *Processor) kick() {
	p.mu.Lock()
	if !p.running || p.processing || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	p.processing = true
	ctx := p.runCtx
	p.drainWG.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.drainWG.Done()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("panic in broadcast drain", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				p.abandon(ctx, r)
			}
		}()
		p.drain(ctx)
	}()
}

func (p *Processor) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		if !p.running || ctx.Err() != nil || len(p.queue) == 0 {
			p.processing = false
			p.mu.Unlock()
			return
		}
		head := p.queue[0]
		if wait := time.Until(head.NotBefore); wait > 0 {
			p.mu.Unlock()
			if !sleepCtx(ctx, wait) {
				p.mu.Lock()
				p.processing = false
				p.mu.Unlock()
				return
			}
			continue
		}
		p.queue = p.queue[1:]
		now := time.Now()
		if head.State == StateRetryQueued {
			head.State = StateQueued
		}
		head.Attempts++
		head.State = StateInFlight
		head.UpdatedAt = now
		p.current = head
		snap := *head
		p.mu.Unlock()

		err := p.deliver(ctx, snap)
		p.settle(ctx, head, err)

		if !sleepCtx(ctx, p.config().ItemDelay) {
			p.mu.Lock()
			p.processing = false
			p.mu.Unlock()
			return
		}
	}
}

// abandon ends a drain that panicked. The in-flight item is failed without
// retry so it still reaches a terminal state.
func (p *Processor) abandon(ctx context.Context, r any) {
	p.mu.Lock()
	p.processing = false
	it := p.current
	p.current = nil
	if it == nil || it.State.Terminal() {
		p.mu.Unlock()
		return
	}
	it.State = StateFailed
	it.LastError = fmt.Sprintf("panic: %v", r)
	it.UpdatedAt = time.Now()
	out := Outcome{ID: it.ID, State: it.State, Attempts: it.Attempts, Error: it.LastError, Payload: it.Payload}
	p.mu.Unlock()

	p.log.Error("broadcast failed; drain panicked", logx.String("id", it.ID), logx.Int("attempts", out.Attempts))
	p.metrics.BroadcastOutcome(context.WithoutCancel(ctx), "failed", out.Attempts)
	p.bus.Publish(eventbus.Event{Type: eventbus.TopicBroadcastFailed, Data: out})
}

func (p *Processor) settle(ctx context.Context, it *Item, err error) {
	p.mu.Lock()
	p.current = nil
	cfg := p.cfg
	now := time.Now()
	it.UpdatedAt = now
	var (
		topic   string
		outcome string
		backoff time.Duration
	)
	switch {
	case err == nil:
		it.State = StateSuccess
		it.LastError = ""
		topic, outcome = eventbus.TopicBroadcastExecuted, "success"
	case it.Attempts < cfg.MaxRetries:
		backoff = time.Duration(it.Attempts) * cfg.RetryBackoff
		it.State = StateRetryQueued
		it.LastError = err.Error()
		it.NotBefore = now.Add(backoff)
		p.queue = append([]*Item{it}, p.queue...)
		topic, outcome = eventbus.TopicBroadcastRetry, "retry"
	default:
		it.State = StateFailed
		it.LastError = err.Error()
		topic, outcome = eventbus.TopicBroadcastFailed, "failed"
	}
	out := Outcome{ID: it.ID, State: it.State, Attempts: it.Attempts, Error: it.LastError, Payload: it.Payload, Backoff: backoff}
	p.mu.Unlock()

	switch outcome {
	case "success":
		p.log.Info("broadcast executed", logx.String("id", it.ID), logx.String("type", out.Payload.Type), logx.Int("attempts", out.Attempts))
	case "retry":
		p.log.Warn("broadcast attempt failed; retry queued", logx.String("id", it.ID), logx.Int("attempt", out.Attempts), logx.Duration("backoff", backoff), logx.Err(err))
	default:
		p.log.Error("broadcast failed; retries exhausted", logx.String("id", it.ID), logx.Int("attempts", out.Attempts), logx.Err(err))
	}
	p.metrics.BroadcastOutcome(context.WithoutCancel(ctx), outcome, out.Attempts)
	p.bus.Publish(eventbus.Event{Type: topic, Data: out})
}

// pruneLocked bounds tracked terminal items by age and count.
func (p *Processor) pruneLocked(now time.Time) {
	for id, it := range p.tracked {
		if it.State.Terminal() && now.Sub(it.UpdatedAt) > p.cfg.StatusTTL {
			delete(p.tracked, id)
		}
	}
	for len(p.tracked) > p.cfg.StatusMax {
		var (
			oldestID string
			oldest   time.Time
		)
		for id, it := range p.tracked {
			if !it.State.Terminal() {
				continue
			}
			if oldestID == "" || it.UpdatedAt.Before(oldest) {
				oldestID, oldest = id, it.UpdatedAt
			}
		}
		if oldestID == "" {
			return
		}
		delete(p.tracked, oldestID)
	}
}

// Listen turns mutation.triggered bus events into queued broadcasts until ctx is done.
func (p *Processor) Listen(ctx context.Context) error {
	events, unsub := p.bus.Subscribe(64, eventbus.TopicMutationTriggered)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			pl, err := PayloadFrom(e.Data)
			if err != nil {
				p.log.Warn("ignoring mutation trigger", logx.Err(err))
				continue
			}
			if _, err := p.QueueBroadcast(pl); err != nil {
				p.log.Warn("mutation trigger not queued", logx.String("type", pl.Type), logx.Err(err))
			}
		}
	}
}

// PayloadFrom accepts a Payload, *Payload, or a loosely typed map.
func PayloadFrom(v any) (Payload, error) {
	switch t := v.(type) {
	case Payload:
		return t, nil
	case *Payload:
		if t == nil {
			return Payload{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
		}
		return *t, nil
	case map[string]any:
		pl := Payload{Data: t["data"]}
		pl.Type, _ = t["type"].(string)
		pl.ID, _ = t["id"].(string)
		pl.Priority, _ = t["priority"].(string)
		switch ts := t["timestamp"].(type) {
		case float64:
			pl.Timestamp = int64(ts)
		case int64:
			pl.Timestamp = ts
		case int:
			pl.Timestamp = int64(ts)
		}
		if raw, ok := t["targets"].([]any); ok {
			for _, x := range raw {
				if s, ok := x.(string); ok {
					pl.Targets = append(pl.Targets, s)
				}
			}
		}
		if pl.Type == "" {
			return Payload{}, fmt.Errorf("%w: type is required", ErrInvalidPayload)
		}
		return pl, nil
	default:
		return Payload{}, fmt.Errorf("%w: unsupported %T", ErrInvalidPayload, v)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
