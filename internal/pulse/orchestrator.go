package pulse

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vaultpulse/internal/eventbus"
	"vaultpulse/internal/observability/metrics"
	logx "vaultpulse/pkg/logx"
)

const DefaultSyncWindow = 5 * time.Second

// Config controls the orchestrator. It can be swapped at runtime with Apply.
type Config struct {
	// Enabled maps channel name -> enabled flag. Registered channels missing
	// from the map are disabled.
	Enabled map[string]bool
	// SyncWindow is the maximum timestamp spread across channel results for
	// one event to count as synchronized.
	SyncWindow time.Duration
}

// ChannelEvent is published on the bus for every settled channel.
type ChannelEvent struct {
	EventID string `json:"event_id"`
	Result  Result `json:"result"`
}

// Summary is published once all channels of a pulse settled.
type Summary struct {
	EventID string            `json:"event_id"`
	Type    EventType         `json:"type"`
	Results map[string]Result `json:"results"`
	InSync  bool              `json:"in_sync"`
	Spread  time.Duration     `json:"spread"`
}

// Orchestrator fans one Event out to every enabled Channel concurrently.
// It is a best-effort, one-shot fan-out: it never retries.
type Orchestrator struct {
	mu       sync.RWMutex
	cfg      Config
	channels []Channel

	status  StatusStore
	audit   AuditSink
	bus     eventbus.Bus
	log     logx.Logger
	metrics *metrics.Recorder
}

// New builds an orchestrator. audit and rec may be nil; status defaults to an
// in-memory store and bus to a no-op bus.
func New(cfg Config, status StatusStore, audit AuditSink, bus eventbus.Bus, log logx.Logger, rec *metrics.Recorder) *Orchestrator {
	if status == nil {
		status = NewMemoryStatusStore(0)
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{status: status, audit: audit, bus: bus, log: log, metrics: rec}
	o.Apply(cfg)
	return o
}

// Register adds channels. Names must be unique; a later registration with the
// same name replaces the earlier one.
func (o *Orchestrator) Register(chs ...Channel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range chs {
		if ch == nil {
			continue
		}
		replaced := false
		for i, cur := range o.channels {
			if cur.Name() == ch.Name() {
				o.channels[i] = ch
				replaced = true
				break
			}
		}
		if !replaced {
			o.channels = append(o.channels, ch)
		}
	}
}

func (o *Orchestrator) Apply(cfg Config) {
	if cfg.SyncWindow <= 0 {
		cfg.SyncWindow = DefaultSyncWindow
	}
	en := make(map[string]bool, len(cfg.Enabled))
	for k, v := range cfg.Enabled {
		en[k] = v
	}
	cfg.Enabled = en
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

// EnabledChannels returns the names of channels a pulse would be sent to, sorted.
func (o *Orchestrator) EnabledChannels() []string {
	chs, _ := o.snapshot()
	out := make([]string, 0, len(chs))
	for _, ch := range chs {
		out = append(out, ch.Name())
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) snapshot() ([]Channel, time.Duration) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Channel, 0, len(o.channels))
	for _, ch := range o.channels {
		if o.cfg.Enabled[ch.Name()] {
			out = append(out, ch)
		}
	}
	return out, o.cfg.SyncWindow
}

// SendPulse delivers ev on every enabled channel and returns one Result per
// enabled channel. It never fails as a whole: partial failure shows up as
// failed Results in the map.
func (o *Orchestrator) SendPulse(ctx context.Context, ev Event) map[string]Result {
	if ctx == nil {
		ctx = context.Background()
	}
	chs, window := o.snapshot()
	results := make(map[string]Result, len(chs))
	if len(chs) == 0 {
		o.log.Debug("pulse skipped; no channels enabled", logx.String("event", ev.ID))
		return results
	}

	// Pending first, so partial progress is observable mid-flight.
	for _, ch := range chs {
		o.setStatus(ctx, ev.ID, ch.Name(), Status{State: StatePending, UpdatedAt: time.Now()})
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	wg.Add(len(chs))
	for _, ch := range chs {
		go func() {
			defer wg.Done()
			r := o.sendOne(ctx, ch, ev)
			o.settle(ctx, ev, r)
			mu.Lock()
			results[ch.Name()] = r
			mu.Unlock()
		}()
	}
	wg.Wait()

	inSync := InSync(results, window)
	spread := Spread(results)
	summary := Summary{EventID: ev.ID, Type: ev.Type, Results: copyResults(results), InSync: inSync, Spread: spread}
	o.metrics.PulseSpread(ctx, spread.Seconds(), inSync)
	if !inSync {
		o.log.Warn("pulse out of sync",
			logx.String("event", ev.ID),
			logx.Duration("spread", spread),
			logx.Duration("window", window),
		)
		o.bus.Publish(eventbus.Event{Type: eventbus.TopicPulseOutOfSync, Data: summary})
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	fields := []logx.Field{
		logx.String("event", ev.ID),
		logx.String("type", string(ev.Type)),
		logx.Int("channels", len(results)),
		logx.Int("failed", failed),
		logx.Duration("spread", spread),
	}
	if failed > 0 {
		o.log.Warn("pulse finished with failures", fields...)
	} else {
		o.log.Info("pulse finished", fields...)
	}

	o.bus.Publish(eventbus.Event{Type: eventbus.TopicPulseCompleted, Data: summary})
	return results
}

func copyResults(in map[string]Result) map[string]Result {
	out := make(map[string]Result, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sendOne isolates a channel: a panic inside an adapter becomes a failed Result.
func (o *Orchestrator) sendOne(ctx context.Context, ch Channel, ev Event) (r Result) {
	name := ch.Name()
	defer func() {
		if p := recover(); p != nil {
			o.log.Error("channel panicked", logx.String("channel", name), logx.Any("panic", p))
			r = Failed(name, KindPanic, fmt.Errorf("panic: %v", p))
		}
	}()
	r = ch.Send(ctx, ev)
	r.Channel = name
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if !r.Success {
		if r.Error == "" {
			r.Error = "unknown error"
		}
		if r.Kind == KindNone {
			r.Kind = KindTransport
		}
	}
	return r
}

func (o *Orchestrator) settle(ctx context.Context, ev Event, r Result) {
	state := StateSent
	topic := eventbus.TopicPulseSent
	if !r.Success {
		state = StateFailed
		topic = eventbus.TopicPulseFailed
		o.log.Debug("channel send failed", logx.String("event", ev.ID), logx.String("channel", r.Channel), logx.String("kind", string(r.Kind)), logx.String("err", r.Error))
	}
	rc := r
	o.setStatus(ctx, ev.ID, r.Channel, Status{State: state, UpdatedAt: r.Timestamp, Result: &rc})
	if o.audit != nil {
		if err := o.audit.AppendPulseResult(ctx, r.record(ev)); err != nil {
			o.log.Warn("pulse audit append failed", logx.String("event", ev.ID), logx.String("channel", r.Channel), logx.Err(err))
		}
	}
	o.metrics.PulseResult(ctx, r.Channel, r.Success)
	o.bus.Publish(eventbus.Event{Type: topic, Data: ChannelEvent{EventID: ev.ID, Result: r}})
}

func (o *Orchestrator) setStatus(ctx context.Context, eventID, channel string, st Status) {
	if err := o.status.Set(ctx, eventID, channel, st); err != nil {
		o.log.Warn("pulse status write failed", logx.String("event", eventID), logx.String("channel", channel), logx.Err(err))
	}
}

// Status returns the current (last-write-wins) per-channel view for eventID.
func (o *Orchestrator) Status(ctx context.Context, eventID string) (map[string]Status, error) {
	return o.status.Get(ctx, eventID)
}

// Listen consumes vault.pulse triggers from the bus until ctx is done.
// Each trigger is handled in its own goroutine so a slow pulse never delays the next.
func (o *Orchestrator) Listen(ctx context.Context) error {
	events, unsub := o.bus.Subscribe(64, eventbus.TopicVaultPulse)
	defer unsub()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			ev, ok := e.Data.(Event)
			if !ok {
				o.log.Warn("ignoring vault.pulse trigger with unexpected payload", logx.String("data_type", fmt.Sprintf("%T", e.Data)))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.SendPulse(ctx, ev)
			}()
		}
	}
}

// Spread is max(timestamp) - min(timestamp) across results.
func Spread(results map[string]Result) time.Duration {
	var lo, hi time.Time
	first := true
	for _, r := range results {
		if r.Timestamp.IsZero() {
			continue
		}
		if first {
			lo, hi = r.Timestamp, r.Timestamp
			first = false
			continue
		}
		if r.Timestamp.Before(lo) {
			lo = r.Timestamp
		}
		if r.Timestamp.After(hi) {
			hi = r.Timestamp
		}
	}
	return hi.Sub(lo)
}

// InSync reports whether all result timestamps fall within window of each other.
// Zero or one result is trivially in sync.
func InSync(results map[string]Result, window time.Duration) bool {
	return Spread(results) <= window
}
