package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published inside vaultpulse. Inbound triggers come first; everything
// else is an outcome signal for observers (dashboards, CLI waiters, logs).
const (
	// Inbound triggers raised by collaborators (HTTP handlers, wallet listeners, ...).
	TopicVaultPulse        = "vault.pulse"        // Data: pulse.Event
	TopicMutationTriggered = "mutation.triggered" // Data: broadcast.Payload

	TopicPulseSent      = "pulse.sent"
	TopicPulseFailed    = "pulse.failed"
	TopicPulseCompleted = "pulse.completed"
	TopicPulseOutOfSync = "pulse.out_of_sync"

	TopicBroadcastQueued   = "broadcast.queued"
	TopicBroadcastRetry    = "broadcast.retry"
	TopicBroadcastExecuted = "broadcast.executed"
	TopicBroadcastFailed   = "broadcast.failed"

	TopicRealtimeConnected = "realtime.connected"
	TopicRealtimeDegraded  = "realtime.degraded"
	TopicRealtimeMessage   = "realtime.message"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{} // nil = all
}

func (s *sub) wants(t string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe registers a buffered subscriber. When types are given, only those
// event types are delivered.
func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Nop is a Bus that discards everything. Handy for components built without a bus.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
