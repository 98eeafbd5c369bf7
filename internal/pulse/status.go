package pulse

import (
	"context"
	"sync"
	"time"
)

// MemoryStatusStore keeps the status view in-process. It is bounded: once
// more than maxEvents events are tracked, the oldest-touched ones are evicted.
type MemoryStatusStore struct {
	mu        sync.Mutex
	events    map[string]*memEntry
	maxEvents int
}

type memEntry struct {
	touched  time.Time
	channels map[string]Status
}

func NewMemoryStatusStore(maxEvents int) *MemoryStatusStore {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &MemoryStatusStore{events: map[string]*memEntry{}, maxEvents: maxEvents}
}

func (m *MemoryStatusStore) Set(ctx context.Context, eventID, channel string, st Status) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.events[eventID]
	if e == nil {
		e = &memEntry{channels: map[string]Status{}}
		m.events[eventID] = e
	}
	e.touched = time.Now()
	e.channels[channel] = st
	m.evictLocked()
	return nil
}

func (m *MemoryStatusStore) Get(ctx context.Context, eventID string) (map[string]Status, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.events[eventID]
	if e == nil {
		return nil, ErrNoStatus
	}
	out := make(map[string]Status, len(e.channels))
	for k, v := range e.channels {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStatusStore) evictLocked() {
	for len(m.events) > m.maxEvents {
		var (
			oldestID string
			oldest   time.Time
		)
		for id, e := range m.events {
			if oldestID == "" || e.touched.Before(oldest) {
				oldestID, oldest = id, e.touched
			}
		}
		delete(m.events, oldestID)
	}
}
