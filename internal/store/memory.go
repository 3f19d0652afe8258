package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// Memory keeps a bounded event log and all alerts in process.
type Memory struct {
	mu       sync.RWMutex
	events   []telemetry.Event
	eventCap int
	alerts   map[string]telemetry.Alert
	closed   bool
}

// NewMemory creates a memory store holding at most eventCap events.
func NewMemory(eventCap int) *Memory {
	if eventCap <= 0 {
		eventCap = 10000
	}
	return &Memory{eventCap: eventCap, alerts: make(map[string]telemetry.Alert)}
}

// AppendEvents implements Store.
func (m *Memory) AppendEvents(_ context.Context, events []telemetry.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	m.events = append(m.events, events...)
	if over := len(m.events) - m.eventCap; over > 0 {
		m.events = append(m.events[:0:0], m.events[over:]...)
	}
	return nil
}

// UpsertAlert implements Store.
func (m *Memory) UpsertAlert(_ context.Context, a telemetry.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	if old, ok := m.alerts[a.DedupKey]; ok {
		a = mergeStored(old, a)
	}
	m.alerts[a.DedupKey] = a
	return nil
}

// QueryAlerts implements Store.
func (m *Memory) QueryAlerts(_ context.Context, from, to time.Time) ([]telemetry.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	out := make([]telemetry.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if inRange(a.FirstSeen, from, to) {
			out = append(out, a)
		}
	}
	SortAlerts(out)
	return out, nil
}

// RecentEvents implements Store.
func (m *Memory) RecentEvents(_ context.Context, limit int) ([]telemetry.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]telemetry.Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrUnavailable
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// SortAlerts orders alerts by (first_seen, dedup_key).
func SortAlerts(as []telemetry.Alert) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].FirstSeen.Equal(as[j].FirstSeen) {
			return as[i].FirstSeen.Before(as[j].FirstSeen)
		}
		return as[i].DedupKey < as[j].DedupKey
	})
}
