package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// ResilientConfig bounds how long writes are retried and how much is held
// while the backend is down.
type ResilientConfig struct {
	Retries       int           `yaml:"retries"`
	Backoff       time.Duration `yaml:"backoff"`
	EventBuffer   int           `yaml:"event_buffer"`
	AlertBuffer   int           `yaml:"alert_buffer"`
	DrainInterval time.Duration `yaml:"drain_interval"`
}

// DefaultResilientConfig returns conservative retry and buffer limits.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Retries:       2,
		Backoff:       50 * time.Millisecond,
		EventBuffer:   50000,
		AlertBuffer:   5000,
		DrainInterval: 5 * time.Second,
	}
}

// BufferStats reports the degraded-mode state of a Resilient store.
type BufferStats struct {
	BufferedEvents int    `json:"buffered_events"`
	BufferedAlerts int    `json:"buffered_alerts"`
	DroppedEvents  uint64 `json:"dropped_events"`
	DroppedAlerts  uint64 `json:"dropped_alerts"`
}

// Resilient wraps a Store: writes are retried, then buffered in memory and
// drained in the background. When the buffer is full new writes are dropped
// and counted. Writes never return errors to the pipeline.
type Resilient struct {
	inner   Store
	cfg     ResilientConfig
	logger  *zap.Logger
	dropped *prometheus.CounterVec

	mu         sync.Mutex
	events     []telemetry.Event
	alerts     map[string]telemetry.Alert
	alertOrder []string
	stats      BufferStats
}

// NewResilient wraps inner. dropped may be nil; it is labelled by kind
// ("event" or "alert").
func NewResilient(inner Store, cfg ResilientConfig, logger *zap.Logger, dropped *prometheus.CounterVec) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultResilientConfig()
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.AlertBuffer <= 0 {
		cfg.AlertBuffer = def.AlertBuffer
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	return &Resilient{
		inner:   inner,
		cfg:     cfg,
		logger:  logger,
		dropped: dropped,
		alerts:  make(map[string]telemetry.Alert),
	}
}

// SetDropCounter attaches the dropped-writes metric.
func (r *Resilient) SetDropCounter(c *prometheus.CounterVec) {
	r.mu.Lock()
	r.dropped = c
	r.mu.Unlock()
}

// Inner returns the wrapped backend.
func (r *Resilient) Inner() Store { return r.inner }

func (r *Resilient) retry(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == r.cfg.Retries || r.cfg.Backoff <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.Backoff * time.Duration(attempt+1)):
		}
	}
	return err
}

// AppendEvents implements Store.
func (r *Resilient) AppendEvents(ctx context.Context, events []telemetry.Event) error {
	if len(events) == 0 {
		return nil
	}
	r.mu.Lock()
	backlog := len(r.events) > 0
	if backlog {
		r.bufferEventsLocked(events)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.retry(ctx, func(ctx context.Context) error { return r.inner.AppendEvents(ctx, events) }); err != nil {
		r.logger.Warn("Store unavailable, buffering events",
			zap.Int("count", len(events)),
			zap.Error(err))
		r.mu.Lock()
		r.bufferEventsLocked(events)
		r.mu.Unlock()
	}
	return nil
}

func (r *Resilient) bufferEventsLocked(events []telemetry.Event) {
	room := r.cfg.EventBuffer - len(r.events)
	if room < 0 {
		room = 0
	}
	keep := events
	if len(keep) > room {
		keep = events[:room]
	}
	r.events = append(r.events, keep...)
	if lost := len(events) - len(keep); lost > 0 {
		r.stats.DroppedEvents += uint64(lost)
		if r.dropped != nil {
			r.dropped.WithLabelValues("event").Add(float64(lost))
		}
		r.logger.Error("Store buffer full, dropping events",
			zap.Int("dropped", lost),
			zap.Uint64("dropped_total", r.stats.DroppedEvents))
	}
}

// UpsertAlert implements Store.
func (r *Resilient) UpsertAlert(ctx context.Context, a telemetry.Alert) error {
	r.mu.Lock()
	if len(r.alerts) > 0 {
		r.bufferAlertLocked(a)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.retry(ctx, func(ctx context.Context) error { return r.inner.UpsertAlert(ctx, a) }); err != nil {
		r.logger.Warn("Store unavailable, buffering alert",
			zap.String("dedup_key", a.DedupKey),
			zap.Error(err))
		r.mu.Lock()
		r.bufferAlertLocked(a)
		r.mu.Unlock()
	}
	return nil
}

func (r *Resilient) bufferAlertLocked(a telemetry.Alert) {
	if old, ok := r.alerts[a.DedupKey]; ok {
		r.alerts[a.DedupKey] = mergeStored(old, a)
		return
	}
	if len(r.alerts) >= r.cfg.AlertBuffer {
		r.stats.DroppedAlerts++
		if r.dropped != nil {
			r.dropped.WithLabelValues("alert").Inc()
		}
		r.logger.Error("Store buffer full, dropping alert write",
			zap.String("dedup_key", a.DedupKey))
		return
	}
	r.alerts[a.DedupKey] = a
	r.alertOrder = append(r.alertOrder, a.DedupKey)
}

// Drain writes buffered data to the backend, stopping at the first failure.
func (r *Resilient) Drain(ctx context.Context) error {
	r.mu.Lock()
	events := r.events
	r.mu.Unlock()

	if len(events) > 0 {
		if err := r.inner.AppendEvents(ctx, events); err != nil {
			return fmt.Errorf("drain events: %w", err)
		}
		r.mu.Lock()
		r.events = append(r.events[:0:0], r.events[len(events):]...)
		r.mu.Unlock()
	}

	for {
		r.mu.Lock()
		if len(r.alertOrder) == 0 {
			r.mu.Unlock()
			return nil
		}
		key := r.alertOrder[0]
		a := r.alerts[key]
		r.mu.Unlock()

		if err := r.inner.UpsertAlert(ctx, a); err != nil {
			return fmt.Errorf("drain alert %s: %w", key, err)
		}

		r.mu.Lock()
		// A newer version may have been merged in while writing.
		if cur := r.alerts[key]; cur.Count == a.Count && cur.LastSeen.Equal(a.LastSeen) && cur.Score == a.Score {
			delete(r.alerts, key)
			r.alertOrder = r.alertOrder[1:]
		}
		r.mu.Unlock()
	}
}

// Run drains the buffer every DrainInterval until ctx is done.
func (r *Resilient) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := r.Stats()
			if st.BufferedEvents == 0 && st.BufferedAlerts == 0 {
				continue
			}
			if err := r.Drain(ctx); err != nil {
				r.logger.Debug("Store drain incomplete", zap.Error(err))
				continue
			}
			r.logger.Info("Store buffer drained",
				zap.Int("events", st.BufferedEvents),
				zap.Int("alerts", st.BufferedAlerts))
		}
	}
}

// Stats returns the current buffer state.
func (r *Resilient) Stats() BufferStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.BufferedEvents = len(r.events)
	st.BufferedAlerts = len(r.alerts)
	return st
}

// QueryAlerts implements Store. Buffered alerts are merged into the result.
func (r *Resilient) QueryAlerts(ctx context.Context, from, to time.Time) ([]telemetry.Alert, error) {
	stored, err := r.inner.QueryAlerts(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.alerts) == 0 {
		return stored, nil
	}
	byKey := make(map[string]int, len(stored))
	for i, a := range stored {
		byKey[a.DedupKey] = i
	}
	for _, a := range r.alerts {
		if i, ok := byKey[a.DedupKey]; ok {
			stored[i] = mergeStored(stored[i], a)
		} else if inRange(a.FirstSeen, from, to) {
			stored = append(stored, a)
		}
	}
	SortAlerts(stored)
	return stored, nil
}

// RecentEvents implements Store.
func (r *Resilient) RecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error) {
	evs, err := r.inner.RecentEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return evs, nil
}

// Ping implements Store.
func (r *Resilient) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

// Close drains what it can and closes the backend.
func (r *Resilient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		st := r.Stats()
		r.logger.Warn("Closing store with undrained buffer",
			zap.Int("events", st.BufferedEvents),
			zap.Int("alerts", st.BufferedAlerts),
			zap.Error(err))
	}
	return r.inner.Close()
}
