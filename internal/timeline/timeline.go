// Package timeline is the alert sink: a deduplicating, monotonic alert index
// backed by a Store.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/store"
	"github.com/lvonguyen/minisoc/internal/telemetry"
)

const stripes = 64

// ErrBadCursor is returned for an unparseable paging cursor.
var ErrBadCursor = errors.New("invalid cursor")

// UpsertResult reports what an upsert did to the timeline.
type UpsertResult int

const (
	Created UpsertResult = iota + 1
	Updated
	Escalated
)

func (r UpsertResult) String() string {
	switch r {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Escalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// Range bounds first_seen as [From, To). Zero bounds are open.
type Range struct {
	From time.Time
	To   time.Time
}

// Filter narrows a query.
type Filter struct {
	DetectorID  string
	Entity      string
	Actor       string
	Origin      string
	MinSeverity telemetry.Severity
	Limit       int
	After       string // cursor from CursorOf; results start strictly after it
}

// Summary counts alerts in a range.
type Summary struct {
	Total      int                        `json:"total"`
	BySeverity map[telemetry.Severity]int `json:"by_severity"`
	ByDetector map[string]int             `json:"by_detector"`
}

// Timeline serializes upserts per dedup key and lets readers see a
// consistent index. Writes go through to the store after the index.
type Timeline struct {
	locks [stripes]sync.Mutex

	mu     sync.RWMutex
	alerts map[string]telemetry.Alert

	store  store.Store
	logger *zap.Logger
}

// New creates a timeline. st may be nil for a purely in-memory timeline.
func New(st store.Store, logger *zap.Logger) *Timeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timeline{
		alerts: make(map[string]telemetry.Alert),
		store:  st,
		logger: logger,
	}
}

func (t *Timeline) lockFor(key string) *sync.Mutex {
	return &t.locks[xxhash.Sum64String(key)%stripes]
}

// Upsert folds an alert version into the timeline. Score and last_seen
// never decrease, first_seen never increases and count accumulates.
func (t *Timeline) Upsert(ctx context.Context, a telemetry.Alert) (telemetry.Alert, UpsertResult, error) {
	if a.DedupKey == "" {
		return a, 0, errors.New("timeline: alert has no dedup key")
	}
	l := t.lockFor(a.DedupKey)
	l.Lock()
	defer l.Unlock()

	t.mu.RLock()
	existing, ok := t.alerts[a.DedupKey]
	t.mu.RUnlock()

	merged, result := a, Created
	if ok {
		var escalated bool
		merged, escalated = existing.Merge(a)
		result = Updated
		if escalated {
			result = Escalated
		}
	}

	t.mu.Lock()
	t.alerts[merged.DedupKey] = merged
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.UpsertAlert(ctx, merged); err != nil {
			return merged, result, fmt.Errorf("timeline: persist %s: %w", merged.DedupKey, err)
		}
	}
	return merged, result, nil
}

// Get returns the alert for a dedup key.
func (t *Timeline) Get(key string) (telemetry.Alert, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.alerts[key]
	return a, ok
}

// Len returns the number of indexed alerts.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.alerts)
}

// Query returns matching alerts ordered by (first_seen, dedup_key).
func (t *Timeline) Query(_ context.Context, r Range, f Filter) ([]telemetry.Alert, error) {
	var (
		afterTS  time.Time
		afterKey string
	)
	if f.After != "" {
		var err error
		if afterTS, afterKey, err = parseCursor(f.After); err != nil {
			return nil, err
		}
	}

	t.mu.RLock()
	out := make([]telemetry.Alert, 0, len(t.alerts))
	for _, a := range t.alerts {
		if r.contains(a.FirstSeen) && f.matches(a) {
			out = append(out, a)
		}
	}
	t.mu.RUnlock()

	store.SortAlerts(out)
	if f.After != "" {
		i := sort.Search(len(out), func(i int) bool {
			a := out[i]
			if !a.FirstSeen.Equal(afterTS) {
				return a.FirstSeen.After(afterTS)
			}
			return a.DedupKey > afterKey
		})
		out = out[i:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Summary counts alerts per severity and detector.
func (t *Timeline) Summary(_ context.Context, r Range) Summary {
	s := Summary{
		BySeverity: make(map[telemetry.Severity]int, len(telemetry.Severities)),
		ByDetector: make(map[string]int),
	}
	for _, sev := range telemetry.Severities {
		s.BySeverity[sev] = 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, a := range t.alerts {
		if !r.contains(a.FirstSeen) {
			continue
		}
		s.Total++
		s.BySeverity[a.Severity]++
		s.ByDetector[a.DetectorID]++
	}
	return s
}

// Prune drops alerts last seen before the cutoff from the index. The store
// keeps them.
func (t *Timeline) Prune(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, a := range t.alerts {
		if a.LastSeen.Before(before) {
			delete(t.alerts, k)
			n++
		}
	}
	return n
}

// Load warms the index from the store with alerts first seen since the
// given time.
func (t *Timeline) Load(ctx context.Context, since time.Time) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	alerts, err := t.store.QueryAlerts(ctx, since, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("timeline: load: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range alerts {
		if cur, ok := t.alerts[a.DedupKey]; ok && cur.Count >= a.Count {
			continue
		}
		t.alerts[a.DedupKey] = a
	}
	t.logger.Info("Timeline loaded from store", zap.Int("alerts", len(alerts)))
	return len(alerts), nil
}

// CursorOf returns the paging cursor positioned at a.
func CursorOf(a telemetry.Alert) string {
	return strconv.FormatInt(a.FirstSeen.UnixNano(), 10) + "." + a.DedupKey
}

func parseCursor(c string) (time.Time, string, error) {
	ns, key, ok := strings.Cut(c, ".")
	if !ok || key == "" {
		return time.Time{}, "", ErrBadCursor
	}
	n, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return time.Time{}, "", ErrBadCursor
	}
	return time.Unix(0, n).UTC(), key, nil
}

func (r Range) contains(ts time.Time) bool {
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !ts.Before(r.To) {
		return false
	}
	return true
}

func (f Filter) matches(a telemetry.Alert) bool {
	if f.DetectorID != "" && !strings.EqualFold(f.DetectorID, a.DetectorID) {
		return false
	}
	if f.Entity != "" && f.Entity != a.Entity {
		return false
	}
	if f.Actor != "" && f.Actor != a.Actor {
		return false
	}
	if f.Origin != "" && f.Origin != a.Origin {
		return false
	}
	if f.MinSeverity != "" && a.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	return true
}
