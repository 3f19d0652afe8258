package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

var t0 = time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

func testAlert(key string, score float64, first time.Time, count int) telemetry.Alert {
	return telemetry.Alert{
		DedupKey:   key,
		DetectorID: "AUTH001",
		Title:      fmt.Sprintf("score %.0f", score),
		Entity:     "origin:203.0.113.7",
		Bucket:     first,
		Score:      score,
		Severity:   telemetry.SeverityMedium,
		Confidence: telemetry.ConfidenceMedium,
		FirstSeen:  first,
		LastSeen:   first.Add(time.Minute),
		Count:      count,
		Evidence:   []telemetry.EventRef{{ID: fmt.Sprintf("%s-%d", key, count), Timestamp: first}},
		Techniques: []string{"T1110.001"},
		Details:    map[string]string{"attempts": "5"},
	}
}

func testEvents(n int) []telemetry.Event {
	evs := make([]telemetry.Event, n)
	for i := range evs {
		evs[i] = telemetry.Event{
			ID:        fmt.Sprintf("e%d", i),
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Source:    "auth",
			Seq:       uint64(i),
			Kind:      telemetry.KindAuthFailure,
			Raw:       "line",
			ParseOK:   true,
		}
	}
	return evs
}

// backendContract runs the shared Store behaviour against a backend.
func backendContract(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.AppendEvents(ctx, testEvents(5)))
	recent, err := s.RecentEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "e4", recent[0].ID, "most recent first")

	require.NoError(t, s.UpsertAlert(ctx, testAlert("a_1", 50, t0, 1)))
	require.NoError(t, s.UpsertAlert(ctx, testAlert("a_2", 40, t0.Add(time.Hour), 1)))

	// A newer version escalates.
	up := testAlert("a_1", 75, t0.Add(-time.Minute), 3)
	up.LastSeen = t0.Add(10 * time.Minute)
	require.NoError(t, s.UpsertAlert(ctx, up))

	// A stale replay must not regress anything.
	stale := testAlert("a_1", 30, t0.Add(time.Minute), 2)
	require.NoError(t, s.UpsertAlert(ctx, stale))

	alerts, err := s.QueryAlerts(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	a := alerts[0]
	assert.Equal(t, "a_1", a.DedupKey)
	assert.Equal(t, 75.0, a.Score)
	assert.Equal(t, "score 75", a.Title)
	assert.Equal(t, 3, a.Count)
	assert.True(t, a.FirstSeen.Equal(t0.Add(-time.Minute)), "first_seen %v", a.FirstSeen)
	assert.True(t, a.LastSeen.Equal(t0.Add(10*time.Minute)), "last_seen %v", a.LastSeen)

	ranged, err := s.QueryAlerts(ctx, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "a_2", ranged[0].DedupKey)
}

// =============================================================================
// Backend Tests
// =============================================================================

// TestMemory_Contract verifies the memory backend.
func TestMemory_Contract(t *testing.T) {
	backendContract(t, NewMemory(100))
}

// TestMemory_EventCap verifies the event log is bounded.
func TestMemory_EventCap(t *testing.T) {
	m := NewMemory(3)
	require.NoError(t, m.AppendEvents(context.Background(), testEvents(10)))
	evs, _ := m.RecentEvents(context.Background(), 0)
	require.Len(t, evs, 3)
	assert.Equal(t, "e9", evs[0].ID)
	assert.Equal(t, "e7", evs[2].ID)
}

// TestRedis_Contract verifies the Redis backend against miniredis.
func TestRedis_Contract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisWithClient(client, "test", 100)
	defer s.Close()

	backendContract(t, s)
	assert.True(t, mr.Exists("test:alerts:by_first_seen"))
}

// TestRedis_EventCap verifies the list is trimmed.
func TestRedis_EventCap(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", 4)
	require.NoError(t, s.AppendEvents(context.Background(), testEvents(10)))
	evs, err := s.RecentEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, evs, 4)
}

// TestPostgres_Contract runs against a real database when
// MINISOC_TEST_POSTGRES_DSN is set.
func TestPostgres_Contract(t *testing.T) {
	dsn := os.Getenv("MINISOC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MINISOC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, dsn, DefaultConfig().Postgres)
	require.NoError(t, err)
	defer p.Close()
	_, err = p.db.ExecContext(ctx, "TRUNCATE events, alerts")
	require.NoError(t, err)
	backendContract(t, p)
}

// TestOpen_UnknownBackend verifies configuration errors surface.
func TestOpen_UnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "sqlite"
	_, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

// =============================================================================
// Resilient Tests
// =============================================================================

// flakyStore fails writes while down is set.
type flakyStore struct {
	*Memory
	mu   sync.Mutex
	down bool
}

func (f *flakyStore) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *flakyStore) isDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *flakyStore) AppendEvents(ctx context.Context, evs []telemetry.Event) error {
	if f.isDown() {
		return errors.New("connection refused")
	}
	return f.Memory.AppendEvents(ctx, evs)
}

func (f *flakyStore) UpsertAlert(ctx context.Context, a telemetry.Alert) error {
	if f.isDown() {
		return errors.New("connection refused")
	}
	return f.Memory.UpsertAlert(ctx, a)
}

// TestResilient_BuffersAndDrains verifies writes survive an outage.
func TestResilient_BuffersAndDrains(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{Memory: NewMemory(100), down: true}
	r := NewResilient(inner, ResilientConfig{Retries: 1, EventBuffer: 10, AlertBuffer: 10}, zaptest.NewLogger(t), nil)

	require.NoError(t, r.AppendEvents(ctx, testEvents(4)))
	require.NoError(t, r.UpsertAlert(ctx, testAlert("a_1", 50, t0, 1)))
	require.NoError(t, r.UpsertAlert(ctx, testAlert("a_1", 75, t0, 2)))

	st := r.Stats()
	assert.Equal(t, 4, st.BufferedEvents)
	assert.Equal(t, 1, st.BufferedAlerts, "latest version per key")

	// Reads see buffered alerts.
	alerts, err := r.QueryAlerts(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 75.0, alerts[0].Score)

	assert.Error(t, r.Drain(ctx))
	inner.setDown(false)
	require.NoError(t, r.Drain(ctx))

	st = r.Stats()
	assert.Zero(t, st.BufferedEvents)
	assert.Zero(t, st.BufferedAlerts)
	evs, _ := inner.RecentEvents(ctx, 0)
	assert.Len(t, evs, 4)
	stored, _ := inner.QueryAlerts(ctx, time.Time{}, time.Time{})
	require.Len(t, stored, 1)
	assert.Equal(t, 2, stored[0].Count)
}

// TestResilient_DropsWhenFull verifies the buffer is bounded and losses are
// counted.
func TestResilient_DropsWhenFull(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{Memory: NewMemory(100), down: true}
	r := NewResilient(inner, ResilientConfig{EventBuffer: 5, AlertBuffer: 1}, nil, nil)

	require.NoError(t, r.AppendEvents(ctx, testEvents(3)))
	require.NoError(t, r.AppendEvents(ctx, testEvents(4)))
	require.NoError(t, r.UpsertAlert(ctx, testAlert("a_1", 50, t0, 1)))
	require.NoError(t, r.UpsertAlert(ctx, testAlert("a_2", 50, t0, 1)))

	st := r.Stats()
	assert.Equal(t, 5, st.BufferedEvents)
	assert.Equal(t, uint64(2), st.DroppedEvents)
	assert.Equal(t, uint64(1), st.DroppedAlerts)
}

// TestResilient_PreservesOrderDuringBacklog verifies new events queue behind
// the backlog instead of overtaking it.
func TestResilient_PreservesOrderDuringBacklog(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{Memory: NewMemory(100), down: true}
	r := NewResilient(inner, ResilientConfig{}, nil, nil)

	evs := testEvents(6)
	require.NoError(t, r.AppendEvents(ctx, evs[:3]))
	inner.setDown(false)
	require.NoError(t, r.AppendEvents(ctx, evs[3:]))
	assert.Equal(t, 6, r.Stats().BufferedEvents)

	require.NoError(t, r.Drain(ctx))
	got, _ := inner.RecentEvents(ctx, 0)
	require.Len(t, got, 6)
	assert.Equal(t, "e5", got[0].ID)
	assert.Equal(t, "e0", got[5].ID)
}
