package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/minisoc/internal/observability"
	"github.com/lvonguyen/minisoc/internal/splunk"
	"github.com/lvonguyen/minisoc/internal/telemetry"
	"github.com/lvonguyen/minisoc/internal/timeline"
)

var t0 = time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	got  []Notification
	fail error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.fail
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func testAlert(key string, sev telemetry.Severity) telemetry.Alert {
	return telemetry.Alert{
		DedupKey:   key,
		DetectorID: "AUTH001",
		Title:      "SSH brute force",
		Entity:     "origin:203.0.113.7|target:bastion",
		Target:     "bastion",
		Score:      75,
		Severity:   sev,
		FirstSeen:  t0,
		LastSeen:   t0.Add(time.Minute),
		Count:      1,
		Techniques: []string{"T1110.001"},
		Details:    map[string]string{"failures": "6"},
	}
}

// =============================================================================
// Router Tests
// =============================================================================

// TestRouter_SuppressesRepeats verifies updates inside the TTL are counted
// and reported with the next emission for the same alert.
func TestRouter_SuppressesRepeats(t *testing.T) {
	rec := &recorder{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r, err := NewRouter(RouterConfig{SuppressTTL: time.Hour}, rec, metrics, nil)
	require.NoError(t, err)
	r.Start(context.Background())

	a := testAlert("a_1", telemetry.SeverityMedium)
	r.Route(context.Background(), a, timeline.Created)
	r.Route(context.Background(), a, timeline.Updated)
	r.Route(context.Background(), a, timeline.Updated)
	a.Severity = telemetry.SeverityHigh
	r.Route(context.Background(), a, timeline.Escalated)
	r.Route(context.Background(), testAlert("a_2", telemetry.SeverityLow), timeline.Created)
	r.Close()

	got := rec.all()
	require.Len(t, got, 3)
	assert.Equal(t, ReasonCreated, got[0].Reason)
	assert.Equal(t, ReasonEscalated, got[1].Reason)
	assert.Equal(t, 2, got[1].SuppressedRepeats)
	assert.Equal(t, "a_2", got[2].Alert.DedupKey)
	assert.Zero(t, got[2].SuppressedRepeats)
}

// TestRouter_RepeatAfterTTL verifies an update notifies again once the
// suppression window has passed.
func TestRouter_RepeatAfterTTL(t *testing.T) {
	rec := &recorder{}
	r, err := NewRouter(RouterConfig{SuppressTTL: 30 * time.Millisecond}, rec, nil, nil)
	require.NoError(t, err)

	a := testAlert("a_1", telemetry.SeverityMedium)
	_, ok := r.decide(a, timeline.Created)
	require.True(t, ok)
	_, ok = r.decide(a, timeline.Updated)
	require.False(t, ok)

	time.Sleep(80 * time.Millisecond)
	n, ok := r.decide(a, timeline.Updated)
	require.True(t, ok)
	assert.Equal(t, ReasonRepeat, n.Reason)
	assert.Equal(t, 1, n.SuppressedRepeats)
}

// TestRouter_NoSuppression verifies a zero TTL forwards every upsert.
func TestRouter_NoSuppression(t *testing.T) {
	rec := &recorder{}
	r, err := NewRouter(RouterConfig{}, rec, nil, nil)
	require.NoError(t, err)
	r.Start(context.Background())
	a := testAlert("a_1", telemetry.SeverityMedium)
	for i := 0; i < 3; i++ {
		r.Route(context.Background(), a, timeline.Updated)
	}
	r.Close()
	assert.Len(t, rec.all(), 3)

	// Routing after Close is a no-op.
	r.Route(context.Background(), a, timeline.Created)
}

// =============================================================================
// Notifier Tests
// =============================================================================

// TestConsole_Format verifies the console line.
func TestConsole_Format(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	err := c.Notify(context.Background(), Notification{
		Alert:             testAlert("a_1", telemetry.SeverityHigh),
		Reason:            ReasonCreated,
		SuppressedRepeats: 4,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "[ALERT] 2026-01-12T10:01:00Z AUTH001")
	assert.Contains(t, out, "sev=high")
	assert.Contains(t, out, ":: SSH brute force (+4 suppressed repeats)")
	assert.Contains(t, out, `details: {"failures":"6"}`)
}

// TestMulti_CombinesErrors verifies every notifier runs and errors combine.
func TestMulti_CombinesErrors(t *testing.T) {
	ok, bad := &recorder{}, &recorder{fail: errors.New("down")}
	m := Multi{bad, ok}
	err := m.Notify(context.Background(), Notification{Alert: testAlert("a_1", telemetry.SeverityLow)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recorder: down")
	assert.Len(t, ok.all(), 1)
}

type fakeConn struct {
	subject string
	data    []byte
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return nil
}

// TestNATSPublisher verifies the published subject and payload.
func TestNATSPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "minisoc.alerts")
	require.NoError(t, p.Notify(context.Background(), Notification{Alert: testAlert("a_1", telemetry.SeverityHigh), Reason: ReasonCreated}))

	assert.Equal(t, "minisoc.alerts", conn.subject)
	var n Notification
	require.NoError(t, json.Unmarshal(conn.data, &n))
	assert.Equal(t, "a_1", n.Alert.DedupKey)
	assert.Equal(t, ReasonCreated, n.Reason)
}

// TestHECSender_Batches verifies notifications are held until the batch is
// full or flushed.
func TestHECSender_Batches(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
	}))
	defer srv.Close()

	t.Setenv("TEST_HEC_OUT", "tok")
	cfg := splunk.DefaultSenderConfig()
	cfg.URL = srv.URL
	cfg.TokenEnv = "TEST_HEC_OUT"
	cfg.BatchSize = 2
	s, err := splunk.NewSender(cfg)
	require.NoError(t, err)
	h := NewHECSender(s)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Notify(ctx, Notification{Alert: testAlert("a_1", telemetry.SeverityHigh), Reason: ReasonCreated}))
	}
	mu.Lock()
	require.Len(t, bodies, 1)
	assert.Equal(t, 2, strings.Count(bodies[0], "\n"))
	assert.Contains(t, bodies[0], `"sourcetype":"minisoc:alert"`)
	mu.Unlock()

	require.NoError(t, h.Flush(ctx))
	mu.Lock()
	assert.Len(t, bodies, 2)
	mu.Unlock()
	require.NoError(t, h.Flush(ctx), "empty flush is a no-op")
}
