package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lvonguyen/minisoc/internal/scoring"
	"github.com/lvonguyen/minisoc/internal/store"
	"github.com/lvonguyen/minisoc/internal/telemetry"
	"github.com/lvonguyen/minisoc/internal/telemetry/correlation"
	"github.com/lvonguyen/minisoc/internal/telemetry/normalization"
	"github.com/lvonguyen/minisoc/internal/timeline"
)

var observed = time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	results []timeline.UpsertResult
}

func (r *recordingNotifier) Route(_ context.Context, _ telemetry.Alert, res timeline.UpsertResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func newProcessor(t *testing.T, st store.Store, n Notifier) *Processor {
	t.Helper()
	detectors, err := correlation.BuildDetectors(correlation.DefaultConfig())
	require.NoError(t, err)
	scorer, err := scoring.NewScorer(scoring.DefaultConfig())
	require.NoError(t, err)
	p, err := NewProcessor(ProcessorDeps{
		Engine:   correlation.NewEngine(detectors...),
		Scorer:   scorer,
		Timeline: timeline.New(st, nil),
		Store:    st,
		Notifier: n,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return p
}

func bruteLines() []string {
	var out []string
	for i := 0; i < 6; i++ {
		out = append(out, fmt.Sprintf(
			"2026-01-12T09:58:%02dZ bastion sshd[811]: Failed password for root from 203.0.113.7 port %d ssh2",
			i*2, 52340+i))
	}
	return out
}

func sprayLines() []string {
	var out []string
	for i := 0; i < 6; i++ {
		out = append(out, fmt.Sprintf(
			"2026-01-12T09:58:%02dZ web01 sshd[90]: Failed password for user%d from 198.51.100.9 port %d ssh2",
			i*2+1, i, 40000+i))
	}
	return out
}

func rawLines(source string, texts []string) []telemetry.RawLine {
	out := make([]telemetry.RawLine, len(texts))
	for i, text := range texts {
		out[i] = telemetry.RawLine{Source: source, Seq: uint64(i + 1), Text: text, ObservedAt: observed}
	}
	return out
}

func keysOf(alerts []telemetry.Alert) map[string]int {
	out := make(map[string]int, len(alerts))
	for _, a := range alerts {
		out[a.DedupKey] = a.Count
	}
	return out
}

// =============================================================================
// Replay Tests
// =============================================================================

// TestReplay_Deterministic verifies two replays of the same input produce
// identical findings and alerts.
func TestReplay_Deterministic(t *testing.T) {
	norm := normalization.NewNormalizer(normalization.NormalizerConfig{})
	lines := append(rawLines("auth", bruteLines()), rawLines("web", sprayLines())...)

	run := func() *ReplayResult {
		res, err := Replay(context.Background(), newProcessor(t, store.NewMemory(100), nil), norm, lines)
		require.NoError(t, err)
		return res
	}
	first, second := run(), run()

	assert.Equal(t, len(lines), first.Events)
	require.NotEmpty(t, first.Alerts)
	assert.Equal(t, first.Findings, second.Findings)
	assert.Equal(t, first.Alerts, second.Alerts)
	assert.Equal(t, first.FlushedAt, second.FlushedAt)

	detectors := map[string]bool{}
	for _, a := range first.Alerts {
		detectors[a.DetectorID] = true
		assert.NotEmpty(t, a.Techniques, "alerts carry ATT&CK techniques")
	}
	assert.True(t, detectors[correlation.DetectorBruteForce])
	assert.True(t, detectors[correlation.DetectorPasswordSpray])
}

// TestReplay_NotifiesCreations verifies the notifier sees every upsert.
func TestReplay_NotifiesCreations(t *testing.T) {
	norm := normalization.NewNormalizer(normalization.NormalizerConfig{})
	n := &recordingNotifier{}
	res, err := Replay(context.Background(), newProcessor(t, nil, n), norm, rawLines("auth", bruteLines()))
	require.NoError(t, err)

	require.NotEmpty(t, n.results)
	assert.Equal(t, timeline.Created, n.results[0])
	assert.Len(t, n.results, len(res.Findings))
}

// TestReplay_ClosesLongestWindow verifies the final flush closes the window
// holding the last event when it is the longest window.
func TestReplay_ClosesLongestWindow(t *testing.T) {
	bf, err := correlation.NewBruteForce(correlation.BruteForceConfig{Enabled: true, Window: 2 * time.Minute, Threshold: 5})
	require.NoError(t, err)
	scorer, err := scoring.NewScorer(scoring.DefaultConfig())
	require.NoError(t, err)
	p, err := NewProcessor(ProcessorDeps{
		Engine:   correlation.NewEngine(bf),
		Scorer:   scorer,
		Timeline: timeline.New(nil, nil),
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	norm := normalization.NewNormalizer(normalization.NormalizerConfig{})
	res, err := Replay(context.Background(), p, norm, rawLines("auth", bruteLines()))
	require.NoError(t, err)

	last := time.Date(2026, 1, 12, 9, 58, 10, 0, time.UTC)
	assert.Equal(t, last.Add(2*time.Minute+time.Nanosecond), res.FlushedAt)
	outcomes := map[string]int{}
	for _, f := range res.Findings {
		outcomes[f.Details["outcome"]]++
	}
	assert.Equal(t, 1, outcomes["window_closed"])
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, 2, res.Alerts[0].Count)
}

// failingDetector errors on every event.
type failingDetector struct{}

func (failingDetector) ID() string { return "FAIL001" }
func (failingDetector) Consume(telemetry.EnrichedEvent) ([]telemetry.Finding, error) {
	return nil, errors.New("lookup unavailable")
}
func (failingDetector) Flush(time.Time) ([]telemetry.Finding, error) { return nil, nil }

// TestProcessor_LogsFailureOnce verifies each detector failure produces one
// log entry and one counted failure.
func TestProcessor_LogsFailureOnce(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	scorer, err := scoring.NewScorer(scoring.DefaultConfig())
	require.NoError(t, err)
	p, err := NewProcessor(ProcessorDeps{
		Engine:   correlation.NewEngine(failingDetector{}),
		Scorer:   scorer,
		Timeline: timeline.New(nil, nil),
		Logger:   zap.New(core),
	})
	require.NoError(t, err)

	norm := normalization.NewNormalizer(normalization.NormalizerConfig{})
	res, err := Replay(context.Background(), p, norm, rawLines("auth", bruteLines()[:1]))
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "FAIL001", res.Failures[0].DetectorID)
	assert.Equal(t, 1, logs.FilterMessage("Detector failure").Len())
	assert.Equal(t, 1, logs.FilterField(zap.String("detector", "FAIL001")).Len())
	assert.EqualValues(t, 1, p.Stats().DetectorFailures)
}

// TestReplay_Cancelled verifies a cancelled context stops the replay.
func TestReplay_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	norm := normalization.NewNormalizer(normalization.NormalizerConfig{})
	_, err := Replay(ctx, newProcessor(t, nil, nil), norm, rawLines("auth", bruteLines()))
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Coordinator Tests
// =============================================================================

func newCoordinator(t *testing.T, cfg Config, p *Processor, opts ...Option) *Coordinator {
	t.Helper()
	return newCoordinatorWith(t, cfg, normalization.NormalizerConfig{}, p, opts...)
}

func newCoordinatorWith(t *testing.T, cfg Config, normCfg normalization.NormalizerConfig, p *Processor, opts ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(cfg, normalization.NewNormalizer(normCfg), p, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	c.Start(context.Background())
	return c
}

// manualClock is a wall clock the test moves by hand.
type manualClock struct{ ns atomic.Int64 }

func newManualClock(at time.Time) *manualClock {
	c := &manualClock{}
	c.ns.Store(at.UnixNano())
	return c
}

func (c *manualClock) Now() time.Time          { return time.Unix(0, c.ns.Load()).UTC() }
func (c *manualClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

func closeCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
}

// TestCoordinator_MergesInOrder verifies two concurrent feeds are processed
// in timestamp order and yield the same alerts as a replay.
func TestCoordinator_MergesInOrder(t *testing.T) {
	st := store.NewMemory(100)
	cfg := DefaultConfig()
	cfg.StallGrace = 10 * time.Second
	cfg.FlushInterval = time.Hour
	c := newCoordinator(t, cfg, newProcessor(t, st, nil))

	feeds := map[string][]string{"auth": bruteLines(), "web": sprayLines()}
	var wg sync.WaitGroup
	for source, texts := range feeds {
		f, err := c.OpenFeed(source)
		require.NoError(t, err)
		wg.Add(1)
		go func(f *Feed, texts []string) {
			defer wg.Done()
			for _, text := range texts {
				assert.NoError(t, f.Push(context.Background(), text, observed))
			}
		}(f, texts)
	}
	wg.Wait()
	closeCoordinator(t, c)

	stats := c.Stats()
	assert.Equal(t, uint64(12), stats.Lines)
	assert.Equal(t, uint64(12), stats.Events, "every pushed line becomes an event")
	assert.Zero(t, stats.LateEvents)

	recent, err := st.RecentEvents(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, recent, 12)
	for i := 1; i < len(recent); i++ {
		assert.False(t, recent[i].Timestamp.After(recent[i-1].Timestamp), "events released out of order at %d", i)
	}

	norm := normalization.NewNormalizer(normalization.NormalizerConfig{})
	lines := append(rawLines("auth", bruteLines()), rawLines("web", sprayLines())...)
	replayed, err := Replay(context.Background(), newProcessor(t, nil, nil), norm, lines)
	require.NoError(t, err)

	live, err := c.proc.Timeline().Query(context.Background(), timeline.Range{}, timeline.Filter{})
	require.NoError(t, err)
	assert.Equal(t, keysOf(replayed.Alerts), keysOf(live))
}

// TestCoordinator_Backpressure verifies a full reorder buffer blocks
// producers instead of growing, and that Push reports the timeout.
func TestCoordinator_Backpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FeedBuffer = 2
	cfg.ReorderCapacity = 4
	cfg.StallGrace = time.Minute
	cfg.FlushInterval = time.Hour
	c := newCoordinator(t, cfg, newProcessor(t, nil, nil))

	// An attached feed that never sends holds the watermark.
	_, err := c.OpenFeed("silent")
	require.NoError(t, err)
	loud, err := c.OpenFeed("loud")
	require.NoError(t, err)

	accepted := 0
	var pushErr error
	for i := 0; i < 50 && pushErr == nil; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		pushErr = loud.Push(ctx, fmt.Sprintf("generic line %d", i), observed.Add(time.Duration(i)*time.Second))
		cancel()
		if pushErr == nil {
			accepted++
		}
	}
	require.ErrorIs(t, pushErr, ErrBackpressure)
	assert.LessOrEqual(t, c.Stats().Buffered, cfg.ReorderCapacity)
	assert.Zero(t, c.Stats().Events, "nothing passes the watermark of a silent feed")

	closeCoordinator(t, c)
	stats := c.Stats()
	assert.Equal(t, uint64(accepted), stats.Events)
	assert.Equal(t, uint64(1), stats.Backpressure)
}

// TestCoordinator_StalledFeedIsGap verifies a silent feed stops holding the
// watermark after the stall grace period.
func TestCoordinator_StalledFeedIsGap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StallGrace = 40 * time.Millisecond
	cfg.FlushInterval = time.Hour
	c := newCoordinator(t, cfg, newProcessor(t, nil, nil))
	defer closeCoordinator(t, c)

	_, err := c.OpenFeed("silent")
	require.NoError(t, err)
	loud, err := c.OpenFeed("loud")
	require.NoError(t, err)
	for _, text := range bruteLines() {
		require.NoError(t, loud.Push(context.Background(), text, observed))
	}

	require.Eventually(t, func() bool {
		return c.Stats().Events == 6
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, c.Stats().FeedStalls, uint64(1))
}

// TestCoordinator_Ingest verifies the shared per-source feed and shutdown
// semantics.
func TestCoordinator_Ingest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	c := newCoordinator(t, cfg, newProcessor(t, nil, nil))

	lines := make([]Line, 0, 6)
	for _, text := range sprayLines() {
		lines = append(lines, Line{Text: text, ObservedAt: observed})
	}
	n, err := c.Ingest(context.Background(), "hec", lines[:3])
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = c.Ingest(context.Background(), "hec", lines[3:])
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	closeCoordinator(t, c)
	assert.Equal(t, uint64(6), c.Stats().Events)
	assert.NotZero(t, c.proc.Timeline().Len())

	_, err = c.Ingest(context.Background(), "hec", lines)
	assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, ErrFeedClosed))
	_, err = c.OpenFeed("late")
	assert.ErrorIs(t, err, ErrClosed)
}

// TestCoordinator_FlushUsesEventTime verifies the flush timer closes windows
// in event time: a stream trailing the server clock still correlates, and
// once it falls silent the breached window closes with a summary.
func TestCoordinator_FlushUsesEventTime(t *testing.T) {
	// The server clock runs ten minutes ahead of the stream.
	clock := newManualClock(observed.Add(10 * time.Minute))
	cfg := DefaultConfig()
	cfg.StallGrace = time.Hour
	cfg.FlushInterval = 5 * time.Millisecond
	c := newCoordinator(t, cfg, newProcessor(t, nil, nil), WithClock(clock.Now))
	defer closeCoordinator(t, c)

	f, err := c.OpenFeed("agent")
	require.NoError(t, err)
	for _, text := range bruteLines() {
		require.NoError(t, f.Push(context.Background(), text, observed))
		time.Sleep(20 * time.Millisecond) // several flush ticks between lines
	}
	require.Eventually(t, func() bool {
		st := c.Stats()
		return st.Events == 6 && st.AlertsCreated == 1
	}, 2*time.Second, 10*time.Millisecond, "lagging stream lost its window")

	// Nothing arrives; wall time alone carries the horizon past the window.
	clock.Advance(3 * time.Minute)
	require.Eventually(t, func() bool {
		alerts, err := c.proc.Timeline().Query(context.Background(), timeline.Range{}, timeline.Filter{})
		return err == nil && len(alerts) == 1 && alerts[0].Count == 2
	}, 2*time.Second, 10*time.Millisecond, "timer flush did not close the window")
	assert.Equal(t, uint64(1), c.Stats().AlertsCreated)
}

// TestCoordinator_ClampsObservedTime verifies a producer's observation time
// is held to the server clock within the skew tolerance.
func TestCoordinator_ClampsObservedTime(t *testing.T) {
	clock := newManualClock(observed)
	st := store.NewMemory(10)
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	c := newCoordinatorWith(t, cfg, normalization.NormalizerConfig{SkewTolerance: time.Hour},
		newProcessor(t, st, nil), WithClock(clock.Now))

	future := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := c.Ingest(context.Background(), "hec", []Line{{
		Text:       `{"ts":"2100-01-01T00:00:00Z","kind":"auth_success","actor":"alice","src_ip":"192.0.2.1"}`,
		ObservedAt: future,
	}})
	require.NoError(t, err)
	closeCoordinator(t, c)

	recent, err := st.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].ObservedAt.Equal(observed.Add(time.Hour)), "observed_at = %v", recent[0].ObservedAt)
	assert.False(t, recent[0].Timestamp.After(observed.Add(2*time.Hour)), "timestamp %v escaped the skew bound", recent[0].Timestamp)
}

// TestCoordinator_ConcurrentIngestAndClose verifies every line reported as
// accepted is processed, even when Close races concurrent Ingest calls on
// the shared feed.
func TestCoordinator_ConcurrentIngestAndClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	c := newCoordinator(t, cfg, newProcessor(t, nil, nil))

	batch := make([]Line, 5)
	for i := range batch {
		batch[i] = Line{Text: fmt.Sprintf("generic line %d", i), ObservedAt: observed}
	}
	var accepted atomic.Int64
	n, err := c.Ingest(context.Background(), "hec", batch)
	require.NoError(t, err)
	accepted.Add(int64(n))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				n, err := c.Ingest(context.Background(), "hec", batch)
				accepted.Add(int64(n))
				if err != nil {
					return
				}
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	closeCoordinator(t, c)
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, uint64(accepted.Load()), stats.Lines)
	assert.Equal(t, uint64(accepted.Load()), stats.Events)
}

// TestConfig_Validate verifies unusable settings are rejected.
func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ReorderCapacity = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.StallGrace = 0
	assert.Error(t, cfg.Validate())

	assert.Equal(t, 500*time.Millisecond, DefaultConfig().tickInterval())
}
