package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/minisoc/internal/pipeline"
)

var followedAt = time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

func failedLine(at time.Time, user, ip string, port int) pipeline.Line {
	return pipeline.Line{
		Text: fmt.Sprintf("%s bastion sshd[811]: Failed password for %s from %s port %d ssh2",
			at.Format(time.RFC3339), user, ip, port),
		ObservedAt: followedAt,
	}
}

func readRecords(t *testing.T, path string) []SuspiciousRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []SuspiciousRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec SuspiciousRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func newTracker(t *testing.T, cfg SuspiciousConfig) *SuspiciousTracker {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "state", "suspicious.jsonl")
	}
	tr, err := NewSuspiciousTracker(cfg, "bastion", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

// =============================================================================
// Suspicious Tracker Tests
// =============================================================================

// TestSuspicious_ThresholdAndCooldown verifies a record is written when an
// origin reaches the threshold and further failures inside the cooldown are
// counted but not written.
func TestSuspicious_ThresholdAndCooldown(t *testing.T) {
	tr := newTracker(t, SuspiciousConfig{Window: time.Minute, Threshold: 3, Cooldown: time.Minute})
	base := followedAt.Add(-5 * time.Minute)

	for i := 0; i < 5; i++ {
		user := "root"
		if i%2 == 1 {
			user = "admin"
		}
		require.NoError(t, tr.ObserveLine(failedLine(base.Add(time.Duration(i)*5*time.Second), user, "203.0.113.7", 52340+i)))
	}
	require.NoError(t, tr.Close())

	recs := readRecords(t, tr.cfg.Path)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, SuspiciousSchema, rec.Schema)
	assert.Equal(t, "203.0.113.7", rec.Origin)
	assert.Equal(t, []string{"admin", "root"}, rec.Users)
	assert.Equal(t, []int{52340, 52341, 52342}, rec.Ports)
	assert.Equal(t, 3, rec.Counts.WindowFailures)
	assert.Equal(t, 3, rec.Counts.TotalFailures)
	assert.Equal(t, "bastion", rec.Source)
	assert.True(t, rec.Timestamp.Equal(base.Add(10*time.Second)))
	assert.EqualValues(t, 1, tr.Written())
}

// TestSuspicious_CooldownExpires verifies an origin that keeps failing is
// written again once the cooldown has passed.
func TestSuspicious_CooldownExpires(t *testing.T) {
	tr := newTracker(t, SuspiciousConfig{Window: 10 * time.Minute, Threshold: 2, Cooldown: time.Minute})
	base := followedAt.Add(-10 * time.Minute)

	for i := 0; i < 6; i++ {
		require.NoError(t, tr.ObserveLine(failedLine(base.Add(time.Duration(i)*30*time.Second), "root", "198.51.100.4", 40000)))
	}

	// Writes at 30s, 90s and 150s.
	assert.EqualValues(t, 3, tr.Written())
}

// TestSuspicious_WindowResets verifies failures spread wider than the window
// never reach the threshold.
func TestSuspicious_WindowResets(t *testing.T) {
	tr := newTracker(t, SuspiciousConfig{Window: time.Minute, Threshold: 3})
	base := followedAt.Add(-time.Hour)

	for i := 0; i < 6; i++ {
		require.NoError(t, tr.ObserveLine(failedLine(base.Add(time.Duration(i)*2*time.Minute), "root", "203.0.113.9", 22)))
	}
	assert.EqualValues(t, 0, tr.Written())
}

// TestSuspicious_IgnoresOtherLines verifies successes, unparsed lines and
// failures from other origins do not count toward an origin.
func TestSuspicious_IgnoresOtherLines(t *testing.T) {
	tr := newTracker(t, SuspiciousConfig{Window: time.Minute, Threshold: 2})
	at := followedAt.Add(-time.Minute)

	lines := []pipeline.Line{
		{Text: at.Format(time.RFC3339) + " bastion sshd[811]: Accepted password for root from 203.0.113.7 port 1 ssh2", ObservedAt: followedAt},
		{Text: "kernel: eth0 link up", ObservedAt: followedAt},
		failedLine(at, "root", "203.0.113.7", 2),
		failedLine(at.Add(time.Second), "root", "192.0.2.10", 3),
	}
	for _, l := range lines {
		require.NoError(t, tr.ObserveLine(l))
	}
	assert.EqualValues(t, 0, tr.Written())
}

// TestSuspicious_TapForwardsLines verifies the tap passes every line through
// unchanged and closes its output when the input is drained.
func TestSuspicious_TapForwardsLines(t *testing.T) {
	tr := newTracker(t, SuspiciousConfig{Window: time.Minute, Threshold: 2})
	at := followedAt.Add(-time.Minute)

	in := make(chan pipeline.Line, 4)
	out := make(chan pipeline.Line, 4)
	sent := []pipeline.Line{
		failedLine(at, "root", "203.0.113.7", 1),
		failedLine(at.Add(time.Second), "root", "203.0.113.7", 2),
		{Text: "kernel: eth0 link up", ObservedAt: followedAt},
	}
	for _, l := range sent {
		in <- l
	}
	close(in)

	require.NoError(t, tr.Tap(context.Background(), in, out))

	var got []pipeline.Line
	for l := range out {
		got = append(got, l)
	}
	assert.Equal(t, sent, got)
	assert.EqualValues(t, 1, tr.Written())
}

// TestSuspicious_AppendsAcrossRestarts verifies an existing log is appended
// to rather than truncated.
func TestSuspicious_AppendsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suspicious.jsonl")
	at := followedAt.Add(-time.Minute)
	for run := 0; run < 2; run++ {
		tr := newTracker(t, SuspiciousConfig{Path: path, Window: time.Minute, Threshold: 1})
		require.NoError(t, tr.ObserveLine(failedLine(at, "root", "203.0.113.7", 22)))
		require.NoError(t, tr.Close())
	}
	assert.Len(t, readRecords(t, path), 2)
}
