package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/minisoc/internal/pipeline"
)

// =============================================================================
// Scenario Tests
// =============================================================================

// TestReadScenario verifies skipping, defaults and the raw-record fallback.
func TestReadScenario(t *testing.T) {
	in := strings.Join([]string{
		`# ssh brute force`,
		``,
		`{"source": "bastion", "ts": "2026-03-01T09:58:00Z", "line": "Mar  1 09:58:00 bastion sshd[1]: Failed password for root from 203.0.113.7 port 22 ssh2"}`,
		`{"line": "no source"}`,
		`{"event": "custom", "user": "bob"}`,
	}, "\n")

	recs, err := ReadScenario(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "bastion", recs[0].Source)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 58, 0, 0, time.UTC), recs[0].TS)
	assert.Contains(t, recs[0].Line, "Failed password")

	assert.Equal(t, DefaultScenarioSource, recs[1].Source)
	assert.True(t, recs[1].TS.IsZero())

	assert.Equal(t, `{"event": "custom", "user": "bob"}`, recs[2].Line)
}

// TestReadScenario_Errors verifies errors carry the line number.
func TestReadScenario_Errors(t *testing.T) {
	_, err := ReadScenario(strings.NewReader("# c\n{\"line\": \"ok\"}\n{broken\n"))
	require.ErrorIs(t, err, ErrScenario)
	assert.Contains(t, err.Error(), "line 3")

	_, err = ReadScenario(strings.NewReader(`{"line": "x", "ts": "yesterday"}`))
	require.ErrorIs(t, err, ErrScenario)
	assert.Contains(t, err.Error(), "line 1")
}

// TestRawLinesAndBySource verifies per-source sequencing and grouping.
func TestRawLinesAndBySource(t *testing.T) {
	obs := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ts := obs.Add(time.Hour)
	recs := []Record{
		{Source: "a", Line: "1"},
		{Source: "b", Line: "2", TS: ts},
		{Source: "a", Line: "3"},
	}

	raw := RawLines(recs, obs)
	require.Len(t, raw, 3)
	assert.Equal(t, uint64(1), raw[0].Seq)
	assert.Equal(t, uint64(1), raw[1].Seq)
	assert.Equal(t, uint64(2), raw[2].Seq)
	assert.Equal(t, obs, raw[0].ObservedAt)
	assert.Equal(t, ts, raw[1].ObservedAt)

	order, batches := BySource(recs)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []pipeline.Line{{Text: "1"}, {Text: "3"}}, batches["a"])
}

// TestPickAuthSource verifies the preference order.
func TestPickAuthSource(t *testing.T) {
	dir := t.TempDir()
	secure := filepath.Join(dir, "secure")
	messages := filepath.Join(dir, "messages")
	missing := filepath.Join(dir, "auth.log")
	require.NoError(t, os.WriteFile(secure, nil, 0o600))
	require.NoError(t, os.WriteFile(messages, nil, 0o600))

	d := PickAuthSource(messages, missing, secure, messages)
	assert.Equal(t, messages, d.Path)
	assert.True(t, d.Readable)

	d = PickAuthSource("", missing, secure, messages)
	assert.Equal(t, secure, d.Path)
	assert.True(t, d.Readable)

	d = PickAuthSource(missing, missing, dir)
	assert.Equal(t, missing, d.Path)
	assert.False(t, d.Readable)
	assert.Contains(t, d.Reason, "no readable auth log")
}

// =============================================================================
// Follower Tests
// =============================================================================

func startFollower(t *testing.T, cfg FollowerConfig) (<-chan pipeline.Line, context.CancelFunc, <-chan error) {
	t.Helper()
	cfg.PollInterval = 10 * time.Millisecond
	f := NewFollower(cfg, zaptest.NewLogger(t))
	out := make(chan pipeline.Line, 64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, out) }()
	return out, cancel, done
}

func next(t *testing.T, out <-chan pipeline.Line) string {
	t.Helper()
	select {
	case l := <-out:
		return l.Text
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

func appendTo(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// TestFollower_FromEnd verifies existing content is skipped and partial
// lines are held until complete.
func TestFollower_FromEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("old line\n"), 0o600))

	out, cancel, done := startFollower(t, FollowerConfig{Path: path, Source: "bastion"})
	time.Sleep(50 * time.Millisecond)

	appendTo(t, path, "new ")
	time.Sleep(30 * time.Millisecond)
	appendTo(t, path, "line\r\nsecond\n")

	assert.Equal(t, "new line", next(t, out))
	assert.Equal(t, "second", next(t, out))

	cancel()
	assert.NoError(t, <-done)
}

// TestFollower_FromStartAndTruncation verifies reading from the top and
// rereading after truncation.
func TestFollower_FromStartAndTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\n"), 0o600))

	out, cancel, done := startFollower(t, FollowerConfig{Path: path, FromStart: true})
	defer func() {
		cancel()
		<-done
	}()

	assert.Equal(t, "one", next(t, out))
	assert.Equal(t, "two", next(t, out))

	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o600))
	assert.Equal(t, "x", next(t, out))
}

// TestFollower_WaitsAndRotates verifies the follower waits for the file and
// follows it across a rename rotation.
func TestFollower_WaitsAndRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")

	out, cancel, done := startFollower(t, FollowerConfig{Path: path})
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	time.Sleep(50 * time.Millisecond)
	appendTo(t, path, "before rotate\n")
	assert.Equal(t, "before rotate", next(t, out))

	require.NoError(t, os.Rename(path, path+".1"))
	appendTo(t, path, "after rotate\n")
	assert.Equal(t, "after rotate", next(t, out))
}
