package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/pipeline"
	"github.com/lvonguyen/minisoc/internal/telemetry"
	"github.com/lvonguyen/minisoc/internal/telemetry/normalization"
)

// SuspiciousSchema tags every record written by the tracker.
const SuspiciousSchema = "minisoc.suspicious.v1"

const maxTrackedOrigins = 4096

// SuspiciousConfig controls the local brute-force log. An empty Path
// disables it.
type SuspiciousConfig struct {
	Path      string        `yaml:"path"`
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"` // 0 writes on every failure past the threshold
}

// DefaultSuspiciousConfig returns tracker defaults with logging disabled.
func DefaultSuspiciousConfig() SuspiciousConfig {
	return SuspiciousConfig{Window: time.Minute, Threshold: 5, Cooldown: time.Minute}
}

// SuspiciousRecord is one JSONL line in the suspicious log.
type SuspiciousRecord struct {
	Schema    string           `json:"schema"`
	Timestamp time.Time        `json:"ts"`
	Reason    string           `json:"reason"`
	Origin    string           `json:"origin"`
	Ports     []int            `json:"ports"`
	Users     []string         `json:"usernames"`
	Counts    SuspiciousCounts `json:"counts"`
	Source    string           `json:"source"`
	Target    string           `json:"target,omitempty"`
	EventID   string           `json:"event_id"`
	Parser    string           `json:"parser,omitempty"`
	Raw       string           `json:"raw"`
}

// SuspiciousCounts carries the numbers behind a record.
type SuspiciousCounts struct {
	WindowFailures int     `json:"window_failures"`
	TotalFailures  int     `json:"total_failures"`
	WindowSeconds  float64 `json:"window_s"`
	Threshold      int     `json:"threshold"`
	CooldownSecs   float64 `json:"cooldown_s"`
}

type originState struct {
	total       int
	inWindow    int
	windowStart time.Time
	lastWrite   time.Time
	users       map[string]struct{}
	ports       map[int]struct{}
}

// SuspiciousTracker counts auth failures per origin on the agent and appends
// a record to a local JSONL file when an origin crosses the threshold inside
// its window. Writes for one origin are spaced by the cooldown.
type SuspiciousTracker struct {
	cfg    SuspiciousConfig
	source string
	norm   *normalization.Normalizer
	logger *zap.Logger

	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	origins *lru.Cache[string, *originState]
	seq     uint64
	written int64
}

// NewSuspiciousTracker opens (or creates) cfg.Path for appending.
func NewSuspiciousTracker(cfg SuspiciousConfig, source string, norm *normalization.Normalizer, logger *zap.Logger) (*SuspiciousTracker, error) {
	if cfg.Path == "" {
		return nil, errors.New("agent: suspicious log path is required")
	}
	def := DefaultSuspiciousConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if norm == nil {
		norm = normalization.NewNormalizer(normalization.NormalizerConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("agent: creating suspicious log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("agent: opening suspicious log: %w", err)
	}
	origins, err := lru.New[string, *originState](maxTrackedOrigins)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &SuspiciousTracker{
		cfg:     cfg,
		source:  source,
		norm:    norm,
		logger:  logger.With(zap.String("path", cfg.Path)),
		f:       f,
		w:       bufio.NewWriter(f),
		origins: origins,
	}, nil
}

// Written returns the number of records appended so far.
func (t *SuspiciousTracker) Written() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written
}

// Tap normalizes each line from in, observes it, and forwards the line to
// out unchanged. out is closed when in is drained or ctx ends.
func (t *SuspiciousTracker) Tap(ctx context.Context, in <-chan pipeline.Line, out chan<- pipeline.Line) error {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-in:
			if !ok {
				return nil
			}
			if err := t.ObserveLine(l); err != nil {
				t.logger.Warn("Suspicious log write failed", zap.Error(err))
			}
			select {
			case out <- l:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// ObserveLine normalizes a followed line and observes the result.
func (t *SuspiciousTracker) ObserveLine(l pipeline.Line) error {
	t.mu.Lock()
	t.seq++
	raw := telemetry.RawLine{Source: t.source, Seq: t.seq, Text: l.Text, ObservedAt: l.ObservedAt}
	t.mu.Unlock()
	return t.Observe(t.norm.Normalize(raw))
}

// Observe counts ev if it is an auth failure with an origin. Windows are
// measured in event time, so a from-start backlog is judged as it happened.
func (t *SuspiciousTracker) Observe(ev telemetry.Event) error {
	if ev.Kind != telemetry.KindAuthFailure || ev.Origin == "" {
		return nil
	}
	now := ev.Timestamp

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return errors.New("agent: suspicious log closed")
	}

	st, ok := t.origins.Get(ev.Origin)
	if !ok {
		st = &originState{windowStart: now, users: map[string]struct{}{}, ports: map[int]struct{}{}}
		t.origins.Add(ev.Origin, st)
	}
	st.total++
	if now.Sub(st.windowStart) > t.cfg.Window {
		st.windowStart = now
		st.inWindow = 0
		clear(st.users)
		clear(st.ports)
	}
	st.inWindow++
	if ev.Actor != "" {
		st.users[ev.Actor] = struct{}{}
	}
	if ev.Port > 0 {
		st.ports[ev.Port] = struct{}{}
	}

	if st.inWindow < t.cfg.Threshold {
		return nil
	}
	if t.cfg.Cooldown > 0 && !st.lastWrite.IsZero() && now.Sub(st.lastWrite) < t.cfg.Cooldown {
		return nil
	}
	st.lastWrite = now

	rec := SuspiciousRecord{
		Schema:    SuspiciousSchema,
		Timestamp: now.UTC(),
		Reason:    fmt.Sprintf("local_ssh_bruteforce: >= %d failures in %s", t.cfg.Threshold, t.cfg.Window),
		Origin:    ev.Origin,
		Ports:     sortedKeys(st.ports),
		Users:     sortedKeys(st.users),
		Counts: SuspiciousCounts{
			WindowFailures: st.inWindow,
			TotalFailures:  st.total,
			WindowSeconds:  t.cfg.Window.Seconds(),
			Threshold:      t.cfg.Threshold,
			CooldownSecs:   t.cfg.Cooldown.Seconds(),
		},
		Source:  ev.Source,
		Target:  ev.Target,
		EventID: ev.ID,
		Parser:  ev.Parser,
		Raw:     ev.Raw,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	if err := t.w.Flush(); err != nil {
		return err
	}
	t.written++
	t.logger.Info("Suspicious origin",
		zap.String("origin", ev.Origin),
		zap.Int("window_failures", st.inWindow),
		zap.Int("total_failures", st.total))
	return nil
}

// Close flushes and closes the log file.
func (t *SuspiciousTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := multierr.Append(t.w.Flush(), t.f.Close())
	t.f = nil
	return err
}

func sortedKeys[K int | string](m map[K]struct{}) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
