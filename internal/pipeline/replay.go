package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/telemetry"
	"github.com/lvonguyen/minisoc/internal/telemetry/correlation"
	"github.com/lvonguyen/minisoc/internal/telemetry/normalization"
	"github.com/lvonguyen/minisoc/internal/timeline"
)

const replayChunk = 1000

// ReplayResult is the outcome of a replay.
type ReplayResult struct {
	Events    int                   `json:"events"`
	Findings  []telemetry.Finding   `json:"findings"`
	Alerts    []telemetry.Alert     `json:"alerts"`
	Failures  []correlation.Failure `json:"-"`
	FlushedAt time.Time             `json:"flushed_at"`
}

// Replay runs recorded lines through p without concurrency. Events are
// ordered by (timestamp, input position) and the engine is flushed just past
// the longest window after the last event, so the same input always yields the same
// findings and alerts. p should be fresh.
func Replay(ctx context.Context, p *Processor, n *normalization.Normalizer, lines []telemetry.RawLine) (*ReplayResult, error) {
	ctx, span := p.deps.Tracer.Start(ctx, "pipeline.replay",
		trace.WithAttributes(attribute.Int("lines", len(lines))))
	defer span.End()

	events := n.NormalizeAll(lines)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	p.stats.lines.Add(uint64(len(lines)))

	res := &ReplayResult{Events: len(events)}
	for start := 0; start < len(events); start += replayChunk {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pipeline: replay: %w", err)
		}
		end := min(start+replayChunk, len(events))
		br := p.Process(ctx, events[start:end])
		res.Findings = append(res.Findings, br.Findings...)
		res.Failures = append(res.Failures, br.Failures...)
	}

	var last time.Time
	if len(events) > 0 {
		last = events[len(events)-1].Timestamp
	}
	res.FlushedAt = closingHorizon(last, p.Engine())
	br := p.Flush(ctx, res.FlushedAt)
	res.Findings = append(res.Findings, br.Findings...)
	res.Failures = append(res.Failures, br.Failures...)

	alerts, err := p.Timeline().Query(ctx, timeline.Range{}, timeline.Filter{})
	if err != nil {
		return nil, fmt.Errorf("pipeline: replay: %w", err)
	}
	res.Alerts = alerts

	p.deps.Logger.Info("Replay complete",
		zap.Int("events", res.Events),
		zap.Int("findings", len(res.Findings)),
		zap.Int("alerts", len(res.Alerts)))
	return res, nil
}

// closingHorizon is the earliest time at which every window holding last
// has expired. Windows stay open while now-last equals the window.
func closingHorizon(last time.Time, e *correlation.Engine) time.Time {
	return last.Add(e.MaxWindow() + time.Nanosecond)
}
