// Package pipeline wires normalization, enrichment, detection, scoring and
// the timeline into a single ordered event stream fed by many producers.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/enrichment"
	"github.com/lvonguyen/minisoc/internal/mitre"
	"github.com/lvonguyen/minisoc/internal/observability"
	"github.com/lvonguyen/minisoc/internal/scoring"
	"github.com/lvonguyen/minisoc/internal/store"
	"github.com/lvonguyen/minisoc/internal/telemetry"
	"github.com/lvonguyen/minisoc/internal/telemetry/correlation"
	"github.com/lvonguyen/minisoc/internal/timeline"
)

// Notifier receives every alert upsert; it decides what is worth sending.
type Notifier interface {
	Route(ctx context.Context, alert telemetry.Alert, result timeline.UpsertResult)
}

// ProcessorDeps are the collaborators of a Processor. Engine, Scorer and
// Timeline are required.
type ProcessorDeps struct {
	Tables    *enrichment.Tables
	Engine    *correlation.Engine
	Scorer    *scoring.Scorer
	Timeline  *timeline.Timeline
	Store     store.Store // event log; nil skips event persistence
	Notifier  Notifier
	Attack    *mitre.AttackFramework
	Metrics   *observability.Metrics
	Tracer    trace.Tracer
	Logger    *zap.Logger
	Retention time.Duration // timeline prune horizon; zero keeps everything
}

// AlertChange is one timeline upsert caused by a finding.
type AlertChange struct {
	Alert  telemetry.Alert       `json:"alert"`
	Result timeline.UpsertResult `json:"result"`
}

// BatchResult describes what processing a batch produced.
type BatchResult struct {
	Events   int
	Findings []telemetry.Finding
	Changes  []AlertChange
	Failures []correlation.Failure
}

// Processor runs events through enrichment, detection, scoring and the
// timeline. It must be driven by one goroutine at a time.
type Processor struct {
	deps  ProcessorDeps
	stats *counters
}

// NewProcessor validates deps and fills optional collaborators.
func NewProcessor(deps ProcessorDeps) (*Processor, error) {
	if deps.Engine == nil || deps.Scorer == nil || deps.Timeline == nil {
		return nil, errors.New("pipeline: engine, scorer and timeline are required")
	}
	if deps.Tables == nil {
		deps.Tables = enrichment.NewTables(nil)
	}
	if deps.Attack == nil {
		deps.Attack = mitre.NewAttackFramework()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("minisoc/pipeline")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Processor{deps: deps, stats: &counters{}}, nil
}

// Engine exposes the detection engine.
func (p *Processor) Engine() *correlation.Engine { return p.deps.Engine }

// Timeline exposes the alert timeline.
func (p *Processor) Timeline() *timeline.Timeline { return p.deps.Timeline }

// Process handles one ordered batch. One enrichment snapshot is used for
// the whole batch.
func (p *Processor) Process(ctx context.Context, events []telemetry.Event) BatchResult {
	ctx, span := p.deps.Tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(attribute.Int("events", len(events))))
	defer span.End()
	start := time.Now()

	res := BatchResult{Events: len(events)}
	if len(events) == 0 {
		return res
	}

	if p.deps.Store != nil {
		if err := p.deps.Store.AppendEvents(ctx, events); err != nil {
			p.deps.Logger.Warn("Failed to persist events", zap.Int("count", len(events)), zap.Error(err))
		}
	}

	snap := p.deps.Tables.Load()
	for _, ev := range events {
		p.stats.events.Add(1)
		if !ev.ParseOK {
			p.stats.unparsed.Add(1)
		}
		p.deps.Metrics.EventsNormalized.WithLabelValues(string(ev.Kind), strconv.FormatBool(ev.ParseOK)).Inc()

		findings, failures := p.deps.Engine.Consume(enrichment.Enrich(ev, snap))
		p.handle(ctx, &res, findings, failures)
	}

	p.deps.Metrics.BatchDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("findings", len(res.Findings)))
	return res
}

// Flush closes detector windows at now and prunes the timeline.
func (p *Processor) Flush(ctx context.Context, now time.Time) BatchResult {
	ctx, span := p.deps.Tracer.Start(ctx, "pipeline.flush")
	defer span.End()

	var res BatchResult
	findings, failures := p.deps.Engine.Flush(now)
	p.handle(ctx, &res, findings, failures)

	if p.deps.Retention > 0 {
		if n := p.deps.Timeline.Prune(now.Add(-p.deps.Retention)); n > 0 {
			p.deps.Logger.Debug("Pruned timeline", zap.Int("alerts", n))
		}
	}
	return res
}

func (p *Processor) handle(ctx context.Context, res *BatchResult, findings []telemetry.Finding, failures []correlation.Failure) {
	for _, f := range failures {
		p.stats.detectorFailures.Add(1)
		p.deps.Metrics.DetectorFailures.WithLabelValues(f.DetectorID, f.Phase).Inc()
		p.deps.Logger.Error("Detector failure",
			zap.String("detector", f.DetectorID),
			zap.String("phase", f.Phase),
			zap.String("event_id", f.EventID),
			zap.Error(f.Err))
	}
	res.Failures = append(res.Failures, failures...)

	for _, f := range findings {
		p.stats.findings.Add(1)
		p.deps.Metrics.FindingsTotal.WithLabelValues(f.DetectorID).Inc()
		res.Findings = append(res.Findings, f)

		alert := p.deps.Scorer.Apply(f)
		p.deps.Attack.Annotate(&alert)
		merged, result, err := p.deps.Timeline.Upsert(ctx, alert)
		if err != nil {
			p.deps.Logger.Warn("Alert upsert not persisted",
				zap.String("dedup_key", alert.DedupKey),
				zap.Error(err))
		}
		p.stats.countResult(result)
		p.deps.Metrics.AlertsTotal.WithLabelValues(f.DetectorID, result.String()).Inc()
		res.Changes = append(res.Changes, AlertChange{Alert: merged, Result: result})

		if p.deps.Notifier != nil {
			p.deps.Notifier.Route(ctx, merged, result)
		}
	}
}

// Stats is a point-in-time view of pipeline counters.
type Stats struct {
	Lines            uint64 `json:"lines"`
	Events           uint64 `json:"events"`
	Unparsed         uint64 `json:"unparsed"`
	Findings         uint64 `json:"findings"`
	AlertsCreated    uint64 `json:"alerts_created"`
	AlertsUpdated    uint64 `json:"alerts_updated"`
	AlertsEscalated  uint64 `json:"alerts_escalated"`
	DetectorFailures uint64 `json:"detector_failures"`
	Backpressure     uint64 `json:"backpressure"`
	LateEvents       uint64 `json:"late_events"`
	FeedStalls       uint64 `json:"feed_stalls"`
	Buffered         int    `json:"reorder_buffered"`
	ActiveFeeds      int    `json:"active_feeds"`
}

type counters struct {
	lines            atomic.Uint64
	events           atomic.Uint64
	unparsed         atomic.Uint64
	findings         atomic.Uint64
	created          atomic.Uint64
	updated          atomic.Uint64
	escalated        atomic.Uint64
	detectorFailures atomic.Uint64
	backpressure     atomic.Uint64
	late             atomic.Uint64
	stalls           atomic.Uint64
	buffered         atomic.Int64
	feeds            atomic.Int64
}

func (c *counters) countResult(r timeline.UpsertResult) {
	switch r {
	case timeline.Created:
		c.created.Add(1)
	case timeline.Updated:
		c.updated.Add(1)
	case timeline.Escalated:
		c.escalated.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Lines:            c.lines.Load(),
		Events:           c.events.Load(),
		Unparsed:         c.unparsed.Load(),
		Findings:         c.findings.Load(),
		AlertsCreated:    c.created.Load(),
		AlertsUpdated:    c.updated.Load(),
		AlertsEscalated:  c.escalated.Load(),
		DetectorFailures: c.detectorFailures.Load(),
		Backpressure:     c.backpressure.Load(),
		LateEvents:       c.late.Load(),
		FeedStalls:       c.stalls.Load(),
		Buffered:         int(c.buffered.Load()),
		ActiveFeeds:      int(c.feeds.Load()),
	}
}

// Stats returns the processor's counters.
func (p *Processor) Stats() Stats { return p.stats.snapshot() }
