package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lvonguyen/minisoc/internal/splunk"
)

// =============================================================================
// Splunk HEC
// =============================================================================

// HECSender batches notifications and posts them to a Splunk collector.
type HECSender struct {
	sender    *splunk.Sender
	batchSize int

	mu      sync.Mutex
	pending []splunk.Event
}

// NewHECSender wraps a configured Splunk sender.
func NewHECSender(s *splunk.Sender) *HECSender {
	size := s.Config().BatchSize
	if size <= 0 {
		size = 1
	}
	return &HECSender{sender: s, batchSize: size}
}

func (h *HECSender) Name() string { return "splunk_hec" }

// Notify queues n and sends a batch once it is full.
func (h *HECSender) Notify(ctx context.Context, n Notification) error {
	cfg := h.sender.Config()
	a := n.Alert
	ev := splunk.Event{
		Time:       float64(a.LastSeen.UnixMilli()) / 1000,
		Host:       a.Target,
		Source:     cfg.Source,
		SourceType: cfg.SourceType,
		Index:      cfg.Index,
		Event:      n,
		Fields: map[string]any{
			"detector":   a.DetectorID,
			"severity":   string(a.Severity),
			"risk_score": a.Score,
			"techniques": a.Techniques,
		},
	}

	h.mu.Lock()
	h.pending = append(h.pending, ev)
	full := len(h.pending) >= h.batchSize
	h.mu.Unlock()
	if full {
		return h.Flush(ctx)
	}
	return nil
}

// Flush sends whatever is queued.
func (h *HECSender) Flush(ctx context.Context) error {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()
	return h.sender.Send(ctx, batch)
}

// =============================================================================
// NATS
// =============================================================================

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes notifications as JSON on a subject.
type NATSPublisher struct {
	conn    Publisher
	subject string
}

// NewNATSPublisher publishes on subject through conn.
func NewNATSPublisher(conn Publisher, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

func (p *NATSPublisher) Name() string { return "nats" }

// Notify implements Notifier.
func (p *NATSPublisher) Notify(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}
