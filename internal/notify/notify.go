// Package notify delivers alert notifications with per-alert repeat
// suppression.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"go.uber.org/multierr"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// Reasons a notification is emitted.
const (
	ReasonCreated   = "created"
	ReasonEscalated = "escalated"
	ReasonRepeat    = "repeat"
)

// Notification is one emitted alert.
type Notification struct {
	Alert             telemetry.Alert `json:"alert"`
	Reason            string          `json:"reason"`
	SuppressedRepeats int             `json:"suppressed_repeats,omitempty"`
}

// Notifier delivers notifications somewhere.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Flusher is implemented by notifiers that batch.
type Flusher interface {
	Flush(ctx context.Context) error
}

// =============================================================================
// Console
// =============================================================================

// Console prints one line per notification, colored by severity.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole writes to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Name() string { return "console" }

var severityColors = map[telemetry.Severity]*color.Color{
	telemetry.SeverityLow:      color.New(color.FgCyan),
	telemetry.SeverityMedium:   color.New(color.FgYellow),
	telemetry.SeverityHigh:     color.New(color.FgRed),
	telemetry.SeverityCritical: color.New(color.FgHiRed, color.Bold),
}

// SeverityColor returns the color used for a severity.
func SeverityColor(s telemetry.Severity) *color.Color {
	if c, ok := severityColors[s]; ok {
		return c
	}
	return color.New(color.Reset)
}

// Notify implements Notifier.
func (c *Console) Notify(_ context.Context, n Notification) error {
	a := n.Alert
	extra := ""
	if n.SuppressedRepeats > 0 {
		extra = fmt.Sprintf(" (+%d suppressed repeats)", n.SuppressedRepeats)
	}
	sev := SeverityColor(a.Severity).Sprintf("sev=%s", a.Severity)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "[ALERT] %s %s %s score=%.1f %s :: %s%s\n",
		a.LastSeen.UTC().Format("2006-01-02T15:04:05Z"), a.DetectorID, sev, a.Score, a.Entity, a.Title, extra)
	if err != nil {
		return err
	}
	if len(a.Details) > 0 {
		details, _ := json.Marshal(a.Details) // map keys marshal sorted
		_, err = fmt.Fprintf(c.w, "        details: %s\n", details)
	}
	return err
}

// =============================================================================
// Multi
// =============================================================================

// Multi fans a notification out to several notifiers. Every notifier is
// tried; errors are combined.
type Multi []Notifier

func (m Multi) Name() string { return "multi" }

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var err error
	for _, inner := range m {
		if e := inner.Notify(ctx, n); e != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", inner.Name(), e))
		}
	}
	return err
}

// Flush flushes every batching notifier.
func (m Multi) Flush(ctx context.Context) error {
	var err error
	for _, inner := range m {
		if f, ok := inner.(Flusher); ok {
			err = multierr.Append(err, f.Flush(ctx))
		}
	}
	return err
}
