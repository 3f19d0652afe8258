// Package correlation runs stateful detectors over the ordered enriched
// event stream and turns correlated activity into findings.
//
// Each detector owns its own correlation-key-to-state map. Window
// arithmetic uses event timestamps only, never the wall clock, so a fixed
// input sequence always produces the same findings.
package correlation

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// ErrDetectorFailure marks an error or panic raised inside a detector.
var ErrDetectorFailure = errors.New("detector failure")

// Detector is a stateful pattern matcher.
type Detector interface {
	// ID returns the stable detector (rule) identifier.
	ID() string
	// Consume is called once per event, in arrival order.
	Consume(ev telemetry.EnrichedEvent) ([]telemetry.Finding, error)
	// Flush closes windows that ended before now and evicts expired state.
	Flush(now time.Time) ([]telemetry.Finding, error)
}

// Windowed is implemented by detectors whose findings depend on a window
// closing. The engine uses it to pick a final flush horizon for replay.
type Windowed interface {
	Window() time.Duration
}

// Failure is a diagnostic for one failed detector invocation.
type Failure struct {
	DetectorID string
	Phase      string // "consume" or "flush"
	EventID    string
	Err        error
}

func (f Failure) Error() string {
	if f.EventID != "" {
		return fmt.Sprintf("%s %s (event %s): %v", f.DetectorID, f.Phase, f.EventID, f.Err)
	}
	return fmt.Sprintf("%s %s: %v", f.DetectorID, f.Phase, f.Err)
}

func (f Failure) Unwrap() []error {
	return []error{ErrDetectorFailure, f.Err}
}

// Engine is the detector registry. It is driven by a single goroutine.
// Failures are returned to the caller, which owns logging and counting.
type Engine struct {
	detectors []Detector
}

// NewEngine creates an engine with the given detectors.
func NewEngine(detectors ...Detector) *Engine {
	return &Engine{detectors: detectors}
}

// Register adds a detector. It must not be called while events flow.
func (e *Engine) Register(d Detector) {
	e.detectors = append(e.detectors, d)
}

// DetectorIDs lists registered detectors in registration order.
func (e *Engine) DetectorIDs() []string {
	ids := make([]string, len(e.detectors))
	for i, d := range e.detectors {
		ids[i] = d.ID()
	}
	return ids
}

// MaxWindow returns the longest window among registered detectors.
func (e *Engine) MaxWindow() time.Duration {
	var max time.Duration
	for _, d := range e.detectors {
		if w, ok := d.(Windowed); ok && w.Window() > max {
			max = w.Window()
		}
	}
	return max
}

// Consume presents ev to every detector. A failing detector is reported
// and skipped; the others still see the event.
func (e *Engine) Consume(ev telemetry.EnrichedEvent) ([]telemetry.Finding, []Failure) {
	var findings []telemetry.Finding
	var failures []Failure
	for _, d := range e.detectors {
		out, err := invoke(d, func() ([]telemetry.Finding, error) { return d.Consume(ev) })
		if err != nil {
			failures = append(failures, e.fail(d.ID(), "consume", ev.ID, err))
		}
		findings, failures = e.accept(d.ID(), "consume", ev.ID, out, findings, failures)
	}
	return findings, failures
}

// Flush flushes every detector at now.
func (e *Engine) Flush(now time.Time) ([]telemetry.Finding, []Failure) {
	var findings []telemetry.Finding
	var failures []Failure
	for _, d := range e.detectors {
		out, err := invoke(d, func() ([]telemetry.Finding, error) { return d.Flush(now) })
		if err != nil {
			failures = append(failures, e.fail(d.ID(), "flush", "", err))
		}
		findings, failures = e.accept(d.ID(), "flush", "", out, findings, failures)
	}
	return findings, failures
}

func (e *Engine) accept(id, phase, eventID string, out, findings []telemetry.Finding, failures []Failure) ([]telemetry.Finding, []Failure) {
	for _, f := range out {
		if err := f.Validate(); err != nil {
			failures = append(failures, e.fail(id, phase, eventID, err))
			continue
		}
		findings = append(findings, f)
	}
	return findings, failures
}

func (e *Engine) fail(id, phase, eventID string, err error) Failure {
	return Failure{DetectorID: id, Phase: phase, EventID: eventID, Err: err}
}

// invoke runs fn with a recover boundary so a panicking detector degrades
// coverage instead of killing the consumer goroutine.
func invoke(d Detector, fn func() ([]telemetry.Finding, error)) (out []telemetry.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic in %s: %v\n%s", d.ID(), r, debug.Stack())
		}
	}()
	return fn()
}

// sortFindings orders findings produced from map iteration so flush output
// is deterministic.
func sortFindings(fs []telemetry.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		if !fs[i].WindowEnd.Equal(fs[j].WindowEnd) {
			return fs[i].WindowEnd.Before(fs[j].WindowEnd)
		}
		return fs[i].Entity < fs[j].Entity
	})
}

func appendCapped(refs []telemetry.EventRef, ref telemetry.EventRef) []telemetry.EventRef {
	if len(refs) >= MaxEvidence {
		return refs
	}
	return append(refs, ref)
}

// MaxEvidence bounds the evidence carried by a single finding.
const MaxEvidence = 50
