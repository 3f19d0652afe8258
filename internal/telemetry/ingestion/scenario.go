package ingestion

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/minisoc/internal/pipeline"
	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// ErrScenario wraps scenario parse failures.
var ErrScenario = errors.New("invalid scenario")

// DefaultScenarioSource names records that carry no source.
const DefaultScenarioSource = "scenario"

// Record is one scenario line. TS, when set, is used as the observation
// time so that syslog timestamps without a year resolve the same way on
// every run.
type Record struct {
	Source string    `json:"source"`
	TS     time.Time `json:"ts"`
	Line   string    `json:"line"`
}

type rawRecord struct {
	Source string  `json:"source"`
	TS     string  `json:"ts"`
	Line   *string `json:"line"`
}

// ReadScenario parses JSON Lines. Blank lines and lines starting with # are
// skipped. A record without "line" is replayed as its own JSON text.
func ReadScenario(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var raw rawRecord
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrScenario, lineNo, err)
		}
		rec := Record{Source: raw.Source}
		if rec.Source == "" {
			rec.Source = DefaultScenarioSource
		}
		if raw.TS != "" {
			ts, err := time.Parse(time.RFC3339Nano, raw.TS)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: ts: %v", ErrScenario, lineNo, err)
			}
			rec.TS = ts.UTC()
		}
		if raw.Line != nil {
			rec.Line = *raw.Line
		} else {
			rec.Line = text
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: after line %d: %v", ErrScenario, lineNo, err)
	}
	return out, nil
}

// ReadScenarioFile opens and parses a scenario file.
func ReadScenarioFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := ReadScenario(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// RawLines converts records for a local replay. Sequence numbers count per
// source in file order. Records without TS get observedAt.
func RawLines(recs []Record, observedAt time.Time) []telemetry.RawLine {
	seq := make(map[string]uint64)
	out := make([]telemetry.RawLine, 0, len(recs))
	for _, r := range recs {
		seq[r.Source]++
		obs := r.TS
		if obs.IsZero() {
			obs = observedAt
		}
		out = append(out, telemetry.RawLine{Source: r.Source, Seq: seq[r.Source], Text: r.Line, ObservedAt: obs})
	}
	return out
}

// BySource groups records into ingest batches, preserving file order
// within each source. The returned order lists sources by first
// appearance.
func BySource(recs []Record) (order []string, batches map[string][]pipeline.Line) {
	batches = make(map[string][]pipeline.Line)
	for _, r := range recs {
		if _, ok := batches[r.Source]; !ok {
			order = append(order, r.Source)
		}
		batches[r.Source] = append(batches[r.Source], pipeline.Line{Text: r.Line, ObservedAt: r.TS})
	}
	return order, batches
}

// AuthLogCandidates are probed in order by PickAuthSource.
var AuthLogCandidates = []string{
	"/var/log/auth.log", // Debian, Ubuntu, Raspberry Pi OS
	"/var/log/secure",   // RHEL, Fedora
	"/var/log/messages", // some syslog setups
}

// SourceDecision explains which auth log an agent should follow.
type SourceDecision struct {
	Path     string
	Reason   string
	Readable bool
}

// PickAuthSource returns requested when it is readable, else the first
// readable candidate. When nothing is readable the decision names the
// requested path (or the first candidate) with Readable false.
func PickAuthSource(requested string, candidates ...string) SourceDecision {
	if len(candidates) == 0 {
		candidates = AuthLogCandidates
	}
	if requested != "" {
		if err := readable(requested); err == nil {
			return SourceDecision{Path: requested, Reason: "requested path is readable", Readable: true}
		}
	}
	for _, c := range candidates {
		if c == requested {
			continue
		}
		if readable(c) == nil {
			reason := "first readable candidate"
			if requested != "" {
				reason = fmt.Sprintf("%s is not readable, using first readable candidate", requested)
			}
			return SourceDecision{Path: c, Reason: reason, Readable: true}
		}
	}
	path := requested
	if path == "" && len(candidates) > 0 {
		path = candidates[0]
	}
	reason := "no readable auth log found"
	if err := readable(path); err != nil && path != "" {
		reason = fmt.Sprintf("no readable auth log found: %v", err)
	}
	return SourceDecision{Path: path, Reason: reason}
}

func readable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}
