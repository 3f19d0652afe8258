// Package telemetry defines the canonical event, finding and alert types
// that flow through the minisoc detection pipeline.
//
// Data moves one way: raw line -> Event -> EnrichedEvent -> Finding -> Alert.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a normalized event.
type Kind string

const (
	KindAuthSuccess Kind = "auth_success"
	KindAuthFailure Kind = "auth_failure"
	KindConnection  Kind = "connection"
	KindGeneric     Kind = "generic"
)

// ParseKind maps free-form kind names onto the closed Kind set.
// Unknown names become KindGeneric.
func ParseKind(s string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindAuthSuccess:
		return KindAuthSuccess
	case KindAuthFailure:
		return KindAuthFailure
	case KindConnection:
		return KindConnection
	default:
		return KindGeneric
	}
}

// RawLine is a single unparsed line as received from a feed.
type RawLine struct {
	Source     string    `json:"source"`
	Seq        uint64    `json:"seq"` // per-feed line counter
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
}

// Event is the canonical normalized record. Every ingested line produces
// exactly one Event, parsed or not. Events are values and never mutated.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"ts"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
	Seq        uint64    `json:"seq"`
	Kind       Kind      `json:"kind"`
	Actor      string    `json:"actor,omitempty"`  // user or principal
	Origin     string    `json:"origin,omitempty"` // source IP
	Target     string    `json:"target,omitempty"` // host or service
	Port       int       `json:"port,omitempty"`
	Parser     string    `json:"parser,omitempty"` // name of the rule that matched
	Raw        string    `json:"raw"`
	ParseOK    bool      `json:"parse_ok"`
}

var eventNamespace = uuid.MustParse("6f1d3c9e-4b0a-5e6f-9a2b-7c8d9e0f1a2b")

// EventID derives a stable identifier for a raw line so replaying the same
// input yields the same IDs.
func EventID(line RawLine) string {
	name := line.Source + "\x00" + strconv.FormatUint(line.Seq, 10) + "\x00" +
		line.ObservedAt.UTC().Format(time.RFC3339Nano) + "\x00" + line.Text
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// Ref returns a lightweight reference to the event for use as evidence.
func (e Event) Ref() EventRef {
	return EventRef{ID: e.ID, Timestamp: e.Timestamp, Kind: e.Kind}
}

// GeoPoint is a resolved coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Enrichment field names.
const (
	FieldGeoCountry     = "geo_country"
	FieldGeoCity        = "geo_city"
	FieldGeoLat         = "geo_lat"
	FieldGeoLon         = "geo_lon"
	FieldKnownBad       = "known_bad"
	FieldKnownBadSource = "known_bad_source"
)

// EnrichedEvent owns a copy of the Event plus lookup attributes.
// A missing lookup leaves the field absent.
type EnrichedEvent struct {
	Event
	Fields map[string]string `json:"fields,omitempty"`
	Geo    *GeoPoint         `json:"geo,omitempty"`
}

// Field returns an enrichment field and whether it was set.
func (e EnrichedEvent) Field(name string) (string, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// KnownBad reports whether the origin matched the known-bad table.
func (e EnrichedEvent) KnownBad() bool {
	return e.Fields[FieldKnownBad] == "true"
}

// EventRef points at an event used as evidence.
type EventRef struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`
}

// Confidence is a detector's belief in its finding.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ErrEmptyEvidence is returned by Finding.Validate.
var ErrEmptyEvidence = errors.New("finding has no evidence")

// Finding is a detector's claim that a pattern occurred.
type Finding struct {
	DetectorID  string            `json:"detector_id"`
	Title       string            `json:"title"`
	Entity      string            `json:"entity"` // correlation key, e.g. "origin:203.0.113.7"
	Actor       string            `json:"actor,omitempty"`
	Origin      string            `json:"origin,omitempty"`
	Target      string            `json:"target,omitempty"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
	Bucket      time.Time         `json:"bucket"`
	Evidence    []EventRef        `json:"evidence"`
	Confidence  Confidence        `json:"confidence"`
	Details     map[string]string `json:"details,omitempty"`
}

// Validate checks the structural invariants of a finding.
func (f Finding) Validate() error {
	if len(f.Evidence) == 0 {
		return ErrEmptyEvidence
	}
	if f.DetectorID == "" {
		return errors.New("finding has no detector id")
	}
	return nil
}

// DedupKey identifies the alert a finding folds into.
func (f Finding) DedupKey() string {
	return DedupKey(f.DetectorID, f.Entity, f.Bucket)
}

// DedupKey hashes (detector, entity, bucket) into a stable alert key.
func DedupKey(detectorID, entity string, bucket time.Time) string {
	h := sha256.Sum256([]byte(detectorID + "|" + entity + "|" + bucket.UTC().Format(time.RFC3339)))
	return "a_" + hex.EncodeToString(h[:])[:24]
}

// Severity is the alert level derived from the score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists all levels in ascending order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity accepts a severity name, case-insensitive.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Rank() > 0
}

// Alert is a scored, deduplicated finding stored in the timeline.
type Alert struct {
	DedupKey    string            `json:"dedup_key"`
	DetectorID  string            `json:"detector_id"`
	Title       string            `json:"title"`
	Entity      string            `json:"entity"`
	Actor       string            `json:"actor,omitempty"`
	Origin      string            `json:"origin,omitempty"`
	Target      string            `json:"target,omitempty"`
	Bucket      time.Time         `json:"bucket"`
	Score       float64           `json:"score"`
	Severity    Severity          `json:"severity"`
	Confidence  Confidence        `json:"confidence"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	Count       int               `json:"count"`
	Evidence    []EventRef        `json:"evidence"`
	Techniques  []string          `json:"techniques,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// NewAlert builds the first version of an alert from a scored finding.
func NewAlert(f Finding, score float64, sev Severity) Alert {
	details := make(map[string]string, len(f.Details))
	for k, v := range f.Details {
		details[k] = v
	}
	return Alert{
		DedupKey:   f.DedupKey(),
		DetectorID: f.DetectorID,
		Title:      f.Title,
		Entity:     f.Entity,
		Actor:      f.Actor,
		Origin:     f.Origin,
		Target:     f.Target,
		Bucket:     f.Bucket,
		Score:      score,
		Severity:   sev,
		Confidence: f.Confidence,
		FirstSeen:  f.WindowStart,
		LastSeen:   f.WindowEnd,
		Count:      1,
		Evidence:   append([]EventRef(nil), f.Evidence...),
		Details:    details,
	}
}

// MaxAlertEvidence bounds the evidence kept on a stored alert.
const MaxAlertEvidence = 50

// Merge folds another version of the same alert into a. Score, last_seen
// and severity never decrease, first_seen never moves later, count adds up
// and evidence is unioned. Descriptive fields follow the higher score.
func (a Alert) Merge(b Alert) (merged Alert, escalated bool) {
	merged = a
	if b.Score > a.Score {
		merged.Score = b.Score
		merged.Severity = b.Severity
		merged.Title = b.Title
		merged.Confidence = b.Confidence
	}
	if b.FirstSeen.Before(merged.FirstSeen) || merged.FirstSeen.IsZero() {
		merged.FirstSeen = b.FirstSeen
	}
	if b.LastSeen.After(merged.LastSeen) {
		merged.LastSeen = b.LastSeen
	}
	merged.Count = a.Count + b.Count
	merged.Evidence = MergeEvidence(a.Evidence, b.Evidence)
	merged.Techniques = mergeStrings(a.Techniques, b.Techniques)
	merged.Details = make(map[string]string, len(a.Details)+len(b.Details))
	for k, v := range a.Details {
		merged.Details[k] = v
	}
	for k, v := range b.Details {
		if _, ok := merged.Details[k]; !ok || b.Score >= a.Score {
			merged.Details[k] = v
		}
	}
	return merged, merged.Severity.Rank() > a.Severity.Rank()
}

// MergeEvidence unions two evidence lists by event ID, ordered by
// (timestamp, id) and capped at MaxAlertEvidence.
func MergeEvidence(a, b []EventRef) []EventRef {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]EventRef, 0, len(a)+len(b))
	for _, list := range [][]EventRef{a, b} {
		for _, r := range list {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > MaxAlertEvidence {
		out = out[:MaxAlertEvidence]
	}
	return out
}

func mergeStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
