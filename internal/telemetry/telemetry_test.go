package telemetry

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

// =============================================================================
// Identity Tests
// =============================================================================

// TestDedupKey verifies the key is stable, prefixed and zone independent.
func TestDedupKey(t *testing.T) {
	k1 := DedupKey("AUTH001", "origin:203.0.113.7", t0)
	k2 := DedupKey("AUTH001", "origin:203.0.113.7", t0.In(time.FixedZone("X", 3600)))
	if k1 != k2 {
		t.Errorf("key depends on zone: %s vs %s", k1, k2)
	}
	if !strings.HasPrefix(k1, "a_") || len(k1) != 26 {
		t.Errorf("unexpected key shape %q", k1)
	}
	if k1 == DedupKey("AUTH001", "origin:203.0.113.7", t0.Add(time.Hour)) {
		t.Error("different buckets should produce different keys")
	}
}

// TestEventID verifies IDs are deterministic per line.
func TestEventID(t *testing.T) {
	line := RawLine{Source: "auth", Seq: 7, Text: "x", ObservedAt: t0}
	if EventID(line) != EventID(line) {
		t.Error("event ID should be deterministic")
	}
	other := line
	other.Seq = 8
	if EventID(line) == EventID(other) {
		t.Error("identical text at different positions should differ")
	}
}

// =============================================================================
// Merge Tests
// =============================================================================

func ref(i int) EventRef {
	return EventRef{ID: fmt.Sprintf("e%03d", i), Timestamp: t0.Add(time.Duration(i) * time.Second)}
}

// TestAlertMerge verifies monotonic fields and evidence union.
func TestAlertMerge(t *testing.T) {
	a := Alert{
		Title: "Brute force", Score: 50, Severity: SeverityMedium, Confidence: ConfidenceMedium,
		FirstSeen: t0.Add(time.Minute), LastSeen: t0.Add(2 * time.Minute), Count: 1,
		Evidence: []EventRef{ref(2), ref(3)}, Techniques: []string{"T1110.001"},
	}
	b := Alert{
		Title: "Successful login after brute force", Score: 75, Severity: SeverityHigh, Confidence: ConfidenceHigh,
		FirstSeen: t0, LastSeen: t0.Add(time.Minute), Count: 1,
		Evidence: []EventRef{ref(1), ref(3)},
	}

	m, escalated := a.Merge(b)
	if !escalated {
		t.Error("medium to high should escalate")
	}
	if m.Score != 75 || m.Title != b.Title || m.Severity != SeverityHigh {
		t.Errorf("descriptive fields should follow the higher score: %+v", m)
	}
	if !m.FirstSeen.Equal(t0) || !m.LastSeen.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("window = [%v, %v]", m.FirstSeen, m.LastSeen)
	}
	if m.Count != 2 || len(m.Evidence) != 3 || m.Evidence[0].ID != "e001" {
		t.Errorf("count %d evidence %v", m.Count, m.Evidence)
	}

	// Lower-score merge never lowers anything.
	m2, escalated := m.Merge(Alert{Score: 10, Severity: SeverityLow, FirstSeen: t0.Add(time.Hour), LastSeen: t0, Count: 1})
	if escalated || m2.Score != 75 || m2.Severity != SeverityHigh || !m2.FirstSeen.Equal(t0) || !m2.LastSeen.Equal(m.LastSeen) {
		t.Errorf("merge regressed alert: %+v", m2)
	}
}

// TestMergeEvidence_Bounded verifies the evidence cap keeps the earliest refs.
func TestMergeEvidence_Bounded(t *testing.T) {
	var a, b []EventRef
	for i := 0; i < 40; i++ {
		a = append(a, ref(i+30))
		b = append(b, ref(i))
	}
	got := MergeEvidence(a, b)
	if len(got) != MaxAlertEvidence {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].ID != "e000" || got[len(got)-1].ID != "e049" {
		t.Errorf("unexpected bounds %s..%s", got[0].ID, got[len(got)-1].ID)
	}
}

// TestParseSeverity verifies ranking and parsing.
func TestParseSeverity(t *testing.T) {
	if s, ok := ParseSeverity(" HIGH "); !ok || s != SeverityHigh {
		t.Errorf("got %q %v", s, ok)
	}
	if _, ok := ParseSeverity("urgent"); ok {
		t.Error("unknown severity should not parse")
	}
	if ParseKind("AUTH_FAILURE") != KindAuthFailure || ParseKind("login") != KindGeneric {
		t.Error("ParseKind mapping wrong")
	}
}
