package scoring

import (
	"testing"
	"time"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

func finding(id string, c telemetry.Confidence) telemetry.Finding {
	ts := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)
	return telemetry.Finding{
		DetectorID:  id,
		Entity:      "origin:203.0.113.7",
		WindowStart: ts,
		WindowEnd:   ts.Add(time.Minute),
		Bucket:      ts,
		Confidence:  c,
		Evidence:    []telemetry.EventRef{{ID: "e1", Timestamp: ts}},
	}
}

// TestScore verifies weight times multiplier, clamping and banding.
func TestScore(t *testing.T) {
	s, err := NewScorer(DefaultConfig())
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}

	tests := []struct {
		name  string
		f     telemetry.Finding
		score float64
		sev   telemetry.Severity
	}{
		{"brute force medium", finding("AUTH001", telemetry.ConfidenceMedium), 50, telemetry.SeverityMedium},
		{"brute force high", finding("AUTH001", telemetry.ConfidenceHigh), 75, telemetry.SeverityHigh},
		{"travel high clamps", finding("AUTH005", telemetry.ConfidenceHigh), 97.5, telemetry.SeverityCritical},
		{"off hours low", finding("AUTH004", telemetry.ConfidenceLow), 12.5, telemetry.SeverityLow},
		{"unknown detector", finding("CUSTOM9", telemetry.ConfidenceMedium), 30, telemetry.SeverityLow},
		{"lowercase id", finding("auth002", telemetry.ConfidenceMedium), 60, telemetry.SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, sev := s.Score(tt.f)
			if score != tt.score || sev != tt.sev {
				t.Errorf("got (%.1f, %s), want (%.1f, %s)", score, sev, tt.score, tt.sev)
			}
		})
	}
}

// TestScore_ClampsToMax verifies scores never exceed the configured max.
func TestScore_ClampsToMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights["AUTH005"] = 500
	s, _ := NewScorer(cfg)
	score, sev := s.Score(finding("AUTH005", telemetry.ConfidenceHigh))
	if score != 100 || sev != telemetry.SeverityCritical {
		t.Errorf("got (%.1f, %s)", score, sev)
	}
}

// TestApply verifies the alert carries the finding and score.
func TestApply(t *testing.T) {
	s, _ := NewScorer(DefaultConfig())
	f := finding("AUTH002", telemetry.ConfidenceHigh)
	a := s.Apply(f)
	if a.DedupKey != f.DedupKey() || a.Count != 1 || a.Score != 90 || a.Severity != telemetry.SeverityCritical {
		t.Errorf("unexpected alert: %+v", a)
	}
	if !a.FirstSeen.Equal(f.WindowStart) || !a.LastSeen.Equal(f.WindowEnd) {
		t.Error("alert window should follow the finding")
	}
}

// TestValidate verifies misordered bands are rejected.
func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bands.High = 95
	if _, err := NewScorer(cfg); err == nil {
		t.Error("expected error for misordered bands")
	}
	cfg = DefaultConfig()
	cfg.Max = cfg.Min
	if _, err := NewScorer(cfg); err == nil {
		t.Error("expected error for empty range")
	}
}
