// Package scoring turns findings into numeric scores and severities.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// Config holds the scoring weights and severity bands.
type Config struct {
	// Weights is the base score per detector ID.
	Weights map[string]float64 `yaml:"weights"`

	// DefaultWeight applies to detectors without an explicit weight.
	DefaultWeight float64 `yaml:"default_weight"`

	// Multipliers scale the base weight by finding confidence.
	Multipliers map[telemetry.Confidence]float64 `yaml:"multipliers"`

	// Min and Max clamp the final score.
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`

	// Bands are the lowest scores for each severity above low.
	Bands Bands `yaml:"bands"`
}

// Bands are severity thresholds, inclusive.
type Bands struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// DefaultConfig returns starting weights for the built-in detectors.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			"AUTH001": 50,
			"AUTH002": 60,
			"AUTH003": 35,
			"AUTH004": 25,
			"AUTH005": 65,
		},
		DefaultWeight: 30,
		Multipliers: map[telemetry.Confidence]float64{
			telemetry.ConfidenceLow:    0.5,
			telemetry.ConfidenceMedium: 1.0,
			telemetry.ConfidenceHigh:   1.5,
		},
		Min:   0,
		Max:   100,
		Bands: Bands{Medium: 40, High: 70, Critical: 90},
	}
}

// Validate checks the bands are ordered within the clamp range.
func (c Config) Validate() error {
	if c.Max <= c.Min {
		return fmt.Errorf("scoring: max %.1f must exceed min %.1f", c.Max, c.Min)
	}
	if !(c.Bands.Medium <= c.Bands.High && c.Bands.High <= c.Bands.Critical) {
		return fmt.Errorf("scoring: bands must be ascending (medium %.1f, high %.1f, critical %.1f)",
			c.Bands.Medium, c.Bands.High, c.Bands.Critical)
	}
	for id, w := range c.Weights {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("scoring: weight for %s must be non-negative", id)
		}
	}
	return nil
}

// Scorer is a pure function of its configuration.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer. Missing multipliers default to 1.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	weights := make(map[string]float64, len(cfg.Weights))
	for id, w := range cfg.Weights {
		weights[strings.ToUpper(id)] = w
	}
	cfg.Weights = weights
	return &Scorer{cfg: cfg}, nil
}

// Score computes the score and severity of a finding.
func (s *Scorer) Score(f telemetry.Finding) (float64, telemetry.Severity) {
	w, ok := s.cfg.Weights[strings.ToUpper(f.DetectorID)]
	if !ok {
		w = s.cfg.DefaultWeight
	}
	m, ok := s.cfg.Multipliers[f.Confidence]
	if !ok {
		m = 1
	}
	score := math.Max(s.cfg.Min, math.Min(s.cfg.Max, w*m))
	return score, s.Severity(score)
}

// Severity maps a score onto the configured bands.
func (s *Scorer) Severity(score float64) telemetry.Severity {
	switch {
	case score >= s.cfg.Bands.Critical:
		return telemetry.SeverityCritical
	case score >= s.cfg.Bands.High:
		return telemetry.SeverityHigh
	case score >= s.cfg.Bands.Medium:
		return telemetry.SeverityMedium
	default:
		return telemetry.SeverityLow
	}
}

// Apply scores a finding into a new alert.
func (s *Scorer) Apply(f telemetry.Finding) telemetry.Alert {
	score, sev := s.Score(f)
	return telemetry.NewAlert(f, score, sev)
}
