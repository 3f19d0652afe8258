package correlation

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// SprayConfig configures AUTH002.
type SprayConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"` // distinct actors
}

type sprayAttempt struct {
	actor string
	ref   telemetry.EventRef
}

type sprayState struct {
	attempts   []sprayAttempt
	quietUntil time.Time // after a breach the window must be re-earned
	last       time.Time
}

// PasswordSpray flags one origin failing against many distinct accounts.
type PasswordSpray struct {
	cfg   SprayConfig
	state map[string]*sprayState
}

// NewPasswordSpray creates the password spray detector.
func NewPasswordSpray(cfg SprayConfig) (*PasswordSpray, error) {
	if err := validateWindow(DetectorPasswordSpray, cfg.Window, cfg.Threshold); err != nil {
		return nil, err
	}
	return &PasswordSpray{cfg: cfg, state: make(map[string]*sprayState)}, nil
}

func (d *PasswordSpray) ID() string             { return DetectorPasswordSpray }
func (d *PasswordSpray) Window() time.Duration { return d.cfg.Window }

// Consume implements Detector.
func (d *PasswordSpray) Consume(ev telemetry.EnrichedEvent) ([]telemetry.Finding, error) {
	if ev.Kind != telemetry.KindAuthFailure || ev.Origin == "" || ev.Actor == "" {
		return nil, nil
	}
	st := d.state[ev.Origin]
	if st == nil {
		st = &sprayState{}
		d.state[ev.Origin] = st
	}
	if ev.Timestamp.After(st.last) {
		st.last = ev.Timestamp
	}
	if ev.Timestamp.Before(st.quietUntil) {
		return nil, nil
	}

	cutoff := ev.Timestamp.Add(-d.cfg.Window)
	kept := st.attempts[:0]
	for _, a := range st.attempts {
		if !a.ref.Timestamp.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	st.attempts = append(kept, sprayAttempt{actor: ev.Actor, ref: ev.Ref()})

	distinct := make(map[string]struct{}, len(st.attempts))
	for _, a := range st.attempts {
		distinct[a.actor] = struct{}{}
	}
	if len(distinct) < d.cfg.Threshold {
		return nil, nil
	}

	actors := make([]string, 0, len(distinct))
	for a := range distinct {
		actors = append(actors, a)
	}
	sort.Strings(actors)

	evidence := make([]telemetry.EventRef, 0, len(st.attempts))
	for _, a := range st.attempts {
		evidence = appendCapped(evidence, a.ref)
	}
	start := st.attempts[0].ref.Timestamp
	for _, a := range st.attempts {
		if a.ref.Timestamp.Before(start) {
			start = a.ref.Timestamp
		}
	}

	f := telemetry.Finding{
		DetectorID:  DetectorPasswordSpray,
		Title:       "Password spray suspected",
		Entity:      "origin:" + ev.Origin,
		Origin:      ev.Origin,
		Target:      ev.Target,
		WindowStart: start,
		WindowEnd:   ev.Timestamp,
		Bucket:      start,
		Evidence:    evidence,
		Confidence:  confidenceFor(ev, telemetry.ConfidenceMedium),
		Details: map[string]string{
			"distinct_actors": strconv.Itoa(len(distinct)),
			"threshold":       strconv.Itoa(d.cfg.Threshold),
			"window":          d.cfg.Window.String(),
			"actors":          strings.Join(actors, ","),
		},
	}
	if src, ok := ev.Field(telemetry.FieldKnownBadSource); ok {
		f.Details["known_bad_source"] = src
	}

	st.attempts = nil
	st.quietUntil = ev.Timestamp.Add(d.cfg.Window)
	return []telemetry.Finding{f}, nil
}

// Flush evicts origins with no activity inside the window.
func (d *PasswordSpray) Flush(now time.Time) ([]telemetry.Finding, error) {
	for origin, st := range d.state {
		if now.Sub(st.last) > d.cfg.Window && !now.Before(st.quietUntil) {
			delete(d.state, origin)
		}
	}
	return nil, nil
}
