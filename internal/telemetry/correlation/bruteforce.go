package correlation

import (
	"fmt"
	"strconv"
	"time"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// Brute force correlation keys.
const (
	KeyByTarget = "target"
	KeyByActor  = "actor"
)

// BruteForceConfig configures AUTH001.
type BruteForceConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
	KeyBy     string        `yaml:"key_by"` // target or actor
}

// bruteEpisode tracks one run of failures for a key. The episode ends when
// no failure arrives within the window.
type bruteEpisode struct {
	origin, target, actor string

	recent   []telemetry.EventRef // failures within the window of the latest
	evidence []telemetry.EventRef
	start    time.Time
	last     time.Time
	total    int
	breached bool
}

// BruteForce flags repeated authentication failures from one origin
// against one target (or account), and a success that follows them.
type BruteForce struct {
	cfg   BruteForceConfig
	state map[string]*bruteEpisode
}

// NewBruteForce creates the brute force detector.
func NewBruteForce(cfg BruteForceConfig) (*BruteForce, error) {
	if err := validateWindow(DetectorBruteForce, cfg.Window, cfg.Threshold); err != nil {
		return nil, err
	}
	switch cfg.KeyBy {
	case "":
		cfg.KeyBy = KeyByTarget
	case KeyByTarget, KeyByActor:
	default:
		return nil, fmt.Errorf("%s: unknown key_by %q", DetectorBruteForce, cfg.KeyBy)
	}
	return &BruteForce{cfg: cfg, state: make(map[string]*bruteEpisode)}, nil
}

func (d *BruteForce) ID() string             { return DetectorBruteForce }
func (d *BruteForce) Window() time.Duration { return d.cfg.Window }

func (d *BruteForce) key(ev telemetry.EnrichedEvent) (key, entity string) {
	if d.cfg.KeyBy == KeyByActor {
		return ev.Origin + "\x00" + ev.Actor, "origin:" + ev.Origin + "|actor:" + ev.Actor
	}
	return ev.Origin + "\x00" + ev.Target, "origin:" + ev.Origin + "|target:" + ev.Target
}

// Consume implements Detector.
func (d *BruteForce) Consume(ev telemetry.EnrichedEvent) ([]telemetry.Finding, error) {
	if ev.Origin == "" || (ev.Kind != telemetry.KindAuthFailure && ev.Kind != telemetry.KindAuthSuccess) {
		return nil, nil
	}
	key, entity := d.key(ev)

	var out []telemetry.Finding
	st := d.state[key]
	if st != nil && ev.Timestamp.Sub(st.last) > d.cfg.Window {
		if st.breached {
			out = append(out, d.summary(st, entity))
		}
		delete(d.state, key)
		st = nil
	}

	if ev.Kind == telemetry.KindAuthSuccess {
		if st == nil {
			return out, nil
		}
		if st.breached || len(st.recent) >= d.cfg.Threshold {
			evidence := appendCapped(append([]telemetry.EventRef(nil), st.evidence...), ev.Ref())
			out = append(out, telemetry.Finding{
				DetectorID:  DetectorBruteForce,
				Title:       "Successful login after brute force",
				Entity:      entity,
				Actor:       ev.Actor,
				Origin:      st.origin,
				Target:      st.target,
				WindowStart: st.start,
				WindowEnd:   ev.Timestamp,
				Bucket:      st.start,
				Evidence:    evidence,
				Confidence:  telemetry.ConfidenceHigh,
				Details: map[string]string{
					"failures":  strconv.Itoa(st.total),
					"threshold": strconv.Itoa(d.cfg.Threshold),
					"outcome":   "success_after_failures",
				},
			})
		}
		delete(d.state, key)
		return out, nil
	}

	if st == nil {
		st = &bruteEpisode{origin: ev.Origin, target: ev.Target, actor: ev.Actor, start: ev.Timestamp}
		d.state[key] = st
	}
	cutoff := ev.Timestamp.Add(-d.cfg.Window)
	kept := st.recent[:0]
	for _, r := range st.recent {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	st.recent = append(kept, ev.Ref())
	st.evidence = appendCapped(st.evidence, ev.Ref())
	st.total++
	if ev.Timestamp.After(st.last) {
		st.last = ev.Timestamp
	}
	if ev.Actor != "" {
		st.actor = ev.Actor
	}

	if !st.breached && len(st.recent) >= d.cfg.Threshold {
		st.breached = true
		out = append(out, telemetry.Finding{
			DetectorID:  DetectorBruteForce,
			Title:       "SSH brute force suspected",
			Entity:      entity,
			Actor:       st.actor,
			Origin:      st.origin,
			Target:      st.target,
			WindowStart: st.start,
			WindowEnd:   ev.Timestamp,
			Bucket:      st.start,
			Evidence:    append([]telemetry.EventRef(nil), st.recent...),
			Confidence:  confidenceFor(ev, telemetry.ConfidenceMedium),
			Details: map[string]string{
				"failures":  strconv.Itoa(len(st.recent)),
				"threshold": strconv.Itoa(d.cfg.Threshold),
				"window":    d.cfg.Window.String(),
			},
		})
	}
	return out, nil
}

// Flush closes episodes idle for longer than the window. A breached
// episode emits a closing summary into the same alert bucket.
func (d *BruteForce) Flush(now time.Time) ([]telemetry.Finding, error) {
	var out []telemetry.Finding
	for key, st := range d.state {
		if now.Sub(st.last) <= d.cfg.Window {
			continue
		}
		if st.breached {
			_, entity := d.keyFromEpisode(st)
			out = append(out, d.summary(st, entity))
		}
		delete(d.state, key)
	}
	sortFindings(out)
	return out, nil
}

func (d *BruteForce) keyFromEpisode(st *bruteEpisode) (string, string) {
	return d.key(telemetry.EnrichedEvent{Event: telemetry.Event{Origin: st.origin, Target: st.target, Actor: st.actor}})
}

func (d *BruteForce) summary(st *bruteEpisode, entity string) telemetry.Finding {
	return telemetry.Finding{
		DetectorID:  DetectorBruteForce,
		Title:       "SSH brute force suspected",
		Entity:      entity,
		Actor:       st.actor,
		Origin:      st.origin,
		Target:      st.target,
		WindowStart: st.start,
		WindowEnd:   st.last,
		Bucket:      st.start,
		Evidence:    append([]telemetry.EventRef(nil), st.evidence...),
		Confidence:  telemetry.ConfidenceMedium,
		Details: map[string]string{
			"failures":  strconv.Itoa(st.total),
			"threshold": strconv.Itoa(d.cfg.Threshold),
			"outcome":   "window_closed",
		},
	}
}

// confidenceFor raises confidence one step when the origin is known-bad.
func confidenceFor(ev telemetry.EnrichedEvent, base telemetry.Confidence) telemetry.Confidence {
	if !ev.KnownBad() {
		return base
	}
	switch base {
	case telemetry.ConfidenceLow:
		return telemetry.ConfidenceMedium
	default:
		return telemetry.ConfidenceHigh
	}
}
