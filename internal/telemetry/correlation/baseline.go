package correlation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// NewOriginConfig configures AUTH003.
type NewOriginConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinBaseline int           `yaml:"min_baseline"` // successful logins before new origins are flagged
	Retention   time.Duration `yaml:"retention"`
}

type actorBaseline struct {
	origins map[string]time.Time
	logins  int
}

// NewOrigin flags a successful login from an origin never seen for the
// actor once a baseline exists.
type NewOrigin struct {
	cfg   NewOriginConfig
	state map[string]*actorBaseline
}

// NewNewOrigin creates the new-origin detector.
func NewNewOrigin(cfg NewOriginConfig) *NewOrigin {
	if cfg.MinBaseline < 1 {
		cfg.MinBaseline = 1
	}
	return &NewOrigin{cfg: cfg, state: make(map[string]*actorBaseline)}
}

func (d *NewOrigin) ID() string { return DetectorNewOrigin }

// Consume implements Detector.
func (d *NewOrigin) Consume(ev telemetry.EnrichedEvent) ([]telemetry.Finding, error) {
	if ev.Kind != telemetry.KindAuthSuccess || ev.Actor == "" || ev.Origin == "" {
		return nil, nil
	}
	b := d.state[ev.Actor]
	if b == nil {
		b = &actorBaseline{origins: make(map[string]time.Time)}
		d.state[ev.Actor] = b
	}
	_, known := b.origins[ev.Origin]
	established := b.logins >= d.cfg.MinBaseline

	b.logins++
	if prev, ok := b.origins[ev.Origin]; !ok || ev.Timestamp.After(prev) {
		b.origins[ev.Origin] = ev.Timestamp
	}
	if known || !established {
		return nil, nil
	}

	day := ev.Timestamp.UTC().Truncate(24 * time.Hour)
	f := telemetry.Finding{
		DetectorID:  DetectorNewOrigin,
		Title:       "Login from new origin",
		Entity:      "actor:" + ev.Actor + "|origin:" + ev.Origin,
		Actor:       ev.Actor,
		Origin:      ev.Origin,
		Target:      ev.Target,
		WindowStart: ev.Timestamp,
		WindowEnd:   ev.Timestamp,
		Bucket:      day,
		Evidence:    []telemetry.EventRef{ev.Ref()},
		Confidence:  confidenceFor(ev, telemetry.ConfidenceLow),
		Details: map[string]string{
			"known_origins": strconv.Itoa(len(b.origins) - 1),
			"logins":        strconv.Itoa(b.logins),
		},
	}
	if c, ok := ev.Field(telemetry.FieldGeoCountry); ok {
		f.Details["geo_country"] = c
	}
	return []telemetry.Finding{f}, nil
}

// Flush forgets origins not seen within the retention period.
func (d *NewOrigin) Flush(now time.Time) ([]telemetry.Finding, error) {
	if d.cfg.Retention <= 0 {
		return nil, nil
	}
	for actor, b := range d.state {
		for origin, seen := range b.origins {
			if now.Sub(seen) > d.cfg.Retention {
				delete(b.origins, origin)
			}
		}
		if len(b.origins) == 0 {
			delete(d.state, actor)
		}
	}
	return nil, nil
}

// OffHoursConfig configures AUTH004.
type OffHoursConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Timezone  string   `yaml:"timezone"`
	StartHour int      `yaml:"start_hour"` // business hours start, inclusive
	EndHour   int      `yaml:"end_hour"`   // business hours end, exclusive
	Weekdays  []string `yaml:"weekdays"`   // mon..sun
}

// OffHours flags successful logins outside business hours. It keeps no
// state.
type OffHours struct {
	cfg      OffHoursConfig
	loc      *time.Location
	weekdays map[time.Weekday]bool
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// NewOffHours creates the off-hours detector.
func NewOffHours(cfg OffHoursConfig) (*OffHours, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%s: loading timezone: %w", DetectorOffHours, err)
	}
	if cfg.StartHour < 0 || cfg.EndHour > 24 || cfg.StartHour >= cfg.EndHour {
		return nil, fmt.Errorf("%s: invalid business hours %d-%d", DetectorOffHours, cfg.StartHour, cfg.EndHour)
	}
	days := make(map[time.Weekday]bool)
	for _, name := range cfg.Weekdays {
		wd, ok := weekdayNames[strings.ToLower(name)[:min(3, len(name))]]
		if !ok {
			return nil, fmt.Errorf("%s: unknown weekday %q", DetectorOffHours, name)
		}
		days[wd] = true
	}
	return &OffHours{cfg: cfg, loc: loc, weekdays: days}, nil
}

func (d *OffHours) ID() string { return DetectorOffHours }

// Consume implements Detector.
func (d *OffHours) Consume(ev telemetry.EnrichedEvent) ([]telemetry.Finding, error) {
	if ev.Kind != telemetry.KindAuthSuccess || ev.Actor == "" {
		return nil, nil
	}
	local := ev.Timestamp.In(d.loc)
	if d.weekdays[local.Weekday()] && local.Hour() >= d.cfg.StartHour && local.Hour() < d.cfg.EndHour {
		return nil, nil
	}
	return []telemetry.Finding{{
		DetectorID:  DetectorOffHours,
		Title:       "Login outside business hours",
		Entity:      "actor:" + ev.Actor,
		Actor:       ev.Actor,
		Origin:      ev.Origin,
		Target:      ev.Target,
		WindowStart: ev.Timestamp,
		WindowEnd:   ev.Timestamp,
		Bucket:      ev.Timestamp.UTC().Truncate(time.Hour),
		Evidence:    []telemetry.EventRef{ev.Ref()},
		Confidence:  confidenceFor(ev, telemetry.ConfidenceLow),
		Details: map[string]string{
			"local_time": local.Format("Mon 15:04 MST"),
		},
	}}, nil
}

// Flush implements Detector; off-hours keeps no windows.
func (d *OffHours) Flush(time.Time) ([]telemetry.Finding, error) {
	return nil, nil
}
