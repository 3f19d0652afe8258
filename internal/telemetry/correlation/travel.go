package correlation

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

const earthRadiusKM = 6371.0

// HaversineKM returns the great-circle distance between two points.
func HaversineKM(a, b telemetry.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// ImpossibleTravelConfig configures AUTH005.
type ImpossibleTravelConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxSpeedKMH   float64       `yaml:"max_speed_kmh"`
	MinDistanceKM float64       `yaml:"min_distance_km"`
	StateTTL      time.Duration `yaml:"state_ttl"`
}

type lastLogin struct {
	ref     telemetry.EventRef
	point   telemetry.GeoPoint
	origin  string
	country string
}

// ImpossibleTravel flags consecutive successful logins for one actor whose
// locations imply an infeasible travel speed.
type ImpossibleTravel struct {
	cfg   ImpossibleTravelConfig
	state map[string]lastLogin
}

// NewImpossibleTravel creates the impossible travel detector.
func NewImpossibleTravel(cfg ImpossibleTravelConfig) (*ImpossibleTravel, error) {
	if cfg.MaxSpeedKMH <= 0 {
		return nil, fmt.Errorf("%s: max_speed_kmh must be positive", DetectorImpossibleTravel)
	}
	if cfg.MinDistanceKM < 0 {
		return nil, fmt.Errorf("%s: min_distance_km must not be negative", DetectorImpossibleTravel)
	}
	return &ImpossibleTravel{cfg: cfg, state: make(map[string]lastLogin)}, nil
}

func (d *ImpossibleTravel) ID() string { return DetectorImpossibleTravel }

// Consume implements Detector.
func (d *ImpossibleTravel) Consume(ev telemetry.EnrichedEvent) ([]telemetry.Finding, error) {
	if ev.Kind != telemetry.KindAuthSuccess || ev.Actor == "" || ev.Geo == nil {
		return nil, nil
	}
	country, _ := ev.Field(telemetry.FieldGeoCountry)
	cur := lastLogin{ref: ev.Ref(), point: *ev.Geo, origin: ev.Origin, country: country}

	prev, ok := d.state[ev.Actor]
	if !ok || !ev.Timestamp.Before(prev.ref.Timestamp) {
		d.state[ev.Actor] = cur
	}
	if !ok {
		return nil, nil
	}

	dist := HaversineKM(prev.point, cur.point)
	if dist < d.cfg.MinDistanceKM || dist == 0 {
		return nil, nil
	}
	elapsed := ev.Timestamp.Sub(prev.ref.Timestamp)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	speed := math.Inf(1)
	if elapsed > 0 {
		speed = dist / elapsed.Hours()
	}
	if speed <= d.cfg.MaxSpeedKMH {
		return nil, nil
	}

	first, second := prev, cur
	if second.ref.Timestamp.Before(first.ref.Timestamp) {
		first, second = second, first
	}

	conf := telemetry.ConfidenceMedium
	if speed > 5*d.cfg.MaxSpeedKMH || ev.KnownBad() {
		conf = telemetry.ConfidenceHigh
	}
	speedText := "inf"
	if !math.IsInf(speed, 1) {
		speedText = strconv.FormatFloat(speed, 'f', 0, 64)
	}

	return []telemetry.Finding{{
		DetectorID:  DetectorImpossibleTravel,
		Title:       "Impossible travel between logins",
		Entity:      "actor:" + ev.Actor,
		Actor:       ev.Actor,
		Origin:      ev.Origin,
		Target:      ev.Target,
		WindowStart: first.ref.Timestamp,
		WindowEnd:   second.ref.Timestamp,
		Bucket:      second.ref.Timestamp,
		Evidence:    []telemetry.EventRef{first.ref, second.ref},
		Confidence:  conf,
		Details: map[string]string{
			"distance_km":  strconv.FormatFloat(dist, 'f', 0, 64),
			"elapsed":      elapsed.String(),
			"speed_kmh":    speedText,
			"from_origin":  first.origin,
			"to_origin":    second.origin,
			"from_country": first.country,
			"to_country":   second.country,
		},
	}}, nil
}

// Flush evicts actors whose last login is older than the state TTL.
func (d *ImpossibleTravel) Flush(now time.Time) ([]telemetry.Finding, error) {
	if d.cfg.StateTTL <= 0 {
		return nil, nil
	}
	for actor, last := range d.state {
		if now.Sub(last.ref.Timestamp) > d.cfg.StateTTL {
			delete(d.state, actor)
		}
	}
	return nil, nil
}
