package enrichment

import (
	"net/netip"
	"strconv"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// Enrich wraps ev with lookup attributes from snap. It is pure and never
// fails: a miss leaves the corresponding keys absent. The event is copied,
// never modified.
func Enrich(ev telemetry.Event, snap *Snapshot) telemetry.EnrichedEvent {
	out := telemetry.EnrichedEvent{Event: ev}
	if ev.Origin == "" || snap == nil {
		return out
	}
	addr, err := netip.ParseAddr(ev.Origin)
	if err != nil {
		return out
	}
	addr = addr.Unmap()

	fields := make(map[string]string, 6)
	if g, ok := snap.LookupGeo(addr); ok {
		if g.Country != "" {
			fields[telemetry.FieldGeoCountry] = g.Country
		}
		if g.City != "" {
			fields[telemetry.FieldGeoCity] = g.City
		}
		if g.Point != nil {
			fields[telemetry.FieldGeoLat] = strconv.FormatFloat(g.Point.Lat, 'f', -1, 64)
			fields[telemetry.FieldGeoLon] = strconv.FormatFloat(g.Point.Lon, 'f', -1, 64)
			pt := *g.Point
			out.Geo = &pt
		}
	}
	if src, ok := snap.LookupKnownBad(addr); ok {
		fields[telemetry.FieldKnownBad] = "true"
		if src != "" {
			fields[telemetry.FieldKnownBadSource] = src
		}
	}
	if len(fields) > 0 {
		out.Fields = fields
	}
	return out
}
