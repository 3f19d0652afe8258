package enrichment

import (
	"net/netip"
	"sort"
	"sync/atomic"
	"time"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// GeoEntry maps a network prefix to a location. Point is nil when the row
// carries no coordinates.
type GeoEntry struct {
	Prefix  netip.Prefix
	Country string
	City    string
	Point   *telemetry.GeoPoint
}

// BadEntry marks an address or prefix as known-bad.
type BadEntry struct {
	Prefix netip.Prefix // single addresses are stored as /32 or /128
	Source string
}

// Snapshot is an immutable, pre-materialized set of lookup tables. It is
// built once and never mutated; replace it through Tables.Swap.
type Snapshot struct {
	geo      []GeoEntry // most specific prefix first
	bad      map[netip.Addr]string
	badNets  []BadEntry // most specific prefix first
	loadedAt time.Time
}

// NewSnapshot builds a snapshot from geo and known-bad entries. Invalid
// prefixes are skipped.
func NewSnapshot(geo []GeoEntry, bad []BadEntry) *Snapshot {
	s := &Snapshot{
		bad:      make(map[netip.Addr]string),
		loadedAt: time.Now(),
	}
	for _, g := range geo {
		if !g.Prefix.IsValid() {
			continue
		}
		g.Prefix = g.Prefix.Masked()
		s.geo = append(s.geo, g)
	}
	sort.SliceStable(s.geo, func(i, j int) bool {
		return s.geo[i].Prefix.Bits() > s.geo[j].Prefix.Bits()
	})

	for _, b := range bad {
		if !b.Prefix.IsValid() {
			continue
		}
		if b.Prefix.IsSingleIP() {
			if _, dup := s.bad[b.Prefix.Addr()]; !dup {
				s.bad[b.Prefix.Addr()] = b.Source
			}
			continue
		}
		b.Prefix = b.Prefix.Masked()
		s.badNets = append(s.badNets, b)
	}
	sort.SliceStable(s.badNets, func(i, j int) bool {
		return s.badNets[i].Prefix.Bits() > s.badNets[j].Prefix.Bits()
	})
	return s
}

// EmptySnapshot has no data; every lookup misses.
func EmptySnapshot() *Snapshot {
	return NewSnapshot(nil, nil)
}

// LookupGeo returns the longest-prefix geo match for addr.
func (s *Snapshot) LookupGeo(addr netip.Addr) (GeoEntry, bool) {
	if s == nil {
		return GeoEntry{}, false
	}
	for _, g := range s.geo {
		if g.Prefix.Contains(addr) {
			return g, true
		}
	}
	return GeoEntry{}, false
}

// LookupKnownBad reports whether addr is listed and by which source.
func (s *Snapshot) LookupKnownBad(addr netip.Addr) (string, bool) {
	if s == nil {
		return "", false
	}
	if src, ok := s.bad[addr]; ok {
		return src, true
	}
	for _, b := range s.badNets {
		if b.Prefix.Contains(addr) {
			return b.Source, true
		}
	}
	return "", false
}

// Stats reports table sizes.
func (s *Snapshot) Stats() SnapshotStats {
	if s == nil {
		return SnapshotStats{}
	}
	return SnapshotStats{
		GeoPrefixes:      len(s.geo),
		KnownBadIPs:      len(s.bad),
		KnownBadNetworks: len(s.badNets),
		LoadedAt:         s.loadedAt,
	}
}

// SnapshotStats summarizes a snapshot.
type SnapshotStats struct {
	GeoPrefixes      int       `json:"geo_prefixes"`
	KnownBadIPs      int       `json:"known_bad_ips"`
	KnownBadNetworks int       `json:"known_bad_networks"`
	LoadedAt         time.Time `json:"loaded_at"`
}

// Tables holds the current snapshot. Readers Load once per processing
// cycle; writers Swap in a fully built replacement.
type Tables struct {
	current atomic.Pointer[Snapshot]
}

// NewTables creates a holder seeded with snap (or an empty snapshot).
func NewTables(snap *Snapshot) *Tables {
	if snap == nil {
		snap = EmptySnapshot()
	}
	t := &Tables{}
	t.current.Store(snap)
	return t
}

// Load returns the current snapshot.
func (t *Tables) Load() *Snapshot {
	return t.current.Load()
}

// Swap installs snap and returns the previous snapshot.
func (t *Tables) Swap(snap *Snapshot) *Snapshot {
	if snap == nil {
		snap = EmptySnapshot()
	}
	return t.current.Swap(snap)
}
