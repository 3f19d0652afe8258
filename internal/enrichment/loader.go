package enrichment

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// lookupFile is the on-disk format of the offline lookup tables.
//
//	geo:
//	  - cidr: 203.0.113.0/24
//	    country: NL
//	    city: Amsterdam
//	    lat: 52.37
//	    lon: 4.89
//	known_bad:
//	  - value: 198.51.100.23
//	    source: honeypot
type lookupFile struct {
	Geo []struct {
		CIDR    string   `yaml:"cidr"`
		Country string   `yaml:"country"`
		City    string   `yaml:"city"`
		Lat     *float64 `yaml:"lat"`
		Lon     *float64 `yaml:"lon"`
	} `yaml:"geo"`
	KnownBad []struct {
		Value  string `yaml:"value"`
		Source string `yaml:"source"`
	} `yaml:"known_bad"`
}

// LoadLookupFile reads geo and known-bad tables from a YAML (or JSON) file.
func LoadLookupFile(path string) ([]GeoEntry, []BadEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read lookup file: %w", err)
	}
	return ParseLookup(data)
}

// ParseLookup decodes lookup tables. Entries with an unparseable address
// are rejected so that a typo does not silently disable a block. A geo row
// without coordinates still supplies country and city but no point.
func ParseLookup(data []byte) ([]GeoEntry, []BadEntry, error) {
	var f lookupFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse lookup file: %w", err)
	}

	geo := make([]GeoEntry, 0, len(f.Geo))
	for i, g := range f.Geo {
		p, err := ParsePrefix(g.CIDR)
		if err != nil {
			return nil, nil, fmt.Errorf("geo[%d]: %w", i, err)
		}
		entry := GeoEntry{Prefix: p, Country: g.Country, City: g.City}
		switch {
		case g.Lat != nil && g.Lon != nil:
			entry.Point = &telemetry.GeoPoint{Lat: *g.Lat, Lon: *g.Lon}
		case g.Lat != nil || g.Lon != nil:
			return nil, nil, fmt.Errorf("geo[%d]: lat and lon must be given together", i)
		}
		geo = append(geo, entry)
	}

	bad := make([]BadEntry, 0, len(f.KnownBad))
	for i, b := range f.KnownBad {
		p, err := ParsePrefix(b.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("known_bad[%d]: %w", i, err)
		}
		src := b.Source
		if src == "" {
			src = "local"
		}
		bad = append(bad, BadEntry{Prefix: p, Source: src})
	}
	return geo, bad, nil
}

// ParsePrefix accepts a CIDR or a bare address (as a host prefix).
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
