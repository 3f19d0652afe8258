package enrichment

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	geo, bad, err := ParseLookup([]byte(`
geo:
  - cidr: 203.0.113.0/24
    country: NL
    city: Amsterdam
    lat: 52.37
    lon: 4.89
  - cidr: 203.0.113.128/25
    country: DE
    city: Frankfurt
    lat: 50.11
    lon: 8.68
known_bad:
  - value: 198.51.100.23
    source: honeypot
  - value: 192.0.2.0/28
`))
	if err != nil {
		t.Fatalf("ParseLookup: %v", err)
	}
	return NewSnapshot(geo, bad)
}

// =============================================================================
// Enrich Tests
// =============================================================================

// TestEnrich_LongestPrefixGeo verifies the most specific geo prefix wins.
func TestEnrich_LongestPrefixGeo(t *testing.T) {
	snap := testSnapshot(t)

	ee := Enrich(telemetry.Event{ID: "e1", Origin: "203.0.113.200"}, snap)
	if v, _ := ee.Field(telemetry.FieldGeoCity); v != "Frankfurt" {
		t.Errorf("city = %q, want Frankfurt", v)
	}
	if ee.Geo == nil || ee.Geo.Lat != 50.11 {
		t.Errorf("typed geo point not set: %+v", ee.Geo)
	}

	ee = Enrich(telemetry.Event{ID: "e2", Origin: "203.0.113.5"}, snap)
	if v, _ := ee.Field(telemetry.FieldGeoCountry); v != "NL" {
		t.Errorf("country = %q, want NL", v)
	}
}

// TestEnrich_KnownBad verifies address and prefix matches carry a source.
func TestEnrich_KnownBad(t *testing.T) {
	snap := testSnapshot(t)

	ee := Enrich(telemetry.Event{Origin: "198.51.100.23"}, snap)
	if !ee.KnownBad() {
		t.Fatal("expected known_bad")
	}
	if v, _ := ee.Field(telemetry.FieldKnownBadSource); v != "honeypot" {
		t.Errorf("source = %q", v)
	}

	ee = Enrich(telemetry.Event{Origin: "192.0.2.9"}, snap)
	if v, _ := ee.Field(telemetry.FieldKnownBadSource); !ee.KnownBad() || v != "local" {
		t.Errorf("prefix match should default source to local, got %q", v)
	}
}

// TestEnrich_MissLeavesFieldsAbsent verifies misses never produce keys.
func TestEnrich_MissLeavesFieldsAbsent(t *testing.T) {
	snap := testSnapshot(t)
	for _, origin := range []string{"", "10.0.0.1", "not-an-ip"} {
		ee := Enrich(telemetry.Event{Origin: origin}, snap)
		if len(ee.Fields) != 0 || ee.Geo != nil {
			t.Errorf("origin %q: expected no enrichment, got %+v", origin, ee.Fields)
		}
		if _, ok := ee.Field(telemetry.FieldKnownBad); ok {
			t.Errorf("origin %q: known_bad should be absent", origin)
		}
	}
	if ee := Enrich(telemetry.Event{Origin: "198.51.100.23"}, nil); ee.Fields != nil {
		t.Error("nil snapshot should enrich nothing")
	}
}

// TestEnrich_GeoWithoutCoordinates verifies a country-only row yields the
// country but no point and no lat/lon keys.
func TestEnrich_GeoWithoutCoordinates(t *testing.T) {
	geo, _, err := ParseLookup([]byte(`
geo:
  - cidr: 198.51.100.0/24
    country: GB
`))
	if err != nil {
		t.Fatalf("ParseLookup: %v", err)
	}
	ee := Enrich(telemetry.Event{Origin: "198.51.100.7"}, NewSnapshot(geo, nil))
	if v, _ := ee.Field(telemetry.FieldGeoCountry); v != "GB" {
		t.Errorf("country = %q, want GB", v)
	}
	if ee.Geo != nil {
		t.Errorf("geo point should be nil, got %+v", ee.Geo)
	}
	for _, key := range []string{telemetry.FieldGeoLat, telemetry.FieldGeoLon} {
		if _, ok := ee.Field(key); ok {
			t.Errorf("%s should be absent", key)
		}
	}
}

// TestEnrich_DoesNotMutateEvent verifies the base event is copied.
func TestEnrich_DoesNotMutateEvent(t *testing.T) {
	ev := telemetry.Event{ID: "x", Origin: "198.51.100.23", Actor: "root"}
	before := ev
	ee := Enrich(ev, testSnapshot(t))
	if ev != before {
		t.Error("input event was modified")
	}
	if ee.Event != before {
		t.Error("enriched event should carry an identical copy")
	}
}

// =============================================================================
// Loader Tests
// =============================================================================

// TestParseLookup_RejectsBadAddress verifies typos fail loudly.
func TestParseLookup_RejectsBadAddress(t *testing.T) {
	_, _, err := ParseLookup([]byte("known_bad:\n  - value: 300.1.1.1\n"))
	if err == nil {
		t.Error("expected error for invalid address")
	}
}

// TestParseLookup_RequiresCoordinatePair verifies a lone lat or lon is an
// error and a zero coordinate is kept.
func TestParseLookup_RequiresCoordinatePair(t *testing.T) {
	_, _, err := ParseLookup([]byte("geo:\n  - cidr: 192.0.2.0/24\n    lat: 51.5\n"))
	if err == nil {
		t.Error("expected error for lat without lon")
	}

	geo, _, err := ParseLookup([]byte("geo:\n  - cidr: 192.0.2.0/24\n    lat: 0\n    lon: 0\n"))
	if err != nil {
		t.Fatalf("ParseLookup: %v", err)
	}
	if len(geo) != 1 || geo[0].Point == nil {
		t.Fatalf("explicit 0,0 should produce a point: %+v", geo)
	}
}

// =============================================================================
// Snapshot Swap Tests
// =============================================================================

// TestTables_SwapIsAtomic verifies readers always see a complete snapshot
// while a writer swaps concurrently.
func TestTables_SwapIsAtomic(t *testing.T) {
	a := NewSnapshot(nil, []BadEntry{{Prefix: netip.MustParsePrefix("192.0.2.1/32"), Source: "a"}})
	b := NewSnapshot(nil, []BadEntry{{Prefix: netip.MustParsePrefix("192.0.2.1/32"), Source: "b"}})
	tables := NewTables(a)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				tables.Swap(b)
			} else {
				tables.Swap(a)
			}
		}
	}()

	addr := netip.MustParseAddr("192.0.2.1")
	for i := 0; i < 10000; i++ {
		src, ok := tables.Load().LookupKnownBad(addr)
		if !ok || (src != "a" && src != "b") {
			t.Fatalf("observed torn snapshot: %q %v", src, ok)
		}
	}
	close(stop)
	wg.Wait()
}

// =============================================================================
// Reloader Tests
// =============================================================================

type stubFeed struct {
	name string
	ips  []Indicator
	err  error
}

func (s *stubFeed) Name() string                      { return s.name }
func (s *stubFeed) HealthCheck(context.Context) error { return nil }
func (s *stubFeed) FetchIPs(context.Context, time.Time) ([]Indicator, error) {
	return s.ips, s.err
}

// TestReloader_MergesFileAndFeeds verifies both sources land in the swapped
// snapshot and that a failing feed keeps its previous indicators.
func TestReloader_MergesFileAndFeeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lookup.yaml")
	if err := os.WriteFile(path, []byte("known_bad:\n  - value: 192.0.2.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	feed := &stubFeed{name: "otx", ips: []Indicator{{Value: "198.51.100.7", Source: "otx:pulse"}, {Value: "junk"}}}
	tables := NewTables(nil)
	r := NewReloader(ReloaderConfig{LookupPath: path}, tables, []IndicatorFeed{feed}, nil)

	var swaps int
	r.OnSwap(func(SnapshotStats) { swaps++ })

	stats, err := r.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if stats.KnownBadIPs != 2 {
		t.Errorf("known bad ips = %d, want 2", stats.KnownBadIPs)
	}

	feed.err = errors.New("feed down")
	feed.ips = nil
	if _, err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload with failing feed: %v", err)
	}
	if src, ok := tables.Load().LookupKnownBad(netip.MustParseAddr("198.51.100.7")); !ok || src != "otx:pulse" {
		t.Errorf("failed feed should keep cached indicators, got %q %v", src, ok)
	}
	if swaps != 2 {
		t.Errorf("swaps = %d, want 2", swaps)
	}
}

// TestReloader_BadFileKeepsSnapshot verifies a broken lookup file leaves
// the current snapshot installed.
func TestReloader_BadFileKeepsSnapshot(t *testing.T) {
	current := NewSnapshot(nil, []BadEntry{{Prefix: netip.MustParsePrefix("192.0.2.1/32"), Source: "old"}})
	tables := NewTables(current)
	r := NewReloader(ReloaderConfig{LookupPath: filepath.Join(t.TempDir(), "missing.yaml")}, tables, nil, nil)

	if _, err := r.Reload(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
	if tables.Load() != current {
		t.Error("snapshot should not change on failed reload")
	}
}
