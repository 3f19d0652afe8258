package enrichment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloaderConfig controls snapshot rebuilding.
type ReloaderConfig struct {
	LookupPath   string        `yaml:"lookup_path"`
	Interval     time.Duration `yaml:"reload_interval"`
	FeedLookback time.Duration `yaml:"feed_lookback"`
}

// Reloader rebuilds the lookup snapshot from the lookup file and indicator
// feeds and swaps it into Tables. Feed I/O happens here only, never on the
// event path.
type Reloader struct {
	config ReloaderConfig
	tables *Tables
	feeds  []IndicatorFeed
	logger *zap.Logger

	mu        sync.Mutex
	feedCache map[string][]BadEntry
	onSwap    func(SnapshotStats)
}

// NewReloader creates a reloader. logger may be nil.
func NewReloader(cfg ReloaderConfig, tables *Tables, feeds []IndicatorFeed, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		config:    cfg,
		tables:    tables,
		feeds:     feeds,
		logger:    logger,
		feedCache: make(map[string][]BadEntry),
	}
}

// OnSwap registers a callback invoked after each successful swap.
func (r *Reloader) OnSwap(fn func(SnapshotStats)) {
	r.mu.Lock()
	r.onSwap = fn
	r.mu.Unlock()
}

// Reload builds and installs a new snapshot. A lookup file error aborts the
// reload and leaves the current snapshot in place; a feed error keeps that
// feed's previously fetched indicators.
func (r *Reloader) Reload(ctx context.Context) (SnapshotStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var geo []GeoEntry
	var bad []BadEntry
	if r.config.LookupPath != "" {
		g, b, err := LoadLookupFile(r.config.LookupPath)
		if err != nil {
			return SnapshotStats{}, fmt.Errorf("reloading lookup tables: %w", err)
		}
		geo, bad = g, b
	}

	lookback := r.config.FeedLookback
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	since := time.Now().Add(-lookback)

	for _, feed := range r.feeds {
		indicators, err := feed.FetchIPs(ctx, since)
		if err != nil {
			r.logger.Warn("indicator feed fetch failed, keeping previous indicators",
				zap.String("feed", feed.Name()),
				zap.Int("cached", len(r.feedCache[feed.Name()])),
				zap.Error(err),
			)
			continue
		}
		entries := make([]BadEntry, 0, len(indicators))
		for _, ind := range indicators {
			p, err := ParsePrefix(ind.Value)
			if err != nil {
				continue
			}
			src := ind.Source
			if src == "" {
				src = feed.Name()
			}
			entries = append(entries, BadEntry{Prefix: p, Source: src})
		}
		r.feedCache[feed.Name()] = entries
	}
	for _, feed := range r.feeds {
		bad = append(bad, r.feedCache[feed.Name()]...)
	}

	snap := NewSnapshot(geo, bad)
	r.tables.Swap(snap)
	stats := snap.Stats()

	r.logger.Info("lookup tables swapped",
		zap.Int("geo_prefixes", stats.GeoPrefixes),
		zap.Int("known_bad_ips", stats.KnownBadIPs),
		zap.Int("known_bad_networks", stats.KnownBadNetworks),
	)
	if r.onSwap != nil {
		r.onSwap(stats)
	}
	return stats, nil
}

// Run reloads on the configured interval until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) {
	if r.config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reload(ctx); err != nil {
				r.logger.Error("periodic lookup reload failed", zap.Error(err))
			}
		}
	}
}
