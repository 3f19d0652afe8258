package main

import (
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/config"
	"github.com/lvonguyen/minisoc/internal/enrichment"
	"github.com/lvonguyen/minisoc/internal/notify"
	"github.com/lvonguyen/minisoc/internal/scoring"
	"github.com/lvonguyen/minisoc/internal/splunk"
	"github.com/lvonguyen/minisoc/internal/telemetry/correlation"
)

// buildDetection creates the detector engine and scorer from config.
func buildDetection(cfg *config.Config, logger *zap.Logger) (*correlation.Engine, *scoring.Scorer, error) {
	detectors, err := correlation.BuildDetectors(cfg.Detection)
	if err != nil {
		return nil, nil, fmt.Errorf("building detectors: %w", err)
	}
	scorer, err := scoring.NewScorer(cfg.Scoring)
	if err != nil {
		return nil, nil, fmt.Errorf("building scorer: %w", err)
	}
	engine := correlation.NewEngine(detectors...)
	logger.Info("Detection engine ready", zap.Strings("detectors", engine.DetectorIDs()))
	return engine, scorer, nil
}

// buildFeeds creates the enabled threat intel feeds. A feed whose API key
// is missing is skipped with a warning rather than failing startup.
func buildFeeds(cfg *config.Config, logger *zap.Logger) []enrichment.IndicatorFeed {
	var feeds []enrichment.IndicatorFeed
	if cfg.Enrichment.MISP.Enabled {
		f, err := enrichment.NewMISPFeed(cfg.Enrichment.MISP.MISPConfig)
		if err != nil {
			logger.Warn("MISP feed disabled", zap.Error(err))
		} else {
			feeds = append(feeds, f)
		}
	}
	if cfg.Enrichment.OTX.Enabled {
		f, err := enrichment.NewOTXFeed(cfg.Enrichment.OTX.OTXConfig)
		if err != nil {
			logger.Warn("OTX feed disabled", zap.Error(err))
		} else {
			feeds = append(feeds, f)
		}
	}
	return feeds
}

// buildNotifier fans alerts out to the configured outputs. sender and nc
// may be nil when the matching output is off.
func buildNotifier(cfg *config.Config, console io.Writer, sender *splunk.Sender, nc *nats.Conn) notify.Multi {
	var out notify.Multi
	if cfg.Notify.Console {
		out = append(out, notify.NewConsole(console))
	}
	if cfg.Notify.HEC && sender != nil {
		out = append(out, notify.NewHECSender(sender))
	}
	if cfg.Notify.NATS && nc != nil {
		out = append(out, notify.NewNATSPublisher(nc, cfg.NATS.AlertSubject))
	}
	return out
}
