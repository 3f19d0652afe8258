package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/minisoc/internal/agent"
	"github.com/lvonguyen/minisoc/internal/config"
	"github.com/lvonguyen/minisoc/internal/enrichment"
	"github.com/lvonguyen/minisoc/internal/notify"
	"github.com/lvonguyen/minisoc/internal/observability"
	"github.com/lvonguyen/minisoc/internal/pipeline"
	"github.com/lvonguyen/minisoc/internal/telemetry/ingestion"
	"github.com/lvonguyen/minisoc/internal/telemetry/normalization"
	"github.com/lvonguyen/minisoc/internal/timeline"
)

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file for detector and lookup settings")
	server := fs.String("server", "", "Post the scenario to this server instead of replaying locally")
	delay := fs.Duration("delay", 0, "Pause between posted lines in -server mode")
	observed := fs.String("observed", "", "Observation time (RFC3339) for records without ts; defaults to now")
	asJSON := fs.Bool("json", false, "Print the replay result as JSON")
	notifyOut := fs.Bool("notify", false, "Route alerts through the configured outputs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: minisoc replay [flags] <scenario.jsonl>")
	}

	recs, err := ingestion.ReadScenarioFile(fs.Arg(0))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	obs := time.Now().UTC()
	if *observed != "" {
		if obs, err = time.Parse(time.RFC3339, *observed); err != nil {
			return fmt.Errorf("-observed: %w", err)
		}
	}

	if *server != "" {
		return postScenario(cfg, *server, recs, *delay)
	}
	return replayLocal(cfg, recs, obs, *asJSON, *notifyOut)
}

// replayLocal runs the scenario through an in-memory pipeline. Nothing is
// persisted and nothing is pruned, so old scenarios keep their alerts.
func replayLocal(cfg *config.Config, recs []ingestion.Record, observedAt time.Time, asJSON, routeAlerts bool) error {
	logCfg := cfg.Observability
	logCfg.LogLevel = "warn"
	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	tables := enrichment.NewTables(nil)
	if cfg.Enrichment.LookupPath != "" {
		r := enrichment.NewReloader(enrichment.ReloaderConfig{LookupPath: cfg.Enrichment.LookupPath}, tables, nil, logger)
		if _, err := r.Reload(ctx); err != nil {
			return err
		}
	}

	engine, scorer, err := buildDetection(cfg, logger)
	if err != nil {
		return err
	}
	deps := pipeline.ProcessorDeps{
		Tables:   tables,
		Engine:   engine,
		Scorer:   scorer,
		Timeline: timeline.New(nil, logger),
		Logger:   logger,
	}
	var router *notify.Router
	if routeAlerts {
		if router, err = notify.NewRouter(cfg.Notify.RouterConfig, buildNotifier(cfg, os.Stdout, nil, nil), nil, logger); err != nil {
			return err
		}
		router.Start(ctx)
		deps.Notifier = router
	}
	proc, err := pipeline.NewProcessor(deps)
	if err != nil {
		return err
	}

	res, err := pipeline.Replay(ctx, proc, normalization.NewNormalizer(cfg.Normalization), ingestion.RawLines(recs, observedAt))
	if router != nil {
		router.Close()
	}
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(os.Stdout, res)
	}
	fmt.Printf("%s %d lines, %d events, %d findings, flushed at %s\n",
		colorBold("Replay:"), len(recs), res.Events, len(res.Findings), res.FlushedAt.UTC().Format(time.RFC3339))
	renderAlerts(os.Stdout, res.Alerts)
	return nil
}

// postScenario sends each record to a running server in file order, one
// request per line, so the server's live ordering is exercised.
func postScenario(cfg *config.Config, server string, recs []ingestion.Record, delay time.Duration) error {
	ctx := context.Background()
	shippers := make(map[string]*agent.Shipper)
	sent := 0
	for i, rec := range recs {
		s, ok := shippers[rec.Source]
		if !ok {
			ac := cfg.Agent.Config
			ac.ServerURL = server
			ac.Source = rec.Source
			ac.Gzip = false
			ac.MaxRetries = 3
			var err error
			if s, err = agent.New(ac, nil); err != nil {
				return err
			}
			shippers[rec.Source] = s
		}
		if err := s.Ship(ctx, []pipeline.Line{{Text: rec.Line, ObservedAt: rec.TS}}); err != nil {
			return fmt.Errorf("record %d (%s): %w", i+1, rec.Source, err)
		}
		sent++
		if delay > 0 && i < len(recs)-1 {
			time.Sleep(delay)
		}
	}
	fmt.Printf("Posted %d lines from %d sources to %s\n", sent, len(shippers), strings.TrimSuffix(server, "/")+"/api/v1/ingest")
	return nil
}
