package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lvonguyen/minisoc/internal/report"
	"github.com/lvonguyen/minisoc/internal/store"
	"github.com/lvonguyen/minisoc/internal/telemetry"
	"github.com/lvonguyen/minisoc/internal/timeline"
)

const defaultServer = "http://localhost:8080"

func runAlerts(args []string) error {
	fs := flag.NewFlagSet("alerts", flag.ContinueOnError)
	server := fs.String("server", defaultServer, "Server base URL")
	since := fs.Duration("since", 24*time.Hour, "Only alerts last seen within this window (0 for all)")
	detector := fs.String("detector", "", "Filter by detector ID")
	entity := fs.String("entity", "", "Filter by entity")
	minSev := fs.String("min-severity", "", "Minimum severity: low, medium, high, critical")
	limit := fs.Int("limit", 50, "Maximum alerts to list (0 for all)")
	asJSON := fs.Bool("json", false, "Print alerts as JSON")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f := timeline.Filter{DetectorID: *detector, Entity: *entity, Limit: *limit}
	if *minSev != "" {
		sev, ok := telemetry.ParseSeverity(*minSev)
		if !ok {
			return fmt.Errorf("invalid -min-severity %q", *minSev)
		}
		f.MinSeverity = sev
	}
	var rng timeline.Range
	if *since > 0 {
		rng.From = time.Now().Add(-*since)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	alerts, err := newAPIClient(*server, *timeout).Query(ctx, rng, f)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(os.Stdout, alerts)
	}
	renderAlerts(os.Stdout, alerts)
	return nil
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	server := fs.String("server", "", "Read alerts from this server")
	configPath := fs.String("config", "", "Read alerts from the configured store instead of a server")
	day := fs.String("day", "", "Day to report, YYYY-MM-DD (defaults to today)")
	tz := fs.String("tz", "Local", "Time zone that defines the day")
	out := fs.String("out", "", "Write the report to this file instead of stdout")
	asJSON := fs.Bool("json", false, "Write the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		return fmt.Errorf("-tz: %w", err)
	}
	when := time.Now().In(loc)
	if *day != "" {
		if when, err = time.ParseInLocation(time.DateOnly, *day, loc); err != nil {
			return fmt.Errorf("-day: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var src report.AlertSource
	switch {
	case *server != "":
		src = newAPIClient(*server, 30*time.Second)
	case *configPath != "":
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		st, err := store.Open(ctx, cfg.Store, nil)
		if err != nil {
			return err
		}
		defer st.Close()
		y, m, d := when.Date()
		tl := timeline.New(st, nil)
		if _, err := tl.Load(ctx, time.Date(y, m, d, 0, 0, 0, 0, loc)); err != nil {
			return err
		}
		src = tl
	default:
		src = newAPIClient(defaultServer, 30*time.Second)
	}

	rep, err := report.Build(ctx, src, when, loc)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if *asJSON {
		return writeJSON(w, rep)
	}
	return report.RenderMarkdown(w, rep)
}
