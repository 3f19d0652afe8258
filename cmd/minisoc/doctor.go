package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/config"
	"github.com/lvonguyen/minisoc/internal/enrichment"
	"github.com/lvonguyen/minisoc/internal/store"
	"github.com/lvonguyen/minisoc/internal/telemetry/correlation"
	"github.com/lvonguyen/minisoc/internal/telemetry/ingestion"
)

var errChecksFailed = errors.New("one or more checks failed")

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	server := fs.String("server", "", "Also check this server's /health endpoint")
	online := fs.Bool("online", false, "Connect to the store and threat intel feeds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w := os.Stdout
	failed := false
	report := func(ok bool, name, detail string) {
		check(w, ok, name, detail)
		if !ok {
			failed = true
		}
	}

	var cfg *config.Config
	if *configPath == "" {
		cfg = config.DefaultConfig()
		report(true, "config", "no file given, using defaults")
	} else {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			for _, e := range multierr.Errors(err) {
				report(false, "config", e.Error())
			}
			return errChecksFailed
		}
		report(true, "config", *configPath)
	}

	d := ingestion.PickAuthSource(cfg.Agent.LogPath)
	report(d.Readable, "auth log", fmt.Sprintf("%s (%s)", d.Path, d.Reason))

	if detectors, err := correlation.BuildDetectors(cfg.Detection); err != nil {
		report(false, "detectors", err.Error())
	} else {
		ids := make([]string, len(detectors))
		for i, det := range detectors {
			ids[i] = det.ID()
		}
		report(len(ids) > 0, "detectors", strings.Join(ids, ", "))
	}
	if cfg.Enrichment.LookupPath != "" {
		geo, bad, err := enrichment.LoadLookupFile(cfg.Enrichment.LookupPath)
		if err != nil {
			report(false, "lookup file", err.Error())
		} else {
			report(true, "lookup file", fmt.Sprintf("%d geo prefixes, %d known-bad entries", len(geo), len(bad)))
		}
	}

	envCheck := func(name, env string) {
		if os.Getenv(env) == "" {
			report(false, name, env+" is not set")
		} else {
			report(true, name, env+" is set")
		}
	}
	if cfg.Splunk.Receiver.Enabled {
		envCheck("hec receiver", cfg.Splunk.Receiver.TokenEnv)
	}
	if cfg.Notify.HEC {
		envCheck("hec sender", cfg.Splunk.Sender.TokenEnv)
	}
	if cfg.Enrichment.MISP.Enabled {
		envCheck("misp", cfg.Enrichment.MISP.APIKey)
	}
	if cfg.Enrichment.OTX.Enabled {
		envCheck("otx", cfg.Enrichment.OTX.APIKey)
	}

	if *online {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		st, err := store.Open(ctx, cfg.Store, nil)
		if err == nil {
			err = st.Ping(ctx)
			_ = st.Close()
		}
		report(err == nil, "store", describe(cfg.Store.Backend, err))
		for _, feed := range buildFeeds(cfg, zap.NewNop()) {
			err := feed.HealthCheck(ctx)
			report(err == nil, feed.Name(), describe("reachable", err))
		}
	}

	if *server != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var health struct {
			Status  string `json:"status"`
			Version string `json:"version"`
		}
		err := newAPIClient(*server, 5*time.Second).get(ctx, "/health", &health)
		report(err == nil, "server", describe(fmt.Sprintf("%s version %s", health.Status, health.Version), err))
	}

	if failed {
		return errChecksFailed
	}
	return nil
}

func describe(ok string, err error) string {
	if err != nil {
		return err.Error()
	}
	return ok
}
