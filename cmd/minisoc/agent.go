package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/minisoc/internal/agent"
	"github.com/lvonguyen/minisoc/internal/observability"
	"github.com/lvonguyen/minisoc/internal/pipeline"
	"github.com/lvonguyen/minisoc/internal/telemetry/ingestion"
	"github.com/lvonguyen/minisoc/internal/telemetry/normalization"
)

func runAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	server := fs.String("server", "", "Server base URL, overrides agent.server_url")
	source := fs.String("source", "", "Feed name, defaults to the hostname")
	logPath := fs.String("log", "", "Auth log to follow, defaults to the first readable candidate")
	fromStart := fs.Bool("from-start", false, "Ship existing file content before following")
	dryRun := fs.Bool("dry-run", false, "Print lines instead of shipping them")
	suspiciousLog := fs.String("suspicious-log", "", "Append local brute-force records to this JSONL file, overrides agent.suspicious.path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ac := cfg.Agent
	if *server != "" {
		ac.ServerURL = *server
	}
	if *source != "" {
		ac.Source = *source
	}
	if *logPath != "" {
		ac.LogPath = *logPath
	}
	if *fromStart {
		ac.FromStart = true
	}
	if *suspiciousLog != "" {
		ac.Suspicious.Path = *suspiciousLog
	}
	if ac.Source == "" {
		if ac.Source, err = os.Hostname(); err != nil {
			return fmt.Errorf("resolving hostname: %w", err)
		}
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	decision := ingestion.PickAuthSource(ac.LogPath)
	if !decision.Readable {
		return fmt.Errorf("%s: %s", decision.Path, decision.Reason)
	}
	logger.Info("Agent starting",
		zap.String("path", decision.Path),
		zap.String("reason", decision.Reason),
		zap.String("source", ac.Source),
		zap.String("server", ac.ServerURL),
	)

	follower := ingestion.NewFollower(ingestion.FollowerConfig{
		Path:         decision.Path,
		Source:       ac.Source,
		FromStart:    ac.FromStart,
		PollInterval: ac.PollInterval,
	}, logger)

	var shipper *agent.Shipper
	if !*dryRun {
		if shipper, err = agent.New(ac.Config, logger); err != nil {
			return err
		}
	}

	var tracker *agent.SuspiciousTracker
	if ac.Suspicious.Path != "" {
		if tracker, err = agent.NewSuspiciousTracker(ac.Suspicious, ac.Source, normalization.NewNormalizer(cfg.Normalization), logger); err != nil {
			return err
		}
		defer tracker.Close() //nolint:errcheck
		logger.Info("Suspicious log enabled",
			zap.String("path", ac.Suspicious.Path),
			zap.Duration("window", ac.Suspicious.Window),
			zap.Int("threshold", ac.Suspicious.Threshold))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	followed := make(chan pipeline.Line, 2*max(ac.BatchSize, 1))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(followed)
		return follower.Run(gctx, followed)
	})

	lines := followed
	if tracker != nil {
		tapped := make(chan pipeline.Line, cap(followed))
		g.Go(func() error { return tracker.Tap(gctx, followed, tapped) })
		lines = tapped
	}

	if *dryRun {
		g.Go(func() error {
			for l := range lines {
				fmt.Printf("%s\t%s\n", ac.Source, l.Text)
			}
			return nil
		})
		return g.Wait()
	}

	g.Go(func() error { return shipper.Run(gctx, lines) })
	err = g.Wait()

	st := shipper.Stats()
	logger.Info("Agent stopped",
		zap.Int64("lines_sent", st.LinesSent),
		zap.Int64("lines_rejected", st.LinesRejected),
		zap.Int64("retries", st.Retries),
	)
	return err
}
