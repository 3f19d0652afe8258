package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/minisoc/internal/api"
	"github.com/lvonguyen/minisoc/internal/api/gateway"
	"github.com/lvonguyen/minisoc/internal/config"
	"github.com/lvonguyen/minisoc/internal/enrichment"
	"github.com/lvonguyen/minisoc/internal/mitre"
	"github.com/lvonguyen/minisoc/internal/notify"
	"github.com/lvonguyen/minisoc/internal/observability"
	"github.com/lvonguyen/minisoc/internal/pipeline"
	"github.com/lvonguyen/minisoc/internal/splunk"
	"github.com/lvonguyen/minisoc/internal/store"
	"github.com/lvonguyen/minisoc/internal/telemetry/normalization"
	"github.com/lvonguyen/minisoc/internal/timeline"
	"github.com/lvonguyen/minisoc/internal/transport/natsbus"
)

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file (defaults apply when empty)")
	addr := fs.String("addr", "", "Listen address, overrides server.addr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	tel, err := observability.New(cfg.Observability)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	logger := tel.Logger()
	defer logger.Sync() //nolint:errcheck

	logger.Info("Starting minisoc",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", *configPath),
		zap.Strings("outputs", cfg.Outputs()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServerStack(ctx, cfg, tel)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}
	return srv.run(ctx)
}

// serverStack holds every long-lived component of the server so that
// shutdown can stop them in dependency order.
type serverStack struct {
	cfg      *config.Config
	tel      *observability.Telemetry
	logger   *zap.Logger
	store    *store.Resilient
	reloader *enrichment.Reloader
	router   *notify.Router
	coord    *pipeline.Coordinator
	nc       *nats.Conn
	sub      *natsbus.Subscriber
	limiter  *redis.Client
	api      *api.Server
}

func newServerStack(ctx context.Context, cfg *config.Config, tel *observability.Telemetry) (_ *serverStack, err error) {
	logger := tel.Logger()
	metrics := tel.Metrics()
	s := &serverStack{cfg: cfg, tel: tel, logger: logger}
	defer func() {
		if err != nil {
			s.closePartial()
		}
	}()

	s.store, err = store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	s.store.SetDropCounter(metrics.StoreDropped)

	tl := timeline.New(s.store, logger)
	var since time.Time
	if cfg.Pipeline.Retention > 0 {
		since = time.Now().Add(-cfg.Pipeline.Retention)
	}
	if n, err := tl.Load(ctx, since); err != nil {
		logger.Warn("Failed to restore alert timeline", zap.Error(err))
	} else {
		logger.Info("Alert timeline restored", zap.Int("alerts", n))
	}

	tables := enrichment.NewTables(nil)
	s.reloader = enrichment.NewReloader(cfg.Enrichment.ReloaderConfig, tables, buildFeeds(cfg, logger), logger)
	s.reloader.OnSwap(func(st enrichment.SnapshotStats) {
		metrics.EnrichmentReloads.WithLabelValues("ok").Inc()
		metrics.EnrichmentEntries.WithLabelValues("geo").Set(float64(st.GeoPrefixes))
		metrics.EnrichmentEntries.WithLabelValues("bad_ip").Set(float64(st.KnownBadIPs))
		metrics.EnrichmentEntries.WithLabelValues("bad_network").Set(float64(st.KnownBadNetworks))
	})
	if _, err := s.reloader.Reload(ctx); err != nil {
		metrics.EnrichmentReloads.WithLabelValues("error").Inc()
		return nil, err
	}

	engine, scorer, err := buildDetection(cfg, logger)
	if err != nil {
		return nil, err
	}

	var sender *splunk.Sender
	if cfg.Notify.HEC {
		if sender, err = splunk.NewSender(cfg.Splunk.Sender); err != nil {
			return nil, fmt.Errorf("splunk sender: %w", err)
		}
	}
	if cfg.Notify.NATS || cfg.NATS.Enabled {
		if s.nc, err = natsbus.Connect(cfg.NATS, logger); err != nil {
			return nil, err
		}
	}
	s.router, err = notify.NewRouter(cfg.Notify.RouterConfig, buildNotifier(cfg, os.Stdout, sender, s.nc), metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("notify router: %w", err)
	}
	// Deliveries outlive the signal context so queued alerts drain on shutdown.
	s.router.Start(context.Background())

	attack := mitre.NewAttackFramework()
	proc, err := pipeline.NewProcessor(pipeline.ProcessorDeps{
		Tables:    tables,
		Engine:    engine,
		Scorer:    scorer,
		Timeline:  tl,
		Store:     s.store,
		Notifier:  s.router,
		Attack:    attack,
		Metrics:   metrics,
		Tracer:    tel.Tracer(),
		Logger:    logger,
		Retention: cfg.Pipeline.Retention,
	})
	if err != nil {
		return nil, err
	}
	s.coord, err = pipeline.NewCoordinator(cfg.Pipeline, normalization.NewNormalizer(cfg.Normalization), proc, logger)
	if err != nil {
		return nil, err
	}
	s.coord.Start(context.Background())

	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled {
		var rc redis.UniversalClient
		if cfg.RateLimit.Redis {
			s.limiter = redis.NewClient(&redis.Options{
				Addr:     cfg.Store.Redis.Addr,
				Password: os.Getenv(cfg.Store.Redis.PasswordEnv),
				DB:       cfg.Store.Redis.DB,
			})
			rc = s.limiter
		}
		limiter = gateway.NewRateLimiter(rc, cfg.RateLimit.RateLimitConfig, metrics, logger)
	}

	var hec *splunk.Receiver
	if cfg.Splunk.Receiver.Enabled {
		hec = splunk.NewReceiver(cfg.Splunk.Receiver, api.HECSink(s.coord, cfg.Server.PushTimeout), logger)
	}

	if cfg.NATS.Enabled {
		s.sub = natsbus.NewSubscriber(cfg.NATS, s.coord, logger)
		if err := s.sub.Subscribe(s.nc); err != nil {
			return nil, err
		}
	}

	s.api = api.NewServer(cfg.Server, api.Deps{
		Pipeline:  s.coord,
		Timeline:  tl,
		Store:     s.store,
		Detectors: engine,
		Attack:    attack,
		Tables:    tables,
		Reloader:  s.reloader,
		Limiter:   limiter,
		HEC:       hec,
		Telemetry: s.tel,
		Version:   Version,
		Logger:    logger,
	})
	return s, nil
}

// run serves until ctx ends or a component fails, then shuts down.
func (s *serverStack) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.api.ListenAndServe)
	g.Go(func() error {
		s.reloader.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.store.Run(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.coord.Done():
			return fmt.Errorf("pipeline stopped unexpectedly")
		}
	})
	s.tel.StartSystemMetricsCollector(gctx)

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down")
		return s.shutdown()
	})
	return g.Wait()
}

// shutdown stops intake first, then drains the pipeline, notifications and
// store in that order.
func (s *serverStack) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, s.api.Shutdown(ctx))
	if s.sub != nil {
		errs = multierr.Append(errs, s.sub.Close())
	}
	errs = multierr.Append(errs, s.coord.Close(ctx))
	s.router.Close()
	errs = multierr.Append(errs, s.store.Drain(ctx))
	s.closePartial()
	errs = multierr.Append(errs, s.tel.Shutdown(ctx))

	if errs != nil {
		s.logger.Error("Shutdown finished with errors", zap.Error(errs))
	} else {
		s.logger.Info("Server stopped")
	}
	return errs
}

// closePartial releases connections. It is safe on a partially built stack.
func (s *serverStack) closePartial() {
	if s.nc != nil {
		s.nc.Close()
	}
	if s.limiter != nil {
		_ = s.limiter.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}
