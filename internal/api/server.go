// Package api serves the minisoc HTTP surface: line ingestion, Splunk HEC
// compatibility, and read-only alert and pipeline queries.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/api/gateway"
	"github.com/lvonguyen/minisoc/internal/enrichment"
	"github.com/lvonguyen/minisoc/internal/mitre"
	"github.com/lvonguyen/minisoc/internal/observability"
	"github.com/lvonguyen/minisoc/internal/pipeline"
	"github.com/lvonguyen/minisoc/internal/splunk"
	"github.com/lvonguyen/minisoc/internal/store"
	"github.com/lvonguyen/minisoc/internal/timeline"
)

// SourceHeader names the feed for ingest requests.
const SourceHeader = "X-Minisoc-Source"

// Config holds HTTP server settings.
type Config struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"` // after decompression
	MaxLines        int           `yaml:"max_lines"`
	PushTimeout     time.Duration `yaml:"push_timeout"`
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    10 << 20,
		MaxLines:        10000,
		PushTimeout:     2 * time.Second,
	}
}

// Ingester accepts lines and reports pipeline counters.
type Ingester interface {
	Ingest(ctx context.Context, source string, lines []pipeline.Line) (int, error)
	Stats() pipeline.Stats
}

// DetectorLister lists active detectors.
type DetectorLister interface {
	DetectorIDs() []string
}

// Deps are the components the server exposes. Timeline, Pipeline and
// Telemetry are required; the rest may be nil.
type Deps struct {
	Pipeline  Ingester
	Timeline  *timeline.Timeline
	Store     store.Store
	Detectors DetectorLister
	Attack    *mitre.AttackFramework
	Tables    *enrichment.Tables
	Reloader  *enrichment.Reloader
	Limiter   *gateway.RateLimiter
	HEC       *splunk.Receiver
	Telemetry *observability.Telemetry
	Version   string
	Logger    *zap.Logger
}

// Server is the HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	router chi.Router
	http   *http.Server
}

// NewServer builds the router.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Attack == nil {
		deps.Attack = mitre.NewAttackFramework()
	}
	if deps.Tables == nil {
		deps.Tables = enrichment.NewTables(nil)
	}
	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      otelhttp.NewHandler(s.router, "minisoc.api", otelhttp.WithSpanNameFormatter(spanName)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.deps.Telemetry.HTTPMiddleware(routePattern))
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.deps.Telemetry.MetricsHandler())

	limit := func(next http.Handler) http.Handler { return next }
	if s.deps.Limiter != nil {
		limit = s.deps.Limiter.Middleware(sourceOf)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(decompress, limit).Post("/ingest", s.handleIngest)

		r.Get("/alerts", s.handleAlerts)
		r.Get("/alerts/summary", s.handleSummary)
		r.Get("/alerts/{key}", s.handleAlert)
		r.Get("/events/recent", s.handleRecentEvents)
		r.Get("/detectors", s.handleDetectors)
		r.Get("/stats", s.handleStats)
		r.Post("/enrichment/reload", s.handleReload)
	})

	if s.deps.HEC != nil {
		r.Group(func(r chi.Router) {
			r.Use(decompress, limit)
			s.deps.HEC.Routes(r)
		})
	}
	return r
}

// Handler returns the root handler, including tracing.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func spanName(op string, r *http.Request) string {
	return op + " " + r.Method
}

func sourceOf(r *http.Request) string {
	if s := r.Header.Get(SourceHeader); s != "" {
		return s
	}
	return r.URL.Query().Get("source")
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
