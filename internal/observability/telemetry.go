// Package observability wires the process-wide logger, Prometheus registry
// and OpenTelemetry tracer.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Telemetry owns the logger, tracer and metrics of one minisoc process.
type Telemetry struct {
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	registry *prometheus.Registry

	closeOnce sync.Once
	closers   []func(context.Context) error
}

// Config configures telemetry.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console

	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	SamplingRate   float64 `yaml:"sampling_rate"`

	MetricsEnabled bool `yaml:"metrics_enabled"` // exposes /metrics
}

// DefaultConfig returns JSON logs at info, metrics exposed and tracing off.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "minisoc",
		ServiceVersion: "dev",
		Environment:    "local",
		LogLevel:       "info",
		LogFormat:      "json",
		OTLPEndpoint:   "localhost:4317",
		OTLPInsecure:   true,
		SamplingRate:   1.0,
		MetricsEnabled: true,
	}
}

// New builds telemetry on a private registry. A tracer that cannot be set
// up is logged and replaced by the global no-op tracer.
func New(cfg Config) (*Telemetry, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	t := &Telemetry{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	if cfg.TracingEnabled {
		if err := t.startTracing(context.Background()); err != nil {
			logger.Warn("Tracing disabled", zap.String("endpoint", cfg.OTLPEndpoint), zap.Error(err))
		}
	}
	t.tracer = otel.Tracer(cfg.ServiceName)

	if cfg.MetricsEnabled {
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	t.metrics = NewMetrics(t.registry)
	return t, nil
}

// NewLogger builds a zap logger writing to stderr. Console format is meant
// for terminals and CLI subcommands.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level := zap.InfoLevel
	if cfg.LogLevel != "" {
		l, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("observability: %w", err)
		}
		level = l
	}

	var zc zap.Config
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.InitialFields = map[string]interface{}{"service": cfg.ServiceName}
	if cfg.ServiceVersion != "" {
		zc.InitialFields["version"] = cfg.ServiceVersion
	}
	if cfg.Environment != "" {
		zc.InitialFields["environment"] = cfg.Environment
	}
	return zc.Build()
}

// startTracing installs an OTLP gRPC exporter as the global provider.
func (t *Telemetry) startTracing(ctx context.Context) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(t.config.OTLPEndpoint)}
	if t.config.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(t.config.ServiceName),
		semconv.ServiceVersion(t.config.ServiceVersion),
		attribute.String("environment", t.config.Environment),
	))
	if err != nil {
		return fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(t.config.SamplingRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	t.closers = append(t.closers, tp.Shutdown)
	return nil
}

// Logger returns the process logger.
func (t *Telemetry) Logger() *zap.Logger { return t.logger }

// Tracer returns the process tracer.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Metrics returns the minisoc collectors.
func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// MetricsHandler serves the private registry, or 404 when metrics are off.
func (t *Telemetry) MetricsHandler() http.Handler {
	if !t.config.MetricsEnabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// StartSystemMetricsCollector samples goroutines and heap every 15s until
// ctx ends.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				t.metrics.MemoryUsage.Set(float64(m.Alloc))
			}
		}
	}()
}

// HTTPMiddleware counts requests and observes latency by route pattern.
func (t *Telemetry) HTTPMiddleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			path := route(r)
			t.metrics.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			t.metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Shutdown flushes the tracer provider and the logger. Later calls are
// no-ops.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		for _, fn := range t.closers {
			err = multierr.Append(err, fn(ctx))
		}
		_ = t.logger.Sync()
	})
	return err
}
