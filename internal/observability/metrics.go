package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "minisoc"

// Metrics holds Prometheus metrics for minisoc
type Metrics struct {
	// Ingestion metrics
	LinesIngested     *prometheus.CounterVec
	EventsNormalized  *prometheus.CounterVec
	Backpressure      *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	ActiveFeeds       prometheus.Gauge
	ReorderBuffered   prometheus.Gauge
	WatermarkLag      prometheus.Gauge
	StalledFeedsTotal prometheus.Counter

	// Detection metrics
	FindingsTotal    *prometheus.CounterVec
	DetectorFailures *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	BatchDuration    prometheus.Histogram

	// Storage metrics
	StoreDropped *prometheus.CounterVec

	// Enrichment metrics
	EnrichmentReloads *prometheus.CounterVec
	EnrichmentEntries *prometheus.GaugeVec

	// Notification metrics
	Notifications           *prometheus.CounterVec
	NotificationsSuppressed prometheus.Counter

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all minisoc metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		LinesIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lines_ingested_total",
				Help:      "Raw lines accepted by source",
			},
			[]string{"source"},
		),
		EventsNormalized: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_normalized_total",
				Help:      "Normalized events by kind and parse outcome",
			},
			[]string{"kind", "parse_ok"},
		),
		Backpressure: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backpressure_rejections_total",
				Help:      "Pushes rejected because the feed stayed full past the deadline",
			},
			[]string{"source"},
		),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Ingest requests rejected by the rate limiter",
			},
			[]string{"source"},
		),
		ActiveFeeds: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feeds_active",
				Help:      "Currently attached feeds",
			},
		),
		ReorderBuffered: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reorder_buffer_events",
				Help:      "Events held in the merge reorder buffer",
			},
		),
		WatermarkLag: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watermark_lag_seconds",
				Help:      "Wall clock minus the merge watermark",
			},
		),
		StalledFeedsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_stalls_total",
				Help:      "Times a feed exceeded the stall grace period",
			},
		),
		FindingsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Findings emitted by detector",
			},
			[]string{"detector"},
		),
		DetectorFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detector_failures_total",
				Help:      "Detector errors and panics by phase",
			},
			[]string{"detector", "phase"},
		),
		AlertsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alert_upserts_total",
				Help:      "Alert upserts by detector and result",
			},
			[]string{"detector", "result"},
		),
		BatchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Processing time per merged batch",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
		),
		StoreDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_dropped_total",
				Help:      "Writes lost because the store buffer was full",
			},
			[]string{"kind"},
		),
		EnrichmentReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichment_reloads_total",
				Help:      "Lookup table reloads by status",
			},
			[]string{"status"},
		),
		EnrichmentEntries: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "enrichment_entries",
				Help:      "Entries in the active lookup snapshot",
			},
			[]string{"table"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notifications sent by notifier and status",
			},
			[]string{"notifier", "status"},
		),
		NotificationsSuppressed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_suppressed_total",
				Help:      "Repeat notifications suppressed",
			},
		),
		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}
