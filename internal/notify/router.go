package notify

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/observability"
	"github.com/lvonguyen/minisoc/internal/telemetry"
	"github.com/lvonguyen/minisoc/internal/timeline"
)

// RouterConfig controls notification routing.
type RouterConfig struct {
	// SuppressTTL is how long after a notification repeats of the same alert
	// stay quiet. Zero disables suppression.
	SuppressTTL time.Duration `yaml:"suppress_ttl"`
	MaxKeys     int           `yaml:"max_keys"`
	QueueSize   int           `yaml:"queue_size"`
}

// DefaultRouterConfig returns the default routing settings.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		SuppressTTL: time.Hour,
		MaxKeys:     10000,
		QueueSize:   1024,
	}
}

type routed struct {
	alert  telemetry.Alert
	result timeline.UpsertResult
}

// Router decides which alert upserts become notifications and delivers them
// from its own goroutine so slow notifiers never stall detection.
//
// Creations and escalations always notify. Plain updates notify only when
// the alert was not notified within SuppressTTL; suppressed repeats are
// counted and reported with the next notification for that alert.
type Router struct {
	cfg      RouterConfig
	notifier Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger

	seen       *expirable.LRU[string, time.Time]
	mu         sync.Mutex
	suppressed *lru.Cache[string, int]

	qmu    sync.RWMutex
	closed bool
	queue  chan routed
	wg     sync.WaitGroup
}

// NewRouter creates a router. metrics and logger may be nil.
func NewRouter(cfg RouterConfig, n Notifier, metrics *observability.Metrics, logger *zap.Logger) (*Router, error) {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultRouterConfig().MaxKeys
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultRouterConfig().QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	suppressed, err := lru.New[string, int](cfg.MaxKeys)
	if err != nil {
		return nil, err
	}
	r := &Router{
		cfg:        cfg,
		notifier:   n,
		metrics:    metrics,
		logger:     logger,
		suppressed: suppressed,
		queue:      make(chan routed, cfg.QueueSize),
	}
	if cfg.SuppressTTL > 0 {
		r.seen = expirable.NewLRU[string, time.Time](cfg.MaxKeys, nil, cfg.SuppressTTL)
	}
	return r, nil
}

// Start launches the delivery goroutine.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.deliverLoop(ctx)
}

// Close stops accepting work and waits for queued notifications.
func (r *Router) Close() {
	r.qmu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.qmu.Unlock()
	r.wg.Wait()
}

// Route queues an upsert for routing. It never blocks; when the queue is
// full the notification is dropped and logged.
func (r *Router) Route(_ context.Context, a telemetry.Alert, result timeline.UpsertResult) {
	r.qmu.RLock()
	defer r.qmu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- routed{alert: a, result: result}:
	default:
		r.count("dropped")
		r.logger.Warn("Notification queue is full", zap.String("dedup_key", a.DedupKey))
	}
}

func (r *Router) deliverLoop(ctx context.Context) {
	defer r.wg.Done()
	for item := range r.queue {
		if n, ok := r.decide(item.alert, item.result); ok {
			r.deliver(ctx, n)
		}
		if len(r.queue) == 0 {
			if f, ok := r.notifier.(Flusher); ok {
				if err := f.Flush(context.WithoutCancel(ctx)); err != nil {
					r.logger.Warn("Notification flush failed", zap.Error(err))
				}
			}
		}
	}
}

func (r *Router) decide(a telemetry.Alert, result timeline.UpsertResult) (Notification, bool) {
	reason := ReasonRepeat
	switch result {
	case timeline.Created:
		reason = ReasonCreated
	case timeline.Escalated:
		reason = ReasonEscalated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if reason == ReasonRepeat && r.seen != nil {
		if _, ok := r.seen.Get(a.DedupKey); ok {
			n, _ := r.suppressed.Get(a.DedupKey)
			n++
			r.suppressed.Add(a.DedupKey, n)
			if r.metrics != nil {
				r.metrics.NotificationsSuppressed.Inc()
			}
			switch n {
			case 10, 25, 50, 100:
				r.logger.Info("Repeat notifications suppressed",
					zap.String("dedup_key", a.DedupKey),
					zap.Int("suppressed", n))
			}
			return Notification{}, false
		}
	}

	n, _ := r.suppressed.Get(a.DedupKey)
	r.suppressed.Remove(a.DedupKey)
	if r.seen != nil {
		r.seen.Add(a.DedupKey, time.Now())
	}
	return Notification{Alert: a, Reason: reason, SuppressedRepeats: n}, true
}

func (r *Router) deliver(ctx context.Context, n Notification) {
	if err := r.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		r.count("error")
		r.logger.Warn("Notification failed",
			zap.String("notifier", r.notifier.Name()),
			zap.String("dedup_key", n.Alert.DedupKey),
			zap.Error(err))
		return
	}
	r.count("sent")
}

func (r *Router) count(status string) {
	if r.metrics != nil {
		r.metrics.Notifications.WithLabelValues(r.notifier.Name(), status).Inc()
	}
}
