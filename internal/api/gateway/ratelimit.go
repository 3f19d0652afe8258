// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/minisoc/internal/observability"
)

// fixedWindow increments the per-window counter and returns it with the
// remaining TTL in milliseconds.
var fixedWindow = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// RateLimiter limits ingest requests per source. With Redis configured the
// limit is a shared fixed window; otherwise, or when Redis fails, each
// process applies a token bucket.
type RateLimiter struct {
	redis       redis.UniversalClient
	logger      *zap.Logger
	metrics     *observability.Metrics
	config      RateLimitConfig
	localLimits sync.Map // source -> *rate.Limiter
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled           bool                    `yaml:"enabled"`
	RequestsPerMinute int                     `yaml:"requests_per_minute"`
	BurstSize         int                     `yaml:"burst_size"`
	Sources           map[string]SourceLimits `yaml:"sources"`
	IncludeHeaders    bool                    `yaml:"include_headers"`
	KeyPrefix         string                  `yaml:"key_prefix"`
}

// SourceLimits overrides the defaults for one source.
type SourceLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// DefaultRateLimitConfig returns the default limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 600,
		BurstSize:         100,
		IncludeHeaders:    true,
		KeyPrefix:         "minisoc",
	}
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Source     string
	Reason     string
}

// NewRateLimiter creates a new rate limiter. redisClient, metrics and
// logger may be nil.
func NewRateLimiter(redisClient redis.UniversalClient, cfg RateLimitConfig, metrics *observability.Metrics, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRateLimitConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = DefaultRateLimitConfig().BurstSize
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRateLimitConfig().KeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:   redisClient,
		logger:  logger,
		metrics: metrics,
		config:  cfg,
	}
}

func (rl *RateLimiter) limitsFor(source string) SourceLimits {
	l := SourceLimits{RequestsPerMinute: rl.config.RequestsPerMinute, BurstSize: rl.config.BurstSize}
	if o, ok := rl.config.Sources[source]; ok {
		if o.RequestsPerMinute > 0 {
			l.RequestsPerMinute = o.RequestsPerMinute
		}
		if o.BurstSize > 0 {
			l.BurstSize = o.BurstSize
		}
	}
	return l
}

// Check performs a rate limit check for a source.
func (rl *RateLimiter) Check(ctx context.Context, source string) *RateLimitResult {
	limits := rl.limitsFor(source)
	if rl.redis == nil {
		return rl.checkLocal(source, limits)
	}

	key := fmt.Sprintf("%s:ratelimit:%s:minute", rl.config.KeyPrefix, source)
	vals, err := fixedWindow.Run(ctx, rl.redis, []string{key}, 60000).Int64Slice()
	if err != nil || len(vals) != 2 {
		rl.logger.Warn("Rate limit check failed, using local limiter", zap.String("source", source), zap.Error(err))
		return rl.checkLocal(source, limits)
	}

	current, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	if ttl < 0 {
		ttl = time.Minute
	}
	res := &RateLimitResult{
		Allowed:   current <= limits.RequestsPerMinute,
		Remaining: max(limits.RequestsPerMinute-current, 0),
		Limit:     limits.RequestsPerMinute,
		ResetAt:   time.Now().Add(ttl),
		Source:    source,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		res.Reason = "Rate limit exceeded"
	}
	return res
}

func (rl *RateLimiter) checkLocal(source string, limits SourceLimits) *RateLimitResult {
	v, _ := rl.localLimits.LoadOrStore(source,
		rate.NewLimiter(rate.Limit(float64(limits.RequestsPerMinute)/60), limits.BurstSize))
	lim := v.(*rate.Limiter)

	now := time.Now()
	res := &RateLimitResult{Limit: limits.RequestsPerMinute, Source: source}
	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		res.RetryAfter = delay
		res.ResetAt = now.Add(delay)
		res.Reason = "Rate limit exceeded"
		return res
	}
	res.Allowed = true
	res.Remaining = int(math.Max(0, math.Floor(lim.TokensAt(now))))
	res.ResetAt = now
	return res
}

// Middleware returns an HTTP middleware for rate limiting. getSource names
// the bucket; the client IP is used when it returns "".
func (rl *RateLimiter) Middleware(getSource func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			source := getSource(r)
			if source == "" {
				source = getClientIP(r)
			}

			result := rl.Check(r.Context(), source)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				if rl.metrics != nil {
					rl.metrics.RateLimited.WithLabelValues(source).Inc()
				}
				retry := int(math.Ceil(result.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":%q,"retry_after":%d}`, result.Reason, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
