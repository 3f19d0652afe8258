package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })
}

func bySourceHeader(r *http.Request) string { return r.Header.Get("X-Minisoc-Source") }

// =============================================================================
// Redis Fixed Window Tests
// =============================================================================

// TestCheck_RedisFixedWindow verifies the shared counter limits per source.
func TestCheck_RedisFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 3,
		Sources:           map[string]SourceLimits{"vip": {RequestsPerMinute: 10}},
	}, nil, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res := rl.Check(ctx, "web01")
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 2-i, res.Remaining)
	}
	res := rl.Check(ctx, "web01")
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)

	assert.True(t, rl.Check(ctx, "other").Allowed, "sources are independent")
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Check(ctx, "vip").Allowed)
	}
	assert.True(t, mr.Exists("minisoc:ratelimit:web01:minute"))
}

// TestCheck_RedisDownFallsBackToLocal verifies a Redis failure does not
// disable limiting.
func TestCheck_RedisDownFallsBackToLocal(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	rl := NewRateLimiter(client, RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 2}, nil, nil)
	ctx := context.Background()
	assert.True(t, rl.Check(ctx, "a").Allowed)
	assert.True(t, rl.Check(ctx, "a").Allowed)
	assert.False(t, rl.Check(ctx, "a").Allowed)
}

// =============================================================================
// Middleware Tests
// =============================================================================

// TestMiddleware_LocalBucket verifies 429 with Retry-After once the burst is
// spent.
func TestMiddleware_LocalBucket(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2, IncludeHeaders: true}, nil, nil)
	h := rl.Middleware(bySourceHeader)(okHandler())

	send := func(source string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", nil)
		req.Header.Set("X-Minisoc-Source", source)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusAccepted, send("fw").Code)
	rr := send("fw")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("X-RateLimit-Limit"))

	rr = send("fw")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusAccepted, send("other").Code)
}

// TestMiddleware_Disabled verifies a disabled limiter passes everything.
func TestMiddleware_Disabled(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1}, nil, nil)
	h := rl.Middleware(bySourceHeader)(okHandler())
	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusAccepted, rr.Code)
	}
}

// TestGetClientIP verifies header precedence.
func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", getClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	assert.Equal(t, "203.0.113.1", getClientIP(req))
}
