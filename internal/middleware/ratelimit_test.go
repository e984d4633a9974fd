package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-market/agent-market/internal/telemetry"
)

// frozenLimiter returns a memory limiter whose clock only moves when advance is called.
func frozenLimiter(t *testing.T, rpm, burst int) (*MemoryLimiter, func(time.Duration)) {
	t.Helper()
	l := NewMemoryLimiter(RateLimitConfig{RequestsPerMinute: rpm, BurstSize: burst})
	t.Cleanup(l.Stop)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, func(d time.Duration) { now = now.Add(d) }
}

func take(t *testing.T, l Limiter, key string) Decision {
	t.Helper()
	d, err := l.Take(context.Background(), key)
	require.NoError(t, err)
	return d
}

func TestRateLimitConfigs(t *testing.T) {
	def := DefaultRateLimitConfig()
	assert.Equal(t, 200, def.RequestsPerMinute)
	assert.Equal(t, 50, def.BurstSize)

	strict := AuthRateLimitConfig()
	assert.Less(t, strict.RequestsPerMinute, def.RequestsPerMinute)
	assert.Less(t, strict.BurstSize, def.BurstSize)
}

func TestMemoryLimiter_BurstThenRefill(t *testing.T) {
	l, advance := frozenLimiter(t, 60, 3)

	for i := 2; i >= 0; i-- {
		d := take(t, l, "0xaa")
		require.True(t, d.Allowed)
		assert.Equal(t, i, d.Remaining)
	}

	d := take(t, l, "0xaa")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	// A rejected request does not consume the next token.
	advance(time.Second)
	assert.True(t, take(t, l, "0xaa").Allowed)
	assert.False(t, take(t, l, "0xaa").Allowed)
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := frozenLimiter(t, 1, 1)
	assert.True(t, take(t, l, "a").Allowed)
	assert.False(t, take(t, l, "a").Allowed)
	assert.True(t, take(t, l, "b").Allowed)
}

func TestMemoryLimiter_ZeroBurstRejects(t *testing.T) {
	l, _ := frozenLimiter(t, 60, 0)
	d := take(t, l, "a")
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)
}

func TestMemoryLimiter_SweepForgetsIdleClients(t *testing.T) {
	l, advance := frozenLimiter(t, 1, 1)
	take(t, l, "idle")
	advance(5 * time.Minute)
	take(t, l, "busy")

	assert.Zero(t, l.sweep(l.now()))

	advance(6 * time.Minute)
	assert.Equal(t, 1, l.sweep(l.now()))
	l.mu.Lock()
	_, idle := l.clients["idle"]
	_, busy := l.clients["busy"]
	l.mu.Unlock()
	assert.False(t, idle)
	assert.True(t, busy)
}

func TestMemoryLimiter_StopIsIdempotent(t *testing.T) {
	l := NewMemoryLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Millisecond})
	l.Stop()
	l.Stop()
}

func TestGetRateLimitKey(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *gin.Context)
		want  string
	}{
		{"account wins", func(c *gin.Context) {
			c.Set(ContextAccount, testOwner)
			c.Set(ContextAPIKeyID, "key-1")
		}, "account:" + testOwner.Hex()},
		{"api key id", func(c *gin.Context) { c.Set(ContextAPIKeyID, "key-1") }, "apikey:key-1"},
		{"empty api key id", func(c *gin.Context) { c.Set(ContextAPIKeyID, "") }, "ip:192.0.2.7"},
		{"ip", func(*gin.Context) {}, "ip:192.0.2.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Request.RemoteAddr = "192.0.2.7:4411"
			tt.setup(c)
			assert.Equal(t, tt.want, getRateLimitKey(c))
		})
	}
}

func rateLimitRouter(l Limiter) func(remote string) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(RateLimitMiddleware(l))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return func(remote string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		r.ServeHTTP(w, req)
		return w
	}
}

func TestRateLimitMiddleware_Memory(t *testing.T) {
	l, _ := frozenLimiter(t, 1, 1)
	send := rateLimitRouter(l)
	before := testutil.ToFloat64(telemetry.RateLimitRejectionsTotal.WithLabelValues("memory"))

	w := send("10.1.0.1:1000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = send("10.1.0.1:1000")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"Rate limit exceeded","retry_after":60}`, w.Body.String())
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.RateLimitRejectionsTotal.WithLabelValues("memory")))

	assert.Equal(t, http.StatusOK, send("10.1.0.2:1000").Code)
}

func redisLimiter(t *testing.T, rpm, burst int) *RedisRateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRateLimiter(client, RateLimitConfig{RequestsPerMinute: rpm, BurstSize: burst}, "test")
}

func TestRedisRateLimiter(t *testing.T) {
	l := redisLimiter(t, 2, 2)
	assert.Equal(t, "redis", l.Backend())
	assert.Equal(t, 2, l.Limit())

	assert.True(t, take(t, l, "client").Allowed)
	assert.True(t, take(t, l, "client").Allowed)
	d := take(t, l, "client")
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)

	assert.True(t, take(t, l, "other").Allowed)
}

func TestRateLimitMiddleware_Redis(t *testing.T) {
	send := rateLimitRouter(redisLimiter(t, 1, 1))
	before := testutil.ToFloat64(telemetry.RateLimitRejectionsTotal.WithLabelValues("redis"))

	require.Equal(t, http.StatusOK, send("10.2.0.1:1000").Code)
	require.Equal(t, http.StatusTooManyRequests, send("10.2.0.1:1000").Code)
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.RateLimitRejectionsTotal.WithLabelValues("redis")))
}

type brokenLimiter struct{}

func (brokenLimiter) Take(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("dial tcp: connection refused")
}
func (brokenLimiter) Limit() int      { return 1 }
func (brokenLimiter) Backend() string { return "redis" }

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	w := rateLimitRouter(brokenLimiter{})("10.3.0.1:1000")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}
