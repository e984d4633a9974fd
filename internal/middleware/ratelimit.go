package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/agent-market/agent-market/internal/safego"
	"github.com/agent-market/agent-market/internal/telemetry"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the maximum number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten (memory backend)
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 200,
		BurstSize:         50,
		CleanupInterval:   5 * time.Minute,
	}
}

// AuthRateLimitConfig returns stricter limits for challenge and login endpoints
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 10,
		BurstSize:         5,
		CleanupInterval:   5 * time.Minute,
	}
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the client identified by key may proceed.
type Limiter interface {
	Take(ctx context.Context, key string) (Decision, error)
	Limit() int
	Backend() string
}

const idleClientTTL = 10 * time.Minute

type memoryClient struct {
	lim  *rate.Limiter
	seen time.Time
}

// MemoryLimiter keeps one token bucket per client in process memory.
type MemoryLimiter struct {
	cfg      RateLimitConfig
	every    rate.Limit
	now      func() time.Time
	mu       sync.Mutex
	clients  map[string]*memoryClient
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryLimiter starts a limiter and its idle-client sweeper.
func NewMemoryLimiter(cfg RateLimitConfig) *MemoryLimiter {
	l := &MemoryLimiter{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*memoryClient),
		stopCh:  make(chan struct{}),
	}
	if cfg.RequestsPerMinute > 0 {
		l.every = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	if cfg.CleanupInterval > 0 {
		safego.Go("ratelimit-sweep", l.sweepLoop)
	}
	return l
}

func (l *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep(l.now())
		case <-l.stopCh:
			return
		}
	}
}

// sweep forgets clients idle for longer than idleClientTTL.
func (l *MemoryLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, c := range l.clients {
		if now.Sub(c.seen) > idleClientTTL {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Stop ends the sweeper. Safe to call more than once.
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *MemoryLimiter) bucket(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[key]
	if !ok {
		c = &memoryClient{lim: rate.NewLimiter(l.every, l.cfg.BurstSize)}
		l.clients[key] = c
	}
	c.seen = now
	return c.lim
}

// Take implements Limiter.
func (l *MemoryLimiter) Take(_ context.Context, key string) (Decision, error) {
	now := l.now()
	lim := l.bucket(key, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: time.Minute}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(lim.TokensAt(now))}, nil
}

// Limit implements Limiter.
func (l *MemoryLimiter) Limit() int { return l.cfg.RequestsPerMinute }

// Backend implements Limiter.
func (l *MemoryLimiter) Backend() string { return "memory" }

// RedisRateLimiter shares limits across replicas through Redis.
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisRateLimiter creates a limiter over client. Keys are namespaced by prefix.
func NewRedisRateLimiter(client redis.UniversalClient, config RateLimitConfig, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.BurstSize,
			Period: time.Minute,
		},
		prefix: prefix,
	}
}

// Take implements Limiter.
func (rl *RedisRateLimiter) Take(ctx context.Context, key string) (Decision, error) {
	res, err := rl.limiter.Allow(ctx, rl.prefix+":rate:"+key, rl.limit)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// Limit implements Limiter.
func (rl *RedisRateLimiter) Limit() int { return rl.limit.Rate }

// Backend implements Limiter.
func (rl *RedisRateLimiter) Backend() string { return "redis" }

// RateLimitMiddleware creates a Gin middleware that rate limits requests.
// Limiter errors fail open: an unreachable Redis must not take the API down.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		d, err := limiter.Take(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "backend", limiter.Backend(), "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retry := int(d.RetryAfter.Round(time.Second).Seconds())
			if retry < 1 {
				retry = 1
			}
			telemetry.RateLimitRejectionsTotal.WithLabelValues(limiter.Backend()).Inc()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

// getRateLimitKey determines the key to use for rate limiting
// Priority: account > api_key_id > IP address
func getRateLimitKey(c *gin.Context) string {
	if account, ok := Account(c); ok {
		return "account:" + account.Hex()
	}

	if id := c.GetString(ContextAPIKeyID); id != "" {
		return "apikey:" + id
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
