package middleware

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ibmcast/internal/metrics"
)

// Default rate limiting configuration values.
const (
	defaultJoinsPerSecond = 20
	defaultBurstSize      = 40
	defaultStaleTimeout   = 5 * time.Minute
	// maxElapsedNanos caps the elapsed time to prevent integer overflow in token calculation.
	maxElapsedNanos = int64(time.Hour)
)

// RateLimitConfig configures the join rate limiter.
type RateLimitConfig struct {
	// CleanupInterval is how often idle client buckets are dropped.
	CleanupInterval time.Duration

	// StaleTimeout is how long a bucket can be unused before cleanup.
	StaleTimeout time.Duration

	// RequestsPerSecond is the sustained rate allowed per client.
	RequestsPerSecond int

	// BurstSize is the maximum burst size.
	BurstSize int

	// Enabled enables rate limiting.
	Enabled bool
}

// DefaultRateLimitConfig returns the defaults used when only Enabled is set.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           false,
		RequestsPerSecond: defaultJoinsPerSecond,
		BurstSize:         defaultBurstSize,
		CleanupInterval:   time.Minute,
		StaleTimeout:      defaultStaleTimeout,
	}
}

// TokenBucketLimiter implements a token bucket rate limiter.
type TokenBucketLimiter struct {
	tokens     atomic.Int64
	lastRefill atomic.Int64
	lastUsed   atomic.Int64
	maxTokens  int64
	refillRate int64 // tokens per second
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
func NewTokenBucketLimiter(rps, burst int) *TokenBucketLimiter {
	now := time.Now().UnixNano()

	l := &TokenBucketLimiter{
		maxTokens:  int64(burst),
		refillRate: int64(rps),
	}
	l.tokens.Store(int64(burst))
	l.lastRefill.Store(now)
	l.lastUsed.Store(now)

	return l
}

// Allow consumes a token if one is available.
func (l *TokenBucketLimiter) Allow() bool {
	now := time.Now().UnixNano()
	l.lastUsed.Store(now)

	lastRefill := l.lastRefill.Load()

	elapsed := min(now-lastRefill, maxElapsedNanos)
	add := (elapsed * l.refillRate) / int64(time.Second)

	// Only the goroutine that moves lastRefill gets to add tokens.
	if add > 0 && l.lastRefill.CompareAndSwap(lastRefill, now) {
		for {
			current := l.tokens.Load()
			if l.tokens.CompareAndSwap(current, min(current+add, l.maxTokens)) {
				break
			}
		}
	}

	for {
		current := l.tokens.Load()
		if current <= 0 {
			return false
		}

		if l.tokens.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	config   RateLimitConfig
	limiters sync.Map // map[string]*TokenBucketLimiter
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter. Close stops its cleanup loop.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config: config,
		stopCh: make(chan struct{}),
	}

	if config.Enabled && config.CleanupInterval > 0 {
		go rl.cleanupLoop()
	}

	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	now := time.Now().UnixNano()
	stale := rl.config.StaleTimeout.Nanoseconds()

	rl.limiters.Range(func(key, value interface{}) bool {
		if now-value.(*TokenBucketLimiter).lastUsed.Load() > stale {
			rl.limiters.Delete(key)
			metrics.RateLimitClients.Dec()
		}

		return true
	})
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Allow reports whether a request from client may proceed.
func (rl *RateLimiter) Allow(client string) bool {
	if !rl.config.Enabled {
		return true
	}

	v, loaded := rl.limiters.LoadOrStore(client, NewTokenBucketLimiter(
		rl.config.RequestsPerSecond,
		rl.config.BurstSize,
	))
	if !loaded {
		log.Debug().Str("client", client).Msg("Created new rate limiter")
		metrics.RateLimitClients.Inc()
	}

	return v.(*TokenBucketLimiter).Allow()
}

// RateLimit returns a middleware that rejects requests over the client's
// budget with 429. Client addresses come from RemoteAddr, so mount it after
// chi's RealIP when running behind a proxy.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			client := clientAddr(r.RemoteAddr)

			if !rl.Allow(client) {
				log.Warn().
					Str("client", client).
					Str("path", r.URL.Path).
					Str("request_id", GetRequestID(r.Context())).
					Msg("Rate limit exceeded")

				metrics.RecordRateLimit(route, false)
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)

				return
			}

			metrics.RecordRateLimit(route, true)
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr strips the port from a RemoteAddr.
func clientAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}

	return host
}
