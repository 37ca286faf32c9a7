package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/agentbox/internal/config"
	"github.com/basket/agentbox/internal/otel"
)

// tokenBucket refills continuously at rate tokens per second up to burst.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	rate       float64
	lastRefill time.Time
	lastSeen   time.Time
}

func newTokenBucket(perMinute, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		burst:      float64(burst),
		rate:       float64(perMinute) / 60.0,
		lastRefill: now,
		lastSeen:   now,
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = min(b.burst, b.tokens+now.Sub(b.lastRefill).Seconds()*b.rate)
	b.lastRefill = now
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *tokenBucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// RateLimitMiddleware enforces a per-client-address request budget on the
// REST routes. Websocket upgrades and /healthz are exempt.
type RateLimitMiddleware struct {
	enabled   bool
	perMinute int
	burst     int
	metrics   *otel.Metrics
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig, metrics *otel.Metrics) *RateLimitMiddleware {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	return &RateLimitMiddleware{
		enabled:   cfg.Enabled,
		perMinute: cfg.RequestsPerMinute,
		burst:     cfg.BurstSize,
		metrics:   metrics,
		now:       time.Now,
		buckets:   make(map[string]*tokenBucket),
	}
}

// StartEviction drops buckets idle for longer than maxAge every interval
// until ctx is done.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if b.idleSince().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || isWebsocketRoute(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.bucket(clientAddr(r)).allow(rl.now()) {
			rl.metrics.RateLimitRejects.Add(r.Context(), 1)
			w.Header().Set("Retry-After", "1")
			writeErrorCode(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) bucket(key string) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = newTokenBucket(rl.perMinute, rl.burst, rl.now())
		rl.buckets[key] = b
	}
	return b
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
