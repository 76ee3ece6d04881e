package middleware

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/daygent/daygent/internal/errors"
	internalhttputil "github.com/daygent/daygent/internal/httputil"
	"github.com/daygent/daygent/internal/logging"
)

// RateLimiter applies a token-bucket limit per caller key: the user ID when
// the request is authenticated, the client IP otherwise.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	logger  *logging.Logger
}

type bucket struct {
	limiter *rate.Limiter
	// lastSeen holds unix nanos; atomic because reads update it under the
	// map's read lock.
	lastSeen atomic.Int64
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond int, burst int, logger *logging.Logger) *RateLimiter {
	if logger == nil {
		logger = logging.Default()
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
		logger:  logger,
	}
}

func (rl *RateLimiter) allow(key string) bool {
	now := time.Now().UnixNano()

	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		b.lastSeen.Store(now)
		return b.limiter.Allow()
	}

	rl.mu.Lock()
	if b, ok = rl.buckets[key]; !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen.Store(now)
	rl.mu.Unlock()

	return b.limiter.Allow()
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := GetUserID(r.Context())
		if key == "" {
			key = clientIP(r)
		}

		if !rl.allow(key) {
			rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
				"key":    key,
				"path":   r.URL.Path,
				"method": r.Method,
			})

			w.Header().Set("Retry-After", "1")
			serviceErr := errors.RateLimitExceeded(int(rl.rate), "1s")
			internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP strips the ephemeral port so every connection from one host
// shares a bucket.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Cleanup evicts buckets idle past maxIdle. With a full map the eviction
// also enforces a hard cap so a key-spraying client cannot grow it without
// bound.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle).UnixNano()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastSeen.Load() < cutoff {
			delete(rl.buckets, key)
		}
	}
	if len(rl.buckets) > 10000 {
		rl.buckets = make(map[string]*bucket)
	}
}

// StartCleanup evicts idle buckets on the given interval.
func (rl *RateLimiter) StartCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			rl.Cleanup(interval)
		}
	}()
}
