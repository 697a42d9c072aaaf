package httpx

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/keyfold/keyfold/pkg/slogx"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines request-volume throttling parameters. This is the
// transport-level layer; per-identity attempt counting lives in the ceremony
// limiter.
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

// Profiles for different endpoint classes.
var (
	// StrictLimit for credential-challenge endpoints (brute force prevention).
	StrictLimit = RateLimitConfig{RequestsPerWindow: 5, Window: time.Minute, Burst: 5}

	// ModerateLimit for authenticated account-management operations.
	ModerateLimit = RateLimitConfig{RequestsPerWindow: 20, Window: time.Minute, Burst: 20}

	// LenientLimit for low-sensitivity endpoints (health, options fetch).
	LenientLimit = RateLimitConfig{RequestsPerWindow: 100, Window: time.Minute, Burst: 100}
)

// KeyExtractor derives the throttling key from a request.
type KeyExtractor func(*http.Request) string

// IPKeyExtractor extracts the client IP, honoring X-Forwarded-For and
// X-Real-IP for proxied requests.
func IPKeyExtractor(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok || first != "" {
			return strings.TrimSpace(first)
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

type bucketLimiter struct {
	limiters    sync.Map // map[string]*rate.Limiter
	rate        rate.Limit
	burst       int
	mu          sync.Mutex
	lastCleanup time.Time
}

func (bl *bucketLimiter) get(key string) *rate.Limiter {
	if l, ok := bl.limiters.Load(key); ok {
		return l.(*rate.Limiter)
	}

	l := rate.NewLimiter(bl.rate, bl.burst)
	actual, _ := bl.limiters.LoadOrStore(key, l)
	bl.maybeCleanup()
	return actual.(*rate.Limiter)
}

// maybeCleanup drops limiters whose buckets are full again; they have been
// idle at least one window.
func (bl *bucketLimiter) maybeCleanup() {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if time.Since(bl.lastCleanup) < 5*time.Minute {
		return
	}
	bl.lastCleanup = time.Now()

	bl.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(bl.burst) {
			bl.limiters.Delete(key)
		}
		return true
	})
}

// RateLimitMiddleware throttles requests grouped by the extractor's key.
func RateLimitMiddleware(config RateLimitConfig, keyExtractor KeyExtractor) Middleware {
	bl := &bucketLimiter{
		rate:        rate.Limit(float64(config.RequestsPerWindow) / config.Window.Seconds()),
		burst:       config.Burst,
		lastCleanup: time.Now(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := slogx.FromContext(r.Context())

			key := keyExtractor(r)
			if key == "" {
				log.Warn("rate limit: unable to extract key, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			limiter := bl.get(key)
			if !limiter.Allow() {
				reservation := limiter.Reserve()
				delay := reservation.Delay()
				reservation.Cancel()

				retryAfter := max(int(delay.Seconds()), 1)
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))

				log.Warn("rate limit exceeded",
					"key", key,
					"endpoint", r.URL.Path,
					"retry_after", retryAfter,
				)

				WriteError(w, http.StatusTooManyRequests,
					"rate_limit_exceeded", "Too many requests. Please try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitByIP throttles by client IP only.
func RateLimitByIP(config RateLimitConfig) Middleware {
	return RateLimitMiddleware(config, IPKeyExtractor)
}
