package handlers

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/skillbridge/api/internal/platform/httpx"
	"github.com/skillbridge/api/internal/platform/requestctx"
)

const defaultLimiterIdleTTL = 10 * time.Minute

// RateLimitObserver counts rejected requests.
type RateLimitObserver interface {
	RecordRateLimited(route string)
}

// RateLimiter hands out one token bucket per client key.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	clock   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter returns nil when perSecond is not positive, which disables limiting.
func NewRateLimiter(perSecond float64, burst int, idleTTL time.Duration, clock func() time.Time) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	if idleTTL <= 0 {
		idleTTL = defaultLimiterIdleTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token for key.
func (l *RateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Prune drops buckets idle for longer than the configured TTL and reports how many were removed.
func (l *RateLimiter) Prune() int {
	if l == nil {
		return 0
	}
	cutoff := l.clock().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Size reports the number of tracked clients.
func (l *RateLimiter) Size() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// SchedulePrune registers the idle bucket sweep on c.
func (l *RateLimiter) SchedulePrune(c *cron.Cron, spec string, logger *zap.Logger) (cron.EntryID, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return c.AddFunc(spec, func() {
		if removed := l.Prune(); removed > 0 {
			logger.Debug("rate limiter: pruned idle clients", zap.Int("removed", removed))
		}
	})
}

// Middleware rejects requests over the limit with 429. Clients are keyed by IP.
func (l *RateLimiter) Middleware(observer RateLimitObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := httpx.ClientIP(r)
			if l.Allow(ip) {
				next.ServeHTTP(w, r)
				return
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			if observer != nil {
				observer.RecordRateLimited(route)
			}
			requestctx.Logger(r.Context()).Warn("rate limit exceeded", zap.String("client_ip", ip))
			w.Header().Set("Retry-After", "1")
			httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
		})
	}
}
