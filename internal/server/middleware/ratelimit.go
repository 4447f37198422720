package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterPool hands out one token bucket per key. Stale entries are
// evicted every 10 minutes to keep the map bounded; the eviction
// goroutine stops when ctx is canceled.
type limiterPool struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	limiters map[string]*keyedLimiter
}

func newLimiterPool(ctx context.Context, requestsPerSecond float64, burst int) *limiterPool {
	p := &limiterPool{
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
		limiters: make(map[string]*keyedLimiter),
	}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.mu.Lock()
				cutoff := time.Now().Add(-30 * time.Minute)
				for key, kl := range p.limiters {
					if kl.lastAccess.Before(cutoff) {
						delete(p.limiters, key)
					}
				}
				p.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	return p
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	kl, ok := p.limiters[key]
	if !ok {
		kl = &keyedLimiter{
			limiter:    rate.NewLimiter(p.rps, p.burst),
			lastAccess: time.Now(),
		}
		p.limiters[key] = kl
	} else {
		kl.lastAccess = time.Now()
	}
	p.mu.Unlock()

	return kl.limiter.Allow()
}

// RateLimitByAgent applies per-agent rate limiting on authenticated
// routes. Requests without an agent in context pass through; Auth
// rejects those before they reach the limiter.
func RateLimitByAgent(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	pool := newLimiterPool(ctx, requestsPerSecond, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID, ok := AgentIDFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !pool.allow(agentID) {
				tooManyRequests(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitByIP applies per-IP rate limiting for unauthenticated
// endpoints such as token exchange. Pair with chi's RealIP middleware
// so r.RemoteAddr reflects the client address behind proxies.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	pool := newLimiterPool(ctx, requestsPerSecond, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !pool.allow(r.RemoteAddr) {
				tooManyRequests(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func tooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`))
}
