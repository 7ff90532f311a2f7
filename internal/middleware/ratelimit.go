// Package middleware provides the HTTP middleware chain wired around the
// gateway router: rate limiting, request logging, and body-size limiting.
package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-IP token-bucket limiter, the global pre-filter ahead
// of route matching (spec §4.9, default 100/min/IP). It is grounded on
// golang.org/x/time/rate rather than a hand-rolled sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	mirror   Mirror
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Mirror optionally replicates the rate-limit decision to a shared backend
// (Redis) so multiple gateway replicas enforce one budget. A nil Mirror
// means in-memory-only enforcement.
type Mirror interface {
	// Allow reports whether key may proceed, incrementing its shared
	// counter. On any backend error it should return (true, err) so the
	// caller can fall back to the in-memory decision alone.
	Allow(key string, limit int, window time.Duration) (bool, error)
}

// NewRateLimiter builds a limiter allowing perMinute requests per IP, with a
// burst equal to perMinute itself (spec leaves burst unspecified; allowing a
// full minute's budget as burst matches the teacher's sliding-window shape).
func NewRateLimiter(perMinute int, mirror Mirror) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		mirror:   mirror,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Allow reports whether a request from key (typically client IP) is
// admitted under the per-IP budget, consulting the Redis mirror first if
// configured.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.mirror != nil {
		ok, err := rl.mirror.Allow(key, rl.burst, time.Minute)
		if err == nil {
			return ok
		}
		// fall through to in-memory enforcement on mirror failure
	}
	return rl.getVisitor(key).Allow()
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for k, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, k)
			}
		}
		rl.mu.Unlock()
	}
}

// ClientIP extracts the request's source IP, preferring a stripped
// RemoteAddr (no X-Forwarded-For trust by default — the gateway is assumed
// to sit behind a trusted edge that sets RemoteAddr correctly).
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns an http.Handler wrapper enforcing rl, writing 429 with
// onLimited when exceeded.
func (rl *RateLimiter) Middleware(onLimited http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(ClientIP(r)) {
				onLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
