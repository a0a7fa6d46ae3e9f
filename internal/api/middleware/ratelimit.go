package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/agentgw/agentgw/pkg/contracts"
	pkgmw "github.com/agentgw/agentgw/pkg/middleware"
	"golang.org/x/time/rate"
)

// TokenBucketLimiter implements contracts.RateLimiter with one token bucket
// per (owner, endpoint class) pair. Buckets are created lazily and kept for
// the process lifetime; there is no eviction, so the map grows with every
// distinct owner key, including the remote addresses RateLimit uses for
// anonymous traffic.
type TokenBucketLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewTokenBucketLimiter(rps float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{rps: rate.Limit(rps), burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (l *TokenBucketLimiter) Allow(owner, endpoint string) bool {
	key := owner + "|" + endpoint
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// RateLimit returns admission-control middleware over any
// contracts.RateLimiter. Requests are bucketed by authenticated owner
// (falling back to remote address for anonymous dev-mode traffic) and by
// endpoint class, so a tenant saturating the query endpoint can still list
// its sessions.
func RateLimit(limiter contracts.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isAuthPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := pkgmw.GetOwner(r.Context())
			if key == "" {
				key = r.RemoteAddr
			}

			if !limiter.Allow(key, endpointClass(r.URL.Path)) {
				writeRateLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// endpointClass collapses a request path to its rate-limit bucket: its first
// three segments (e.g. "/api/v1/sessions/{id}" and "/api/v1/sessions" share
// the bucket "api/v1/sessions").
func endpointClass(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 4)
	if len(parts) >= 3 {
		return parts[0] + "/" + parts[1] + "/" + parts[2]
	}
	return strings.Join(parts, "/")
}

// writeRateLimited emits a 429 in the wire shape of the route's namespace:
// the compatibility namespace gets the OpenAI error envelope, everything
// else the native {code, message} shape.
func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)

	if strings.HasPrefix(r.URL.Path, "/v1/") {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": "rate limit exceeded, slow down",
				"type":    "rate_limit_error",
				"code":    "rate_limited",
			},
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"code":    "rate_limited",
		"message": "rate limit exceeded, slow down",
	})
}
