// Package contracts defines the interfaces the HTTP middleware depends on
// instead of concrete types: the authentication provider chain and the rate
// limiter. Handlers take the concrete component types.
package contracts

// RateLimiter gates admission per (owner, endpoint) pair. The default
// implementation is a token-bucket
// limiter over golang.org/x/time/rate; a deployment fronted by an external
// limiter can swap in a pass-through.
type RateLimiter interface {
	Allow(owner, endpoint string) bool
}

// NoopRateLimiter never throttles. The router does not use it: with rate
// limiting disabled it installs no limiter middleware at all.
type NoopRateLimiter struct{}

func (NoopRateLimiter) Allow(_, _ string) bool { return true }
