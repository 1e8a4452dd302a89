// Package ratelimit throttles unauthenticated entry points (agent login and
// token issuance) with a per-key token bucket.
package ratelimit

import "context"

// Limiter admits or refuses one request from the bucket named key. It is
// safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request may proceed. Callers treat an error
	// as a limiter outage and admit the request.
	Allow(ctx context.Context, key string) (bool, error)

	// Close stops background eviction.
	Close() error
}

// NoopLimiter admits everything. It backs CM_RATE_LIMIT_ENABLED=false.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
