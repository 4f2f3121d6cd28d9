// Package ratelimit bounds how fast clients can submit work.
//
// A run submission fans out one completion call per paper, so a single
// misbehaving client can burn the provider budget for everyone. The Limiter
// interface is the contract; the in-memory token bucket (MemoryLimiter) is
// the only implementation shipped.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque to
	// the limiter; callers construct it (e.g. the client IP). An error means
	// the limiter malfunctioned; callers treat errors as fail-open rather
	// than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
