// Package cache defines the decision-cache contract (spec §4.2): a
// TTL-bounded KV store keyed by decision-token string. A cache hit
// preempts all downstream work in the forward-auth service, so
// implementations must be safe for concurrent multi-writer use with
// last-writer-wins semantics (spec §5) — acceptable because every
// writer computes identical headers for the same decision token.
package cache

import "context"

// SetOptions configures a cache write.
type SetOptions struct {
	TTLSeconds int
	// Tags are advisory; no bulk-invalidation semantics are required.
	Tags []string
}

// Cache is the decision-cache port.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, opts SetOptions) error
	Delete(ctx context.Context, key string) error
	// Healthy reports whether the backend is reachable, for the
	// forward-auth HTTP handler's health endpoint.
	Healthy(ctx context.Context) error
	// Name identifies the backend for health-endpoint reporting.
	Name() string
}
