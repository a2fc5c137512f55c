// Package kv is the small key-value contract the anti-cheat state lives in:
// device and location histories, bulk-marking buckets and last-action stamps.
package kv

import (
	"context"
	"time"
)

// Store is a TTL-aware key-value store. Implementations must make Incr and
// Swap atomic per key.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr increments the counter at key and returns the new value. The ttl is
	// applied only when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Swap stores value under key for ttl and returns the previous value.
	Swap(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error)
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}
