// Package kv defines the thin key-value contract every higher component of
// the pipeline is built on (§4.1, §6): conditional-set, get, delete, and the
// two server-side-atomic counter operations the credit subsystem needs.
package kv

import (
	"context"
	"time"
)

// Store is the only persistence contract the CORE depends on. A concrete
// implementation backs it with a remote key-value service (RedisStore); a
// second implementation (MemoryStore) backs tests without a real Redis.
type Store interface {
	// SetNX sets key to value only if it does not already exist, with the
	// given TTL, returning true iff this call acquired it.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set unconditionally writes key to value with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the stored value and true, or ("", false, nil) if absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DecrementIfPositive atomically decrements key by 1 iff its current
	// value is > 0, returning whether it consumed one unit.
	DecrementIfPositive(ctx context.Context, key string) (consumed bool, err error)
	// IncrementCapped atomically increments key by 1 unless it is already
	// at or above cap, and unconditionally refreshes its TTL. Returns the
	// resulting value.
	IncrementCapped(ctx context.Context, key string, cap int64, ttl time.Duration) (newValue int64, err error)
}
