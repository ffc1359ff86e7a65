package cache

import (
	"context"
	"time"
)

// Cache defines the cache operations used by the grading service.
// Implementations must be safe for concurrent use.
type Cache interface {
	BasicOps
	ZSetOps
	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key.
	// A missing key yields "" and a nil error.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist (atomic operation)
	// Returns true if the key was set, false if it already existed
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Expire sets a timeout on a key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr increments the integer value of a key by 1
	Incr(ctx context.Context, key string) (int64, error)
}

// ZSetOps defines the sorted set operations backing the solved-count ranking.
type ZSetOps interface {
	// ZAdd adds or updates members with scores
	ZAdd(ctx context.Context, key string, members ...ZMember) error

	// ZScore returns the score of a member; a missing member yields 0 and ok=false
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// ZCount returns the number of members with min <= score <= max
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	// ZCard returns the number of members in a sorted set
	ZCard(ctx context.Context, key string) (int64, error)
}

// LockOps defines token-owned distributed locks.
type LockOps interface {
	// TryLock acquires key for token if it is free.
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Unlock releases key only when it is still held by token.
	// Returns false when the lock expired or belongs to someone else.
	Unlock(ctx context.Context, key, token string) (bool, error)
}

// ZMember represents a member in a sorted set with its score
type ZMember struct {
	Score  float64
	Member string
}
