package domain

import (
	"context"
	"time"
)

// ComputeFunc produces a value for GetOrCompute on cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Cache defines the caching capability consumed throughout the scoring core:
// velocity counts, IP intelligence, active-rule lists and cross-account
// correlation all go through GetOrCompute with their component's TTL.
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value. Returns nil, nil on miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetOrCompute returns the cached value for key, or invokes fn, caches
	// its result for ttl, and returns it. Compute errors are returned
	// without caching.
	GetOrCompute(ctx context.Context, tenantID string, key string, ttl time.Duration, fn ComputeFunc) ([]byte, error)

	// IncrementCounter atomically increments a windowed counter and returns
	// the new value. Used for velocity tracking.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check.
	Ping(ctx context.Context) error

	// Lifecycle.
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis".
	Type string

	// Local LRU settings (Community tier, and L1 in two-phase mode).
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase checks the local tier first, then Redis.
	EnableTwoPhase bool
}
