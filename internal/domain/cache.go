package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching query results.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods are scoped by datasetID so one cache can serve several stores.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, datasetID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, datasetID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, datasetID string, key string) error

	// GetQueryResult retrieves a cached query result.
	GetQueryResult(ctx context.Context, datasetID string, key string) (*QueryResult, error)

	// SetQueryResult caches a query result.
	SetQueryResult(ctx context.Context, datasetID string, key string, result *QueryResult, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// QueryTTL bounds how long a query result may be served.
	QueryTTL time.Duration
}
