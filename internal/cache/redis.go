package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "kestrel:"

// RedisCache is the pro tier cache and the L2 of TwoPhaseCache.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// Get returns the value of key, or nil when missing.
func (c *RedisCache) Get(ctx context.Context, datasetID, key string) ([]byte, error) {
	if datasetID == "" {
		return nil, ErrDatasetRequired
	}
	val, err := c.client.Get(ctx, redisKey(datasetID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// Set stores value with ttl.
func (c *RedisCache) Set(ctx context.Context, datasetID, key string, value []byte, ttl time.Duration) error {
	if datasetID == "" {
		return ErrDatasetRequired
	}
	return c.client.Set(ctx, redisKey(datasetID, key), value, ttl).Err()
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, datasetID, key string) error {
	if datasetID == "" {
		return ErrDatasetRequired
	}
	return c.client.Del(ctx, redisKey(datasetID, key)).Err()
}

// GetQueryResult returns a cached query result, or nil on a miss.
func (c *RedisCache) GetQueryResult(ctx context.Context, datasetID, key string) (*domain.QueryResult, error) {
	return getQueryResult(ctx, c, datasetID, key)
}

// SetQueryResult caches a query result.
func (c *RedisCache) SetQueryResult(ctx context.Context, datasetID, key string, res *domain.QueryResult, ttl time.Duration) error {
	return setQueryResult(ctx, c, datasetID, key, res, ttl)
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(datasetID, key string) string {
	return redisKeyPrefix + datasetID + ":" + key
}
