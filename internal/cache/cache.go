// Package cache stores query results keyed by dataset. The community tier
// uses an in-process LRU; the pro tier adds Redis behind it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrDatasetRequired is returned for calls without a dataset id.
var ErrDatasetRequired = errors.New("cache: dataset id is required")

const defaultLocalTTL = 5 * time.Minute

// New creates the cache selected by cfg.Type.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// QueryKey is the cache key of a query result. Bucket generations are part
// of the key so a recompute never serves stale rankings.
func QueryKey(bucket int, generation uint64, intent domain.Intent, params domain.QueryParams) string {
	p, _ := json.Marshal(params)
	return fmt.Sprintf("query:%d:%d:%s:%s", bucket, generation, intent, p)
}

type byteStore interface {
	Get(ctx context.Context, datasetID, key string) ([]byte, error)
	Set(ctx context.Context, datasetID, key string, value []byte, ttl time.Duration) error
}

func getQueryResult(ctx context.Context, s byteStore, datasetID, key string) (*domain.QueryResult, error) {
	data, err := s.Get(ctx, datasetID, key)
	if err != nil || data == nil {
		return nil, err
	}
	var res domain.QueryResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode cached query result: %w", err)
	}
	return &res, nil
}

func setQueryResult(ctx context.Context, s byteStore, datasetID, key string, res *domain.QueryResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return s.Set(ctx, datasetID, key, data, ttl)
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2).
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache connects to Redis and creates the L1 in front of it.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = defaultLocalTTL
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

// Get checks L1, then L2, back-filling L1 on an L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, datasetID, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, datasetID, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, datasetID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, datasetID, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes L1 with the shorter of ttl and the L1 TTL, and L2 with ttl.
func (c *TwoPhaseCache) Set(ctx context.Context, datasetID, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, datasetID, key, value, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, datasetID, key, value, ttl)
}

// Delete removes key from both tiers.
func (c *TwoPhaseCache) Delete(ctx context.Context, datasetID, key string) error {
	if err := c.local.Delete(ctx, datasetID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, datasetID, key)
}

// GetQueryResult returns a cached query result, or nil on a miss.
func (c *TwoPhaseCache) GetQueryResult(ctx context.Context, datasetID, key string) (*domain.QueryResult, error) {
	return getQueryResult(ctx, c, datasetID, key)
}

// SetQueryResult caches a query result in both tiers.
func (c *TwoPhaseCache) SetQueryResult(ctx context.Context, datasetID, key string, res *domain.QueryResult, ttl time.Duration) error {
	return setQueryResult(ctx, c, datasetID, key, res, ttl)
}

// Ping checks both tiers.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close releases both tiers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats reports L1 occupancy.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
