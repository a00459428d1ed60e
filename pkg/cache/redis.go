package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgehq/forge/pkg/ferrors"
)

// RedisCache is the distributed alternative to Cache's in-process map,
// for deployments with more than one Forge instance sharing a query cache.
// It implements the same Get/Set/Invalidate surface but keeps a per-capsule
// index set in Redis (SADD/SMEMBERS) so InvalidateByCapsule doesn't require
// a full key scan, mirroring the prefix-keyed layout of original_source's
// Redis-backed QueryCache.
type RedisCache struct {
	client         *redis.Client
	prefix         string
	ttlByType      map[QueryType]time.Duration
	maxResultBytes int64
}

// RedisOption configures a RedisCache at construction time.
type RedisOption func(*RedisCache)

// WithRedisTTL overrides the TTL for a specific query type.
func WithRedisTTL(qt QueryType, ttl time.Duration) RedisOption {
	return func(c *RedisCache) { c.ttlByType[qt] = ttl }
}

// WithRedisMaxResultBytes sets the per-entry size cap.
func WithRedisMaxResultBytes(n int64) RedisOption {
	return func(c *RedisCache) { c.maxResultBytes = n }
}

// NewRedisCache constructs a RedisCache over an already-connected client.
func NewRedisCache(client *redis.Client, prefix string, opts ...RedisOption) *RedisCache {
	if prefix == "" {
		prefix = "forge:query_cache:"
	}
	c := &RedisCache{
		client:         client,
		prefix:         prefix,
		maxResultBytes: 2 * 1024 * 1024,
		ttlByType: map[QueryType]time.Duration{
			QueryTypeLineage: 24 * time.Hour,
			QueryTypeSearch:  10 * time.Minute,
			QueryTypeGeneral: time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) dataKey(key string) string { return c.prefix + "data:" + key }
func (c *RedisCache) indexKey(id string) string { return c.prefix + "idx:" + id }

// Get returns the cached value for key, refreshing its TTL on hit the way
// original_source's QueryCache.get does.
func (c *RedisCache) Get(ctx context.Context, key string, queryType QueryType) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.dataKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ferrors.Wrap(ferrors.KindCacheBackendUnavailable, "redis get", err)
	}

	ttl := c.ttlFor(queryType)
	c.client.Expire(ctx, c.dataKey(key), ttl)
	return val, true, nil
}

// Set stores value under key with queryType's TTL and indexes it against
// every related capsule id for later invalidation.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, queryType QueryType, relatedCapsuleIDs []string) error {
	if int64(len(value)) > c.maxResultBytes {
		return ferrors.New(ferrors.KindCacheTooLarge, "value exceeds max_cached_result_bytes")
	}

	ttl := c.ttlFor(queryType)
	if err := c.client.Set(ctx, c.dataKey(key), value, ttl).Err(); err != nil {
		return ferrors.Wrap(ferrors.KindCacheBackendUnavailable, "redis set", err)
	}

	for _, id := range relatedCapsuleIDs {
		if err := c.client.SAdd(ctx, c.indexKey(id), key).Err(); err != nil {
			return ferrors.Wrap(ferrors.KindCacheBackendUnavailable, "redis index", err)
		}
		c.client.Expire(ctx, c.indexKey(id), ttl)
	}
	return nil
}

// InvalidateByCapsule removes every key indexed against capsuleID.
func (c *RedisCache) InvalidateByCapsule(ctx context.Context, capsuleID string) (int, error) {
	keys, err := c.client.SMembers(ctx, c.indexKey(capsuleID)).Result()
	if err != nil && err != redis.Nil {
		return 0, ferrors.Wrap(ferrors.KindCacheBackendUnavailable, "redis smembers", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	dataKeys := make([]string, len(keys))
	for i, k := range keys {
		dataKeys[i] = c.dataKey(k)
	}
	if err := c.client.Del(ctx, dataKeys...).Err(); err != nil {
		return 0, ferrors.Wrap(ferrors.KindCacheBackendUnavailable, "redis del", err)
	}
	c.client.Del(ctx, c.indexKey(capsuleID))
	return len(keys), nil
}

func (c *RedisCache) ttlFor(qt QueryType) time.Duration {
	if ttl, ok := c.ttlByType[qt]; ok {
		return ttl
	}
	return c.ttlByType[QueryTypeGeneral]
}
