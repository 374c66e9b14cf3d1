package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetMetadata(ctx context.Context, registry models.Registry, name string, meta models.PackageMetadata, ttl time.Duration) error
	GetMetadata(ctx context.Context, registry models.Registry, name string) (models.PackageMetadata, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// SetMetadata caches a registry fetch result so redeliveries and repeated
// jobs for the same package inside ttl skip the upstream call.
func (c *RedisCache) SetMetadata(ctx context.Context, registry models.Registry, name string, meta models.PackageMetadata, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return c.client.Set(ctx, RegistryFetchKey(registry, name), data, ttl).Err()
}

func (c *RedisCache) GetMetadata(ctx context.Context, registry models.Registry, name string) (models.PackageMetadata, bool, error) {
	data, found, err := c.Get(ctx, RegistryFetchKey(registry, name))
	if err != nil || !found {
		return models.PackageMetadata{}, false, err
	}
	var meta models.PackageMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		// A corrupt entry is treated as a miss; the next fetch overwrites it.
		return models.PackageMetadata{}, false, nil
	}
	return meta, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var _ Cache = (*RedisCache)(nil)
