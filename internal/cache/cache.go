package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetNodeStatus(ctx context.Context, nodeID uuid.UUID, status string, ttl time.Duration) error
	GetNodeStatus(ctx context.Context, nodeID uuid.UUID) (string, bool, error)
	SetCellStatus(ctx context.Context, cellID uuid.UUID, status string, ttl time.Duration) error
	GetCellStatus(ctx context.Context, cellID uuid.UUID) (string, bool, error)
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

// Client exposes the underlying connection for components that share it,
// such as the job queue.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
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

func (c *RedisCache) SetNodeStatus(ctx context.Context, nodeID uuid.UUID, status string, ttl time.Duration) error {
	return c.client.Set(ctx, NodeStatusKey(nodeID), status, ttl).Err()
}

func (c *RedisCache) GetNodeStatus(ctx context.Context, nodeID uuid.UUID) (string, bool, error) {
	return c.getString(ctx, NodeStatusKey(nodeID))
}

func (c *RedisCache) SetCellStatus(ctx context.Context, cellID uuid.UUID, status string, ttl time.Duration) error {
	return c.client.Set(ctx, CellStatusKey(cellID), status, ttl).Err()
}

func (c *RedisCache) GetCellStatus(ctx context.Context, cellID uuid.UUID) (string, bool, error) {
	return c.getString(ctx, CellStatusKey(cellID))
}

func (c *RedisCache) getString(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
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
