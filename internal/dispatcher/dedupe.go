package dispatcher

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDedupePrefix = "eidos:bet:event:"

// DedupeCache 已处理事件的快速路径缓存, 只作为优化, 以存储中的已处理标记为准
type DedupeCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// RedisDedupeCache 基于 Redis 的去重缓存
type RedisDedupeCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDedupeCache 创建去重缓存
func NewRedisDedupeCache(client redis.UniversalClient, ttl time.Duration) *RedisDedupeCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedupeCache{client: client, prefix: defaultDedupePrefix, ttl: ttl}
}

// Seen 事件是否已处理
func (c *RedisDedupeCache) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark 记录已处理
func (c *RedisDedupeCache) Mark(ctx context.Context, key string) error {
	return c.client.Set(ctx, c.prefix+key, 1, c.ttl).Err()
}
