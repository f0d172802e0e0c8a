package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wayl-ai/wayl/metrics"
)

// Options configures the Redis connection.
type Options struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "cache"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Client exposes the underlying connection for components sharing it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) key(k string) string   { return c.prefix + ":" + k }
func (c *RedisCache) tagKey(t string) string { return c.prefix + ":tag:" + t }

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	defer metrics.ObserveCacheOp("get", time.Now())

	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Error("Cache get failed", "key", key, "error", err)
		}
		metrics.CacheMiss(c.prefix)
		return nil, false, nil
	}
	metrics.CacheHit(c.prefix)
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	defer metrics.ObserveCacheOp("set", time.Now())
	ttl = effectiveTTL(ttl)

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.key(key), value, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, c.tagKey(tag), key)
		pipe.Expire(ctx, c.tagKey(tag), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Cache set failed", "key", key, "error", err)
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	defer metrics.ObserveCacheOp("delete", time.Now())
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		slog.Error("Cache delete failed", "key", key, "error", err)
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	return nil
}

func (c *RedisCache) DeleteByTag(ctx context.Context, tag string) (int, error) {
	defer metrics.ObserveCacheOp("delete_tag", time.Now())

	members, err := c.client.SMembers(ctx, c.tagKey(tag)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache tag lookup %q: %w", tag, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, c.key(m))
	}
	keys = append(keys, c.tagKey(tag))

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("cache tag delete %q: %w", tag, err)
	}
	return len(members), nil
}

func (c *RedisCache) Clear(ctx context.Context, pattern string) (int, error) {
	defer metrics.ObserveCacheOp("clear", time.Now())
	if pattern == "" {
		pattern = "*"
	}

	var deleted int
	iter := c.client.Scan(ctx, 0, c.key(pattern), 100).Iterator()
	batch := make([]string, 0, 100)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		deleted += int(n)
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return deleted, fmt.Errorf("cache clear: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("cache scan: %w", err)
	}
	if err := flush(); err != nil {
		return deleted, fmt.Errorf("cache clear: %w", err)
	}
	return deleted, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
