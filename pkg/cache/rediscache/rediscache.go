// Package rediscache implements the decision cache over Redis
// (github.com/redis/go-redis/v9), the TTL-bounded KV backend named in
// spec §4.2's contract. Tags are recorded as a parallel Redis SET per
// tag purely for operator inspection; no bulk-invalidation semantics
// are implemented (the contract only requires they be advisory).
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/internal/logger"
	"github.com/ccollier86/catalyst-auth/pkg/cache"
)

// Cache implements cache.Cache over a *redis.Client.
type Cache struct {
	client *redis.Client
}

// New wraps an existing go-redis client. The caller owns the client's
// lifecycle (pooling, auth, TLS).
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, catalysterr.Unavailable("redis get failed", err)
	}
	return v, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, opts cache.SetOptions) error {
	ttl := time.Duration(opts.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return catalysterr.Unavailable("redis set failed", err)
	}
	for _, tag := range opts.Tags {
		tagKey := fmt.Sprintf("tag:%s", tag)
		if err := c.client.SAdd(ctx, tagKey, key).Err(); err != nil {
			// Tags are advisory; log and move on rather than fail the write.
			logger.Warnf("rediscache: failed to record tag %q for key %q: %v", tag, key, err)
			continue
		}
		c.client.Expire(ctx, tagKey, ttl)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return catalysterr.Unavailable("redis delete failed", err)
	}
	return nil
}

func (c *Cache) Healthy(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return catalysterr.Unavailable("redis ping failed", err)
	}
	return nil
}

func (*Cache) Name() string { return "redis" }
