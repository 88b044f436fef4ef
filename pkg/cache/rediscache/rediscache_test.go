package rediscache_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/cache"
	"github.com/ccollier86/catalyst-auth/pkg/cache/rediscache"
)

func newTestCache(t *testing.T) *rediscache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return rediscache.New(client)
}

func TestSetGet_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), cache.SetOptions{TTLSeconds: 30}))

	v, found, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)
}

func TestGet_MissingKey_NotFoundNotError(t *testing.T) {
	c := newTestCache(t)
	v, found, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, v)
}

func TestDelete_RemovesKey(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), cache.SetOptions{TTLSeconds: 30}))
	require.NoError(t, c.Delete(ctx, "k1"))

	_, found, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestHealthy_PingsSuccessfully(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Healthy(context.Background()))
}

func TestName_ReportsRedis(t *testing.T) {
	c := newTestCache(t)
	require.Equal(t, "redis", c.Name())
}

func TestHealthy_FailsAfterClientClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := rediscache.New(client)
	require.NoError(t, client.Close())

	err := c.Healthy(context.Background())
	require.Error(t, err)
	require.True(t, catalysterr.Retryable(err))
}
