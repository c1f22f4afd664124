package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) (*RedisKVStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisKVStore(client), mr
}

func TestRedisKVStoreRoundTrip(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "node:node-1:latest", `{"flow_rate":11.5}`, time.Hour))

	val, err := kv.Get(ctx, "node:node-1:latest")
	require.NoError(t, err)
	assert.Equal(t, `{"flow_rate":11.5}`, val)
}

func TestRedisKVStoreMiss(t *testing.T) {
	kv, _ := newTestKV(t)

	_, err := kv.Get(context.Background(), "node:ghost:latest")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisKVStoreTTL(t *testing.T) {
	kv, mr := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "node:node-1:latest", "{}", time.Hour))
	mr.FastForward(2 * time.Hour)

	_, err := kv.Get(ctx, "node:node-1:latest")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisKVStoreDelete(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "a", "1", 0))
	require.NoError(t, kv.Set(ctx, "b", "2", 0))
	require.NoError(t, kv.Delete(ctx, "a", "b"))
	require.NoError(t, kv.Delete(ctx))

	_, err := kv.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisKVStoreCountKeys(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "node:n1:latest", "{}", 0))
	require.NoError(t, kv.Set(ctx, "node:n2:latest", "{}", 0))
	require.NoError(t, kv.Set(ctx, "node:n1:metrics:1h", "{}", 0))
	require.NoError(t, kv.Set(ctx, "system:metrics:1h", "{}", 0))

	count, err := kv.CountKeys(ctx, "node:*:latest")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = kv.CountKeys(ctx, "system:metrics:*")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
