package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss 表示缓存不存在
var ErrCacheMiss = errors.New("cache miss")

// KVStore 抽象的 KV 存储（用于在单元测试中替换 Redis）
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// CountKeys 按模式统计 key 数量（运维 status 接口用）
	CountKeys(ctx context.Context, pattern string) (int64, error)
}

// RedisKVStore 基于 go-redis 的 KV 实现
type RedisKVStore struct {
	client *redis.Client
}

func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

var _ KVStore = (*RedisKVStore)(nil)

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKVStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisKVStore) CountKeys(ctx context.Context, pattern string) (int64, error) {
	var count int64
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return 0, err
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}
