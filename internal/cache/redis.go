package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every cache key in Redis so the instance can
// be shared with other workloads.
const DefaultRedisPrefix = "rollout:eval"

// RedisStore is a Store backed by Redis. Because Redis cannot enumerate keys
// by prefix cheaply, each Set also registers the key in a per-flag index set
// and a global index set; invalidation deletes through the index instead of
// scanning the keyspace.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects a client and verifies connectivity before returning, so
// a misconfigured address fails at startup instead of on the first request.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.dataKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	dataKey := s.dataKey(key)
	allIndex := s.allIndexKey()
	flagIndex := s.flagIndexKey(flagOf(key))

	// Index sets outlive the data slightly so invalidation still finds keys
	// that are about to expire.
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dataKey, value, ttl)
	pipe.SAdd(ctx, allIndex, dataKey)
	pipe.Expire(ctx, allIndex, ttl+time.Minute)
	pipe.SAdd(ctx, flagIndex, dataKey)
	pipe.Expire(ctx, flagIndex, ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) error {
	flagKey := strings.TrimSuffix(prefix, ":")
	indexKey := s.flagIndexKey(flagKey)

	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis invalidate %q: %w", flagKey, err)
	}

	pipe := s.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, indexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate %q: %w", flagKey, err)
	}
	return nil
}

func (s *RedisStore) DeleteAll(ctx context.Context) error {
	allIndex := s.allIndexKey()

	keys, err := s.client.SMembers(ctx, allIndex).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis invalidate all: %w", err)
	}

	pipe := s.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, allIndex)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate all: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) dataKey(cacheKey string) string {
	return s.prefix + ":data:" + cacheKey
}

func (s *RedisStore) allIndexKey() string {
	return s.prefix + ":index:all"
}

func (s *RedisStore) flagIndexKey(flagKey string) string {
	return s.prefix + ":index:flag:" + flagKey
}

// flagOf extracts the flag component from a cache key laid out by Key.
func flagOf(cacheKey string) string {
	if i := strings.Index(cacheKey, ":"); i >= 0 {
		return cacheKey[:i]
	}
	return cacheKey
}
