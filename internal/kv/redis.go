package kv

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store on a single Redis instance.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte) error {
	if err := s.rdb.Set(ctx, key, val, 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Keys walks the keyspace with SCAN MATCH prefix* so the cost is bounded by
// the number of matching keys, not the whole database.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, prefix, err)
	}
	// SCAN yields no order guarantee; the Store contract does.
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}
