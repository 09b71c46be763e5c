package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisBackend struct {
	rdb *redis.Client
}

func newRedisBackend(ctx context.Context, cfg Config) (*redisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &redisBackend{rdb: rdb}, nil
}

func (b *redisBackend) Set(ctx context.Context, key, value string, ttl time.Duration, onlyIfAbsent bool) (bool, error) {
	if onlyIfAbsent {
		return b.rdb.SetNX(ctx, key, value, ttl).Result()
	}
	if err := b.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (b *redisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *redisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.rdb.Del(ctx, key).Result()
	return n > 0, err
}

func (b *redisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (b *redisBackend) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return b.rdb.Expire(ctx, key, ttl).Result()
}

func (b *redisBackend) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := b.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// -2: key missing, -1: key live without expiry.
	switch {
	case d == -2*time.Second || d == -2:
		return 0, false, nil
	case d < 0:
		return 0, true, nil
	default:
		return d, true, nil
	}
}

func (b *redisBackend) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return b.rdb.IncrBy(ctx, key, delta).Result()
}

func (b *redisBackend) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	vals, err := b.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (b *redisBackend) MSet(ctx context.Context, kv map[string]string, ttl time.Duration) error {
	// Pipeline so a large batch is one round trip and every key still
	// gets its TTL (plain MSET cannot set expiry).
	pipe := b.rdb.Pipeline()
	for k, v := range kv {
		pipe.Set(ctx, k, v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *redisBackend) ScanDelete(ctx context.Context, glob string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, glob, 512).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := b.rdb.Del(ctx, keys...).Result()
			deleted += int(n)
			if err != nil {
				return deleted, err
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (b *redisBackend) Close() error { return b.rdb.Close() }
