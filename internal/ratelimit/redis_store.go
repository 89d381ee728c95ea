package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBlockStore shares circuit-breaker block state across multiple
// connector processes behind the same rate-limit configuration. Keys are
// stored with the block duration as TTL so expiry is automatic.
type RedisBlockStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBlockStore connects to addr and verifies connectivity with a
// bounded ping.
func NewRedisBlockStore(addr, password string, db int) (*RedisBlockStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &RedisBlockStore{rdb: rdb, prefix: "ilp:ratelimit:blocked:"}, nil
}

func (r *RedisBlockStore) key(peerID string) string { return r.prefix + peerID }

func (r *RedisBlockStore) SetBlocked(ctx context.Context, peerID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return r.Clear(ctx, peerID)
	}
	return r.rdb.Set(ctx, r.key(peerID), until.UnixNano(), ttl).Err()
}

func (r *RedisBlockStore) GetBlocked(ctx context.Context, peerID string) (time.Time, bool, error) {
	val, err := r.rdb.Get(ctx, r.key(peerID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt block entry for %s: %w", peerID, err)
	}
	return time.Unix(0, nanos), true, nil
}

func (r *RedisBlockStore) Clear(ctx context.Context, peerID string) error {
	return r.rdb.Del(ctx, r.key(peerID)).Err()
}

// Close releases the underlying connection pool.
func (r *RedisBlockStore) Close() error { return r.rdb.Close() }
