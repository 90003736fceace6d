// SPDX-License-Identifier: MIT

package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/streamrec/internal/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "streamrec:lease:"

// Compare-and-act scripts so only the current owner can renew or release.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisManager shares leases across processes through Redis.
type RedisManager struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisManager connects to Redis and verifies the connection.
func NewRedisManager(ctx context.Context, opts RedisOptions) (*RedisManager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("lease")
	logger.Info().
		Str(log.FieldEvent, "lease.redis_connected").
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("connected to Redis lease backend")

	return &RedisManager{client: client, logger: logger}, nil
}

func (r *RedisManager) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	// Already present: succeed only if we own it.
	return r.Renew(ctx, key, owner, ttl)
}

func (r *RedisManager) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	n, err := renewScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("renew lease %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *RedisManager) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func (r *RedisManager) Close() error {
	return r.client.Close()
}
