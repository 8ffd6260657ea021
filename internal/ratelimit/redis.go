package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter keeps a per-tenant sorted set of request timestamps so the
// sliding window is shared across gateway instances.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisLimiter{client: client}, nil
}

func NewRedisLimiterWithClient(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, tenantID string, limitRPM int) (bool, int, time.Time, error) {
	if limitRPM <= 0 {
		return true, 0, time.Time{}, nil
	}

	key := "llmgw:ratelimit:" + tenantID
	now := time.Now()
	windowStart := now.Add(-time.Minute)
	resetAt := now.Add(time.Minute)

	pipe := l.client.Pipeline()

	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, err
	}

	count := int(countCmd.Val())
	remaining := limitRPM - count
	if remaining < 0 {
		remaining = 0
	}

	if count > limitRPM {
		return false, remaining, resetAt, nil
	}

	return true, remaining, resetAt, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
