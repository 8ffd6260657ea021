package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator suppresses repeat alerts for the same tenant/period/level,
// including across gateway instances when backed by Redis.
type AlertDeduplicator interface {
	// ShouldAlert returns true when this alert has not been dispatched yet
	// (by this or any other instance).
	ShouldAlert(ctx context.Context, key string, level AlertLevel) bool

	// ClearAlert resets the alert state, e.g. when spend drops back below the
	// warning threshold at a period rollover.
	ClearAlert(ctx context.Context, key string)
}

type InMemoryDeduplicator struct {
	mu         sync.Mutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{lastAlerts: make(map[string]AlertLevel)}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, key string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastAlerts[key]; ok && last == level {
		return false
	}
	d.lastAlerts[key] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, key)
}

// RedisDeduplicator shares alert state across instances. SETNX makes exactly
// one instance win the right to dispatch a given alert.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewRedisDeduplicator(redisURL string, lockTTL time.Duration) (*RedisDeduplicator, error) {
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

	return &RedisDeduplicator{client: client, lockTTL: lockTTL}, nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, lockTTL: lockTTL}
}

func (d *RedisDeduplicator) alertKey(key string, level AlertLevel) string {
	return fmt.Sprintf("llmgw:budget:alert:%s:%s", key, level)
}

func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, key string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(key, level), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// Fail open: a Redis outage must not silence alerts.
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, key string) {
	pattern := fmt.Sprintf("llmgw:budget:alert:%s:*", key)
	keys, err := d.client.Keys(ctx, pattern).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	d.client.Del(ctx, keys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
