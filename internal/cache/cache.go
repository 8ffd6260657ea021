// Package cache provides content-addressed response caching for deterministic
// LLM requests. Keys hash the semantically relevant request fields so
// identical requests collide regardless of field ordering. Backends: in-memory
// for single instances, Redis for shared deployments.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

const keyPrefix = "llmgw:cache:"

// contextKeyLimit bounds how much of the free-text context participates in
// the key; long contexts differ in tails that rarely change the answer.
const contextKeyLimit = 500

// Backend is the storage interface the Manager drives.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
	Flush(ctx context.Context) (int, error)
	Close() error
}

// Key derives the cache key for a request: SHA-256 over a canonical JSON
// object with nil fields removed and keys sorted by the encoder. Requests
// that differ only in unset optional fields or field ordering produce the
// same key.
func Key(req *domain.Request) string {
	fields := map[string]any{
		"prompt":    req.Prompt,
		"task_type": string(req.TaskType),
	}
	if req.ModelPreference != "" {
		fields["model_preference"] = string(req.ModelPreference)
	}
	if req.Params.Temperature != nil {
		fields["temperature"] = *req.Params.Temperature
	}
	if req.Params.MaxTokens != nil {
		fields["max_tokens"] = *req.Params.MaxTokens
	}
	if req.Params.TopP != nil {
		fields["top_p"] = *req.Params.TopP
	}
	if req.Context != "" {
		truncated := req.Context
		if len(truncated) > contextKeyLimit {
			truncated = truncated[:contextKeyLimit]
		}
		fields["context"] = truncated
	}

	// encoding/json sorts map keys, which gives us the canonical ordering.
	data, _ := json.Marshal(fields)
	hash := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(hash[:])
}

type InMemoryBackend struct {
	mu    sync.RWMutex
	items map[string]*memoryItem
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func NewInMemoryBackend() *InMemoryBackend {
	b := &InMemoryBackend{items: make(map[string]*memoryItem)}
	go b.cleanup()
	return b
}

func (b *InMemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	item, ok := b.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false, nil
	}
	return item.value, true, nil
}

func (b *InMemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[key] = &memoryItem{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (b *InMemoryBackend) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	deleted := 0
	for key := range b.items {
		if matchPattern(key, keyPrefix+pattern) {
			delete(b.items, key)
			deleted++
		}
	}
	return deleted, nil
}

func (b *InMemoryBackend) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.items)
	b.items = make(map[string]*memoryItem)
	return n, nil
}

func (b *InMemoryBackend) Close() error { return nil }

func (b *InMemoryBackend) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		b.mu.Lock()
		now := time.Now()
		for key, item := range b.items {
			if now.After(item.expiresAt) {
				delete(b.items, key)
			}
		}
		b.mu.Unlock()
	}
}

// matchPattern supports the redis-style trailing * glob; anything else is an
// exact match.
func matchPattern(key, pattern string) bool {
	if pattern == keyPrefix+"*" || pattern == keyPrefix {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return key == pattern
}

type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	var deleted int
	iter := b.client.Scan(ctx, 0, keyPrefix+pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := b.client.Del(ctx, iter.Val()).Err(); err == nil {
			deleted++
		}
	}
	return deleted, iter.Err()
}

func (b *RedisBackend) Flush(ctx context.Context) (int, error) {
	return b.DeleteByPattern(ctx, "*")
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
