package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

// Manager applies the caching policy on top of a Backend: adaptive TTL by
// task type, a serialized-size ceiling, and swallow-and-log error handling so
// a cache outage degrades to "always miss" and never fails a request.
type Manager struct {
	backend      Backend
	defaultTTL   time.Duration
	maxEntrySize int

	hits   atomic.Int64
	misses atomic.Int64
	stores atomic.Int64
	errors atomic.Int64
}

type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Stores  int64   `json:"stores"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

func NewManager(backend Backend, defaultTTL time.Duration, maxEntrySize int) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if maxEntrySize <= 0 {
		maxEntrySize = 256 * 1024
	}
	return &Manager{
		backend:      backend,
		defaultTTL:   defaultTTL,
		maxEntrySize: maxEntrySize,
	}
}

// Lookup returns the cached response for a request, or false on miss. Backend
// errors count as misses.
func (m *Manager) Lookup(ctx context.Context, req *domain.Request) (*domain.Response, bool) {
	key := Key(req)

	data, ok, err := m.backend.Get(ctx, key)
	if err != nil {
		m.errors.Add(1)
		slog.Warn("cache lookup failed", "error", err, "request_id", req.ID)
		m.misses.Add(1)
		return nil, false
	}
	if !ok {
		m.misses.Add(1)
		return nil, false
	}

	var resp domain.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		m.errors.Add(1)
		slog.Warn("cache entry corrupt, treating as miss", "error", err, "key", key)
		m.misses.Add(1)
		return nil, false
	}

	m.hits.Add(1)
	resp.Cached = true
	return &resp, true
}

// Store writes a response under the request's key. Returns false (without
// error) when the entry is oversized or the backend write fails.
func (m *Manager) Store(ctx context.Context, req *domain.Request, resp *domain.Response, ttlOverride time.Duration) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		m.errors.Add(1)
		slog.Warn("cache serialize failed", "error", err, "request_id", req.ID)
		return false
	}

	if len(data) > m.maxEntrySize {
		slog.Debug("response too large to cache",
			"size", len(data),
			"limit", m.maxEntrySize,
			"request_id", req.ID,
		)
		return false
	}

	ttl := ttlOverride
	if ttl <= 0 {
		ttl = m.ttlFor(req.TaskType, resp)
	}

	if err := m.backend.Set(ctx, Key(req), data, ttl); err != nil {
		m.errors.Add(1)
		slog.Warn("cache store failed", "error", err, "request_id", req.ID)
		return false
	}

	m.stores.Add(1)
	return true
}

// ttlFor adapts the default TTL to the task type: factual tasks cache long,
// creative and conversational tasks cache short, and length-truncated
// responses get a further haircut since a retry may do better.
func (m *Manager) ttlFor(task domain.TaskType, resp *domain.Response) time.Duration {
	ttl := m.defaultTTL

	switch task {
	case domain.TaskQuestionAnswering, domain.TaskTranslation,
		domain.TaskSummarization, domain.TaskAnalysis:
		ttl = 2 * ttl
	case domain.TaskCreativeWriting, domain.TaskConversation:
		ttl = ttl / 2
	}

	if resp.Truncated() {
		ttl = ttl / 2
	}

	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Invalidate deletes entries matching the pattern, or flushes everything when
// the pattern is empty. Returns the number of entries removed.
func (m *Manager) Invalidate(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return m.backend.Flush(ctx)
	}
	return m.backend.DeleteByPattern(ctx, pattern)
}

func (m *Manager) Stats() Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Stores:  m.stores.Load(),
		Errors:  m.errors.Load(),
		HitRate: rate,
	}
}

func (m *Manager) Close() error {
	return m.backend.Close()
}
