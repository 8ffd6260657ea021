// Package ratelimit enforces per-tenant requests-per-minute ceilings.
// In-memory windows serve a single instance; the Redis limiter shares the
// window across a fleet.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter reports whether a request may proceed, the remaining quota, and
// when the window resets.
type Limiter interface {
	Allow(ctx context.Context, tenantID string, limitRPM int) (allowed bool, remaining int, resetAt time.Time, err error)
}

type InMemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{windows: make(map[string]*window)}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, tenantID string, limitRPM int) (bool, int, time.Time, error) {
	if limitRPM <= 0 {
		// No configured limit means unlimited.
		return true, 0, time.Time{}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	w, ok := l.windows[tenantID]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(time.Minute)}
		l.windows[tenantID] = w
	}

	if w.count >= limitRPM {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limitRPM - w.count, w.resetAt, nil
}
