package routing

import (
	"sync"
	"time"
)

// LoadTracker counts in-flight requests and keeps an exponential moving
// average of latency per model. The gateway drives it around every provider
// invocation.
type LoadTracker struct {
	mu       sync.RWMutex
	inFlight map[string]int
	avgMs    map[string]float64
}

// emaAlpha weights new latency observations against history.
const emaAlpha = 0.2

func NewLoadTracker() *LoadTracker {
	return &LoadTracker{
		inFlight: make(map[string]int),
		avgMs:    make(map[string]float64),
	}
}

func (t *LoadTracker) Acquire(modelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[modelID]++
}

func (t *LoadTracker) Release(modelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight[modelID] > 0 {
		t.inFlight[modelID]--
	}
}

func (t *LoadTracker) ObserveLatency(modelID string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ms := float64(d.Milliseconds())
	if prev, ok := t.avgMs[modelID]; ok {
		t.avgMs[modelID] = prev*(1-emaAlpha) + ms*emaAlpha
	} else {
		t.avgMs[modelID] = ms
	}
}

func (t *LoadTracker) InFlight(modelID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inFlight[modelID]
}

func (t *LoadTracker) AvgLatency(modelID string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Duration(t.avgMs[modelID]) * time.Millisecond
}
