// Package analytics keeps a bounded in-memory window of request samples and
// serves the aggregation queries behind the observability endpoints. Prometheus
// counters are updated on the same path so the scrape view and the query view
// never diverge.
package analytics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
	"github.com/voyagehq/llm-orchestrator/internal/metrics"
)

// Sample is one completed request, successful or not.
type Sample struct {
	Timestamp    time.Time       `json:"timestamp"`
	TenantID     string          `json:"tenant_id"`
	Model        string          `json:"model,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	TaskType     domain.TaskType `json:"task_type"`
	LatencyMs    int64           `json:"latency_ms"`
	CostUSD      float64         `json:"cost_usd"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CacheHit     bool            `json:"cache_hit"`
	Success      bool            `json:"success"`
	ErrorType    string          `json:"error_type,omitempty"`
}

// Report aggregates samples over a window, either for one tenant or the whole
// system.
type Report struct {
	WindowHours   int                `json:"window_hours"`
	TotalRequests int                `json:"total_requests"`
	Successes     int                `json:"successes"`
	Errors        int                `json:"errors"`
	CacheHits     int                `json:"cache_hits"`
	CacheHitRate  float64            `json:"cache_hit_rate"`
	ErrorRate     float64            `json:"error_rate"`
	TotalCostUSD  float64            `json:"total_cost_usd"`
	TotalTokens   int                `json:"total_tokens"`
	AvgLatencyMs  float64            `json:"avg_latency_ms"`
	ByModel       map[string]int     `json:"requests_by_model"`
	CostByModel   map[string]float64 `json:"cost_by_model"`
}

// Snapshot is the real-time view over the last 60 seconds.
type Snapshot struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	ErrorRate         float64 `json:"error_rate"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	ActiveRequests    int64   `json:"active_requests"`
	SampleWindowSecs  int     `json:"sample_window_seconds"`
}

const (
	realTimeWindow = 60 * time.Second
	pruneEvery     = 512
)

// Collector is safe for concurrent use. Samples older than the retention
// window are pruned lazily on write.
type Collector struct {
	retention  time.Duration
	maxSamples int

	mu      sync.RWMutex
	samples []Sample
	writes  int

	active atomic.Int64
}

func NewCollector(retention time.Duration, maxSamples int) *Collector {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if maxSamples <= 0 {
		maxSamples = 100_000
	}
	return &Collector{
		retention:  retention,
		maxSamples: maxSamples,
		samples:    make([]Sample, 0, 1024),
	}
}

// RecordRequest stores a completed-request sample and mirrors it into the
// prometheus collectors.
func (c *Collector) RecordRequest(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}

	status := "success"
	if !s.Success {
		status = "error"
	}
	if s.CacheHit {
		status = "cache_hit"
		metrics.RecordCacheHit(s.TenantID)
	} else {
		metrics.RecordCacheMiss(s.TenantID)
	}

	metrics.RecordRequest(s.TenantID, s.Provider, s.Model, status, float64(s.LatencyMs)/1000)
	if s.InputTokens > 0 || s.OutputTokens > 0 {
		metrics.RecordTokens(s.TenantID, s.Provider, s.Model, s.InputTokens, s.OutputTokens)
	}
	if s.CostUSD > 0 {
		metrics.RecordCost(s.TenantID, s.Provider, s.Model, s.CostUSD)
	}

	c.append(s)
}

// RecordError stores a failed-request sample and counts the provider error.
func (c *Collector) RecordError(tenantID, model, provider, errorType string, latency time.Duration) {
	if provider != "" {
		metrics.RecordProviderError(provider, errorType)
	}
	c.RecordRequest(Sample{
		TenantID:  tenantID,
		Model:     model,
		Provider:  provider,
		LatencyMs: latency.Milliseconds(),
		Success:   false,
		ErrorType: errorType,
	})
}

// RequestStarted and RequestFinished bracket in-flight tracking.
func (c *Collector) RequestStarted() {
	c.active.Add(1)
	metrics.ActiveRequests.Inc()
}

func (c *Collector) RequestFinished() {
	c.active.Add(-1)
	metrics.ActiveRequests.Dec()
}

func (c *Collector) append(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, s)
	c.writes++

	if c.writes%pruneEvery == 0 || len(c.samples) > c.maxSamples {
		c.pruneLocked()
	}
}

// pruneLocked drops expired samples and, if still over capacity, the oldest
// ones. Samples are appended in near-chronological order, so a linear scan
// from the front finds the cut point.
func (c *Collector) pruneLocked() {
	cutoff := time.Now().UTC().Add(-c.retention)

	first := 0
	for first < len(c.samples) && c.samples[first].Timestamp.Before(cutoff) {
		first++
	}
	if over := len(c.samples) - first - c.maxSamples; over > 0 {
		first += over
	}
	if first == 0 {
		return
	}

	kept := make([]Sample, len(c.samples)-first)
	copy(kept, c.samples[first:])
	c.samples = kept
}

// Tenant aggregates one tenant's samples over the trailing window.
func (c *Collector) Tenant(tenantID string, window time.Duration) Report {
	return c.aggregate(window, func(s *Sample) bool { return s.TenantID == tenantID })
}

// System aggregates all samples over the trailing window.
func (c *Collector) System(window time.Duration) Report {
	return c.aggregate(window, func(s *Sample) bool { return true })
}

func (c *Collector) aggregate(window time.Duration, match func(*Sample) bool) Report {
	if window <= 0 {
		window = time.Hour
	}
	cutoff := time.Now().UTC().Add(-window)

	r := Report{
		WindowHours: int(window.Hours()),
		ByModel:     make(map[string]int),
		CostByModel: make(map[string]float64),
	}

	var latencySum int64

	c.mu.RLock()
	for i := range c.samples {
		s := &c.samples[i]
		if s.Timestamp.Before(cutoff) || !match(s) {
			continue
		}
		r.TotalRequests++
		if s.Success {
			r.Successes++
		} else {
			r.Errors++
		}
		if s.CacheHit {
			r.CacheHits++
		}
		r.TotalCostUSD += s.CostUSD
		r.TotalTokens += s.InputTokens + s.OutputTokens
		latencySum += s.LatencyMs
		if s.Model != "" {
			r.ByModel[s.Model]++
			r.CostByModel[s.Model] += s.CostUSD
		}
	}
	c.mu.RUnlock()

	if r.TotalRequests > 0 {
		r.AvgLatencyMs = float64(latencySum) / float64(r.TotalRequests)
		r.ErrorRate = float64(r.Errors) / float64(r.TotalRequests)
		r.CacheHitRate = float64(r.CacheHits) / float64(r.TotalRequests)
	}
	return r
}

// RealTime summarizes the last 60 seconds plus the live in-flight count.
func (c *Collector) RealTime() Snapshot {
	cutoff := time.Now().UTC().Add(-realTimeWindow)

	var requests, errors, cacheHits int
	var latencySum int64

	c.mu.RLock()
	for i := len(c.samples) - 1; i >= 0; i-- {
		s := &c.samples[i]
		if s.Timestamp.Before(cutoff) {
			break
		}
		requests++
		if !s.Success {
			errors++
		}
		if s.CacheHit {
			cacheHits++
		}
		latencySum += s.LatencyMs
	}
	c.mu.RUnlock()

	snap := Snapshot{
		ActiveRequests:   c.active.Load(),
		SampleWindowSecs: int(realTimeWindow.Seconds()),
	}
	snap.RequestsPerSecond = float64(requests) / realTimeWindow.Seconds()
	if requests > 0 {
		snap.AvgLatencyMs = float64(latencySum) / float64(requests)
		snap.ErrorRate = float64(errors) / float64(requests)
		snap.CacheHitRate = float64(cacheHits) / float64(requests)
	}
	return snap
}

// Close exists so the gateway can shut components down uniformly.
func (c *Collector) Close() error { return nil }
