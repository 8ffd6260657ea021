package analytics

import (
	"testing"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

func sample(tenantID, model string, success bool) Sample {
	return Sample{
		TenantID:     tenantID,
		Model:        model,
		Provider:     "openai",
		TaskType:     domain.TaskQuestionAnswering,
		LatencyMs:    100,
		CostUSD:      0.01,
		InputTokens:  10,
		OutputTokens: 20,
		Success:      success,
	}
}

func TestCollector_TenantReport(t *testing.T) {
	c := NewCollector(time.Hour, 0)

	c.RecordRequest(sample("acme", "model-a", true))
	c.RecordRequest(sample("acme", "model-a", true))
	c.RecordRequest(sample("acme", "model-b", false))
	c.RecordRequest(sample("globex", "model-a", true))

	r := c.Tenant("acme", time.Hour)
	if r.TotalRequests != 3 {
		t.Errorf("total = %d, want 3 (globex excluded)", r.TotalRequests)
	}
	if r.Successes != 2 || r.Errors != 1 {
		t.Errorf("successes/errors = %d/%d, want 2/1", r.Successes, r.Errors)
	}
	if r.ByModel["model-a"] != 2 {
		t.Errorf("model-a requests = %d, want 2", r.ByModel["model-a"])
	}
	if r.AvgLatencyMs != 100 {
		t.Errorf("avg latency = %v, want 100", r.AvgLatencyMs)
	}
	if want := 1.0 / 3.0; r.ErrorRate != want {
		t.Errorf("error rate = %v, want %v", r.ErrorRate, want)
	}
}

func TestCollector_SystemReport(t *testing.T) {
	c := NewCollector(time.Hour, 0)

	c.RecordRequest(sample("acme", "model-a", true))
	c.RecordRequest(sample("globex", "model-b", true))

	r := c.System(time.Hour)
	if r.TotalRequests != 2 {
		t.Errorf("total = %d, want 2", r.TotalRequests)
	}
	if r.TotalTokens != 60 {
		t.Errorf("tokens = %d, want 60", r.TotalTokens)
	}
}

func TestCollector_WindowExcludesOldSamples(t *testing.T) {
	c := NewCollector(24*time.Hour, 0)

	old := sample("acme", "model-a", true)
	old.Timestamp = time.Now().UTC().Add(-2 * time.Hour)
	c.RecordRequest(old)
	c.RecordRequest(sample("acme", "model-a", true))

	r := c.Tenant("acme", time.Hour)
	if r.TotalRequests != 1 {
		t.Errorf("total = %d, want 1 (old sample outside the window)", r.TotalRequests)
	}
}

func TestCollector_CacheHitCounting(t *testing.T) {
	c := NewCollector(time.Hour, 0)

	hit := sample("acme", "model-a", true)
	hit.CacheHit = true
	c.RecordRequest(hit)
	c.RecordRequest(sample("acme", "model-a", true))

	r := c.Tenant("acme", time.Hour)
	if r.CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", r.CacheHits)
	}
	if r.CacheHitRate != 0.5 {
		t.Errorf("cache hit rate = %v, want 0.5", r.CacheHitRate)
	}
}

func TestCollector_RealTime(t *testing.T) {
	c := NewCollector(time.Hour, 0)

	c.RequestStarted()
	c.RecordRequest(sample("acme", "model-a", true))
	c.RecordRequest(sample("acme", "model-a", false))

	snap := c.RealTime()
	if snap.ActiveRequests != 1 {
		t.Errorf("active = %d, want 1", snap.ActiveRequests)
	}
	if snap.ErrorRate != 0.5 {
		t.Errorf("error rate = %v, want 0.5", snap.ErrorRate)
	}
	if snap.RequestsPerSecond <= 0 {
		t.Error("requests per second should be positive")
	}

	c.RequestFinished()
	if got := c.RealTime().ActiveRequests; got != 0 {
		t.Errorf("active after finish = %d, want 0", got)
	}
}

func TestCollector_RecordError(t *testing.T) {
	c := NewCollector(time.Hour, 0)

	c.RecordError("acme", "", "", "budget_exceeded", 5*time.Millisecond)

	r := c.Tenant("acme", time.Hour)
	if r.Errors != 1 {
		t.Errorf("errors = %d, want 1", r.Errors)
	}
}

func TestCollector_CapacityPruning(t *testing.T) {
	c := NewCollector(time.Hour, 600)

	for i := 0; i < 2000; i++ {
		c.RecordRequest(sample("acme", "model-a", true))
	}

	c.mu.RLock()
	n := len(c.samples)
	c.mu.RUnlock()

	// Pruning runs every 512 writes, so the sample count can overshoot the
	// cap between prunes but must stay bounded.
	if n > 600+pruneEvery {
		t.Errorf("samples = %d, want bounded near 600", n)
	}
}
