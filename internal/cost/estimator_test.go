package cost

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voyagehq/llm-orchestrator/internal/config"
	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

const testYAML = `
version: "1.0"
models:
  definitions:
    - id: priced-model
      provider: openai
      input_cost_per_1k: 0.010
      output_cost_per_1k: 0.030
      active: true
    - id: unpriced-model
      provider: cohere
      active: true
providers:
  cohere:
    default_input_cost_per_1k: 0.002
    default_output_cost_per_1k: 0.008
`

func newTestEstimator(t *testing.T) *Estimator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := config.NewManager(path)
	if _, err := m.Load(true); err != nil {
		t.Fatalf("load config: %v", err)
	}
	return NewEstimator(m)
}

func TestEstimateRequestCost_NeverNegative(t *testing.T) {
	e := newTestEstimator(t)

	reqs := []*domain.Request{
		nil,
		{},
		{Prompt: "hello", TaskType: domain.TaskOther},
		{Prompt: strings.Repeat("x", 100000), TaskType: domain.TaskComplexReasoning},
	}

	for i, req := range reqs {
		if cost := e.EstimateRequestCost(req); cost < 0 {
			t.Errorf("request %d: cost = %v, want >= 0", i, cost)
		}
	}
}

func TestEstimateRequestCost_NilRequestConservative(t *testing.T) {
	e := newTestEstimator(t)
	if cost := e.EstimateRequestCost(nil); cost != conservativeCost {
		t.Errorf("cost = %v, want conservative %v", cost, conservativeCost)
	}
}

func TestEstimateRequestCost_GrowsWithPrompt(t *testing.T) {
	e := newTestEstimator(t)

	short := &domain.Request{Prompt: "hi", TaskType: domain.TaskQuestionAnswering}
	long := &domain.Request{Prompt: strings.Repeat("word ", 5000), TaskType: domain.TaskQuestionAnswering}

	if e.EstimateRequestCost(long) <= e.EstimateRequestCost(short) {
		t.Error("longer prompt should cost more")
	}
}

func TestEstimateRequestCost_HonorsMaxTokens(t *testing.T) {
	e := newTestEstimator(t)

	small, big := 10, 4000
	a := &domain.Request{Prompt: "p", TaskType: domain.TaskOther, Params: domain.GenerationParams{MaxTokens: &small}}
	b := &domain.Request{Prompt: "p", TaskType: domain.TaskOther, Params: domain.GenerationParams{MaxTokens: &big}}

	if e.EstimateRequestCost(b) <= e.EstimateRequestCost(a) {
		t.Error("higher max_tokens should raise the estimate")
	}
}

func TestPricingResolution(t *testing.T) {
	e := newTestEstimator(t)

	tests := []struct {
		name     string
		model    string
		provider domain.Provider
		want     ModelPricing
	}{
		{"model pricing wins", "priced-model", "", ModelPricing{InputPer1K: 0.010, OutputPer1K: 0.030}},
		{"provider config for unpriced model", "unpriced-model", "", ModelPricing{InputPer1K: 0.002, OutputPer1K: 0.008}},
		{"hardcoded provider fallback", "", domain.ProviderAnthropic, providerFallbackPricing[domain.ProviderAnthropic]},
		{"unknown everything gets conservative pricing", "", "", ModelPricing{InputPer1K: 0.01, OutputPer1K: 0.03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.pricingFor(tt.model, tt.provider); got != tt.want {
				t.Errorf("pricingFor(%q, %q) = %+v, want %+v", tt.model, tt.provider, got, tt.want)
			}
		})
	}
}

func TestActualCost_UsesRealUsage(t *testing.T) {
	e := newTestEstimator(t)

	req := &domain.Request{Prompt: "p", TaskType: domain.TaskOther}
	resp := &domain.Response{
		Model:    "priced-model",
		Provider: domain.ProviderOpenAI,
		Usage:    domain.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000},
	}

	// 1000/1000 * 0.010 + 1000/1000 * 0.030
	want := 0.040
	if got := e.ActualCost(req, resp); math.Abs(got-want) > 1e-9 {
		t.Errorf("actual cost = %v, want %v", got, want)
	}
}

func TestActualCost_FallsBackToEstimate(t *testing.T) {
	e := newTestEstimator(t)
	req := &domain.Request{Prompt: "some prompt", TaskType: domain.TaskQuestionAnswering}

	estimate := e.EstimateRequestCost(req)

	if got := e.ActualCost(req, nil); got != estimate {
		t.Errorf("nil response cost = %v, want estimate %v", got, estimate)
	}

	empty := &domain.Response{Model: "priced-model", Provider: domain.ProviderOpenAI}
	if got := e.ActualCost(req, empty); got != estimate {
		t.Errorf("zero-usage cost = %v, want estimate %v", got, estimate)
	}
}

func TestEstimateOutputTokens_Ceiling(t *testing.T) {
	huge := 100000
	req := &domain.Request{Params: domain.GenerationParams{MaxTokens: &huge}}
	if got := estimateOutputTokens(req); got != maxTokensCeiling {
		t.Errorf("output tokens = %d, want ceiling %d", got, maxTokensCeiling)
	}
}
