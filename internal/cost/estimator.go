// Package cost computes token-based request costs: a pre-flight estimate used
// for budget admission and a post-hoc figure from actual token usage.
package cost

import (
	"log/slog"

	"github.com/voyagehq/llm-orchestrator/internal/config"
	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// providerFallbackPricing is the last resort when neither the model nor its
// provider carries pricing in config.
var providerFallbackPricing = map[domain.Provider]ModelPricing{
	domain.ProviderOpenAI:    {InputPer1K: 0.005, OutputPer1K: 0.015},
	domain.ProviderGemini:    {InputPer1K: 0.00125, OutputPer1K: 0.005},
	domain.ProviderAnthropic: {InputPer1K: 0.003, OutputPer1K: 0.015},
	domain.ProviderCohere:    {InputPer1K: 0.0025, OutputPer1K: 0.01},
	domain.ProviderBedrock:   {InputPer1K: 0.003, OutputPer1K: 0.015},
}

// defaultOutputTokens estimates completion length per task type when the
// caller did not set max_tokens.
var defaultOutputTokens = map[domain.TaskType]int{
	domain.TaskQuestionAnswering: 256,
	domain.TaskTranslation:       512,
	domain.TaskSummarization:     384,
	domain.TaskCodeGeneration:    1024,
	domain.TaskCreativeWriting:   1024,
	domain.TaskConversation:      256,
	domain.TaskAnalysis:          768,
	domain.TaskComplexReasoning:  1024,
	domain.TaskOther:             512,
}

const (
	inputTokenOverhead = 1.1
	maxTokensCeiling   = 8192
	fallbackOutput     = 512
	// conservativeCost is returned when estimation itself fails; high enough
	// that budget admission stays safe.
	conservativeCost = 0.10
)

type Estimator struct {
	cfg *config.Manager
}

func NewEstimator(cfg *config.Manager) *Estimator {
	return &Estimator{cfg: cfg}
}

// EstimateRequestCost is the pre-flight estimate for budget admission. It
// never returns an error: any internal failure yields a conservative figure.
func (e *Estimator) EstimateRequestCost(req *domain.Request) float64 {
	if req == nil {
		return conservativeCost
	}

	inputTokens := estimateInputTokens(req)
	outputTokens := estimateOutputTokens(req)

	model := req.PreferredModel
	provider := req.ModelPreference
	if model != "" && provider == "" {
		if def, err := e.cfg.Model(model); err == nil {
			provider, _ = domain.ParseProvider(def.Provider)
		}
	}

	pricing := e.pricingFor(model, provider)
	cost := tokenCost(inputTokens, outputTokens, pricing)
	if cost < 0 {
		return conservativeCost
	}
	return cost
}

// ActualCost computes the post-hoc cost from real token usage, falling back
// to the pre-flight estimate when the response carries no usage data.
func (e *Estimator) ActualCost(req *domain.Request, resp *domain.Response) float64 {
	if resp == nil {
		return e.EstimateRequestCost(req)
	}
	if resp.Usage.PromptTokens == 0 && resp.Usage.CompletionTokens == 0 {
		return e.EstimateRequestCost(req)
	}

	pricing := e.pricingFor(resp.Model, resp.Provider)
	cost := tokenCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, pricing)
	if cost < 0 {
		return e.EstimateRequestCost(req)
	}
	return cost
}

// pricingFor resolves pricing in order: exact model in config, provider
// defaults in config, hardcoded provider fallback.
func (e *Estimator) pricingFor(modelID string, provider domain.Provider) ModelPricing {
	if modelID != "" {
		if def, err := e.cfg.Model(modelID); err == nil {
			if def.InputCostPer1K > 0 || def.OutputCostPer1K > 0 {
				if provider == "" {
					provider, _ = domain.ParseProvider(def.Provider)
				}
				return ModelPricing{InputPer1K: def.InputCostPer1K, OutputPer1K: def.OutputCostPer1K}
			}
			if provider == "" {
				provider, _ = domain.ParseProvider(def.Provider)
			}
		}
	}

	if provider != "" {
		if pc, err := e.cfg.Provider(string(provider)); err == nil {
			if pc.DefaultInputCostPer1K > 0 || pc.DefaultOutputCostPer1K > 0 {
				return ModelPricing{InputPer1K: pc.DefaultInputCostPer1K, OutputPer1K: pc.DefaultOutputCostPer1K}
			}
		}
		if pricing, ok := providerFallbackPricing[provider]; ok {
			return pricing
		}
	}

	slog.Debug("no pricing found, using conservative default", "model", modelID, "provider", provider)
	return ModelPricing{InputPer1K: 0.01, OutputPer1K: 0.03}
}

func estimateInputTokens(req *domain.Request) int {
	chars := len(req.Prompt) + len(req.Context)
	tokens := float64(chars) / 4 * inputTokenOverhead
	if tokens < 1 {
		return 1
	}
	return int(tokens)
}

func estimateOutputTokens(req *domain.Request) int {
	if req.Params.MaxTokens != nil {
		n := *req.Params.MaxTokens
		if n < 0 {
			return 0
		}
		if n > maxTokensCeiling {
			return maxTokensCeiling
		}
		return n
	}
	if n, ok := defaultOutputTokens[req.TaskType]; ok {
		return n
	}
	return fallbackOutput
}

func tokenCost(inputTokens, outputTokens int, pricing ModelPricing) float64 {
	inputCost := float64(inputTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(outputTokens) / 1000 * pricing.OutputPer1K
	return inputCost + outputCost
}
