package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskType classifies what kind of work a request is asking a model to do.
// The routing engine and the cache TTL policy both key off it.
type TaskType string

const (
	TaskQuestionAnswering TaskType = "question_answering"
	TaskTranslation       TaskType = "translation"
	TaskSummarization     TaskType = "summarization"
	TaskCodeGeneration    TaskType = "code_generation"
	TaskCreativeWriting   TaskType = "creative_writing"
	TaskConversation      TaskType = "conversation"
	TaskAnalysis          TaskType = "analysis"
	TaskComplexReasoning  TaskType = "complex_reasoning"
	TaskOther             TaskType = "other"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Provider identifies an upstream LLM vendor.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderAnthropic Provider = "anthropic"
	ProviderCohere    Provider = "cohere"
	ProviderBedrock   Provider = "bedrock"
)

// KnownProviders lists every provider the gateway can be configured with.
var KnownProviders = []Provider{
	ProviderOpenAI,
	ProviderGemini,
	ProviderAnthropic,
	ProviderCohere,
	ProviderBedrock,
}

func ParseProvider(s string) (Provider, bool) {
	for _, p := range KnownProviders {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// GenerationParams are the caller-supplied sampling parameters. Pointer fields
// distinguish "unset" from zero values so cache keys stay stable.
type GenerationParams struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// Request is the caller-supplied unit of work. It is treated as immutable once
// constructed; the gateway never mutates it after NewRequest.
type Request struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	UserID          string           `json:"user_id"`
	Prompt          string           `json:"prompt"`
	Context         string           `json:"context,omitempty"`
	TaskType        TaskType         `json:"task_type"`
	Priority        Priority         `json:"priority"`
	PreferredModel  string           `json:"preferred_model,omitempty"`
	AvoidModels     []string         `json:"avoid_models,omitempty"`
	ModelPreference Provider         `json:"model_preference,omitempty"`
	Params          GenerationParams `json:"params"`
	CreatedAt       time.Time        `json:"created_at"`
}

// NewRequest fills in the identity and defaulted fields of a Request.
func NewRequest(tenantID, userID, prompt string, taskType TaskType) *Request {
	if taskType == "" {
		taskType = TaskOther
	}
	return &Request{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Prompt:    prompt,
		TaskType:  taskType,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response carries everything needed to deterministically recompute its cost:
// provider, model, and token usage. Cost itself is computed by the estimator
// and is never embedded here.
type Response struct {
	Model        string   `json:"model"`
	Provider     Provider `json:"provider"`
	Content      string   `json:"content"`
	FinishReason string   `json:"finish_reason"`
	Usage        Usage    `json:"usage"`
	LatencyMs    int64    `json:"latency_ms"`
	Cached       bool     `json:"cached"`
}

// Truncated reports whether generation stopped because of the length limit.
func (r *Response) Truncated() bool {
	return r.FinishReason == "length"
}

// TenantInfo is the billing/isolation boundary a request runs under. The
// gateway reads it fresh each request cycle and never mutates identity fields;
// only budget usage counters (owned by the budget manager) change over time.
type TenantInfo struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Active           bool              `json:"active"`
	Tier             string            `json:"tier"`
	DailyBudgetUSD   float64           `json:"daily_budget_usd"`
	MonthlyBudgetUSD float64           `json:"monthly_budget_usd"`
	RateLimitRPM     int               `json:"rate_limit_rpm"`
	AllowedProviders []Provider        `json:"allowed_providers,omitempty"`
	Settings         map[string]string `json:"settings,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// AllowsProvider returns true when the tenant may use the given provider.
// An empty allowlist means all providers are permitted.
func (t *TenantInfo) AllowsProvider(p Provider) bool {
	if len(t.AllowedProviders) == 0 {
		return true
	}
	for _, allowed := range t.AllowedProviders {
		if allowed == p {
			return true
		}
	}
	return false
}
