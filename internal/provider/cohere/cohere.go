package cohere

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
	"github.com/voyagehq/llm-orchestrator/internal/provider"
)

const defaultBaseURL = "https://api.cohere.com/v2"

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string, client *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{apiKey: apiKey, baseURL: baseURL, client: client}
}

func (a *Adapter) Name() domain.Provider {
	return domain.ProviderCohere
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string    `json:"model"`
	Messages      []message `json:"messages"`
	Temperature   *float64  `json:"temperature,omitempty"`
	MaxTokens     *int      `json:"max_tokens,omitempty"`
	P             *float64  `json:"p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
	Usage        struct {
		Tokens struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		} `json:"tokens"`
	} `json:"usage"`
}

func (a *Adapter) Invoke(ctx context.Context, req *domain.Request, model string) (*domain.Response, error) {
	messages := make([]message, 0, 2)
	if req.Context != "" {
		messages = append(messages, message{Role: "system", Content: req.Context})
	}
	messages = append(messages, message{Role: "user", Content: req.Prompt})

	payload := chatRequest{
		Model:         model,
		Messages:      messages,
		Temperature:   req.Params.Temperature,
		MaxTokens:     req.Params.MaxTokens,
		P:             req.Params.TopP,
		StopSequences: req.Params.StopSequences,
	}

	headers := map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	}

	start := time.Now()
	body, err := provider.PostJSON(ctx, a.client, a.Name(), a.baseURL+"/chat", headers, payload)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w: %w", domain.ErrProviderError, err)
	}

	text := ""
	for _, block := range resp.Message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("empty content: %w", domain.ErrProviderError)
	}

	input := int(resp.Usage.Tokens.InputTokens)
	output := int(resp.Usage.Tokens.OutputTokens)

	return &domain.Response{
		Model:        model,
		Provider:     domain.ProviderCohere,
		Content:      text,
		FinishReason: normalizeFinishReason(resp.FinishReason),
		Usage: domain.Usage{
			PromptTokens:     input,
			CompletionTokens: output,
			TotalTokens:      input + output,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "COMPLETE", "STOP_SEQUENCE":
		return "stop"
	default:
		return reason
	}
}
