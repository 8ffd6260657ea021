package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

// APIError is an upstream HTTP failure. It unwraps to ErrProviderError so the
// gateway's breaker and fallback logic can match it without knowing vendors.
type APIError struct {
	Provider domain.Provider
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.Status, e.Body)
}

func (e *APIError) Unwrap() error {
	return domain.ErrProviderError
}

// Retryable reports whether the failure is transient: rate limiting or a
// server-side error.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

const (
	defaultMaxRetries = 2
	defaultRetryDelay = 500 * time.Millisecond
	maxErrorBodyBytes = 2048
)

// PostJSON marshals the payload, POSTs it with the given headers, and retries
// transient failures with constant backoff. It returns the raw response body.
func PostJSON(ctx context.Context, client *http.Client, p domain.Provider, url string, headers map[string]string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var respBody []byte
	err = retry.Do(ctx, retry.WithMaxRetries(defaultMaxRetries, retry.NewConstant(defaultRetryDelay)), func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			// Network failures are worth one more attempt unless the
			// caller's deadline already expired.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(fmt.Errorf("do request: %w: %w", domain.ErrProviderError, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			apiErr := &APIError{Provider: p, Status: resp.StatusCode, Body: string(errBody)}
			if apiErr.Retryable() {
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read response: %w: %w", domain.ErrProviderError, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return respBody, nil
}

// IsAPIError extracts the typed upstream error, if any.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
