package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrTenantInactive     = errors.New("tenant inactive")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrConfiguration      = errors.New("configuration error")
	ErrProviderError      = errors.New("provider error")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrShuttingDown       = errors.New("gateway shutting down")
)

// ConfigurationError is fatal to the triggering request and is never retried.
type ConfigurationError struct {
	Detail string
}

func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Detail: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Detail
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// BudgetExceededError aborts a request before any provider is touched.
type BudgetExceededError struct {
	TenantID string
	Reason   string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for tenant %s: %s", e.TenantID, e.Reason)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// RateLimitError carries the limit that was hit for the 429 response headers.
type RateLimitError struct {
	TenantID string
	LimitRPM int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tenant %s: %d rpm", e.TenantID, e.LimitRPM)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }
