// Package gateway composes the request pipeline: validate, cache check,
// route, execute with circuit protection, post-process. Side-channel
// bookkeeping (cache, usage log, analytics) never fails a request; admission
// errors (budget, rate limit, configuration) always do.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/analytics"
	"github.com/voyagehq/llm-orchestrator/internal/budget"
	"github.com/voyagehq/llm-orchestrator/internal/cache"
	"github.com/voyagehq/llm-orchestrator/internal/circuitbreaker"
	"github.com/voyagehq/llm-orchestrator/internal/config"
	"github.com/voyagehq/llm-orchestrator/internal/cost"
	"github.com/voyagehq/llm-orchestrator/internal/domain"
	"github.com/voyagehq/llm-orchestrator/internal/metrics"
	"github.com/voyagehq/llm-orchestrator/internal/provider"
	"github.com/voyagehq/llm-orchestrator/internal/ratelimit"
	"github.com/voyagehq/llm-orchestrator/internal/routing"
	"github.com/voyagehq/llm-orchestrator/internal/telemetry"
	"github.com/voyagehq/llm-orchestrator/internal/tenant"
	"github.com/voyagehq/llm-orchestrator/internal/usagelog"
)

// Result is what the caller gets back for a processed request.
type Result struct {
	Response       *domain.Response `json:"response"`
	CostUSD        float64          `json:"cost_usd"`
	ProcessingTime time.Duration    `json:"processing_time"`
}

type Gateway struct {
	cfg       *config.Manager
	tenants   tenant.Repository
	estimator *cost.Estimator
	cache     *cache.Manager
	breakers  *circuitbreaker.Manager
	budget    *budget.Manager
	router    *routing.Engine
	load      *routing.LoadTracker
	limiter   ratelimit.Limiter
	registry  *provider.Registry
	usageLog  *usagelog.Logger
	analytics *analytics.Collector

	shuttingDown atomic.Bool
	active       sync.WaitGroup
}

type Deps struct {
	Config    *config.Manager
	Tenants   tenant.Repository
	Estimator *cost.Estimator
	Cache     *cache.Manager
	Breakers  *circuitbreaker.Manager
	Budget    *budget.Manager
	Router    *routing.Engine
	Load      *routing.LoadTracker
	Limiter   ratelimit.Limiter
	Registry  *provider.Registry
	UsageLog  *usagelog.Logger
	Analytics *analytics.Collector
}

func New(deps Deps) *Gateway {
	return &Gateway{
		cfg:       deps.Config,
		tenants:   deps.Tenants,
		estimator: deps.Estimator,
		cache:     deps.Cache,
		breakers:  deps.Breakers,
		budget:    deps.Budget,
		router:    deps.Router,
		load:      deps.Load,
		limiter:   deps.Limiter,
		registry:  deps.Registry,
		usageLog:  deps.UsageLog,
		analytics: deps.Analytics,
	}
}

// ProcessRequest runs the full pipeline for one request. Any returned error
// has already been recorded in the usage log and analytics.
func (g *Gateway) ProcessRequest(ctx context.Context, req *domain.Request) (*Result, error) {
	if g.shuttingDown.Load() {
		return nil, domain.ErrShuttingDown
	}

	g.active.Add(1)
	g.analytics.RequestStarted()
	defer func() {
		g.analytics.RequestFinished()
		g.active.Done()
	}()

	ctx, span := telemetry.StartSpan(ctx, "gateway.process_request")
	defer span.End()
	telemetry.AddTaskAttributes(span, string(req.TaskType), string(req.Priority))

	start := time.Now()

	result, err := g.process(ctx, req, start)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		g.recordFailure(ctx, req, err, time.Since(start))
		return nil, err
	}

	telemetry.AddRequestAttributes(span, req.TenantID, string(result.Response.Provider), result.Response.Model, req.ID)
	telemetry.AddTokenAttributes(span, result.Response.Usage.PromptTokens, result.Response.Usage.CompletionTokens)
	telemetry.AddCostAttribute(span, result.CostUSD)
	telemetry.AddCacheAttribute(span, result.Response.Cached)

	return result, nil
}

func (g *Gateway) process(ctx context.Context, req *domain.Request, start time.Time) (*Result, error) {
	// VALIDATE
	tenantInfo, err := g.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	// CACHE-CHECK
	if resp, ok := g.cache.Lookup(ctx, req); ok {
		elapsed := time.Since(start)
		g.recordCacheHit(req, resp, elapsed)
		return &Result{Response: resp, CostUSD: 0, ProcessingTime: elapsed}, nil
	}

	// ROUTE
	selection, err := g.router.SelectModel(req, tenantInfo)
	if err != nil {
		return nil, err
	}

	// EXECUTE-WITH-PROTECTION
	resp, err := g.executeWithProtection(ctx, req, tenantInfo, selection, true)
	if err != nil {
		return nil, err
	}

	// POST-PROCESS
	actualCost := g.postProcess(ctx, req, tenantInfo, resp, time.Since(start))

	return &Result{
		Response:       resp,
		CostUSD:        actualCost,
		ProcessingTime: time.Since(start),
	}, nil
}

func (g *Gateway) validate(ctx context.Context, req *domain.Request) (*domain.TenantInfo, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", domain.ErrInvalidRequest)
	}

	tenantInfo, err := g.tenants.GetByID(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !tenantInfo.Active {
		return nil, fmt.Errorf("%w: %s", domain.ErrTenantInactive, tenantInfo.ID)
	}

	allowed, _, _, err := g.limiter.Allow(ctx, tenantInfo.ID, tenantInfo.RateLimitRPM)
	if err != nil {
		slog.Warn("rate limiter unavailable, failing open", "tenant_id", tenantInfo.ID, "error", err)
	} else if !allowed {
		metrics.RecordRateLimitHit(tenantInfo.ID)
		return nil, &domain.RateLimitError{TenantID: tenantInfo.ID, LimitRPM: tenantInfo.RateLimitRPM}
	}

	estimated := g.estimator.EstimateRequestCost(req)
	decision := g.budget.Check(ctx, tenantInfo, estimated)
	if !decision.CanProceed {
		return nil, &domain.BudgetExceededError{TenantID: tenantInfo.ID, Reason: decision.Reason}
	}

	return tenantInfo, nil
}

// executeWithProtection gates the provider call behind its circuit breaker
// and, on failure, attempts exactly one fallback hop. The fallback call
// re-enters this method with fallback disabled, so the recursion is bounded.
func (g *Gateway) executeWithProtection(ctx context.Context, req *domain.Request, tenantInfo *domain.TenantInfo, sel routing.Selection, allowFallback bool) (*domain.Response, error) {
	if !g.breakers.CanExecute(sel.Provider) {
		err := fmt.Errorf("%w: %s", domain.ErrCircuitBreakerOpen, sel.Provider)
		if allowFallback {
			if resp, fbErr := g.tryFallback(ctx, req, tenantInfo, sel, err); fbErr == nil {
				return resp, nil
			}
		}
		return nil, err
	}

	adapter, err := g.registry.Get(sel.Provider)
	if err != nil {
		return nil, err
	}

	invokeCtx := ctx
	if pc, cfgErr := g.cfg.Provider(string(sel.Provider)); cfgErr == nil && pc.RequestTimeout() > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, pc.RequestTimeout())
		defer cancel()
	}

	g.load.Acquire(sel.ModelID)
	invokeStart := time.Now()
	resp, err := adapter.Invoke(invokeCtx, req, sel.ModelID)
	elapsed := time.Since(invokeStart)
	g.load.Release(sel.ModelID)
	g.load.ObserveLatency(sel.ModelID, elapsed)

	if err != nil {
		g.breakers.RecordFailure(sel.Provider)
		metrics.RecordProviderError(string(sel.Provider), errorType(err))
		slog.Warn("provider invocation failed",
			"provider", sel.Provider,
			"model", sel.ModelID,
			"request_id", req.ID,
			"error", err,
		)

		if allowFallback {
			if fbResp, fbErr := g.tryFallback(ctx, req, tenantInfo, sel, err); fbErr == nil {
				return fbResp, nil
			}
		}
		return nil, err
	}

	g.breakers.RecordSuccess(sel.Provider)
	return resp, nil
}

// tryFallback picks the best remaining candidate and runs it through the same
// protected path with fallback disabled. Returns the original error when no
// candidate exists or the fallback also fails.
func (g *Gateway) tryFallback(ctx context.Context, req *domain.Request, tenantInfo *domain.TenantInfo, failed routing.Selection, cause error) (*domain.Response, error) {
	candidates := g.router.FallbackModels(failed.ModelID, req, tenantInfo, nil)
	if len(candidates) == 0 {
		return nil, cause
	}

	fallbackID := candidates[0]
	def, err := g.cfg.Model(fallbackID)
	if err != nil {
		return nil, cause
	}
	fbProvider, _ := domain.ParseProvider(def.Provider)

	slog.Info("attempting fallback",
		"request_id", req.ID,
		"failed_model", failed.ModelID,
		"fallback_model", fallbackID,
	)
	metrics.RecordFallback(failed.ModelID, fallbackID)

	resp, err := g.executeWithProtection(ctx, req, tenantInfo, routing.Selection{ModelID: fallbackID, Provider: fbProvider}, false)
	if err != nil {
		return nil, cause
	}
	return resp, nil
}

// postProcess runs the independent side effects after a successful provider
// call. Each step is guarded on its own so one failure cannot starve the
// others. Returns the actual cost for the caller's response envelope.
func (g *Gateway) postProcess(ctx context.Context, req *domain.Request, tenantInfo *domain.TenantInfo, resp *domain.Response, elapsed time.Duration) float64 {
	g.cache.Store(ctx, req, resp, 0)

	actualCost := g.estimator.ActualCost(req, resp)

	if err := g.budget.RecordUsage(ctx, tenantInfo, actualCost, resp.Model); err != nil {
		slog.Warn("budget usage recording failed", "tenant_id", tenantInfo.ID, "error", err)
	}

	g.usageLog.Append(usagelog.Entry{
		RequestID:    req.ID,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		PromptSHA256: usagelog.HashPrompt(req.Prompt),
		TaskType:     req.TaskType,
		Model:        resp.Model,
		Provider:     string(resp.Provider),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		CostUSD:      actualCost,
		LatencyMs:    elapsed.Milliseconds(),
		Status:       "success",
	})

	g.analytics.RecordRequest(analytics.Sample{
		TenantID:     req.TenantID,
		Model:        resp.Model,
		Provider:     string(resp.Provider),
		TaskType:     req.TaskType,
		LatencyMs:    elapsed.Milliseconds(),
		CostUSD:      actualCost,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Success:      true,
	})

	return actualCost
}

func (g *Gateway) recordCacheHit(req *domain.Request, resp *domain.Response, elapsed time.Duration) {
	g.usageLog.Append(usagelog.Entry{
		RequestID:    req.ID,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		PromptSHA256: usagelog.HashPrompt(req.Prompt),
		TaskType:     req.TaskType,
		Model:        resp.Model,
		Provider:     string(resp.Provider),
		LatencyMs:    elapsed.Milliseconds(),
		CacheHit:     true,
		Status:       "cache_hit",
	})

	g.analytics.RecordRequest(analytics.Sample{
		TenantID:  req.TenantID,
		Model:     resp.Model,
		Provider:  string(resp.Provider),
		TaskType:  req.TaskType,
		LatencyMs: elapsed.Milliseconds(),
		CacheHit:  true,
		Success:   true,
	})
}

// recordFailure logs the error through the same side channels a success uses,
// so every outcome leaves an audit trail.
func (g *Gateway) recordFailure(ctx context.Context, req *domain.Request, cause error, elapsed time.Duration) {
	g.usageLog.Append(usagelog.Entry{
		RequestID:    req.ID,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		PromptSHA256: usagelog.HashPrompt(req.Prompt),
		TaskType:     req.TaskType,
		LatencyMs:    elapsed.Milliseconds(),
		Status:       "error",
		Error:        cause.Error(),
	})

	g.analytics.RecordError(req.TenantID, "", "", errorType(cause), elapsed)
}

// errorType classifies an error for metrics labels.
func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return "rate_limit"
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return "circuit_open"
	case errors.Is(err, domain.ErrConfiguration):
		return "configuration"
	case errors.Is(err, domain.ErrTenantNotFound), errors.Is(err, domain.ErrTenantInactive):
		return "tenant"
	case errors.Is(err, domain.ErrProviderError):
		return "provider"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// Shutdown stops admitting new requests, waits for in-flight requests to
// drain up to the context deadline, then closes the side-channel components
// concurrently. Close failures are collected, not raised one at a time.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shuttingDown.Store(true)
	slog.Info("gateway draining")

	drained := make(chan struct{})
	go func() {
		g.active.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		slog.Info("gateway drained")
	case <-ctx.Done():
		slog.Warn("gateway drain timed out, closing with requests in flight")
	}

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup

	closers := map[string]func() error{
		"cache":     g.cache.Close,
		"usage_log": func() error { return g.usageLog.Close(ctx) },
		"analytics": g.analytics.Close,
	}
	for name, closeFn := range closers {
		wg.Add(1)
		go func(name string, closeFn func() error) {
			defer wg.Done()
			if err := closeFn(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
				mu.Unlock()
			}
		}(name, closeFn)
	}
	wg.Wait()

	return errors.Join(errs...)
}
