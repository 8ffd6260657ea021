package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/voyagehq/llm-orchestrator/internal/analytics"
	"github.com/voyagehq/llm-orchestrator/internal/auth"
	"github.com/voyagehq/llm-orchestrator/internal/budget"
	"github.com/voyagehq/llm-orchestrator/internal/cache"
	"github.com/voyagehq/llm-orchestrator/internal/circuitbreaker"
	"github.com/voyagehq/llm-orchestrator/internal/config"
	"github.com/voyagehq/llm-orchestrator/internal/cost"
	"github.com/voyagehq/llm-orchestrator/internal/domain"
	"github.com/voyagehq/llm-orchestrator/internal/gateway"
	"github.com/voyagehq/llm-orchestrator/internal/provider"
	"github.com/voyagehq/llm-orchestrator/internal/ratelimit"
	"github.com/voyagehq/llm-orchestrator/internal/routing"
	"github.com/voyagehq/llm-orchestrator/internal/tenant"
	"github.com/voyagehq/llm-orchestrator/internal/usagelog"
)

const testYAML = `
version: "2.3"
models:
  routing_strategy: main
  definitions:
    - id: test-model
      provider: openai
      input_cost_per_1k: 0.0001
      output_cost_per_1k: 0.0004
      active: true
  strategies:
    - name: main
      rules:
        - when: {}
          models: [test-model]
budget:
  default_daily_limit_usd: 1000.0
  default_monthly_limit_usd: 10000.0
providers:
  openai:
    api_key: test
`

type stubAdapter struct {
	fail error
}

func (s *stubAdapter) Name() domain.Provider { return domain.ProviderOpenAI }

func (s *stubAdapter) Invoke(ctx context.Context, req *domain.Request, model string) (*domain.Response, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	return &domain.Response{
		Model:        model,
		Provider:     domain.ProviderOpenAI,
		Content:      "ok",
		FinishReason: "stop",
		Usage:        domain.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
	}, nil
}

func newTestMux(t *testing.T, adapter *stubAdapter, adminAuth *auth.AdminAuth) (*http.ServeMux, *Handler) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.NewManager(path)
	if _, err := cfg.Load(true); err != nil {
		t.Fatalf("load config: %v", err)
	}

	registry := provider.NewRegistry()
	registry.Register(adapter)

	breakers := circuitbreaker.NewManager(map[domain.Provider]circuitbreaker.Config{
		domain.ProviderOpenAI: {FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: time.Minute},
	})

	cacheMgr := cache.NewManager(cache.NewInMemoryBackend(), time.Minute, 0)
	budgetMgr := budget.NewManager(budget.NewInMemoryStore(), cfg, nil, nil)
	tenants := tenant.NewInMemoryRepository()
	load := routing.NewLoadTracker()
	collector := analytics.NewCollector(time.Hour, 0)

	gw := gateway.New(gateway.Deps{
		Config:    cfg,
		Tenants:   tenants,
		Estimator: cost.NewEstimator(cfg),
		Cache:     cacheMgr,
		Breakers:  breakers,
		Budget:    budgetMgr,
		Router:    routing.NewEngine(cfg, breakers, load),
		Load:      load,
		Limiter:   ratelimit.NewInMemoryLimiter(),
		Registry:  registry,
		UsageLog:  usagelog.NewLogger(usagelog.NewMemorySink(), 1, time.Hour),
		Analytics: collector,
	})

	h := NewHandler(gw, breakers, cacheMgr, budgetMgr, collector, tenants, cfg)
	if adminAuth == nil {
		adminAuth = auth.NewAdminAuth("", false)
	}
	return h.Routes(adminAuth), h
}

func processBody(tenantID, prompt string) string {
	body := map[string]any{
		"tenant_id": tenantID,
		"request": map[string]any{
			"user_id":   "u1",
			"prompt":    prompt,
			"task_type": "question_answering",
		},
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func TestProcess_Success(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/llm/process", strings.NewReader(processBody("default", "what is 2+2")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}

	var resp processResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success {
		t.Error("success = false")
	}
	if resp.Response == nil || resp.Response.Content != "ok" {
		t.Errorf("response = %+v", resp.Response)
	}
	if resp.Cost <= 0 {
		t.Errorf("cost = %v, want > 0", resp.Cost)
	}
}

func TestProcess_MissingFields(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", "{}"},
		{"missing prompt", processBody("default", "")},
		{"missing tenant", processBody("", "hello")},
		{"malformed json", "{not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/llm/process", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestProcess_UnknownProviderPreference(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{}, nil)

	body := `{"tenant_id":"default","request":{"prompt":"hi","task_type":"other","model_preference":"frontier-labs"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/llm/process", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestProcess_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		tenant string
		want   int
	}{
		{"unknown tenant", "no-such-tenant", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, _ := newTestMux(t, &stubAdapter{}, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/llm/process", strings.NewReader(processBody(tt.tenant, "hello")))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestProcess_ProviderFailureIs500(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{fail: errors.New("upstream down")}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/llm/process", strings.NewReader(processBody("default", "hello")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&domain.BudgetExceededError{TenantID: "t"}, http.StatusPaymentRequired},
		{&domain.RateLimitError{TenantID: "t"}, http.StatusTooManyRequests},
		{domain.ErrTenantNotFound, http.StatusNotFound},
		{domain.ErrTenantInactive, http.StatusForbidden},
		{domain.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHealth(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", payload["status"])
	}
	if payload["config_version"] != "2.3" {
		t.Errorf("config_version = %v, want 2.3", payload["config_version"])
	}
}

func TestHealth_DegradedWhenBreakerOpen(t *testing.T) {
	mux, h := newTestMux(t, &stubAdapter{}, nil)

	if err := h.breakers.ForceOpen(domain.ProviderOpenAI); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", payload["status"])
	}
}

func TestBudgetStatus(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/budget/status/default", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var status budget.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.TenantID != "default" {
		t.Errorf("tenant = %q, want default", status.TenantID)
	}
}

func TestBudgetStatus_UnknownTenant(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/budget/status/nobody", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{}, nil)

	paths := []string{
		"/api/v1/metrics/real-time",
		"/api/v1/analytics/tenant/default",
		"/api/v1/analytics/system?hours=6",
	}

	for _, path := range paths {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestProbes(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{}, nil)

	for _, path := range []string{"/health/live", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestAdmin_ForceOpenBreaker(t *testing.T) {
	mux, h := newTestMux(t, &stubAdapter{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/circuit-breaker/openai/force-open", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	if h.breakers.CanExecute(domain.ProviderOpenAI) {
		t.Error("breaker should be forced open")
	}
}

func TestAdmin_UnknownProvider(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/circuit-breaker/frontier-labs/force-open", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAdmin_UnconfiguredProvider(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{}, nil)

	// cohere is a known provider name but has no breaker configured.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/circuit-breaker/cohere/force-open", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAdmin_InvalidateCache(t *testing.T) {
	mux, _ := newTestMux(t, &stubAdapter{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/cache/invalidate?pattern=*", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["pattern"] != "*" {
		t.Errorf("pattern = %v, want *", payload["pattern"])
	}
}

func TestAdmin_AuthRequired(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("swordfish"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	mux, _ := newTestMux(t, &stubAdapter{}, auth.NewAdminAuth(string(hash), true))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/cache/invalidate", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no password: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/cache/invalidate", nil)
	req.Header.Set("X-Admin-Password", "wrong")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/cache/invalidate", nil)
	req.Header.Set("X-Admin-Password", "swordfish")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("correct password: status = %d, want 200", rec.Code)
	}

	// Non-admin routes stay open.
	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("liveness: status = %d, want 200", rec.Code)
	}
}
