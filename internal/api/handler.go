// Package api exposes the gateway over HTTP: the process endpoint, the
// observability reads, and the admin maintenance operations.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/analytics"
	"github.com/voyagehq/llm-orchestrator/internal/budget"
	"github.com/voyagehq/llm-orchestrator/internal/cache"
	"github.com/voyagehq/llm-orchestrator/internal/circuitbreaker"
	"github.com/voyagehq/llm-orchestrator/internal/config"
	"github.com/voyagehq/llm-orchestrator/internal/domain"
	"github.com/voyagehq/llm-orchestrator/internal/gateway"
	"github.com/voyagehq/llm-orchestrator/internal/tenant"
)

const maxRequestBody = 1 << 20 // 1 MiB

type Handler struct {
	gateway   *gateway.Gateway
	breakers  *circuitbreaker.Manager
	cache     *cache.Manager
	budget    *budget.Manager
	analytics *analytics.Collector
	tenants   tenant.Repository
	cfg       *config.Manager
}

func NewHandler(
	gw *gateway.Gateway,
	breakers *circuitbreaker.Manager,
	cacheMgr *cache.Manager,
	budgetMgr *budget.Manager,
	collector *analytics.Collector,
	tenants tenant.Repository,
	cfg *config.Manager,
) *Handler {
	return &Handler{
		gateway:   gw,
		breakers:  breakers,
		cache:     cacheMgr,
		budget:    budgetMgr,
		analytics: collector,
		tenants:   tenants,
		cfg:       cfg,
	}
}

// llmRequest is the caller-facing request shape inside the process envelope.
type llmRequest struct {
	UserID          string                  `json:"user_id"`
	Prompt          string                  `json:"prompt"`
	Context         string                  `json:"context,omitempty"`
	TaskType        string                  `json:"task_type"`
	Priority        string                  `json:"priority,omitempty"`
	PreferredModel  string                  `json:"preferred_model,omitempty"`
	AvoidModels     []string                `json:"avoid_models,omitempty"`
	ModelPreference string                  `json:"model_preference,omitempty"`
	Params          domain.GenerationParams `json:"params"`
}

type processRequest struct {
	Request  llmRequest `json:"request"`
	TenantID string     `json:"tenant_id"`
}

type processResponse struct {
	Success        bool             `json:"success"`
	Response       *domain.Response `json:"response,omitempty"`
	Error          string           `json:"error,omitempty"`
	ProcessingTime float64          `json:"processing_time"`
	Cost           float64          `json:"cost"`
}

// ProcessLLMRequest handles POST /api/v1/llm/process.
func (h *Handler) ProcessLLMRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var body processRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeProcessError(w, http.StatusBadRequest, "invalid request body", start)
		return
	}
	if body.TenantID == "" || body.Request.Prompt == "" {
		writeProcessError(w, http.StatusBadRequest, "tenant_id and request.prompt are required", start)
		return
	}

	req := domain.NewRequest(body.TenantID, body.Request.UserID, body.Request.Prompt, domain.TaskType(body.Request.TaskType))
	req.Context = body.Request.Context
	if body.Request.Priority != "" {
		req.Priority = domain.Priority(body.Request.Priority)
	}
	req.PreferredModel = body.Request.PreferredModel
	req.AvoidModels = body.Request.AvoidModels
	if body.Request.ModelPreference != "" {
		if p, ok := domain.ParseProvider(body.Request.ModelPreference); ok {
			req.ModelPreference = p
		} else {
			writeProcessError(w, http.StatusBadRequest, "unknown model_preference provider", start)
			return
		}
	}
	req.Params = body.Request.Params

	result, err := h.gateway.ProcessRequest(r.Context(), req)
	if err != nil {
		status := statusForError(err)
		slog.Info("request failed",
			"request_id", req.ID,
			"tenant_id", req.TenantID,
			"status", status,
			"error", err,
		)
		writeProcessError(w, status, err.Error(), start)
		return
	}

	writeJSON(w, http.StatusOK, processResponse{
		Success:        true,
		Response:       result.Response,
		ProcessingTime: result.ProcessingTime.Seconds(),
		Cost:           result.CostUSD,
	})
}

// statusForError maps the error taxonomy to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTenantInactive):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Health handles GET /api/v1/health: aggregated component health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	breakerStatuses := h.breakers.Snapshot()

	healthy := true
	for _, st := range breakerStatuses {
		if st.State == "open" {
			healthy = false
			break
		}
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	payload := map[string]any{
		"status":           status,
		"timestamp":        time.Now().UTC(),
		"circuit_breakers": breakerStatuses,
		"cache":            h.cache.Stats(),
		"budget_alerts":    h.budget.ActiveAlerts(),
	}
	if cfg := h.cfg.Current(); cfg != nil {
		payload["config_version"] = cfg.Version
	}

	writeJSON(w, http.StatusOK, payload)
}

// RealTimeMetrics handles GET /api/v1/metrics/real-time.
func (h *Handler) RealTimeMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.analytics.RealTime())
}

// TenantAnalytics handles GET /api/v1/analytics/tenant/{tenant_id}?hours=.
func (h *Handler) TenantAnalytics(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	writeJSON(w, http.StatusOK, h.analytics.Tenant(tenantID, windowFromQuery(r)))
}

// SystemAnalytics handles GET /api/v1/analytics/system?hours=.
func (h *Handler) SystemAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.analytics.System(windowFromQuery(r)))
}

// BudgetStatus handles GET /api/v1/budget/status/{tenant_id}.
func (h *Handler) BudgetStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")

	tenantInfo, err := h.tenants.GetByID(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "tenant lookup failed")
		return
	}

	status, err := h.budget.Status(r.Context(), tenantInfo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "budget status unavailable")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// Liveness handles GET /health/live.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Readiness handles GET /health/ready: not ready when config never loaded.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Current() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "config not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func windowFromQuery(r *http.Request) time.Duration {
	hours := 1
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			hours = n
		}
	}
	return time.Duration(hours) * time.Hour
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeProcessError(w http.ResponseWriter, status int, message string, start time.Time) {
	writeJSON(w, status, processResponse{
		Success:        false,
		Error:          message,
		ProcessingTime: time.Since(start).Seconds(),
	})
}
