package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voyagehq/llm-orchestrator/internal/auth"
)

// Routes builds the full ServeMux. Admin endpoints go through the auth
// middleware; everything else is open to the calling services.
func (h *Handler) Routes(adminAuth *auth.AdminAuth) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/llm/process", h.ProcessLLMRequest)

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/metrics/real-time", h.RealTimeMetrics)
	mux.HandleFunc("GET /api/v1/analytics/tenant/{tenant_id}", h.TenantAnalytics)
	mux.HandleFunc("GET /api/v1/analytics/system", h.SystemAnalytics)
	mux.HandleFunc("GET /api/v1/budget/status/{tenant_id}", h.BudgetStatus)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /api/v1/admin/circuit-breaker/{provider}/force-open", h.ForceOpenBreaker)
	admin.HandleFunc("POST /api/v1/admin/circuit-breaker/{provider}/force-close", h.ForceCloseBreaker)
	admin.HandleFunc("POST /api/v1/admin/cache/invalidate", h.InvalidateCache)
	mux.Handle("/api/v1/admin/", adminAuth.Middleware(admin))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health/live", h.Liveness)
	mux.HandleFunc("GET /health/ready", h.Readiness)

	return mux
}
