package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

// ForceOpenBreaker handles POST /api/v1/admin/circuit-breaker/{provider}/force-open.
func (h *Handler) ForceOpenBreaker(w http.ResponseWriter, r *http.Request) {
	h.forceBreaker(w, r, true)
}

// ForceCloseBreaker handles POST /api/v1/admin/circuit-breaker/{provider}/force-close.
func (h *Handler) ForceCloseBreaker(w http.ResponseWriter, r *http.Request) {
	h.forceBreaker(w, r, false)
}

func (h *Handler) forceBreaker(w http.ResponseWriter, r *http.Request, open bool) {
	raw := r.PathValue("provider")

	p, ok := domain.ParseProvider(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", raw))
		return
	}

	var err error
	action := "force-close"
	if open {
		action = "force-open"
		err = h.breakers.ForceOpen(p)
	} else {
		err = h.breakers.ForceClose(p)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("circuit breaker override", "provider", p, "action", action, "remote", r.RemoteAddr)

	writeJSON(w, http.StatusOK, map[string]any{
		"provider": string(p),
		"action":   action,
		"status":   h.breakers.Snapshot()[string(p)],
	})
}

// InvalidateCache handles POST /api/v1/admin/cache/invalidate?pattern=.
// An empty pattern flushes the whole cache.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")

	removed, err := h.cache.Invalidate(r.Context(), pattern)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}

	slog.Info("cache invalidated", "pattern", pattern, "removed", removed, "remote", r.RemoteAddr)

	writeJSON(w, http.StatusOK, map[string]any{
		"pattern": pattern,
		"removed": removed,
	})
}
