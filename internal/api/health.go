package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avitale/ledgerly/internal/store"
)

// HealthHandler reports process and database health.
type HealthHandler struct {
	repo      store.Repository
	startedAt time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo, startedAt: time.Now()}
}

// RegisterHealth registers the readiness route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.handleHealth)
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "ok"
	code := http.StatusOK

	if err := h.repo.Ping(r.Context()); err != nil {
		status = "degraded"
		dbStatus = "unreachable"
		code = http.StatusServiceUnavailable
	}

	JSON(w, code, map[string]any{
		"status":         status,
		"database":       dbStatus,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}
