package http

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	db      *sql.DB
	version string
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *sql.DB, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		version: version,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /api/health. Liveness plus a store ping; a broken
// store reports degraded with a 503 so probes fail over.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			h.logger.ErrorContext(r.Context(), "store ping failed",
				slog.String("error", err.Error()))
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	render.Status(r, code)
	render.JSON(w, r, map[string]interface{}{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": time.Since(h.started).Seconds(),
		"timestamp":      time.Now().UTC(),
	})
}
