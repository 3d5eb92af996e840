package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"postguard/internal/registry"
)

// HealthHandler serves liveness information.
type HealthHandler struct {
	registry *registry.Registry
	logger   *slog.Logger
	started  time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(reg *registry.Registry, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		registry: reg,
		logger:   logger.With(slog.String("handler", "health")),
		started:  time.Now(),
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Serials int    `json:"serials"`
	Uptime  string `json:"uptime"`
}

// Health handles GET /health. A registry read failure degrades the status
// but still answers, so load balancers can tell degraded from down.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	}

	n, err := h.registry.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "health check registry read failed",
			slog.String("error", err.Error()),
		)
		resp.Status = "degraded"
		render.Status(r, http.StatusServiceUnavailable)
	} else {
		resp.Serials = n
	}

	render.JSON(w, r, resp)
}
