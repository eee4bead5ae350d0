package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"poscore/internal/infrastructure"
	"poscore/internal/services"
)

// HealthHandler serves process health endpoints.
type HealthHandler struct {
	service services.HealthService
	logger  *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(service services.HealthService, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &HealthHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Routes returns the chi router for /api/health.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.HealthCheck)
	r.Get("/ready", h.ReadinessCheck)
	r.Get("/live", h.LivenessCheck)
	return r
}

// HealthCheck handles GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := h.service.HealthCheck(r.Context())
	if status.Status == "unhealthy" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}

// ReadinessCheck handles GET /api/health/ready
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	status := h.service.ReadinessCheck(r.Context())
	if status.Status == "unhealthy" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}

// LivenessCheck handles GET /api/health/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.LivenessCheck(r.Context()))
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Version(r.Context()))
}

// SystemStats handles GET /api/system/stats
func (h *HealthHandler) SystemStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.SystemStats(r.Context()))
}
