package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "poscore/internal/errors"
	"poscore/internal/infrastructure"
	"poscore/internal/license"
	"poscore/internal/services"
)

var validate = validator.New()

// LicenseHandler serves the license lifecycle endpoints.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
		tracer:  otel.Tracer("license-handler"),
	}
}

// ActivationRequest is the POST /activate payload.
type ActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=15"`
}

func (req *ActivationRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// TransferInitiateRequest is the POST /transfers payload.
type TransferInitiateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=15"`
	Notes      string `json:"notes,omitempty" validate:"max=500"`
}

func (req *TransferInitiateRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// TransferCompleteRequest is the POST /transfers/complete payload.
type TransferCompleteRequest struct {
	TransferToken string `json:"transfer_token" validate:"required"`
	LicenseKey    string `json:"license_key" validate:"required,min=15"`
}

func (req *TransferCompleteRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// TransferCancelRequest is the POST /transfers/{id}/cancel payload.
type TransferCancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

func (req *TransferCancelRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// Routes returns the chi router for /api/license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		render.Render(w, req, apperrors.ErrNotFound)
	})

	r.Get("/status", h.GetStatus)
	r.Get("/expired", h.IsExpired)
	r.Post("/activate", h.Activate)
	r.Post("/revalidate", h.Revalidate)
	r.Get("/fingerprint", h.GetFingerprint)

	r.Route("/transfers", func(r chi.Router) {
		r.Get("/", h.TransferHistory)
		r.Post("/", h.InitiateTransfer)
		r.Post("/complete", h.CompleteTransfer)
		r.Post("/{transferID}/cancel", h.CancelTransfer)
	})

	r.Get("/audit", h.AuditLogs)
	r.Get("/audit/statistics", h.UsageStatistics)

	return r
}

// GetStatus handles GET /api/license/status.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.get_status",
		trace.WithAttributes(attribute.String("operation", "get_status")))
	defer span.End()

	resp, err := h.service.GetStatus(ctx)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.status", resp.Status),
		attribute.Int("license.days_remaining", resp.DaysRemaining),
	)
	render.JSON(w, r, resp)
}

// IsExpired handles GET /api/license/expired. It reads the stored record
// only, so it is cheap enough for the UI to poll.
func (h *LicenseHandler) IsExpired(w http.ResponseWriter, r *http.Request) {
	expired, err := h.service.IsExpired(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"expired": expired})
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.activate",
		trace.WithAttributes(attribute.String("operation", "activate")))
	defer span.End()

	req := &ActivationRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderBindError(w, r, err)
		return
	}

	start := time.Now()
	resp, err := h.service.Activate(ctx, req.LicenseKey)
	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "activation failed",
			slog.String("license_key", license.MaskLicenseKey(req.LicenseKey)),
			slog.Duration("latency", time.Since(start)),
			slog.String("error", err.Error()))
		h.renderError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license activated",
		slog.String("license_key", resp.LicenseKey),
		slog.Duration("latency", time.Since(start)))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// Revalidate handles POST /api/license/revalidate. It bypasses the
// validation cache and runs the full pipeline.
func (h *LicenseHandler) Revalidate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.revalidate")
	defer span.End()

	resp, err := h.service.Revalidate(ctx)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// GetFingerprint handles GET /api/license/fingerprint. The UI shows the
// hardware ID during support calls and transfer setup.
func (h *LicenseHandler) GetFingerprint(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.Fingerprint(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, info)
}

// InitiateTransfer handles POST /api/license/transfers.
func (h *LicenseHandler) InitiateTransfer(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.initiate_transfer")
	defer span.End()

	req := &TransferInitiateRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderBindError(w, r, err)
		return
	}

	resp, err := h.service.InitiateTransfer(ctx, req.LicenseKey, req.Notes)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("transfer.id", resp.TransferID))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// CompleteTransfer handles POST /api/license/transfers/complete on the
// target device.
func (h *LicenseHandler) CompleteTransfer(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.complete_transfer")
	defer span.End()

	req := &TransferCompleteRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderBindError(w, r, err)
		return
	}

	resp, err := h.service.CompleteTransfer(ctx, req.TransferToken, req.LicenseKey)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// CancelTransfer handles POST /api/license/transfers/{transferID}/cancel.
func (h *LicenseHandler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.cancel_transfer")
	defer span.End()

	transferID := chi.URLParam(r, "transferID")

	req := &TransferCancelRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderBindError(w, r, err)
		return
	}

	if err := h.service.CancelTransfer(ctx, transferID, req.Reason); err != nil {
		span.RecordError(err)
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]string{
		"transfer_id": transferID,
		"status":      license.TransferCancelled,
	})
}

// TransferHistory handles GET /api/license/transfers.
func (h *LicenseHandler) TransferHistory(w http.ResponseWriter, r *http.Request) {
	filter := license.TransferFilter{
		Status: r.URL.Query().Get("status"),
	}
	filter.From, filter.To = parseTimeRange(r)

	records, total, err := h.service.TransferHistory(r.Context(), filter, parsePagination(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"transfers": records,
		"total":     total,
	})
}

// AuditLogs handles GET /api/license/audit.
func (h *LicenseHandler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	filter := license.AuditFilter{
		Result: r.URL.Query().Get("result"),
		Mode:   r.URL.Query().Get("mode"),
	}
	filter.From, filter.To = parseTimeRange(r)

	entries, total, err := h.service.AuditLogs(r.Context(), filter, parsePagination(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"entries": entries,
		"total":   total,
	})
}

// UsageStatistics handles GET /api/license/audit/statistics.
func (h *LicenseHandler) UsageStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.UsageStatistics(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, stats)
}

func (h *LicenseHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := infrastructure.GetTraceID(r.Context())
	render.Render(w, r, apperrors.MapLicenseError(err, traceID))
}

// renderBindError distinguishes field validation failures (with the
// offending field named) from malformed request bodies.
func (h *LicenseHandler) renderBindError(w http.ResponseWriter, r *http.Request, err error) {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		render.Render(w, r, apperrors.ErrValidation(first.Field(),
			fmt.Sprintf("failed the %q rule", first.Tag())))
		return
	}
	render.Render(w, r, apperrors.InvalidRequestWithError(err))
}

func parsePagination(r *http.Request) license.Pagination {
	page := license.Pagination{}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Offset = n
		}
	}
	return page
}

func parseTimeRange(r *http.Request) (from, to time.Time) {
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	return from, to
}
