package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"poscore/internal/exporter"
	"poscore/internal/infrastructure"
	"poscore/internal/license"
)

// ExportHandler serves audit history downloads.
type ExportHandler struct {
	exporter *exporter.AuditExporter
	logger   *slog.Logger
}

// NewExportHandler creates an export handler.
func NewExportHandler(exp *exporter.AuditExporter, logger *slog.Logger) *ExportHandler {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &ExportHandler{
		exporter: exp,
		logger:   logger.With(slog.String("handler", "export")),
	}
}

// ExportAudit handles GET /api/exports/audit?format=csv|xlsx.
// The xlsx format produces a full workbook including transfer history
// and a summary sheet.
func (h *ExportHandler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	filter := license.AuditFilter{
		Result: r.URL.Query().Get("result"),
		Mode:   r.URL.Query().Get("mode"),
	}
	filter.From, filter.To = parseTimeRange(r)

	stamp := time.Now().UTC().Format("20060102-150405")
	format := r.URL.Query().Get("format")

	var err error
	switch format {
	case "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="license-audit-%s.xlsx"`, stamp))
		err = h.exporter.WriteWorkbook(r.Context(), w, filter)
	case "csv", "":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="license-audit-%s.csv"`, stamp))
		err = h.exporter.WriteAuditCSV(r.Context(), w, filter)
	default:
		http.Error(w, "unsupported format: "+format, http.StatusBadRequest)
		return
	}

	if err != nil {
		// Headers are already sent; all we can do is log and drop the
		// connection mid-stream.
		h.logger.ErrorContext(r.Context(), "audit export failed",
			slog.String("format", format),
			slog.String("error", err.Error()))
	}
}

// ExportTransfers handles GET /api/exports/transfers.
func (h *ExportHandler) ExportTransfers(w http.ResponseWriter, r *http.Request) {
	filter := license.TransferFilter{
		Status: r.URL.Query().Get("status"),
	}
	filter.From, filter.To = parseTimeRange(r)

	stamp := time.Now().UTC().Format("20060102-150405")
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="license-transfers-%s.csv"`, stamp))

	if err := h.exporter.WriteTransfersCSV(r.Context(), w, filter); err != nil {
		h.logger.ErrorContext(r.Context(), "transfer export failed",
			slog.String("error", err.Error()))
	}
}
