package exporter

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"poscore/internal/infrastructure"
	"poscore/internal/license"
)

// exportPageSize bounds memory while paging through the audit log.
const exportPageSize = 500

var auditHeaders = []string{"Timestamp", "License Key", "Mode", "Result", "Detail", "Trace ID"}

var transferHeaders = []string{"Transfer ID", "License Key", "Status", "Source Machine", "Target Machine", "Initiated At", "Completed At", "Notes"}

// AuditExporter streams audit and transfer history into export formats.
type AuditExporter struct {
	audit     *license.AuditLog
	transfers *license.TransferStore
	logger    *slog.Logger
}

// NewAuditExporter creates an exporter over the audit stores.
func NewAuditExporter(audit *license.AuditLog, transfers *license.TransferStore, logger *slog.Logger) *AuditExporter {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &AuditExporter{
		audit:     audit,
		transfers: transfers,
		logger:    logger.With(slog.String("component", "exporter")),
	}
}

// WriteAuditCSV streams the filtered audit log as CSV. A UTF-8 BOM is
// prepended so Excel opens the file correctly.
func (e *AuditExporter) WriteAuditCSV(ctx context.Context, w io.Writer, filter license.AuditFilter) error {
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("write BOM: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(auditHeaders); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}

	count := 0
	err := e.eachAuditEntry(ctx, filter, func(entry license.AuditEntry) error {
		count++
		return writer.Write(auditRow(entry))
	})
	if err != nil {
		return err
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}

	e.logger.InfoContext(ctx, "audit CSV export completed", slog.Int("rows", count))
	return nil
}

// WriteWorkbook renders a full compliance workbook: one sheet of
// validation history, one of transfer history and a summary sheet built
// from the usage statistics.
func (e *AuditExporter) WriteWorkbook(ctx context.Context, w io.Writer, filter license.AuditFilter) error {
	f := excelize.NewFile()
	defer f.Close()

	const validationSheet = "Validations"
	if err := f.SetSheetName("Sheet1", validationSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	if err := setRow(f, validationSheet, 1, auditHeaders); err != nil {
		return err
	}
	row := 2
	err := e.eachAuditEntry(ctx, filter, func(entry license.AuditEntry) error {
		if err := setRow(f, validationSheet, row, auditRow(entry)); err != nil {
			return err
		}
		row++
		return nil
	})
	if err != nil {
		return err
	}

	if err := e.writeTransferSheet(ctx, f); err != nil {
		return err
	}
	if err := e.writeSummarySheet(ctx, f); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}

	e.logger.InfoContext(ctx, "audit workbook export completed", slog.Int("validation_rows", row-2))
	return nil
}

// WriteTransfersCSV streams transfer history as CSV.
func (e *AuditExporter) WriteTransfersCSV(ctx context.Context, w io.Writer, filter license.TransferFilter) error {
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("write BOM: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(transferHeaders); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}

	offset := 0
	for {
		records, total, err := e.transfers.List(ctx, filter, license.Pagination{Limit: exportPageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("list transfers: %w", err)
		}
		for _, rec := range records {
			if err := writer.Write(transferRow(rec)); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
		offset += len(records)
		if offset >= total || len(records) == 0 {
			break
		}
	}

	writer.Flush()
	return writer.Error()
}

func (e *AuditExporter) writeTransferSheet(ctx context.Context, f *excelize.File) error {
	const sheet = "Transfers"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	if err := setRow(f, sheet, 1, transferHeaders); err != nil {
		return err
	}

	row := 2
	offset := 0
	for {
		records, total, err := e.transfers.List(ctx, license.TransferFilter{}, license.Pagination{Limit: exportPageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("list transfers: %w", err)
		}
		for _, rec := range records {
			if err := setRow(f, sheet, row, transferRow(rec)); err != nil {
				return err
			}
			row++
		}
		offset += len(records)
		if offset >= total || len(records) == 0 {
			return nil
		}
	}
}

func (e *AuditExporter) writeSummarySheet(ctx context.Context, f *excelize.File) error {
	stats, err := e.audit.Statistics(ctx)
	if err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	counts, err := e.transfers.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("transfer counts: %w", err)
	}

	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	rows := [][]string{
		{"Metric", "Value"},
		{"Total Validations", strconv.FormatInt(stats.TotalValidations, 10)},
	}
	for mode, count := range stats.ByMode {
		rows = append(rows, []string{"Validations (" + mode + ")", strconv.FormatInt(count, 10)})
	}
	for result, count := range stats.ByResult {
		rows = append(rows, []string{"Result (" + result + ")", strconv.FormatInt(count, 10)})
	}
	for status, count := range counts {
		rows = append(rows, []string{"Transfers (" + status + ")", strconv.FormatInt(count, 10)})
	}
	if stats.FirstValidation != nil {
		rows = append(rows, []string{"First Validation", stats.FirstValidation.Format(time.RFC3339)})
	}
	if stats.LastValidation != nil {
		rows = append(rows, []string{"Last Validation", stats.LastValidation.Format(time.RFC3339)})
	}

	for i, cells := range rows {
		if err := setRow(f, sheet, i+1, cells); err != nil {
			return err
		}
	}
	return nil
}

// eachAuditEntry pages through the audit log oldest-first within each
// page, visiting every entry matching the filter.
func (e *AuditExporter) eachAuditEntry(ctx context.Context, filter license.AuditFilter, visit func(license.AuditEntry) error) error {
	offset := 0
	for {
		entries, total, err := e.audit.Query(ctx, filter, license.Pagination{Limit: exportPageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("query audit log: %w", err)
		}
		for _, entry := range entries {
			if err := visit(entry); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
		offset += len(entries)
		if offset >= total || len(entries) == 0 {
			return nil
		}
	}
}

func auditRow(entry license.AuditEntry) []string {
	return []string{
		entry.Timestamp.UTC().Format(time.RFC3339),
		entry.LicenseKey,
		entry.Mode,
		entry.Result,
		entry.Detail,
		entry.TraceID,
	}
}

func transferRow(rec license.TransferRecord) []string {
	completed := ""
	if rec.CompletedAt != nil {
		completed = rec.CompletedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		rec.ID,
		rec.LicenseKey,
		rec.Status,
		rec.SourceMachineName,
		rec.TargetMachineName,
		rec.InitiatedAt.UTC().Format(time.RFC3339),
		completed,
		rec.Notes,
	}
}

func setRow(f *excelize.File, sheet string, row int, cells []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	values := make([]interface{}, len(cells))
	for i, c := range cells {
		values[i] = c
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("set row: %w", err)
	}
	return nil
}
