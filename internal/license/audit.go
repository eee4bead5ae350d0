package license

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	apperrors "poscore/internal/errors"
)

// Validation modes and results recorded in the audit log
const (
	ModeOnline  = "online"
	ModeOffline = "offline"
	ModeCached  = "cached"

	ResultValid    = "valid"
	ResultInvalid  = "invalid"
	ResultExpired  = "expired"
	ResultTampered = "tampered"
	ResultError    = "error"
)

// AuditEntry is one immutable record of a validation or transfer attempt
type AuditEntry struct {
	ID         int64     `db:"id" json:"id"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
	LicenseKey string    `db:"license_key" json:"license_key"`
	Mode       string    `db:"mode" json:"mode"`
	Result     string    `db:"result" json:"result"`
	Detail     string    `db:"detail" json:"detail"`
	TraceID    string    `db:"trace_id" json:"trace_id,omitempty"`
}

// AuditFilter narrows audit log retrieval
type AuditFilter struct {
	Result string
	Mode   string
	From   time.Time
	To     time.Time
}

// Pagination bounds result sets for operator review
type Pagination struct {
	Limit  int
	Offset int
}

func (p Pagination) normalize() Pagination {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// AuditLog is the append-only record of every validation and transfer
// attempt. Entries are never updated or deleted; the trail's integrity
// depends on it being strictly additive, so no update or delete statements
// exist anywhere in this type.
type AuditLog struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// OpenAuditDB opens (and creates if needed) the SQLite database holding the
// audit log and transfer history.
func OpenAuditDB(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening audit database: %v", apperrors.ErrStorage, err)
	}

	// A single local writer; keep the pool at one connection so SQLite
	// never sees concurrent writes.
	db.SetMaxOpenConns(1)

	return db, nil
}

// NewAuditLog creates the audit log over an open database, running schema
// migration idempotently.
func NewAuditLog(db *sqlx.DB, logger *slog.Logger) (*AuditLog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	schema := `CREATE TABLE IF NOT EXISTS validation_audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		license_key TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL,
		result TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT ''
	)`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("%w: migrating audit schema: %v", apperrors.ErrStorage, err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON validation_audit_log(timestamp)`); err != nil {
		return nil, fmt.Errorf("%w: creating audit index: %v", apperrors.ErrStorage, err)
	}

	return &AuditLog{db: db, logger: logger}, nil
}

// Append records one entry. The caller decides the timestamp so tests can
// inject a clock; a zero timestamp defaults to now.
func (a *AuditLog) Append(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO validation_audit_log (timestamp, license_key, mode, result, detail, trace_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, MaskLicenseKey(entry.LicenseKey), entry.Mode, entry.Result, entry.Detail, entry.TraceID,
	)
	if err != nil {
		// The audit trail failing must be visible in logs even when the
		// caller swallows the error.
		a.logger.Error("Failed to append audit entry",
			slog.String("mode", entry.Mode),
			slog.String("result", entry.Result),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: appending audit entry: %v", apperrors.ErrStorage, err)
	}

	return nil
}

// Query returns entries matching the filter, newest first, plus the total
// count for the same filter.
func (a *AuditLog) Query(ctx context.Context, filter AuditFilter, page Pagination) ([]AuditEntry, int, error) {
	page = page.normalize()

	where, args := buildAuditWhere(filter)

	var total int
	countQuery := "SELECT COUNT(*) FROM validation_audit_log" + where
	if err := a.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("%w: counting audit entries: %v", apperrors.ErrStorage, err)
	}

	entries := []AuditEntry{}
	query := "SELECT id, timestamp, license_key, mode, result, detail, trace_id FROM validation_audit_log" +
		where + " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, page.Limit, page.Offset)

	if err := a.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("%w: querying audit entries: %v", apperrors.ErrStorage, err)
	}

	return entries, total, nil
}

func buildAuditWhere(filter AuditFilter) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}

	if filter.Result != "" {
		clauses = append(clauses, "result = ?")
		args = append(args, filter.Result)
	}
	if filter.Mode != "" {
		clauses = append(clauses, "mode = ?")
		args = append(args, filter.Mode)
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, filter.To.UTC())
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// UsageStatistics is a read-only aggregation over the audit log and the
// transfer history. Computing it never mutates either.
type UsageStatistics struct {
	TotalValidations int64            `json:"total_validations"`
	ByMode           map[string]int64 `json:"by_mode"`
	ByResult         map[string]int64 `json:"by_result"`
	FirstValidation  *time.Time       `json:"first_validation,omitempty"`
	LastValidation   *time.Time       `json:"last_validation,omitempty"`
	Timeline         []TimelineBucket `json:"timeline"`
	TransferCounts   map[string]int64 `json:"transfer_counts"`
}

// TimelineBucket counts validations for one calendar day (UTC)
type TimelineBucket struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

// Statistics computes usage statistics across the whole audit log
func (a *AuditLog) Statistics(ctx context.Context) (*UsageStatistics, error) {
	rows := []AuditEntry{}
	if err := a.db.SelectContext(ctx, &rows,
		`SELECT id, timestamp, license_key, mode, result, detail, trace_id
		 FROM validation_audit_log ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("%w: reading audit entries: %v", apperrors.ErrStorage, err)
	}

	stats := &UsageStatistics{
		ByMode:         make(map[string]int64),
		ByResult:       make(map[string]int64),
		TransferCounts: make(map[string]int64),
	}

	buckets := make(map[string]int64)
	var days []string

	for i := range rows {
		entry := rows[i]
		stats.TotalValidations++
		stats.ByMode[entry.Mode]++
		stats.ByResult[entry.Result]++

		ts := entry.Timestamp.UTC()
		if stats.FirstValidation == nil {
			first := ts
			stats.FirstValidation = &first
		}
		last := ts
		stats.LastValidation = &last

		day := ts.Format("2006-01-02")
		if _, seen := buckets[day]; !seen {
			days = append(days, day)
		}
		buckets[day]++
	}

	for _, day := range days {
		stats.Timeline = append(stats.Timeline, TimelineBucket{Day: day, Count: buckets[day]})
	}

	return stats, nil
}
