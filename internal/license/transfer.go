package license

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "poscore/internal/errors"
)

// Transfer states. pending -> approved -> completed, with pending ->
// cancelled and pending|approved -> failed. completed, cancelled and failed
// are terminal.
const (
	TransferPending   = "pending"
	TransferApproved  = "approved"
	TransferCompleted = "completed"
	TransferCancelled = "cancelled"
	TransferFailed    = "failed"
)

// TransferRecord tracks one transfer attempt end-to-end. Records are
// retained permanently for audit purposes and mutated only through the
// defined transitions.
type TransferRecord struct {
	ID                string     `db:"id" json:"id"`
	LicenseKey        string     `db:"license_key" json:"license_key"`
	SourceHardwareID  string     `db:"source_hardware_id" json:"source_hardware_id"`
	SourceMachineName string     `db:"source_machine_name" json:"source_machine_name"`
	TargetHardwareID  string     `db:"target_hardware_id" json:"target_hardware_id,omitempty"`
	TargetMachineName string     `db:"target_machine_name" json:"target_machine_name,omitempty"`
	Status            string     `db:"status" json:"status"`
	TokenID           string     `db:"token_id" json:"-"`
	Notes             string     `db:"notes" json:"notes,omitempty"`
	ErrorMessage      string     `db:"error_message" json:"error_message,omitempty"`
	InitiatedAt       time.Time  `db:"initiated_at" json:"initiated_at"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt       *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// Terminal reports whether the record can no longer transition
func (r *TransferRecord) Terminal() bool {
	return r.Status == TransferCompleted || r.Status == TransferCancelled || r.Status == TransferFailed
}

// TransferFilter narrows transfer history retrieval
type TransferFilter struct {
	LicenseKey string
	Status     string
	From       time.Time
	To         time.Time
}

// TransferStore persists transfer records in the local SQLite database.
// The "at most one non-terminal transfer per license key" invariant is
// enforced by a partial unique index, so concurrent initiations race at the
// database rather than in application code.
type TransferStore struct {
	db *sqlx.DB
}

// NewTransferStore creates the store and migrates its schema idempotently
func NewTransferStore(db *sqlx.DB) (*TransferStore, error) {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS transfer_records (
			id TEXT PRIMARY KEY,
			license_key TEXT NOT NULL,
			source_hardware_id TEXT NOT NULL,
			source_machine_name TEXT NOT NULL DEFAULT '',
			target_hardware_id TEXT NOT NULL DEFAULT '',
			target_machine_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			token_id TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			initiated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			cancelled_at TIMESTAMP
		)`,

		// The concurrency invariant: one non-terminal transfer per key
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_active
			ON transfer_records(license_key)
			WHERE status IN ('pending', 'approved')`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_token
			ON transfer_records(token_id)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return nil, fmt.Errorf("%w: migrating transfer schema: %v", apperrors.ErrStorage, err)
		}
	}

	return &TransferStore{db: db}, nil
}

// Create inserts a new pending transfer record. A unique index violation on
// the active-transfer index means another non-terminal transfer exists for
// the key and is surfaced as ErrTransferConflict.
func (s *TransferStore) Create(ctx context.Context, rec *TransferRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfer_records
			(id, license_key, source_hardware_id, source_machine_name, status, token_id, notes, initiated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LicenseKey, rec.SourceHardwareID, rec.SourceMachineName,
		rec.Status, rec.TokenID, rec.Notes, rec.InitiatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.ErrTransferConflict
		}
		return fmt.Errorf("%w: creating transfer record: %v", apperrors.ErrStorage, err)
	}
	return nil
}

// GetByID fetches one transfer record
func (s *TransferStore) GetByID(ctx context.Context, id string) (*TransferRecord, error) {
	var rec TransferRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM transfer_records WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetching transfer record: %v", apperrors.ErrStorage, err)
	}
	return &rec, nil
}

// GetByTokenID fetches the transfer record bound to a token's unique ID
func (s *TransferStore) GetByTokenID(ctx context.Context, tokenID string) (*TransferRecord, error) {
	var rec TransferRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM transfer_records WHERE token_id = ?`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrTransferTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetching transfer record: %v", apperrors.ErrStorage, err)
	}
	return &rec, nil
}

// MarkApproved moves a pending record to approved (online authority ack)
func (s *TransferStore) MarkApproved(ctx context.Context, id string) error {
	return s.transition(ctx,
		`UPDATE transfer_records SET status = ? WHERE id = ? AND status = ?`,
		TransferApproved, id, TransferPending)
}

// MarkCompleted finalizes a transfer on the target device. Only pending or
// approved records may complete; anything else means the token was already
// consumed.
func (s *TransferStore) MarkCompleted(ctx context.Context, id, targetHardwareID, targetMachineName string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfer_records
		 SET status = ?, target_hardware_id = ?, target_machine_name = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		TransferCompleted, targetHardwareID, targetMachineName, at.UTC(),
		id, TransferPending, TransferApproved,
	)
	if err != nil {
		return fmt.Errorf("%w: completing transfer record: %v", apperrors.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: completing transfer record: %v", apperrors.ErrStorage, err)
	}
	if n == 0 {
		return apperrors.ErrTransferTokenInvalid
	}
	return nil
}

// MarkCancelled cancels a transfer. Permitted only while pending; an
// approved transfer is past the point of no return.
func (s *TransferStore) MarkCancelled(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfer_records
		 SET status = ?, error_message = ?, cancelled_at = ?
		 WHERE id = ? AND status = ?`,
		TransferCancelled, reason, at.UTC(), id, TransferPending,
	)
	if err != nil {
		return fmt.Errorf("%w: cancelling transfer record: %v", apperrors.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: cancelling transfer record: %v", apperrors.ErrStorage, err)
	}
	if n == 0 {
		return apperrors.ErrTransferNotCancellable
	}
	return nil
}

// MarkFailed moves a pending or approved record to failed with a message
func (s *TransferStore) MarkFailed(ctx context.Context, id, message string) error {
	return s.transition(ctx,
		`UPDATE transfer_records SET status = ?, error_message = ? WHERE id = ? AND status IN (?, ?)`,
		TransferFailed, message, id, TransferPending, TransferApproved)
}

func (s *TransferStore) transition(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: transfer transition: %v", apperrors.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: transfer transition: %v", apperrors.ErrStorage, err)
	}
	if n == 0 {
		return apperrors.ErrTransferNotFound
	}
	return nil
}

// List returns transfer records matching the filter, newest first, plus the
// total count for the filter.
func (s *TransferStore) List(ctx context.Context, filter TransferFilter, page Pagination) ([]TransferRecord, int, error) {
	page = page.normalize()

	clauses := []string{}
	args := []interface{}{}

	if filter.LicenseKey != "" {
		clauses = append(clauses, "license_key = ?")
		args = append(args, NormalizeKey(filter.LicenseKey))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "initiated_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "initiated_at <= ?")
		args = append(args, filter.To.UTC())
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM transfer_records"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("%w: counting transfer records: %v", apperrors.ErrStorage, err)
	}

	records := []TransferRecord{}
	query := "SELECT * FROM transfer_records" + where + " ORDER BY initiated_at DESC LIMIT ? OFFSET ?"
	args = append(args, page.Limit, page.Offset)

	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, 0, fmt.Errorf("%w: listing transfer records: %v", apperrors.ErrStorage, err)
	}

	return records, total, nil
}

// CompletedTransferFrom reports whether a completed transfer moved the given
// license key off the given source device. The validator uses this to
// invalidate the source-side record after a transfer completes elsewhere.
func (s *TransferStore) CompletedTransferFrom(ctx context.Context, licenseKey, sourceHardwareID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM transfer_records
		 WHERE license_key = ? AND source_hardware_id = ? AND status = ?`,
		NormalizeKey(licenseKey), sourceHardwareID, TransferCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("%w: checking completed transfers: %v", apperrors.ErrStorage, err)
	}
	return count > 0, nil
}

// CountByStatus aggregates transfer counts for usage statistics
func (s *TransferStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows := []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}{}

	if err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM transfer_records GROUP BY status`); err != nil {
		return nil, fmt.Errorf("%w: counting transfers by status: %v", apperrors.ErrStorage, err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
