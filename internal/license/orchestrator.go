package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "poscore/internal/errors"
	"poscore/internal/infrastructure"
)

// TransferInitiation is returned to the source device when a transfer is
// initiated. The token must be carried to the target device out of band.
type TransferInitiation struct {
	TransferID    string `json:"transfer_id"`
	TransferToken string `json:"transfer_token"`
	Status        string `json:"status"`
}

// TransferCompletion is returned to the target device after a successful
// completion.
type TransferCompletion struct {
	ExpiresAt       time.Time `json:"expires_at"`
	GracePeriodEnd  time.Time `json:"grace_period_end"`
	LocationID      string    `json:"location_id,omitempty"`
	LocationName    string    `json:"location_name,omitempty"`
	LocationAddress string    `json:"location_address,omitempty"`
}

// TransferOrchestrator drives the transfer state machine: pending ->
// approved -> completed, with pending -> cancelled and pending|approved ->
// failed. Initiation runs on the source device, completion on the target;
// the two are never a single atomic cross-device transaction, and the
// design accepts a narrow inconsistency window that periodic re-validation
// converges.
type TransferOrchestrator struct {
	store       *Store
	ledger      *Ledger
	transfers   *TransferStore
	tokens      *TransferTokenManager
	validator   *Validator
	authority   *AuthorityClient
	audit       *AuditLog
	cache       *ValidationCache
	metrics     *Metrics
	fingerprint string
	machineName string
	logger      *slog.Logger
	now         func() time.Time
}

// OrchestratorDeps bundles the orchestrator's collaborators
type OrchestratorDeps struct {
	Store       *Store
	Ledger      *Ledger
	Transfers   *TransferStore
	Tokens      *TransferTokenManager
	Validator   *Validator
	Authority   *AuthorityClient
	Audit       *AuditLog
	Cache       *ValidationCache
	Metrics     *Metrics
	Fingerprint string
	MachineName string
	Logger      *slog.Logger
	Clock       func() time.Time
}

// NewTransferOrchestrator creates a transfer orchestrator for this device
func NewTransferOrchestrator(deps OrchestratorDeps) *TransferOrchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &TransferOrchestrator{
		store:       deps.Store,
		ledger:      deps.Ledger,
		transfers:   deps.Transfers,
		tokens:      deps.Tokens,
		validator:   deps.Validator,
		authority:   deps.Authority,
		audit:       deps.Audit,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		fingerprint: deps.Fingerprint,
		machineName: deps.MachineName,
		logger:      deps.Logger,
		now:         deps.Clock,
	}
}

// Initiate starts a transfer on the source device. Requires a currently
// valid local record for the key and no outstanding non-terminal transfer
// for it; the conflict check is atomic at the store. The source license
// stays usable until completion so abandoned transfers cost nothing.
func (o *TransferOrchestrator) Initiate(ctx context.Context, licenseKey, notes string) (*TransferInitiation, error) {
	key := NormalizeKey(licenseKey)
	now := o.now()

	outcome, err := o.validator.Validate(ctx)
	if err != nil {
		return nil, fmt.Errorf("source license must validate before transfer: %w", err)
	}
	if !outcome.Valid {
		return nil, fmt.Errorf("%w: source license is %s", apperrors.ErrActivationFailed, outcome.Result)
	}

	record, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	if NormalizeKey(record.LicenseKey) != key {
		return nil, fmt.Errorf("%w: key does not match the activated license", apperrors.ErrInvalidLicenseKey)
	}

	transferID := uuid.New().String()

	token, err := o.tokens.Issue(transferID, key, TransferClaims{
		SourceHardwareID: o.fingerprint,
		LicenseExpiresAt: record.ExpiresAt,
		GracePeriodEnd:   record.GracePeriodEnd,
		LocationID:       record.LocationID,
		LocationName:     record.LocationName,
		LocationAddress:  record.LocationAddress,
	}, now)
	if err != nil {
		return nil, err
	}

	rec := &TransferRecord{
		ID:                transferID,
		LicenseKey:        key,
		SourceHardwareID:  o.fingerprint,
		SourceMachineName: o.machineName,
		Status:            TransferPending,
		TokenID:           transferID,
		Notes:             notes,
		InitiatedAt:       now,
	}

	if err := o.transfers.Create(ctx, rec); err != nil {
		return nil, err
	}

	status := TransferPending
	mode := ModeOffline

	// Best-effort authority notification; an ack promotes the transfer to
	// approved. Offline initiation stays pending and completes offline.
	if o.authority != nil {
		if nerr := o.authority.NotifyTransfer(ctx, key, transferID, o.fingerprint, "", "initiated"); nerr == nil {
			mode = ModeOnline
			if aerr := o.transfers.MarkApproved(ctx, transferID); aerr == nil {
				status = TransferApproved
			}
		} else {
			o.logger.DebugContext(ctx, "Authority transfer notification failed, staying pending",
				slog.String("transfer_id", transferID),
				slog.String("error", nerr.Error()),
			)
		}
	}

	o.appendAudit(ctx, key, mode, ResultValid, fmt.Sprintf("transfer %s initiated (%s)", transferID, status))

	if o.metrics != nil {
		o.metrics.RecordTransfer(ctx, "initiate", true)
	}

	o.logger.InfoContext(ctx, "Transfer initiated",
		slog.String("transfer_id", transferID),
		slog.String("license_key", MaskLicenseKey(key)),
		slog.String("status", status),
	)

	return &TransferInitiation{
		TransferID:    transferID,
		TransferToken: token,
		Status:        status,
	}, nil
}

// Complete finishes a transfer on the target device. The token is
// single-use: the completed transition is the atomic claim, so a second
// call with the same token fails with ErrTransferTokenInvalid.
func (o *TransferOrchestrator) Complete(ctx context.Context, transferToken, licenseKey string) (*TransferCompletion, error) {
	key := NormalizeKey(licenseKey)
	now := o.now()

	claims, err := o.tokens.Verify(transferToken, key)
	if err != nil {
		o.appendAudit(ctx, key, ModeOffline, ResultInvalid, "transfer completion rejected: invalid token")
		if o.metrics != nil {
			o.metrics.RecordTransfer(ctx, "complete", false)
		}
		return nil, err
	}

	rec, err := o.transfers.GetByTokenID(ctx, claims.ID)
	if err != nil {
		o.appendAudit(ctx, key, ModeOffline, ResultInvalid, "transfer completion rejected: unknown token")
		return nil, err
	}

	if rec.Terminal() {
		o.appendAudit(ctx, key, ModeOffline, ResultInvalid,
			fmt.Sprintf("transfer %s completion rejected: already %s", rec.ID, rec.Status))
		if o.metrics != nil {
			o.metrics.RecordTransfer(ctx, "complete", false)
		}
		return nil, apperrors.ErrTransferTokenInvalid
	}

	// Transferring to the machine the license already lives on is a no-op
	// error, not a success. The pending transfer stays usable for the real
	// target.
	if claims.SourceHardwareID == o.fingerprint {
		o.appendAudit(ctx, key, ModeOffline, ResultInvalid,
			fmt.Sprintf("transfer %s completion rejected: target is the source device", rec.ID))
		return nil, apperrors.ErrTransferTargetSameDevice
	}

	completion := &TransferCompletion{
		ExpiresAt:       claims.LicenseExpiresAt,
		GracePeriodEnd:  claims.GracePeriodEnd,
		LocationID:      claims.LocationID,
		LocationName:    claims.LocationName,
		LocationAddress: claims.LocationAddress,
	}

	// Ask the authority to rebind when reachable; offline completion runs
	// from the token's embedded entitlement.
	mode := ModeOffline
	if o.authority != nil {
		grant, aerr := o.authority.Activate(ctx, key, o.fingerprint, o.machineName)
		switch {
		case aerr == nil:
			mode = ModeOnline
			completion.ExpiresAt = grant.ExpiresAt
			completion.GracePeriodEnd = grant.GracePeriodEnd
			if grant.LocationID != "" {
				completion.LocationID = grant.LocationID
				completion.LocationName = grant.LocationName
				completion.LocationAddress = grant.LocationAddress
			}
		case errors.Is(aerr, apperrors.ErrNetworkUnavailable):
			o.logger.DebugContext(ctx, "Authority unreachable, completing transfer offline",
				slog.String("transfer_id", rec.ID))
		default:
			// The authority is reachable and says no: the transfer fails
			// and the source license stays untouched.
			if ferr := o.transfers.MarkFailed(ctx, rec.ID, aerr.Error()); ferr != nil {
				o.logger.ErrorContext(ctx, "Failed to mark transfer failed",
					slog.String("transfer_id", rec.ID),
					slog.String("error", ferr.Error()),
				)
			}
			o.appendAudit(ctx, key, ModeOnline, ResultInvalid,
				fmt.Sprintf("transfer %s failed: %v", rec.ID, aerr))
			if o.metrics != nil {
				o.metrics.RecordTransfer(ctx, "complete", false)
			}
			return nil, aerr
		}
	}

	// The completed transition is the single-use gate
	if err := o.transfers.MarkCompleted(ctx, rec.ID, o.fingerprint, o.machineName, now); err != nil {
		o.appendAudit(ctx, key, mode, ResultInvalid,
			fmt.Sprintf("transfer %s completion lost the claim race", rec.ID))
		return nil, err
	}

	if gracePeriodEnd := completion.GracePeriodEnd; gracePeriodEnd.Before(completion.ExpiresAt) {
		completion.GracePeriodEnd = completion.ExpiresAt
	}

	record := &LicenseRecord{
		LicenseKey:      key,
		HardwareID:      o.fingerprint,
		ActivatedAt:     now,
		ExpiresAt:       completion.ExpiresAt,
		GracePeriodEnd:  completion.GracePeriodEnd,
		LastValidation:  now,
		Version:         1, // fresh monotonic baseline tied to the transfer
		LocationID:      completion.LocationID,
		LocationName:    completion.LocationName,
		LocationAddress: completion.LocationAddress,
	}
	record.Seal()

	if err := o.store.Save(record); err != nil {
		o.appendAudit(ctx, key, mode, ResultError,
			fmt.Sprintf("transfer %s completed but record could not be persisted: %v", rec.ID, err))
		return nil, err
	}

	if err := o.ledger.Reset(record.Version, record.LastValidation); err != nil {
		return nil, err
	}

	if o.cache != nil {
		o.cache.Invalidate(key)
	}

	if o.authority != nil {
		if nerr := o.authority.NotifyTransfer(ctx, key, rec.ID, rec.SourceHardwareID, o.fingerprint, "completed"); nerr != nil {
			o.logger.DebugContext(ctx, "Authority completion notification failed",
				slog.String("transfer_id", rec.ID),
				slog.String("error", nerr.Error()),
			)
		}
	}

	o.appendAudit(ctx, key, mode, ResultValid, fmt.Sprintf("transfer %s completed", rec.ID))

	if o.metrics != nil {
		o.metrics.RecordTransfer(ctx, "complete", true)
	}

	o.logger.InfoContext(ctx, "Transfer completed",
		slog.String("transfer_id", rec.ID),
		slog.String("license_key", MaskLicenseKey(key)),
	)

	return completion, nil
}

// Cancel aborts a transfer. Permitted only while pending: a completed
// transfer is irreversible and must be undone, if ever, by transferring
// back.
func (o *TransferOrchestrator) Cancel(ctx context.Context, transferID, reason string) error {
	rec, err := o.transfers.GetByID(ctx, transferID)
	if err != nil {
		return err
	}

	if err := o.transfers.MarkCancelled(ctx, transferID, reason, o.now()); err != nil {
		return err
	}

	mode := ModeOffline
	if o.authority != nil {
		if nerr := o.authority.NotifyTransfer(ctx, rec.LicenseKey, transferID, rec.SourceHardwareID, "", "cancelled"); nerr != nil {
			o.logger.DebugContext(ctx, "Authority cancellation notification failed",
				slog.String("transfer_id", transferID),
				slog.String("error", nerr.Error()),
			)
		} else {
			mode = ModeOnline
		}
	}

	o.appendAudit(ctx, rec.LicenseKey, mode, ResultValid,
		fmt.Sprintf("transfer %s cancelled: %s", transferID, reason))

	if o.metrics != nil {
		o.metrics.RecordTransfer(ctx, "cancel", true)
	}

	o.logger.InfoContext(ctx, "Transfer cancelled",
		slog.String("transfer_id", transferID),
		slog.String("reason", reason),
	)

	return nil
}

// History returns transfer records matching the filter, newest first
func (o *TransferOrchestrator) History(ctx context.Context, filter TransferFilter, page Pagination) ([]TransferRecord, int, error) {
	return o.transfers.List(ctx, filter, page)
}

// appendAudit records a transfer event. The mode reflects the path the
// operation actually took: online only when the authority took part.
func (o *TransferOrchestrator) appendAudit(ctx context.Context, licenseKey, mode, result, detail string) {
	entry := AuditEntry{
		Timestamp:  o.now(),
		LicenseKey: licenseKey,
		Mode:       mode,
		Result:     result,
		Detail:     detail,
		TraceID:    infrastructure.GetTraceID(ctx),
	}

	if err := o.audit.Append(ctx, entry); err != nil {
		o.logger.ErrorContext(ctx, "Audit append failed after transfer operation",
			slog.String("error", err.Error()))
	}
}
