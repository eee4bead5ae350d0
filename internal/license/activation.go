package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	apperrors "poscore/internal/errors"
	"poscore/internal/infrastructure"
)

// Activator binds a license key to this device by asking the issuing
// authority for a grant and minting the local record. Activation requires
// connectivity; unlike validation there is no offline fallback, since only
// the authority can attest that a key is unclaimed.
//
// Attempts are rate limited to slow down key guessing.
type Activator struct {
	store       *Store
	ledger      *Ledger
	authority   *AuthorityClient
	audit       *AuditLog
	cache       *ValidationCache
	metrics     *Metrics
	limiter     *rate.Limiter
	fingerprint string
	machineName string
	logger      *slog.Logger
	now         func() time.Time
}

// ActivatorDeps bundles the activator's collaborators
type ActivatorDeps struct {
	Store       *Store
	Ledger      *Ledger
	Authority   *AuthorityClient
	Audit       *AuditLog
	Cache       *ValidationCache
	Metrics     *Metrics
	Fingerprint string
	MachineName string
	MaxAttempts int
	Window      time.Duration
	Logger      *slog.Logger
	Clock       func() time.Time
}

// NewActivator creates an activator. MaxAttempts activations are allowed
// per Window, enforced with a token bucket.
func NewActivator(deps ActivatorDeps) *Activator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 5
	}
	if deps.Window <= 0 {
		deps.Window = 15 * time.Minute
	}

	return &Activator{
		store:       deps.Store,
		ledger:      deps.Ledger,
		authority:   deps.Authority,
		audit:       deps.Audit,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		limiter:     rate.NewLimiter(rate.Every(deps.Window/time.Duration(deps.MaxAttempts)), deps.MaxAttempts),
		fingerprint: deps.Fingerprint,
		machineName: deps.MachineName,
		logger:      deps.Logger,
		now:         deps.Clock,
	}
}

// Activate validates the key format, asks the authority to bind the key to
// this device, and persists the resulting record. On success the ledger is
// reset to the new record's baseline.
func (a *Activator) Activate(ctx context.Context, licenseKey string) (*LicenseRecord, error) {
	start := a.now()

	record, err := a.activate(ctx, licenseKey)

	if a.metrics != nil {
		a.metrics.RecordActivation(ctx, err == nil, a.now().Sub(start))
	}

	result := ResultValid
	detail := "license activated"
	if err != nil {
		result = ResultError
		detail = fmt.Sprintf("activation failed: %v", err)
		if errors.Is(err, apperrors.ErrInvalidLicenseKey) ||
			errors.Is(err, apperrors.ErrInvalidLicenseFormat) ||
			errors.Is(err, apperrors.ErrActivationFailed) {
			result = ResultInvalid
		}
	}

	a.appendAudit(ctx, licenseKey, result, detail)

	return record, err
}

func (a *Activator) activate(ctx context.Context, licenseKey string) (*LicenseRecord, error) {
	if err := ValidateKeyFormat(licenseKey); err != nil {
		return nil, err
	}

	if !a.limiter.Allow() {
		a.logger.WarnContext(ctx, "Activation rate limit exceeded",
			slog.String("license_key", MaskLicenseKey(licenseKey)))
		return nil, apperrors.ErrRateLimited
	}

	key := NormalizeKey(licenseKey)
	now := a.now()

	if a.authority == nil {
		return nil, fmt.Errorf("%w: no issuing authority configured", apperrors.ErrActivationFailed)
	}
	grant, err := a.authority.Activate(ctx, key, a.fingerprint, a.machineName)
	if err != nil {
		if errors.Is(err, apperrors.ErrNetworkUnavailable) {
			// Activation has no offline path
			return nil, fmt.Errorf("%w: issuing authority unreachable", apperrors.ErrActivationFailed)
		}
		return nil, err
	}

	gracePeriodEnd := grant.GracePeriodEnd
	if gracePeriodEnd.Before(grant.ExpiresAt) {
		// No grace window defined: expiry is the exact hard boundary
		gracePeriodEnd = grant.ExpiresAt
	}

	record := &LicenseRecord{
		LicenseKey:      key,
		HardwareID:      a.fingerprint,
		ActivatedAt:     now,
		ExpiresAt:       grant.ExpiresAt,
		GracePeriodEnd:  gracePeriodEnd,
		LastValidation:  now,
		Version:         1,
		LocationID:      grant.LocationID,
		LocationName:    grant.LocationName,
		LocationAddress: grant.LocationAddress,
	}
	record.Seal()

	if err := a.store.Save(record); err != nil {
		return nil, err
	}

	// A fresh activation legitimately restarts the monotonic baseline
	if err := a.ledger.Reset(record.Version, record.LastValidation); err != nil {
		return nil, err
	}

	if a.cache != nil {
		a.cache.Invalidate(key)
	}

	a.logger.InfoContext(ctx, "License activated",
		slog.String("license_key", MaskLicenseKey(key)),
		slog.Time("expires_at", record.ExpiresAt),
		slog.Time("grace_period_end", record.GracePeriodEnd),
	)

	return record, nil
}

func (a *Activator) appendAudit(ctx context.Context, licenseKey, result, detail string) {
	entry := AuditEntry{
		Timestamp:  a.now(),
		LicenseKey: licenseKey,
		Mode:       ModeOnline,
		Result:     result,
		Detail:     detail,
		TraceID:    infrastructure.GetTraceID(ctx),
	}

	if err := a.audit.Append(ctx, entry); err != nil {
		a.logger.ErrorContext(ctx, "Audit append failed after activation",
			slog.String("error", err.Error()))
	}
}
