package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	apperrors "poscore/internal/errors"
	"poscore/internal/infrastructure"
)

// ValidationOutcome is the result of one validate call. The core only
// reports facts; degrading application functionality on expiry is the
// caller's policy.
type ValidationOutcome struct {
	Valid          bool       `json:"valid"`
	Result         string     `json:"result"` // valid|invalid|expired|tampered|error
	Mode           string     `json:"mode"`   // online|offline|cached
	Message        string     `json:"message"`
	LicenseKey     string     `json:"license_key,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty"`
	DaysRemaining  int        `json:"days_remaining"`
	InGracePeriod  bool       `json:"in_grace_period"`
	CheckedAt      time.Time  `json:"checked_at"`
}

// Validator performs online, offline, and cached license validation with
// hardware binding and tamper detection. Every call appends exactly one
// audit entry tagged with the mode actually used.
type Validator struct {
	store       *Store
	ledger      *Ledger
	tamper      *TamperDetector
	authority   *AuthorityClient
	transfers   *TransferStore
	audit       *AuditLog
	cache       *ValidationCache
	metrics     *Metrics
	fingerprint string
	logger      *slog.Logger
	now         func() time.Time
}

// ValidatorDeps bundles the validator's collaborators
type ValidatorDeps struct {
	Store       *Store
	Ledger      *Ledger
	Tamper      *TamperDetector
	Authority   *AuthorityClient
	Transfers   *TransferStore
	Audit       *AuditLog
	Cache       *ValidationCache
	Metrics     *Metrics
	Fingerprint string
	Logger      *slog.Logger
	Clock       func() time.Time
}

// NewValidator creates a validator bound to the current device fingerprint
func NewValidator(deps ValidatorDeps) *Validator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Validator{
		store:       deps.Store,
		ledger:      deps.Ledger,
		tamper:      deps.Tamper,
		authority:   deps.Authority,
		transfers:   deps.Transfers,
		audit:       deps.Audit,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		fingerprint: deps.Fingerprint,
		logger:      deps.Logger,
		now:         deps.Clock,
	}
}

// Fingerprint returns the device fingerprint the validator is bound to
func (v *Validator) Fingerprint() string {
	return v.fingerprint
}

// Status returns the current license record without validating it.
// Returns ErrNotActivated when no record exists.
func (v *Validator) Status() (*LicenseRecord, error) {
	return v.store.Load()
}

// Validate runs the full validation pipeline. The returned outcome is never
// nil. The error is non-nil only for conditions the caller must surface
// (not activated, hardware mismatch, tampering, storage failure); expiry and
// grace are reported as facts in the outcome with a nil error.
func (v *Validator) Validate(ctx context.Context) (*ValidationOutcome, error) {
	start := v.now()

	outcome, licenseKey, err := v.validate(ctx)
	outcome.CheckedAt = start

	v.appendAudit(ctx, licenseKey, outcome)

	if v.metrics != nil {
		v.metrics.RecordValidation(ctx, outcome, v.now().Sub(start))
	}

	v.logger.InfoContext(ctx, "License validation completed",
		slog.String("mode", outcome.Mode),
		slog.String("result", outcome.Result),
		slog.Bool("valid", outcome.Valid),
		slog.Int("days_remaining", outcome.DaysRemaining),
	)

	return outcome, err
}

func (v *Validator) validate(ctx context.Context) (*ValidationOutcome, string, error) {
	now := v.now()

	// Step 1: no record means no license, not an error state
	record, err := v.store.Load()
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotActivated):
			return &ValidationOutcome{
				Result:  ResultInvalid,
				Mode:    ModeOffline,
				Message: "no license found",
			}, "", apperrors.ErrNotActivated
		case errors.Is(err, apperrors.ErrTampered):
			return &ValidationOutcome{
				Result:  ResultTampered,
				Mode:    ModeOffline,
				Message: "license record failed integrity checks",
			}, "", err
		default:
			// Corrupted or unreadable state is an error, never silently
			// treated as "no license".
			return &ValidationOutcome{
				Result:  ResultError,
				Mode:    ModeOffline,
				Message: err.Error(),
			}, "", err
		}
	}

	key := record.LicenseKey

	// Step 2: hardware binding is checked before trusting any content
	if record.HardwareID != v.fingerprint {
		return &ValidationOutcome{
			Result:     ResultInvalid,
			Mode:       ModeOffline,
			Message:    "hardware mismatch: license is bound to a different device",
			LicenseKey: key,
		}, key, apperrors.ErrHardwareMismatch
	}

	// A completed transfer off this device invalidates the local record
	if v.transfers != nil {
		moved, terr := v.transfers.CompletedTransferFrom(ctx, key, v.fingerprint)
		if terr != nil {
			return &ValidationOutcome{
				Result:     ResultError,
				Mode:       ModeOffline,
				Message:    terr.Error(),
				LicenseKey: key,
			}, key, terr
		}
		if moved {
			v.cache.Invalidate(key)
			if derr := v.store.Delete(); derr != nil {
				v.logger.Warn("Failed to remove transferred license record",
					slog.String("error", derr.Error()))
			}
			return &ValidationOutcome{
				Result:     ResultInvalid,
				Mode:       ModeOffline,
				Message:    "license was transferred to another device",
				LicenseKey: key,
			}, key, apperrors.ErrNotActivated
		}
	}

	// Step 3: re-derive the validation token
	if check := v.tamper.CheckToken(record); check.Tampered {
		return &ValidationOutcome{
			Result:     ResultTampered,
			Mode:       ModeOffline,
			Message:    check.Reason,
			LicenseKey: key,
		}, key, apperrors.ErrTampered
	}

	// Step 4: rollback detection against the monotonic ledger. Runs on
	// every call, including ones served from cache.
	check, err := v.tamper.CheckRollback(record, now)
	if err != nil {
		if errors.Is(err, apperrors.ErrTampered) {
			return &ValidationOutcome{
				Result:     ResultTampered,
				Mode:       ModeOffline,
				Message:    err.Error(),
				LicenseKey: key,
			}, key, err
		}
		return &ValidationOutcome{
			Result:     ResultError,
			Mode:       ModeOffline,
			Message:    err.Error(),
			LicenseKey: key,
		}, key, err
	}
	if check.Tampered {
		return &ValidationOutcome{
			Result:     ResultTampered,
			Mode:       ModeOffline,
			Message:    check.Reason,
			LicenseKey: key,
		}, key, apperrors.ErrTampered
	}

	// Step 7 (short-circuit): a recent successful check serves a cached
	// result without re-contacting the authority.
	if cached, ok := v.cache.Get(key); ok {
		cachedOutcome := *cached
		cachedOutcome.Mode = ModeCached
		return &cachedOutcome, key, nil
	}

	// Step 5: online validation when the authority is reachable. Network
	// failure falls through to offline rather than failing validation.
	if v.authority != nil {
		grant, aerr := v.authority.Validate(ctx, key, v.fingerprint, record.Version)
		switch {
		case aerr == nil && grant.Entitled:
			refreshed, uerr := v.refreshRecord(grant, now)
			if uerr != nil {
				return &ValidationOutcome{
					Result:     ResultError,
					Mode:       ModeOnline,
					Message:    uerr.Error(),
					LicenseKey: key,
				}, key, uerr
			}
			outcome := v.expiryOutcome(refreshed, now)
			outcome.Mode = ModeOnline
			if outcome.Valid {
				v.cache.Set(key, *outcome)
			}
			return outcome, key, nil

		case aerr == nil && !grant.Entitled:
			v.cache.Invalidate(key)
			return &ValidationOutcome{
				Result:     ResultInvalid,
				Mode:       ModeOnline,
				Message:    fmt.Sprintf("issuing authority revoked entitlement: %s", grant.Reason),
				LicenseKey: key,
			}, key, nil

		case !errors.Is(aerr, apperrors.ErrNetworkUnavailable):
			return &ValidationOutcome{
				Result:     ResultError,
				Mode:       ModeOnline,
				Message:    aerr.Error(),
				LicenseKey: key,
			}, key, aerr
		}

		// ErrNetworkUnavailable: recovered locally, never surfaced
		v.logger.DebugContext(ctx, "Authority unreachable, falling back to offline validation",
			slog.String("license_key", MaskLicenseKey(key)))
	}

	// Step 6: offline validation purely from the local record
	outcome := v.expiryOutcome(record, now)
	outcome.Mode = ModeOffline

	if outcome.Valid {
		if _, err := v.touchRecord(now); err != nil {
			return &ValidationOutcome{
				Result:     ResultError,
				Mode:       ModeOffline,
				Message:    err.Error(),
				LicenseKey: key,
			}, key, err
		}
		v.cache.Set(key, *outcome)
	}

	return outcome, key, nil
}

// expiryOutcome computes the expiry/grace state for a record at time now.
// now equal to expiresAt is still valid; the grace window applies only when
// the record defines one (gracePeriodEnd strictly after expiresAt).
func (v *Validator) expiryOutcome(record *LicenseRecord, now time.Time) *ValidationOutcome {
	expiresAt := record.ExpiresAt
	graceEnd := record.GracePeriodEnd
	days := int(math.Ceil(expiresAt.Sub(now).Hours() / 24))

	outcome := &ValidationOutcome{
		LicenseKey:     record.LicenseKey,
		ExpiresAt:      &expiresAt,
		GracePeriodEnd: &graceEnd,
		DaysRemaining:  days,
	}

	switch {
	case !now.After(expiresAt):
		outcome.Valid = true
		outcome.Result = ResultValid
		outcome.Message = fmt.Sprintf("license valid, %d days remaining", days)

	case record.HasGraceWindow() && !now.After(graceEnd):
		graceDays := int(math.Ceil(graceEnd.Sub(now).Hours() / 24))
		outcome.Valid = true
		outcome.Result = ResultValid
		outcome.InGracePeriod = true
		outcome.Message = fmt.Sprintf("license expired, in grace period: %d days left to renew", graceDays)

	default:
		outcome.Result = ResultExpired
		outcome.Message = "license expired"
	}

	return outcome
}

// refreshRecord applies an online validation grant: the authority's expiry
// dates are adopted, lastValidation moves to now, the version is bumped, and
// the ledger observes the new maxima.
func (v *Validator) refreshRecord(grant *ValidationGrant, now time.Time) (*LicenseRecord, error) {
	refreshed, err := v.store.Update(func(r *LicenseRecord) error {
		if !grant.ExpiresAt.IsZero() {
			r.ExpiresAt = grant.ExpiresAt
		}
		if !grant.GracePeriodEnd.IsZero() {
			r.GracePeriodEnd = grant.GracePeriodEnd
		}
		r.LastValidation = now
		r.Version++
		r.Seal()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := v.ledger.Observe(refreshed.Version, refreshed.LastValidation); err != nil {
		return nil, err
	}

	return refreshed, nil
}

// touchRecord refreshes lastValidation after a successful offline check so
// the rollback baseline keeps advancing even without connectivity.
func (v *Validator) touchRecord(now time.Time) (*LicenseRecord, error) {
	refreshed, err := v.store.Update(func(r *LicenseRecord) error {
		r.LastValidation = now
		r.Version++
		r.Seal()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := v.ledger.Observe(refreshed.Version, refreshed.LastValidation); err != nil {
		return nil, err
	}

	return refreshed, nil
}

func (v *Validator) appendAudit(ctx context.Context, licenseKey string, outcome *ValidationOutcome) {
	entry := AuditEntry{
		Timestamp:  outcome.CheckedAt,
		LicenseKey: licenseKey,
		Mode:       outcome.Mode,
		Result:     outcome.Result,
		Detail:     outcome.Message,
		TraceID:    infrastructure.GetTraceID(ctx),
	}

	if err := v.audit.Append(ctx, entry); err != nil {
		v.logger.ErrorContext(ctx, "Audit append failed after validation",
			slog.String("result", outcome.Result),
			slog.String("error", err.Error()),
		)
	}
}
