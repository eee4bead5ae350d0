package license

import (
	"fmt"
	"log/slog"
	"time"
)

// TamperDetector cross-checks the mutable license record against the
// monotonic ledger and classifies anomalies. Small clock skew is tolerated;
// everything beyond tolerance is deliberate manipulation and produces a hard
// failure with no silent recovery path.
type TamperDetector struct {
	ledger        *Ledger
	skewTolerance time.Duration
	logger        *slog.Logger
}

// TamperCheck is the outcome of a single tamper analysis
type TamperCheck struct {
	Tampered bool
	Reason   string
}

// NewTamperDetector creates a detector over the given ledger
func NewTamperDetector(ledger *Ledger, skewTolerance time.Duration, logger *slog.Logger) *TamperDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &TamperDetector{
		ledger:        ledger,
		skewTolerance: skewTolerance,
		logger:        logger,
	}
}

// CheckToken verifies the record's validation token by re-derivation.
// A mismatch means the record fields were altered since the last authorized
// write.
func (td *TamperDetector) CheckToken(record *LicenseRecord) *TamperCheck {
	if record.TokenValid() {
		return &TamperCheck{}
	}

	td.logger.Warn("Validation token mismatch",
		slog.String("license_key", MaskLicenseKey(record.LicenseKey)),
		slog.Int64("version", record.Version),
	)

	return &TamperCheck{
		Tampered: true,
		Reason:   "validation token does not match record fields",
	}
}

// CheckRollback compares the record and the current clock against the
// ledger's highest observed values. Version regression or a clock set back
// beyond the skew tolerance is classified as a rollback or restored-backup
// attack, never as expiry.
func (td *TamperDetector) CheckRollback(record *LicenseRecord, now time.Time) (*TamperCheck, error) {
	maxVersion, maxValidation, err := td.ledger.State()
	if err != nil {
		return nil, err
	}

	if record.Version < maxVersion {
		td.logger.Warn("License version regression detected",
			slog.String("license_key", MaskLicenseKey(record.LicenseKey)),
			slog.Int64("record_version", record.Version),
			slog.Int64("ledger_version", maxVersion),
		)
		return &TamperCheck{
			Tampered: true,
			Reason: fmt.Sprintf("record version %d is behind ledger version %d (restored backup)",
				record.Version, maxVersion),
		}, nil
	}

	if record.LastValidation.Before(maxValidation.Add(-td.skewTolerance)) {
		td.logger.Warn("Record lastValidation regression detected",
			slog.String("license_key", MaskLicenseKey(record.LicenseKey)),
			slog.Time("record_last_validation", record.LastValidation),
			slog.Time("ledger_last_validation", maxValidation),
		)
		return &TamperCheck{
			Tampered: true,
			Reason:   "record lastValidation is behind the ledger beyond clock-skew tolerance",
		}, nil
	}

	// now earlier than the last accepted validation means the system clock
	// was rolled back. Skew within tolerance is an accidental clock issue,
	// not tampering.
	if now.Before(maxValidation.Add(-td.skewTolerance)) {
		td.logger.Warn("System clock rollback detected",
			slog.Time("now", now),
			slog.Time("ledger_last_validation", maxValidation),
			slog.Duration("tolerance", td.skewTolerance),
		)
		return &TamperCheck{
			Tampered: true,
			Reason: fmt.Sprintf("system clock %s is before last accepted validation %s",
				now.UTC().Format(time.RFC3339), maxValidation.UTC().Format(time.RFC3339)),
		}, nil
	}

	return &TamperCheck{}, nil
}
