package license

import (
	"fmt"
	"strings"

	apperrors "poscore/internal/errors"
)

// License keys are distributed in the form POS-XXXX-XXXX-XXXX: the POS
// prefix followed by twelve uppercase alphanumeric characters, grouped
// with dashes for readability. All processing happens on the normalized
// (dash-free) form.

// ValidateKeyFormat validates the license key format
func ValidateKeyFormat(licenseKey string) error {
	cleanKey := NormalizeKey(licenseKey)

	if !strings.HasPrefix(cleanKey, "POS") {
		return fmt.Errorf("%w: key must start with 'POS'", apperrors.ErrInvalidLicenseFormat)
	}

	// POS + 12 characters without dashes
	if len(cleanKey) != 15 {
		return fmt.Errorf("%w: key must be 15 characters long (POS + 12 characters)", apperrors.ErrInvalidLicenseFormat)
	}

	suffix := cleanKey[3:]
	for _, char := range suffix {
		if !((char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9')) {
			return fmt.Errorf("%w: key must contain only uppercase letters and numbers", apperrors.ErrInvalidLicenseFormat)
		}
	}

	return nil
}

// NormalizeKey normalizes a license key to its canonical dash-free form
func NormalizeKey(licenseKey string) string {
	cleanKey := strings.ReplaceAll(strings.ReplaceAll(licenseKey, "-", ""), " ", "")
	return strings.ToUpper(cleanKey)
}

// FormatKeyWithDashes formats a key with dashes for display
func FormatKeyWithDashes(licenseKey string) string {
	cleanKey := NormalizeKey(licenseKey)

	if len(cleanKey) != 15 {
		return cleanKey
	}

	return fmt.Sprintf("%s-%s-%s-%s",
		cleanKey[:3],
		cleanKey[3:7],
		cleanKey[7:11],
		cleanKey[11:15],
	)
}

// MaskLicenseKey masks a license key for safe logging, keeping the prefix
// and the last four characters visible
func MaskLicenseKey(licenseKey string) string {
	cleanKey := NormalizeKey(licenseKey)

	if len(cleanKey) < 8 {
		return strings.Repeat("*", len(cleanKey))
	}

	return cleanKey[:3] + strings.Repeat("*", len(cleanKey)-7) + cleanKey[len(cleanKey)-4:]
}
