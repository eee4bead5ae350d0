package license

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "poscore/internal/errors"
)

// TransferClaims carry everything the target device needs to mint its own
// license record even when the issuing authority is unreachable at
// completion time.
type TransferClaims struct {
	SourceHardwareID string    `json:"source_hw"`
	LicenseExpiresAt time.Time `json:"license_expires_at"`
	GracePeriodEnd   time.Time `json:"grace_period_end"`
	LocationID       string    `json:"location_id,omitempty"`
	LocationName     string    `json:"location_name,omitempty"`
	LocationAddress  string    `json:"location_address,omitempty"`
	jwt.RegisteredClaims
}

// TransferTokenManager issues and verifies single-use transfer tokens as
// HS256 JWTs. The signing secret is derived from the license key itself, so
// both devices in a transfer can verify without sharing extra state.
// Single-use enforcement lives in the transfer store, keyed by the token's
// unique ID; the token itself only proves legitimate initiation.
type TransferTokenManager struct {
	ttl time.Duration
}

// NewTransferTokenManager creates a token manager with the given token TTL
func NewTransferTokenManager(ttl time.Duration) *TransferTokenManager {
	return &TransferTokenManager{ttl: ttl}
}

func transferSecret(licenseKey string) []byte {
	secret := sha256.Sum256([]byte("poscore-transfer-v1|" + NormalizeKey(licenseKey)))
	return secret[:]
}

// Issue creates a signed transfer token bound to the given transfer record
// ID (used as the JWT ID for single-use tracking).
func (tm *TransferTokenManager) Issue(transferID, licenseKey string, claims TransferClaims, now time.Time) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        transferID,
		Subject:   NormalizeKey(licenseKey),
		Issuer:    "poscore",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(transferSecret(licenseKey))
	if err != nil {
		return "", fmt.Errorf("signing transfer token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a transfer token for the given license key.
// Expired, malformed, wrongly-signed, or wrong-subject tokens all surface
// as ErrTransferTokenInvalid.
func (tm *TransferTokenManager) Verify(tokenString, licenseKey string) (*TransferClaims, error) {
	claims := &TransferClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return transferSecret(licenseKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransferTokenInvalid, err)
	}
	if !token.Valid {
		return nil, apperrors.ErrTransferTokenInvalid
	}

	if claims.Subject != NormalizeKey(licenseKey) {
		return nil, fmt.Errorf("%w: token issued for a different license key", apperrors.ErrTransferTokenInvalid)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: token carries no ID", apperrors.ErrTransferTokenInvalid)
	}

	return claims, nil
}
