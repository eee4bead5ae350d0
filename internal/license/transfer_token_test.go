package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "poscore/internal/errors"
)

func TestTransferTokenRoundTrip(t *testing.T) {
	tm := NewTransferTokenManager(24 * time.Hour)
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

	token, err := tm.Issue("transfer-1", "POS-AB12-CD34-EF56", TransferClaims{
		SourceHardwareID: "HW-1",
		LicenseExpiresAt: expiry,
		GracePeriodEnd:   expiry.Add(7 * 24 * time.Hour),
		LocationName:     "Main Street Store",
	}, time.Now())
	require.NoError(t, err)

	claims, err := tm.Verify(token, "pos-ab12-cd34-ef56")
	require.NoError(t, err)
	assert.Equal(t, "transfer-1", claims.ID)
	assert.Equal(t, "HW-1", claims.SourceHardwareID)
	assert.True(t, claims.LicenseExpiresAt.Equal(expiry))
	assert.Equal(t, "Main Street Store", claims.LocationName)
}

func TestTransferTokenWrongLicenseKey(t *testing.T) {
	tm := NewTransferTokenManager(24 * time.Hour)

	token, err := tm.Issue("transfer-1", "POS-AB12-CD34-EF56", TransferClaims{SourceHardwareID: "HW-1"}, time.Now())
	require.NoError(t, err)

	// Different key means a different signing secret
	_, err = tm.Verify(token, "POS-ZZZZ-ZZZZ-ZZZZ")
	assert.ErrorIs(t, err, apperrors.ErrTransferTokenInvalid)
}

func TestTransferTokenExpired(t *testing.T) {
	tm := NewTransferTokenManager(time.Hour)

	token, err := tm.Issue("transfer-1", "POS-AB12-CD34-EF56", TransferClaims{SourceHardwareID: "HW-1"},
		time.Now().Add(-48*time.Hour))
	require.NoError(t, err)

	_, err = tm.Verify(token, "POS-AB12-CD34-EF56")
	assert.ErrorIs(t, err, apperrors.ErrTransferTokenInvalid)
}

func TestTransferTokenGarbage(t *testing.T) {
	tm := NewTransferTokenManager(time.Hour)

	_, err := tm.Verify("definitely not a jwt", "POS-AB12-CD34-EF56")
	assert.ErrorIs(t, err, apperrors.ErrTransferTokenInvalid)
}
