package services

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "poscore/internal/errors"
	"poscore/internal/license"
)

const testKey = "POS-AB12-CD34-EF56"

func TestLicenseServiceActivate(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	authority := stubAuthority(t, expiry, expiry.Add(7*24*time.Hour))
	rig := newServiceRig(t, "HW-1", authority)

	resp, err := rig.svc.Activate(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resp.Status)
	assert.Equal(t, "POS********EF56", resp.LicenseKey)
	assert.True(t, resp.ExpiresAt.Equal(expiry))
	assert.Equal(t, "Main Street Store", resp.LocationName)

	// Activation pushes a state update to connected UIs
	require.Len(t, rig.notifier.states, 1)
	assert.Equal(t, StatusActive, rig.notifier.states[0].Status)
}

func TestLicenseServiceActivateInvalidFormat(t *testing.T) {
	rig := newServiceRig(t, "HW-1", nil)

	_, err := rig.svc.Activate(context.Background(), "not-a-key")
	assert.ErrorIs(t, err, apperrors.ErrInvalidLicenseFormat)
	assert.Empty(t, rig.notifier.states)
}

func TestLicenseServiceStatusNotActivated(t *testing.T) {
	rig := newServiceRig(t, "HW-1", nil)

	resp, err := rig.svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNotActivated, resp.Status)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Message)
}

func TestLicenseServiceStatusActive(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	authority := stubAuthority(t, expiry, expiry.Add(7*24*time.Hour))
	rig := newServiceRig(t, "HW-1", authority)

	_, err := rig.svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	resp, err := rig.svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resp.Status)
	assert.True(t, resp.Valid)
	assert.Equal(t, 30, resp.DaysRemaining)
	require.NotNil(t, resp.ExpiresAt)
	assert.True(t, resp.ExpiresAt.Equal(expiry))
}

func TestLicenseServiceIsExpired(t *testing.T) {
	rig := newServiceRig(t, "HW-1", nil)

	// Nothing activated yet: there is nothing to be expired.
	expired, err := rig.svc.IsExpired(context.Background())
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestLicenseServiceIsExpiredPastGraceEnd(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	authority := stubAuthority(t, expiry, expiry.Add(7*24*time.Hour))
	rig := newServiceRig(t, "HW-1", authority)

	_, err := rig.svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	expired, err := rig.svc.IsExpired(context.Background())
	require.NoError(t, err)
	assert.False(t, expired)

	// Push the record past its grace window.
	_, err = rig.store.Update(func(r *license.LicenseRecord) error {
		r.ExpiresAt = time.Now().Add(-48 * time.Hour).UTC()
		r.GracePeriodEnd = time.Now().Add(-24 * time.Hour).UTC()
		r.Seal()
		return nil
	})
	require.NoError(t, err)

	expired, err = rig.svc.IsExpired(context.Background())
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestLicenseServiceRevalidateBypassesCache(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	authority := stubAuthority(t, expiry, expiry)
	rig := newServiceRig(t, "HW-1", authority)

	_, err := rig.svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	first, err := rig.svc.GetStatus(context.Background())
	require.NoError(t, err)

	// A second status hit is served from cache; revalidation is not.
	second, err := rig.svc.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, license.ModeCached, second.ValidationMode)

	fresh, err := rig.svc.Revalidate(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, license.ModeCached, fresh.ValidationMode)
	assert.Equal(t, first.Status, fresh.Status)
}

func TestLicenseServiceTransferLifecycle(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	authority := stubAuthority(t, expiry, expiry.Add(7*24*time.Hour))
	rig := newServiceRig(t, "HW-1", authority)

	_, err := rig.svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	initiation, err := rig.svc.InitiateTransfer(context.Background(), testKey, "replacing till")
	require.NoError(t, err)
	assert.NotEmpty(t, initiation.TransferID)
	assert.NotEmpty(t, initiation.TransferToken)
	require.Len(t, rig.notifier.transfers, 1)
	assert.Equal(t, "initiated", rig.notifier.transfers[0].Event)

	history, total, err := rig.svc.TransferHistory(context.Background(), license.TransferFilter{}, license.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, history, 1)
	assert.Equal(t, initiation.TransferID, history[0].ID)

	require.NoError(t, rig.svc.CancelTransfer(context.Background(), initiation.TransferID, "changed plans"))
	require.Len(t, rig.notifier.transfers, 2)
	assert.Equal(t, "cancelled", rig.notifier.transfers[1].Event)

	_, _, err = rig.svc.TransferHistory(context.Background(), license.TransferFilter{Status: license.TransferCancelled}, license.Pagination{})
	require.NoError(t, err)
}

func TestLicenseServiceCancelUnknownTransfer(t *testing.T) {
	rig := newServiceRig(t, "HW-1", nil)

	err := rig.svc.CancelTransfer(context.Background(), "no-such-transfer", "")
	assert.ErrorIs(t, err, apperrors.ErrTransferNotFound)
	assert.Empty(t, rig.notifier.transfers)
}

func TestLicenseServiceUsageStatistics(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	authority := stubAuthority(t, expiry, expiry)
	rig := newServiceRig(t, "HW-1", authority)

	_, err := rig.svc.Activate(context.Background(), testKey)
	require.NoError(t, err)
	_, err = rig.svc.GetStatus(context.Background())
	require.NoError(t, err)

	initiation, err := rig.svc.InitiateTransfer(context.Background(), testKey, "")
	require.NoError(t, err)
	require.NoError(t, rig.svc.CancelTransfer(context.Background(), initiation.TransferID, ""))

	stats, err := rig.svc.UsageStatistics(context.Background())
	require.NoError(t, err)
	assert.Greater(t, stats.TotalValidations, int64(0))
	assert.EqualValues(t, 1, stats.TransferCounts[license.TransferCancelled])
}

func TestLicenseServiceAuditLogs(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	authority := stubAuthority(t, expiry, expiry)
	rig := newServiceRig(t, "HW-1", authority)

	_, err := rig.svc.Activate(context.Background(), testKey)
	require.NoError(t, err)
	_, err = rig.svc.GetStatus(context.Background())
	require.NoError(t, err)

	entries, total, err := rig.svc.AuditLogs(context.Background(), license.AuditFilter{}, license.Pagination{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 2)
	for _, entry := range entries {
		assert.NotContains(t, entry.LicenseKey, "AB12CD34")
	}
}

func TestLicenseServiceFingerprint(t *testing.T) {
	rig := newServiceRig(t, "HW-1", nil)

	info, err := rig.svc.Fingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "HW-1", info["hardware_id"])

	// Diagnostic components ride along for support calls
	assert.Equal(t, runtime.GOOS, info["os"])
	assert.Equal(t, runtime.GOARCH, info["platform"])
	assert.Contains(t, info, "hostname")
}
