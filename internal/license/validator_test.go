package license

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "poscore/internal/errors"
)

func TestValidateNoRecord(t *testing.T) {
	rig := newTestRig(t, "HW-1", nil, nil, nil)

	outcome, err := rig.validator.Validate(context.Background())
	require.ErrorIs(t, err, apperrors.ErrNotActivated)
	assert.False(t, outcome.Valid)
	assert.Equal(t, ResultInvalid, outcome.Result)
	assert.Contains(t, outcome.Message, "no license found")

	// The attempt is still audited
	entries, total, err := rig.audit.Query(context.Background(), AuditFilter{}, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, ResultInvalid, entries[0].Result)
}

func TestValidateHardwareMismatch(t *testing.T) {
	rig := newTestRig(t, "HW-1", nil, nil, nil)

	// Record bound to another device, and with an expired date on top:
	// binding is checked before anything else
	record := rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 7*24*time.Hour)
	record.HardwareID = "HW-OTHER"
	record.ExpiresAt = rig.clock.Now().Add(-time.Hour)
	record.Seal()
	require.NoError(t, rig.store.Save(record))

	outcome, err := rig.validator.Validate(context.Background())
	require.ErrorIs(t, err, apperrors.ErrHardwareMismatch)
	assert.Equal(t, ResultInvalid, outcome.Result)
	assert.Contains(t, outcome.Message, "hardware mismatch")
}

func TestValidateOfflineExpiryBoundaries(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		advance     time.Duration
		wantValid   bool
		wantResult  string
		wantGrace   bool
		wantDays    int
		checkDays   bool
	}{
		{"well before expiry", 0, true, ResultValid, false, 30, true},
		{"exactly at expiry", 30 * 24 * time.Hour, true, ResultValid, false, 0, true},
		{"inside grace window", 31 * 24 * time.Hour, true, ResultValid, true, -1, true},
		{"past grace window", 38 * 24 * time.Hour, false, ResultExpired, false, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(start)
			rig := newTestRig(t, "HW-1", clock, nil, nil)
			rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 7*24*time.Hour)

			clock.Advance(tt.advance)

			outcome, err := rig.validator.Validate(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, outcome.Valid)
			assert.Equal(t, tt.wantResult, outcome.Result)
			assert.Equal(t, tt.wantGrace, outcome.InGracePeriod)
			assert.Equal(t, ModeOffline, outcome.Mode)
			if tt.checkDays {
				assert.Equal(t, tt.wantDays, outcome.DaysRemaining)
			}
		})
	}
}

func TestValidateNoGraceWindowIsHardBoundary(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rig := newTestRig(t, "HW-1", clock, nil, nil)

	// gracePeriodEnd == expiresAt: no grace applies
	rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 0)

	clock.Advance(30*24*time.Hour + time.Minute)

	outcome, err := rig.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
	assert.Equal(t, ResultExpired, outcome.Result)
}

func TestValidateTokenTampering(t *testing.T) {
	rig := newTestRig(t, "HW-1", nil, nil, nil)

	record := rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 24*time.Hour, 0)

	// Extend expiry without re-sealing: the token no longer matches
	record.ExpiresAt = record.ExpiresAt.Add(365 * 24 * time.Hour)
	require.NoError(t, rig.store.Save(record))

	outcome, err := rig.validator.Validate(context.Background())
	require.ErrorIs(t, err, apperrors.ErrTampered)
	assert.Equal(t, ResultTampered, outcome.Result)
}

func TestValidateVersionRollback(t *testing.T) {
	rig := newTestRig(t, "HW-1", nil, nil, nil)

	rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 0)

	// The ledger has seen a later version than the record presents,
	// as after restoring a stale backup of license.dat
	require.NoError(t, rig.ledger.Observe(10, rig.clock.Now()))

	outcome, err := rig.validator.Validate(context.Background())
	require.ErrorIs(t, err, apperrors.ErrTampered)
	assert.Equal(t, ResultTampered, outcome.Result)
	assert.Contains(t, outcome.Message, "version")

	// And the failure is audited as tampered
	entries, _, err := rig.audit.Query(context.Background(), AuditFilter{Result: ResultTampered}, Pagination{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestValidateClockRollback(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rig := newTestRig(t, "HW-1", clock, nil, nil)

	rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 0)

	outcome, err := rig.validator.Validate(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.Valid)

	// A large rollback is tampering, even though the cached result is fresh
	clock.Advance(-time.Hour)

	outcome, err = rig.validator.Validate(context.Background())
	require.ErrorIs(t, err, apperrors.ErrTampered)
	assert.Equal(t, ResultTampered, outcome.Result)
}

func TestValidateSmallClockSkewTolerated(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rig := newTestRig(t, "HW-1", clock, nil, nil)

	rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 0)

	_, err := rig.validator.Validate(context.Background())
	require.NoError(t, err)

	// One minute backwards is within the skew tolerance
	clock.Advance(-time.Minute)

	outcome, err := rig.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Valid)
}

func TestValidateCachedMode(t *testing.T) {
	rig := newTestRig(t, "HW-1", nil, nil, nil)

	rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 0)

	first, err := rig.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeOffline, first.Mode)

	second, err := rig.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeCached, second.Mode)
	assert.True(t, second.Valid)

	// Each call still appends its own audit entry, tagged with the mode
	// actually used
	cached, _, err := rig.audit.Query(context.Background(), AuditFilter{Mode: ModeCached}, Pagination{})
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}

func TestValidateOnlineRefresh(t *testing.T) {
	clock := newFakeClock(time.Now().UTC().Truncate(time.Second))
	newExpiry := clock.Now().Add(90 * 24 * time.Hour)
	authority := newMockAuthority(t, newExpiry, newExpiry.Add(7*24*time.Hour))

	rig := newTestRig(t, "HW-1", clock, nil, authority.client())
	record := rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 10*24*time.Hour, 0)

	outcome, err := rig.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeOnline, outcome.Mode)
	assert.True(t, outcome.Valid)
	assert.True(t, outcome.ExpiresAt.Equal(newExpiry))

	// The record was refreshed and its version bumped
	refreshed, err := rig.store.Load()
	require.NoError(t, err)
	assert.Greater(t, refreshed.Version, record.Version)
	assert.True(t, refreshed.ExpiresAt.Equal(newExpiry))
	assert.True(t, refreshed.TokenValid())
}

func TestValidateOnlineRevocation(t *testing.T) {
	clock := newFakeClock(time.Now().UTC().Truncate(time.Second))
	authority := newMockAuthority(t, clock.Now().Add(30*24*time.Hour), clock.Now().Add(37*24*time.Hour))
	authority.setEntitled(false)

	rig := newTestRig(t, "HW-1", clock, nil, authority.client())
	rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 0)

	outcome, err := rig.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
	assert.Equal(t, ResultInvalid, outcome.Result)
	assert.Equal(t, ModeOnline, outcome.Mode)
}

func TestValidateNetworkFallsBackToOffline(t *testing.T) {
	rig := newTestRig(t, "HW-1", nil, nil, unreachableAuthority(t))
	rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 0)

	// Network failure is recovered locally, never surfaced as an error
	outcome, err := rig.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Valid)
	assert.Equal(t, ModeOffline, outcome.Mode)
}

func TestValidateCorruptRecordIsError(t *testing.T) {
	rig := newTestRig(t, "HW-1", nil, nil, nil)
	rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 0)

	require.NoError(t, os.WriteFile(rig.store.path, []byte("not a payload"), 0o600))

	outcome, err := rig.validator.Validate(context.Background())
	require.Error(t, err)
	assert.Equal(t, ResultError, outcome.Result)

	entries, _, qerr := rig.audit.Query(context.Background(), AuditFilter{Result: ResultError}, Pagination{})
	require.NoError(t, qerr)
	assert.Len(t, entries, 1)
}

func TestValidateRecordCopiedToOtherDeviceIsTampered(t *testing.T) {
	rig1 := newTestRig(t, "HW-1", nil, nil, nil)
	rig1.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 0)

	// Copy license.dat to a second device: the cipher key is derived from
	// the fingerprint, so decryption fails there
	data, err := os.ReadFile(rig1.store.path)
	require.NoError(t, err)

	rig2 := newTestRig(t, "HW-2", nil, nil, nil)
	require.NoError(t, os.WriteFile(rig2.store.path, data, 0o600))

	outcome, err := rig2.validator.Validate(context.Background())
	require.ErrorIs(t, err, apperrors.ErrTampered)
	assert.Equal(t, ResultTampered, outcome.Result)
}

func TestValidateAppendsExactlyOneAuditEntryPerCall(t *testing.T) {
	rig := newTestRig(t, "HW-1", nil, nil, nil)
	rig.mintRecord(t, "POS-AAAA-BBBB-CCCC", 30*24*time.Hour, 0)

	var lastTotal int
	for i := 0; i < 5; i++ {
		_, err := rig.validator.Validate(context.Background())
		require.NoError(t, err)

		_, total, err := rig.audit.Query(context.Background(), AuditFilter{}, Pagination{})
		require.NoError(t, err)
		assert.Equal(t, lastTotal+1, total)
		lastTotal = total
	}
}
