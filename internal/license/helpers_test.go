package license

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// fakeClock is an adjustable clock shared by the components under test
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// testRig wires one simulated device: its own record store and ledger, plus
// the (possibly shared) audit database.
type testRig struct {
	fingerprint string
	clock       *fakeClock
	store       *Store
	ledger      *Ledger
	tamper      *TamperDetector
	cache       *ValidationCache
	audit       *AuditLog
	transfers   *TransferStore
	validator   *Validator
	db          *sqlx.DB
}

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := OpenAuditDB(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

// newTestRig builds a device rig. Pass a shared db to simulate two devices
// reaching the same transfer bookkeeping; authority may be nil for pure
// offline rigs.
func newTestRig(t *testing.T, fingerprint string, clock *fakeClock, db *sqlx.DB, authority *AuthorityClient) *testRig {
	t.Helper()

	dir := t.TempDir()
	logger := slog.Default()

	if clock == nil {
		clock = newFakeClock(time.Now().UTC().Truncate(time.Second))
	}
	if db == nil {
		db = openTestDB(t)
	}

	store := NewStore(filepath.Join(dir, "license.dat"), fingerprint, logger)
	ledger := NewLedger(filepath.Join(dir, "license.ledger"), fingerprint)
	tamper := NewTamperDetector(ledger, 5*time.Minute, logger)

	audit, err := NewAuditLog(db, logger)
	require.NoError(t, err)

	transfers, err := NewTransferStore(db)
	require.NoError(t, err)

	cache := NewValidationCache(5*time.Minute, 16)
	t.Cleanup(cache.Stop)

	validator := NewValidator(ValidatorDeps{
		Store:       store,
		Ledger:      ledger,
		Tamper:      tamper,
		Authority:   authority,
		Transfers:   transfers,
		Audit:       audit,
		Cache:       cache,
		Fingerprint: fingerprint,
		Logger:      logger,
		Clock:       clock.Now,
	})

	return &testRig{
		fingerprint: fingerprint,
		clock:       clock,
		store:       store,
		ledger:      ledger,
		tamper:      tamper,
		cache:       cache,
		audit:       audit,
		transfers:   transfers,
		validator:   validator,
		db:          db,
	}
}

func (r *testRig) orchestrator(t *testing.T, authority *AuthorityClient, machineName string) *TransferOrchestrator {
	t.Helper()

	return NewTransferOrchestrator(OrchestratorDeps{
		Store:       r.store,
		Ledger:      r.ledger,
		Transfers:   r.transfers,
		Tokens:      NewTransferTokenManager(24 * time.Hour),
		Validator:   r.validator,
		Authority:   authority,
		Audit:       r.audit,
		Cache:       r.cache,
		Fingerprint: r.fingerprint,
		MachineName: machineName,
		Clock:       r.clock.Now,
	})
}

// mintRecord persists a sealed license record and resets the ledger to its
// baseline, as activation would.
func (r *testRig) mintRecord(t *testing.T, licenseKey string, validFor, grace time.Duration) *LicenseRecord {
	t.Helper()

	now := r.clock.Now()
	record := &LicenseRecord{
		LicenseKey:     NormalizeKey(licenseKey),
		HardwareID:     r.fingerprint,
		ActivatedAt:    now,
		ExpiresAt:      now.Add(validFor),
		GracePeriodEnd: now.Add(validFor + grace),
		LastValidation: now,
		Version:        1,
	}
	record.Seal()

	require.NoError(t, r.store.Save(record))
	require.NoError(t, r.ledger.Reset(record.Version, record.LastValidation))

	return record
}

// mockAuthority serves the issuing authority's JSON endpoints
type mockAuthority struct {
	server *httptest.Server

	mu            sync.Mutex
	entitled      bool
	expiresAt     time.Time
	graceEnd      time.Time
	activateCalls int
	validateCalls int
	notifyCalls   int
}

func newMockAuthority(t *testing.T, expiresAt, graceEnd time.Time) *mockAuthority {
	t.Helper()

	ma := &mockAuthority{
		entitled:  true,
		expiresAt: expiresAt,
		graceEnd:  graceEnd,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/licenses/activate", func(w http.ResponseWriter, req *http.Request) {
		ma.mu.Lock()
		ma.activateCalls++
		resp := map[string]interface{}{
			"license_key":      "granted",
			"expires_at":       ma.expiresAt,
			"grace_period_end": ma.graceEnd,
			"location_id":      "loc-1",
			"location_name":    "Main Street Store",
			"location_address": "1 Main St",
		}
		ma.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/v1/licenses/validate", func(w http.ResponseWriter, req *http.Request) {
		ma.mu.Lock()
		ma.validateCalls++
		resp := map[string]interface{}{
			"entitled":         ma.entitled,
			"expires_at":       ma.expiresAt,
			"grace_period_end": ma.graceEnd,
		}
		ma.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/v1/transfers/notify", func(w http.ResponseWriter, req *http.Request) {
		ma.mu.Lock()
		ma.notifyCalls++
		ma.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	ma.server = httptest.NewServer(mux)
	t.Cleanup(ma.server.Close)

	return ma
}

func (ma *mockAuthority) client() *AuthorityClient {
	return NewAuthorityClient(ma.server.URL, 5*time.Second, slog.Default())
}

func (ma *mockAuthority) setEntitled(entitled bool) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.entitled = entitled
}

// unreachableAuthority returns a client pointing at a closed port
func unreachableAuthority(t *testing.T) *AuthorityClient {
	t.Helper()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	return NewAuthorityClient(url, 500*time.Millisecond, slog.Default())
}
