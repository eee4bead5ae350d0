package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"poscore/internal/license"
	"poscore/internal/security"
	ws "poscore/internal/websocket"
)

// stubAuthority serves the minimal license authority API the service
// layer exercises end to end.
func stubAuthority(t *testing.T, expiresAt, gracePeriodEnd time.Time) *license.AuthorityClient {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/licenses/activate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LicenseKey string `json:"license_key"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"license_key":      req.LicenseKey,
			"expires_at":       expiresAt,
			"grace_period_end": gracePeriodEnd,
			"location_name":    "Main Street Store",
		})
	})
	mux.HandleFunc("/v1/licenses/validate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"entitled":         true,
			"expires_at":       expiresAt,
			"grace_period_end": gracePeriodEnd,
		})
	})
	mux.HandleFunc("/v1/transfers/notify", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return license.NewAuthorityClient(server.URL, 5*time.Second, nil)
}

// recordingNotifier captures websocket pushes for assertions.
type recordingNotifier struct {
	states    []ws.LicenseStateUpdate
	transfers []ws.TransferEvent
}

func (n *recordingNotifier) NotifyLicenseState(update ws.LicenseStateUpdate) {
	n.states = append(n.states, update)
}

func (n *recordingNotifier) NotifyTransfer(event ws.TransferEvent) {
	n.transfers = append(n.transfers, event)
}

type serviceRig struct {
	svc       LicenseService
	notifier  *recordingNotifier
	store     *license.Store
	cache     *license.ValidationCache
	db        *sqlx.DB
	auditLog  *license.AuditLog
	transfers *license.TransferStore
}

func newServiceRig(t *testing.T, fingerprint string, authority *license.AuthorityClient) *serviceRig {
	t.Helper()

	dir := t.TempDir()
	db, err := sqlx.Connect("sqlite", filepath.Join(dir, "license_audit.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := license.NewStore(filepath.Join(dir, "license.dat"), fingerprint, nil)
	ledger := license.NewLedger(filepath.Join(dir, "license.ledger"), fingerprint)
	tamper := license.NewTamperDetector(ledger, 5*time.Minute, nil)
	cache := license.NewValidationCache(5*time.Minute, 16)
	t.Cleanup(cache.Stop)

	auditLog, err := license.NewAuditLog(db, nil)
	require.NoError(t, err)
	transfers, err := license.NewTransferStore(db)
	require.NoError(t, err)

	validator := license.NewValidator(license.ValidatorDeps{
		Store:       store,
		Ledger:      ledger,
		Tamper:      tamper,
		Authority:   authority,
		Transfers:   transfers,
		Audit:       auditLog,
		Cache:       cache,
		Fingerprint: fingerprint,
	})
	activator := license.NewActivator(license.ActivatorDeps{
		Store:       store,
		Ledger:      ledger,
		Authority:   authority,
		Audit:       auditLog,
		Cache:       cache,
		Fingerprint: fingerprint,
		MachineName: "till-1",
	})
	orchestrator := license.NewTransferOrchestrator(license.OrchestratorDeps{
		Store:       store,
		Ledger:      ledger,
		Transfers:   transfers,
		Tokens:      license.NewTransferTokenManager(24 * time.Hour),
		Validator:   validator,
		Authority:   authority,
		Audit:       auditLog,
		Cache:       cache,
		Fingerprint: fingerprint,
		MachineName: "till-1",
	})

	notifier := &recordingNotifier{}
	svc := NewLicenseService(LicenseServiceDeps{
		Validator:    validator,
		Activator:    activator,
		Orchestrator: orchestrator,
		Audit:        auditLog,
		Transfers:    transfers,
		Cache:        cache,
		Fingerprints: security.NewFingerprintManager(),
		Notifier:     notifier,
	})

	return &serviceRig{
		svc:       svc,
		notifier:  notifier,
		store:     store,
		cache:     cache,
		db:        db,
		auditLog:  auditLog,
		transfers: transfers,
	}
}
