package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "poscore/internal/errors"
	"poscore/internal/license"
	"poscore/internal/services"
)

// stubLicenseService is a canned-response implementation for handler tests.
type stubLicenseService struct {
	activateResp *services.ActivationResponse
	activateErr  error
	statusResp   *services.StatusResponse
	statusErr    error
	initResp     *services.TransferResponse
	initErr      error
	cancelErr    error
	expired      bool
	expiredErr   error
	lastKey      string
	lastNotes    string
	lastReason   string
}

func (s *stubLicenseService) Activate(ctx context.Context, key string) (*services.ActivationResponse, error) {
	s.lastKey = key
	return s.activateResp, s.activateErr
}

func (s *stubLicenseService) GetStatus(ctx context.Context) (*services.StatusResponse, error) {
	return s.statusResp, s.statusErr
}

func (s *stubLicenseService) Revalidate(ctx context.Context) (*services.StatusResponse, error) {
	return s.statusResp, s.statusErr
}

func (s *stubLicenseService) IsExpired(ctx context.Context) (bool, error) {
	return s.expired, s.expiredErr
}

func (s *stubLicenseService) InitiateTransfer(ctx context.Context, key, notes string) (*services.TransferResponse, error) {
	s.lastKey, s.lastNotes = key, notes
	return s.initResp, s.initErr
}

func (s *stubLicenseService) CompleteTransfer(ctx context.Context, token, key string) (*services.StatusResponse, error) {
	return s.statusResp, s.statusErr
}

func (s *stubLicenseService) CancelTransfer(ctx context.Context, transferID, reason string) error {
	s.lastReason = reason
	return s.cancelErr
}

func (s *stubLicenseService) TransferHistory(ctx context.Context, filter license.TransferFilter, page license.Pagination) ([]license.TransferRecord, int, error) {
	return []license.TransferRecord{{ID: "t-1", Status: filter.Status}}, 1, nil
}

func (s *stubLicenseService) AuditLogs(ctx context.Context, filter license.AuditFilter, page license.Pagination) ([]license.AuditEntry, int, error) {
	return []license.AuditEntry{{Result: license.ResultValid}}, 1, nil
}

func (s *stubLicenseService) UsageStatistics(ctx context.Context) (*license.UsageStatistics, error) {
	return &license.UsageStatistics{TotalValidations: 7}, nil
}

func (s *stubLicenseService) Fingerprint(ctx context.Context) (map[string]string, error) {
	return map[string]string{"hardware_id": "HW-1"}, nil
}

func newTestServer(t *testing.T, svc services.LicenseService) *httptest.Server {
	t.Helper()

	handler := NewLicenseHandler(svc, nil)
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestActivateEndpoint(t *testing.T) {
	svc := &stubLicenseService{
		activateResp: &services.ActivationResponse{
			Status:     services.StatusActive,
			LicenseKey: "POS********EF56",
			ExpiresAt:  time.Now().Add(30 * 24 * time.Hour),
		},
	}
	server := newTestServer(t, svc)

	resp := postJSON(t, server.URL+"/activate", map[string]string{"license_key": "POS-AB12-CD34-EF56"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "POS-AB12-CD34-EF56", svc.lastKey)

	var body services.ActivationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, services.StatusActive, body.Status)
}

func TestActivateEndpointRejectsMissingKey(t *testing.T) {
	server := newTestServer(t, &stubLicenseService{})

	resp := postJSON(t, server.URL+"/activate", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body apperrors.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "VALIDATION_FAILED", body.ErrorCode)

	// The offending field is named in the details
	details, err := json.Marshal(body.Details)
	require.NoError(t, err)
	assert.Contains(t, string(details), "LicenseKey")
}

func TestActivateEndpointRejectsMalformedBody(t *testing.T) {
	server := newTestServer(t, &stubLicenseService{})

	resp, err := http.Post(server.URL+"/activate", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body apperrors.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "INVALID_REQUEST", body.ErrorCode)
}

func TestActivateEndpointMapsDomainErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid key", apperrors.ErrInvalidLicenseKey, http.StatusBadRequest},
		{"rate limited", apperrors.ErrRateLimited, http.StatusTooManyRequests},
		{"activation failed", apperrors.ErrActivationFailed, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(t, &stubLicenseService{activateErr: tc.err})

			resp := postJSON(t, server.URL+"/activate", map[string]string{"license_key": "POS-AB12-CD34-EF56"})
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestUnknownRouteReturnsStructuredNotFound(t *testing.T) {
	server := newTestServer(t, &stubLicenseService{})

	resp, err := http.Get(server.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body apperrors.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.ErrorCode)
}

func TestStatusEndpoint(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubLicenseService{
		statusResp: &services.StatusResponse{
			Status:        services.StatusActive,
			Valid:         true,
			DaysRemaining: 12,
			CheckedAt:     now,
		},
	}
	server := newTestServer(t, svc)

	resp, err := http.Get(server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body services.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Valid)
	assert.Equal(t, 12, body.DaysRemaining)
}

func TestExpiredEndpoint(t *testing.T) {
	server := newTestServer(t, &stubLicenseService{expired: true})

	resp, err := http.Get(server.URL + "/expired")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["expired"])
}

func TestStatusEndpointMapsStorageError(t *testing.T) {
	server := newTestServer(t, &stubLicenseService{statusErr: apperrors.ErrStorage})

	resp, err := http.Get(server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestTransferEndpoints(t *testing.T) {
	svc := &stubLicenseService{
		initResp: &services.TransferResponse{
			TransferID:    "t-1",
			TransferToken: "token",
			Status:        license.TransferPending,
		},
	}
	server := newTestServer(t, svc)

	resp := postJSON(t, server.URL+"/transfers", map[string]string{
		"license_key": "POS-AB12-CD34-EF56",
		"notes":       "replacing till",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "replacing till", svc.lastNotes)

	cancel := postJSON(t, server.URL+"/transfers/t-1/cancel", map[string]string{"reason": "typo"})
	assert.Equal(t, http.StatusOK, cancel.StatusCode)
	assert.Equal(t, "typo", svc.lastReason)
}

func TestTransferConflictMapsTo409(t *testing.T) {
	server := newTestServer(t, &stubLicenseService{initErr: apperrors.ErrTransferConflict})

	resp := postJSON(t, server.URL+"/transfers", map[string]string{"license_key": "POS-AB12-CD34-EF56"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAuditEndpoints(t *testing.T) {
	server := newTestServer(t, &stubLicenseService{})

	resp, err := http.Get(server.URL + "/audit?result=valid&limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 1, body["total"])

	stats, err := http.Get(server.URL + "/audit/statistics")
	require.NoError(t, err)
	defer stats.Body.Close()
	assert.Equal(t, http.StatusOK, stats.StatusCode)
}

func TestFingerprintEndpoint(t *testing.T) {
	server := newTestServer(t, &stubLicenseService{})

	resp, err := http.Get(server.URL + "/fingerprint")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "HW-1", body["hardware_id"])
}
