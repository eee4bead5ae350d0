package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	apperrors "poscore/internal/errors"
)

// AuthorityClient talks to the issuing authority over HTTPS+JSON. Every
// request carries a bounded timeout; transport failures and server-side
// errors are reported as ErrNetworkUnavailable so the validator can fall
// back to offline mode instead of failing outright.
type AuthorityClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ActivationGrant is the authority's response to a successful activation
// or transfer completion.
type ActivationGrant struct {
	LicenseKey      string    `json:"license_key"`
	ExpiresAt       time.Time `json:"expires_at"`
	GracePeriodEnd  time.Time `json:"grace_period_end"`
	LocationID      string    `json:"location_id,omitempty"`
	LocationName    string    `json:"location_name,omitempty"`
	LocationAddress string    `json:"location_address,omitempty"`
}

// ValidationGrant is the authority's response to an online validation
type ValidationGrant struct {
	Entitled       bool      `json:"entitled"`
	ExpiresAt      time.Time `json:"expires_at"`
	GracePeriodEnd time.Time `json:"grace_period_end"`
	Reason         string    `json:"reason,omitempty"`
}

type activationRequest struct {
	LicenseKey  string `json:"license_key"`
	HardwareID  string `json:"hardware_id"`
	MachineName string `json:"machine_name,omitempty"`
}

type validationRequest struct {
	LicenseKey string `json:"license_key"`
	HardwareID string `json:"hardware_id"`
	Version    int64  `json:"version"`
}

type transferNoticeRequest struct {
	LicenseKey       string `json:"license_key"`
	TransferID       string `json:"transfer_id"`
	SourceHardwareID string `json:"source_hardware_id"`
	TargetHardwareID string `json:"target_hardware_id,omitempty"`
	Event            string `json:"event"` // "initiated", "completed", "cancelled"
}

// NewAuthorityClient creates a client for the issuing authority
func NewAuthorityClient(baseURL string, timeout time.Duration, logger *slog.Logger) *AuthorityClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorityClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Activate asks the authority to bind the license key to this device.
// Returns ErrInvalidLicenseKey when the authority rejects the key,
// ErrActivationFailed when the key is valid but cannot be activated (e.g.
// already bound elsewhere), and ErrNetworkUnavailable on transport failure.
func (c *AuthorityClient) Activate(ctx context.Context, licenseKey, hardwareID, machineName string) (*ActivationGrant, error) {
	req := activationRequest{
		LicenseKey:  NormalizeKey(licenseKey),
		HardwareID:  hardwareID,
		MachineName: machineName,
	}

	var grant ActivationGrant
	status, err := c.post(ctx, "/v1/licenses/activate", req, &grant)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return &grant, nil
	case status == http.StatusNotFound:
		return nil, apperrors.ErrInvalidLicenseKey
	case status >= 400 && status < 500:
		return nil, fmt.Errorf("%w: authority rejected activation (status %d)", apperrors.ErrActivationFailed, status)
	default:
		return nil, fmt.Errorf("%w: authority returned status %d", apperrors.ErrNetworkUnavailable, status)
	}
}

// Validate asks the authority whether the key is still entitled for this
// hardware. A reachable authority answering "not entitled" is a definitive
// answer, not a network failure.
func (c *AuthorityClient) Validate(ctx context.Context, licenseKey, hardwareID string, version int64) (*ValidationGrant, error) {
	req := validationRequest{
		LicenseKey: NormalizeKey(licenseKey),
		HardwareID: hardwareID,
		Version:    version,
	}

	var grant ValidationGrant
	status, err := c.post(ctx, "/v1/licenses/validate", req, &grant)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
		return &grant, nil
	case status >= 400 && status < 500:
		return &ValidationGrant{Entitled: false, Reason: fmt.Sprintf("authority status %d", status)}, nil
	default:
		return nil, fmt.Errorf("%w: authority returned status %d", apperrors.ErrNetworkUnavailable, status)
	}
}

// NotifyTransfer informs the authority of a transfer lifecycle event so its
// own bookkeeping can converge even when devices complete offline. Failures
// are returned but callers treat them as best-effort.
func (c *AuthorityClient) NotifyTransfer(ctx context.Context, licenseKey, transferID, sourceHardwareID, targetHardwareID, event string) error {
	req := transferNoticeRequest{
		LicenseKey:       NormalizeKey(licenseKey),
		TransferID:       transferID,
		SourceHardwareID: sourceHardwareID,
		TargetHardwareID: targetHardwareID,
		Event:            event,
	}

	status, err := c.post(ctx, "/v1/transfers/notify", req, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return fmt.Errorf("%w: authority returned status %d", apperrors.ErrNetworkUnavailable, status)
	}
	return nil
}

func (c *AuthorityClient) post(ctx context.Context, path string, body, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Debug("Authority request failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return 0, fmt.Errorf("%w: %v", apperrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Authority request completed",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	if out != nil && resp.StatusCode < 300 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return resp.StatusCode, fmt.Errorf("%w: reading response: %v", apperrors.ErrNetworkUnavailable, err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decoding response: %v", apperrors.ErrNetworkUnavailable, err)
		}
	}

	return resp.StatusCode, nil
}
