package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// License lifecycle errors. These are the only failure classes the core
// surfaces to callers; NetworkUnavailable is recovered internally by the
// offline fallback and never crosses the service boundary.
var (
	ErrNotActivated       = errors.New("license not activated")
	ErrHardwareMismatch   = errors.New("hardware fingerprint mismatch")
	ErrTampered           = errors.New("license record tampered")
	ErrExpired            = errors.New("license expired")
	ErrNetworkUnavailable = errors.New("issuing authority unreachable")
	ErrStorage            = errors.New("license storage error")

	ErrInvalidLicenseKey    = errors.New("invalid license key")
	ErrInvalidLicenseFormat = errors.New("invalid license key format")
	ErrActivationFailed     = errors.New("activation failed")
	ErrRateLimited          = errors.New("rate limited")

	ErrTransferConflict         = errors.New("transfer already in progress")
	ErrTransferTokenInvalid     = errors.New("transfer token invalid")
	ErrTransferTargetSameDevice = errors.New("transfer target is the source device")
	ErrTransferNotFound         = errors.New("transfer not found")
	ErrTransferNotCancellable   = errors.New("transfer can no longer be cancelled")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return NewProblemDetails(
			apiErr.StatusCode,
			"/errors/"+apiErr.ErrorCode,
			http.StatusText(apiErr.StatusCode),
			apiErr.Message,
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", apiErr.ErrorCode)
	}

	switch {
	case errors.Is(err, ErrNotActivated):
		return NewProblemDetails(
			http.StatusPreconditionRequired,
			"/errors/license-not-activated",
			"License Not Activated",
			"No license has been activated on this device. Please activate a license to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_ACTIVATED")

	case errors.Is(err, ErrHardwareMismatch):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/hardware-mismatch",
			"Hardware Mismatch",
			"This license is bound to a different device. Transfer the license to use it here.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "HARDWARE_MISMATCH")

	case errors.Is(err, ErrTampered):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-tampered",
			"License Tampered",
			"The local license record failed integrity checks. Re-activate the license or contact support.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_TAMPERED")

	case errors.Is(err, ErrExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-expired",
			"License Expired",
			"Your license has expired. Please renew to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_EXPIRED")

	case errors.Is(err, ErrStorage):
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/storage-error",
			"License Storage Error",
			"The local license record could not be read. The file may be corrupted.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "STORAGE_ERROR")

	case errors.Is(err, ErrInvalidLicenseFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-license-format",
			"Invalid License Format",
			"License key must be in format: POS-XXXX-XXXX-XXXX",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_LICENSE_FORMAT").
			WithExtension("expected_format", "POS-XXXX-XXXX-XXXX")

	case errors.Is(err, ErrInvalidLicenseKey):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-license-key",
			"Invalid License Key",
			"The provided license key is invalid or malformed.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_LICENSE_KEY")

	case errors.Is(err, ErrActivationFailed):
		return NewProblemDetails(
			http.StatusUnprocessableEntity,
			"/errors/activation-failed",
			"License Activation Failed",
			"Unable to activate the license. Please verify the key and try again.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "ACTIVATION_FAILED")

	case errors.Is(err, ErrRateLimited):
		return NewProblemDetails(
			http.StatusTooManyRequests,
			"/errors/rate-limited",
			"Too Many Requests",
			"Too many activation attempts. Please try again later.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "RATE_LIMITED").
			WithExtension("retry_after", 900)

	case errors.Is(err, ErrTransferConflict):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/transfer-conflict",
			"Transfer Already In Progress",
			"A transfer for this license key is already pending. Complete or cancel it before starting another.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TRANSFER_CONFLICT")

	case errors.Is(err, ErrTransferTokenInvalid):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/transfer-token-invalid",
			"Transfer Token Invalid",
			"The transfer token is invalid, expired, or has already been used.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TRANSFER_TOKEN_INVALID")

	case errors.Is(err, ErrTransferTargetSameDevice):
		return NewProblemDetails(
			http.StatusUnprocessableEntity,
			"/errors/transfer-same-device",
			"Transfer Target Is Source Device",
			"A license cannot be transferred to the device it is already activated on.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TRANSFER_TARGET_SAME_DEVICE")

	case errors.Is(err, ErrTransferNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/transfer-not-found",
			"Transfer Not Found",
			"No transfer exists with the given identifier.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TRANSFER_NOT_FOUND")

	case errors.Is(err, ErrTransferNotCancellable):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/transfer-not-cancellable",
			"Transfer Not Cancellable",
			"Only pending transfers can be cancelled. A completed transfer must be undone by transferring back.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TRANSFER_NOT_CANCELLABLE")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
