package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrValidationCarriesFieldDetails(t *testing.T) {
	apiErr := ErrValidation("LicenseKey", "failed the \"required\" rule")

	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", apiErr.ErrorCode)

	detail, ok := apiErr.Details.(ValidationError)
	require.True(t, ok)
	assert.Equal(t, "LicenseKey", detail.Field)
}

func TestInvalidRequestWithError(t *testing.T) {
	apiErr := InvalidRequestWithError(errors.New("unexpected EOF"))

	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", apiErr.ErrorCode)
	assert.Equal(t, "unexpected EOF", apiErr.Details)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrRateLimitExceeded)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error.ErrorCode)
}
