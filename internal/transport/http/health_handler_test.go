package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poscore/internal/services"
)

type stubHealthService struct {
	status string
}

func (s *stubHealthService) HealthCheck(ctx context.Context) *services.HealthStatus {
	return &services.HealthStatus{Status: s.status, Timestamp: time.Now(), Version: "test"}
}

func (s *stubHealthService) ReadinessCheck(ctx context.Context) *services.HealthStatus {
	return &services.HealthStatus{Status: s.status, Timestamp: time.Now(), Version: "test"}
}

func (s *stubHealthService) LivenessCheck(ctx context.Context) *services.HealthStatus {
	return &services.HealthStatus{Status: "healthy", Timestamp: time.Now(), Version: "test"}
}

func (s *stubHealthService) Version(ctx context.Context) map[string]string {
	return map[string]string{"version": "test"}
}

func (s *stubHealthService) SystemStats(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{"goroutines": 1}
}

func TestHealthEndpoints(t *testing.T) {
	handler := NewHealthHandler(&stubHealthService{status: "healthy"}, nil)
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	for _, path := range []string{"/", "/ready", "/live"} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	handler := NewHealthHandler(&stubHealthService{status: "unhealthy"}, nil)
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body services.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
}
