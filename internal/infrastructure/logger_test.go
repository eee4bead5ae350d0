package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poscore/internal/config"
)

func TestInitializeLogger(t *testing.T) {
	ResetLoggerForTesting()
	t.Cleanup(ResetLoggerForTesting)

	dir := t.TempDir()
	cfg := config.LoggingConfig{
		Level:    "debug",
		Format:   "json",
		Output:   "file",
		FilePath: filepath.Join(dir, "app.log"),
	}

	logger, err := InitializeLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	// Second call returns the same instance
	again, err := InitializeLogger(cfg)
	require.NoError(t, err)
	assert.Same(t, logger, again)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.in), tt.in)
	}
}

func TestTraceHandlerInjectsTraceID(t *testing.T) {
	var buf bytes.Buffer
	handler := &traceHandler{Handler: slog.NewJSONHandler(&buf, nil)}
	logger := slog.New(handler)

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-123", entry["trace_id"])
}

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))

	ctx = WithTraceID(ctx, "abc")
	assert.Equal(t, "abc", GetTraceID(ctx))
}

func TestEnsureTraceID(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	first := GetTraceID(ctx)
	assert.NotEmpty(t, first)

	// Does not replace an existing trace ID
	ctx = EnsureTraceID(ctx)
	assert.Equal(t, first, GetTraceID(ctx))
}

func TestLoggerWithContext(t *testing.T) {
	logger := LoggerWithContext(WithTraceID(context.Background(), "xyz"))
	assert.NotNil(t, logger)
}
