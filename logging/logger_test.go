package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-statesync/errors"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "warn", Format: "text"})

	logger.Info("dropped")
	logger.Warn("kept", slog.String("target", "state"))

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "target=state")
}

func TestLogger_LogErrorRendersSyncError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "json"})

	syncErr := errors.NewNetworkError(errors.OpFetchState, fmt.Errorf("connection reset"))
	logger.LogError(context.Background(), syncErr, "refresh failed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "refresh failed", record["msg"])

	group, ok := record["sync_error"].(map[string]any)
	require.True(t, ok, "sync_error should be a group")
	assert.Equal(t, "fetch_state", group["operation"])
	assert.Equal(t, "NETWORK_FAILURE", group["code"])
	assert.Equal(t, true, group["retryable"])
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "info", Format: "text"})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithClientID(ctx, "client-7")
	logger.WithContext(ctx).Info("hello")

	assert.Contains(t, buf.String(), "request_id=req-1")
	assert.Contains(t, buf.String(), "client_id=client-7")
}

func TestLogOperation_PropagatesError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "text"})

	want := fmt.Errorf("boom")
	got := logger.LogOperation(context.Background(), Operation("refresh"), Component("engine"), func() error {
		return want
	})

	assert.Same(t, want, got)
	assert.Contains(t, buf.String(), "operation failed")
	assert.Contains(t, buf.String(), "component=engine")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, slog.Level(LevelTrace), ParseLevel("trace"))
}

func TestGetConfigFromEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", EnvDevelopment)
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("LOG_ADD_SOURCE", "false")

	cfg := GetConfigFromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.False(t, cfg.AddSource)
}
