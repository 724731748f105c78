package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/handler/http/requestid"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected slog.Level
	}{
		{name: "default is info", logLevel: "", expected: slog.LevelInfo},
		{name: "debug", logLevel: "debug", expected: slog.LevelDebug},
		{name: "warn", logLevel: "warn", expected: slog.LevelWarn},
		{name: "error", logLevel: "error", expected: slog.LevelError},
		{name: "unknown defaults to info", logLevel: "verbose", expected: slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.logLevel)
			assert.Equal(t, tt.expected, parseLevel())
		})
	}
}

func TestNewLogger(t *testing.T) {
	assert.NotNil(t, NewLogger())
	assert.NotNil(t, NewTextLogger())
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	baseLogger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := requestid.WithRequestID(context.Background(), "req-123")
	WithRequestID(ctx, baseLogger).Info("test message")

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	assert.Equal(t, "req-123", logEntry["request_id"])
	assert.Equal(t, "test message", logEntry["msg"])
}

func TestWithRequestID_EmptyRequestID(t *testing.T) {
	var buf bytes.Buffer
	baseLogger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	WithRequestID(context.Background(), baseLogger).Info("test message")

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	assert.NotContains(t, logEntry, "request_id")
}

func TestFromContext(t *testing.T) {
	t.Run("with logger in context", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		ctx := WithLogger(context.Background(), logger)

		FromContext(ctx).Info("test message")
		assert.Contains(t, buf.String(), "test message")
	})

	t.Run("without logger in context", func(t *testing.T) {
		assert.Equal(t, slog.Default(), FromContext(context.Background()))
	})

	t.Run("with invalid value in context", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), loggerContextKey, "not a logger")
		assert.Equal(t, slog.Default(), FromContext(ctx))
	})
}
