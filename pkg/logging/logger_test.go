package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/NikhilSetiya/apiguard/pkg/errors"
)

func newBufferedLogger(t testing.TB, level string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger, err := NewLogger(&Config{
		Level:       level,
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	})
	require.NoError(t, err)
	logger.SetOutput(&buf)
	return logger, &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	return logEntry
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				Level:       "info",
				Format:      "json",
				Output:      "stdout",
				ServiceName: "test-service",
				Version:     "1.0.0",
			},
		},
		{
			name:    "invalid log level",
			config:  &Config{Level: "invalid", Format: "json", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			config:  &Config{Level: "info", Format: "invalid", Output: "stdout"},
			wantErr: true,
		},
		{
			name:   "discard output",
			config: &Config{Level: "debug", Format: "text", Output: "discard"},
		},
		{
			name:   "nil config uses defaults",
			config: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	ctx := WithCorrelationID(context.Background(), "test-correlation-id")
	ctx = WithRequestID(ctx, "req-1")

	logger.WithContext(ctx).Info("test message")

	logEntry := decode(t, buf)
	assert.Equal(t, "test-correlation-id", logEntry["correlation_id"])
	assert.Equal(t, "req-1", logEntry["request_id"])
	assert.Equal(t, "test-service", logEntry["service"])
	assert.Equal(t, "1.0.0", logEntry["version"])
	assert.Equal(t, "test message", logEntry["message"])
}

func TestLogger_LogRequest(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	ctx := WithCorrelationID(context.Background(), "test-correlation-id")
	logger.LogRequest(ctx, "GET", "/api/v1/cache", "test-agent", "127.0.0.1", 200, 100*time.Millisecond)

	logEntry := decode(t, buf)
	assert.Equal(t, "GET", logEntry["http_method"])
	assert.Equal(t, "/api/v1/cache", logEntry["http_path"])
	assert.Equal(t, float64(200), logEntry["http_status"])
	assert.Equal(t, "127.0.0.1", logEntry["client_ip"])
	assert.Equal(t, float64(100), logEntry["response_time_ms"])
}

func TestLogger_LogOutboundCall_Levels(t *testing.T) {
	tests := []struct {
		name      string
		call      OutboundCall
		wantLevel logrus.Level
	}{
		{
			name:      "success",
			call:      OutboundCall{Method: "GET", Endpoint: "GET /users", StatusCode: 200, Attempts: 1},
			wantLevel: logrus.InfoLevel,
		},
		{
			name:      "not found",
			call:      OutboundCall{Method: "GET", Endpoint: "GET /users", StatusCode: 404, Attempts: 1, Err: apperrors.FromStatus(404, nil)},
			wantLevel: logrus.WarnLevel,
		},
		{
			name:      "server error",
			call:      OutboundCall{Method: "GET", Endpoint: "GET /users", StatusCode: 503, Attempts: 4, Err: apperrors.FromStatus(503, nil)},
			wantLevel: logrus.ErrorLevel,
		},
		{
			name:      "circuit open",
			call:      OutboundCall{Method: "GET", Endpoint: "GET /users", Err: apperrors.NewCircuitOpenError("GET /users")},
			wantLevel: logrus.ErrorLevel,
		},
		{
			name:      "canceled",
			call:      OutboundCall{Method: "GET", Endpoint: "GET /users", Err: apperrors.NewCanceledError(context.Canceled)},
			wantLevel: logrus.WarnLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewNop()
			hook := test.NewLocal(logger.Logger)

			logger.LogOutboundCall(context.Background(), tt.call)

			require.Len(t, hook.AllEntries(), 1)
			entry := hook.LastEntry()
			assert.Equal(t, tt.wantLevel, entry.Level)
			assert.Equal(t, tt.call.Endpoint, entry.Data[FieldEndpoint])
			assert.Equal(t, tt.call.Method, entry.Data[FieldMethod])
			if tt.call.StatusCode != 0 {
				assert.Equal(t, tt.call.StatusCode, entry.Data[FieldStatusCode])
			}
		})
	}
}

func TestLogger_LogError(t *testing.T) {
	logger, buf := newBufferedLogger(t, "debug")

	ctx := WithCorrelationID(context.Background(), "test-correlation-id")
	logger.LogError(ctx, assert.AnError, "test error message", logrus.Fields{"component": "test-component"})

	logEntry := decode(t, buf)
	assert.Equal(t, "test error message", logEntry["message"])
	assert.Equal(t, assert.AnError.Error(), logEntry["error"])
	assert.Equal(t, "test-component", logEntry["component"])
	assert.Contains(t, logEntry, "stack_trace")
}

func TestLogger_WithError(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.WithError(apperrors.NewTransportError("dial failed", assert.AnError)).Error("error occurred")

	logEntry := decode(t, buf)
	assert.Contains(t, logEntry["error"], "dial failed")
	assert.Equal(t, "transport", logEntry["error_type"])
}

func TestLogger_KeyValues(t *testing.T) {
	logger := NewNop()
	hook := test.NewLocal(logger.Logger)

	logger.Warn("state changed", "endpoint", "GET /x", "error", assert.AnError, "dangling")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "GET /x", entry.Data["endpoint"])
	assert.Equal(t, assert.AnError.Error(), entry.Data["error"])
	assert.NotContains(t, entry.Data, "dangling")
}

func TestCorrelationIDFunctions(t *testing.T) {
	id1 := NewCorrelationID()
	id2 := NewCorrelationID()
	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)

	ctx := WithCorrelationID(context.Background(), "test-correlation-id")
	assert.Equal(t, "test-correlation-id", GetCorrelationID(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))

	same, id := EnsureCorrelationID(ctx)
	assert.Equal(t, "test-correlation-id", id)
	assert.Equal(t, ctx, same)

	_, generated := EnsureCorrelationID(context.Background())
	assert.NotEmpty(t, generated)
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&Config{
		Level:       "info",
		Format:      "text",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	})
	require.NoError(t, err)
	logger.SetOutput(&buf)

	logger.WithFields(logrus.Fields{"test_field": "test_value"}).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "test_field=test_value")
	assert.Contains(t, output, "service=test-service")
}

func BenchmarkLogger_LogOutboundCall(b *testing.B) {
	logger, _ := newBufferedLogger(b, "info")
	ctx := WithCorrelationID(context.Background(), "test-correlation-id")
	call := OutboundCall{Method: "GET", Endpoint: "GET /users", StatusCode: 200, Attempts: 1, Duration: time.Millisecond}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.LogOutboundCall(ctx, call)
	}
}
