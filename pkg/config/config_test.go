package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, 3, c.Retry.MaxRetries)
	assert.Equal(t, time.Second, c.Retry.BaseDelay)
	assert.Equal(t, 5, c.CircuitBreaker.Threshold)
	assert.Equal(t, 60*time.Second, c.CircuitBreaker.Timeout)
	assert.Equal(t, 5*time.Minute, c.Cache.TTL)
	assert.Equal(t, time.Minute, c.Cache.SweepInterval)
	assert.Equal(t, 30*time.Second, c.Health.CheckInterval)
	assert.Equal(t, 3, c.Health.FailureThreshold)
	assert.Equal(t, []string{"GET /health"}, c.Health.Endpoints)
	assert.Equal(t, time.Minute, c.Alerting.CheckInterval)
	assert.Equal(t, time.Hour, c.Alerting.MetricsWindow)
	assert.Equal(t, 1000, c.Telemetry.LogBufferSize)
	assert.Equal(t, 1000, c.Telemetry.MetricBufferSize)
}

func TestFromEnv_Overrides(t *testing.T) {
	c, err := FromEnv(lookupFrom(map[string]string{
		"MAX_RETRIES":                "5",
		"RETRY_BASE_DELAY_MS":        "250",
		"CIRCUIT_BREAKER_THRESHOLD":  "2",
		"CIRCUIT_BREAKER_TIMEOUT_MS": "1500",
		"CACHE_TTL_MS":               "1000",
		"CACHE_BACKEND":              "Redis",
		"HEALTH_ENDPOINTS":           "GET /health, GET /status ,",
		"RATE_LIMIT_RPS":             "2.5",
		"RETRY_JITTER":               "true",
		"API_BASE_URL":               "https://api.example.com",
	}))
	require.NoError(t, err)

	assert.Equal(t, 5, c.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, c.Retry.BaseDelay)
	assert.Equal(t, 2, c.CircuitBreaker.Threshold)
	assert.Equal(t, 1500*time.Millisecond, c.CircuitBreaker.Timeout)
	assert.Equal(t, time.Second, c.Cache.TTL)
	assert.Equal(t, "redis", c.Cache.Backend)
	assert.Equal(t, []string{"GET /health", "GET /status"}, c.Health.Endpoints)
	assert.Equal(t, 2.5, c.Upstream.RateLimitRPS)
	assert.True(t, c.Retry.Jitter)
	assert.Equal(t, "https://api.example.com", c.Upstream.BaseURL)
	assert.NoError(t, c.Validate())
}

func TestFromEnv_ReportsEveryParseError(t *testing.T) {
	_, err := FromEnv(lookupFrom(map[string]string{
		"MAX_RETRIES":     "three",
		"CACHE_TTL_MS":    "5m",
		"TRACING_ENABLED": "maybe",
	}))
	require.Error(t, err)

	assert.Len(t, multierr.Errors(unwrapOnce(err)), 3)
	assert.Contains(t, err.Error(), "MAX_RETRIES")
	assert.Contains(t, err.Error(), "CACHE_TTL_MS")
	assert.Contains(t, err.Error(), "TRACING_ENABLED")
}

func unwrapOnce(err error) error {
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return u.Unwrap()
	}
	return err
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "too many retries",
			mutate:  func(c *Config) { c.Retry.MaxRetries = 11 },
			wantErr: "MaxRetries",
		},
		{
			name:    "zero breaker threshold",
			mutate:  func(c *Config) { c.CircuitBreaker.Threshold = 0 },
			wantErr: "Threshold",
		},
		{
			name:    "unknown cache backend",
			mutate:  func(c *Config) { c.Cache.Backend = "memcached" },
			wantErr: "Backend",
		},
		{
			name:    "max delay below base delay",
			mutate:  func(c *Config) { c.Retry.MaxDelay = 10 * time.Millisecond },
			wantErr: "max delay",
		},
		{
			name:    "tracing without endpoint",
			mutate:  func(c *Config) { c.Tracing.Enabled = true },
			wantErr: "JAEGER_ENDPOINT",
		},
		{
			name:    "bad webhook url",
			mutate:  func(c *Config) { c.Alerting.WebhookURL = "not a url" },
			wantErr: "WebhookURL",
		},
		{
			name: "token and oauth2 together",
			mutate: func(c *Config) {
				c.Upstream.APIToken = "secret"
				c.Upstream.OAuth2.TokenURL = "https://auth.example.com/token"
				c.Upstream.OAuth2.ClientID = "client"
			},
			wantErr: "mutually exclusive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("APIGUARD_TEST_UNUSED=1\nSERVER_PORT=9191\n"), 0o600))

	// godotenv never overrides an existing variable
	t.Setenv("SERVER_PORT", "")
	require.NoError(t, os.Unsetenv("SERVER_PORT"))
	t.Setenv("MAX_RETRIES", "1")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, c.Server.Port)
	assert.Equal(t, 1, c.Retry.MaxRetries)
	assert.Equal(t, "0.0.0.0:9191", c.ServerAddr())
}

func TestLoad_ValidationFailure(t *testing.T) {
	t.Setenv("MAX_RETRIES", "42")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}
