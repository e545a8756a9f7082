package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Config holds the application configuration
type Config struct {
	ServiceName    string               `json:"service_name" validate:"required"`
	Version        string               `json:"version"`
	Server         ServerConfig         `json:"server"`
	Upstream       UpstreamConfig       `json:"upstream"`
	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Cache          CacheConfig          `json:"cache"`
	Redis          RedisConfig          `json:"redis"`
	Health         HealthConfig         `json:"health"`
	Alerting       AlertingConfig       `json:"alerting"`
	Telemetry      TelemetryConfig      `json:"telemetry"`
	Logging        LoggingConfig        `json:"logging"`
	Tracing        TracingConfig        `json:"tracing"`
}

// ServerConfig contains admin HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port" validate:"gte=1,lte=65535"`
	ReadTimeout  time.Duration `json:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `json:"write_timeout" validate:"gt=0"`
	IdleTimeout  time.Duration `json:"idle_timeout" validate:"gt=0"`

	// CORSOrigins lists allowed admin API origins; "*" and "https://*.example.com"
	// patterns are accepted
	CORSOrigins  []string `json:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes" validate:"gte=0"`
}

// UpstreamConfig describes the remote API the pipeline talks to
type UpstreamConfig struct {
	BaseURL        string        `json:"base_url" validate:"omitempty,url"`
	RequestTimeout time.Duration `json:"request_timeout" validate:"gt=0"`
	RateLimitRPS   float64       `json:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int           `json:"rate_limit_burst" validate:"gte=1"`
	APIToken       string        `json:"-"`
	OAuth2         OAuth2Config  `json:"oauth2"`
}

// OAuth2Config enables client-credentials tokens for outbound calls when
// TokenURL is set
type OAuth2Config struct {
	TokenURL     string   `json:"token_url" validate:"omitempty,url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"`
	Scopes       []string `json:"scopes,omitempty"`
}

// RetryConfig contains retry policy configuration
type RetryConfig struct {
	MaxRetries int           `json:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay  time.Duration `json:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `json:"max_delay" validate:"gt=0"`
	Jitter     bool          `json:"jitter"`
}

// CircuitBreakerConfig contains breaker configuration
type CircuitBreakerConfig struct {
	Threshold int           `json:"threshold" validate:"gte=1"`
	Timeout   time.Duration `json:"timeout" validate:"gt=0"`
}

// CacheConfig contains response cache configuration
type CacheConfig struct {
	Backend       string        `json:"backend" validate:"oneof=memory redis"`
	TTL           time.Duration `json:"ttl" validate:"gt=0"`
	SweepInterval time.Duration `json:"sweep_interval" validate:"gt=0"`
	MaxEntries    int           `json:"max_entries" validate:"gte=0"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port" validate:"gte=1,lte=65535"`
	Password string `json:"-"`
	DB       int    `json:"db" validate:"gte=0"`
	PoolSize int    `json:"pool_size" validate:"gte=1"`
}

// HealthConfig contains health monitor configuration
type HealthConfig struct {
	CheckInterval    time.Duration `json:"check_interval" validate:"gt=0"`
	FailureThreshold int           `json:"failure_threshold" validate:"gte=1"`
	ProbeTimeout     time.Duration `json:"probe_timeout" validate:"gt=0"`
	Endpoints        []string      `json:"endpoints" validate:"dive,required"`
}

// AlertingConfig contains alert engine configuration
type AlertingConfig struct {
	CheckInterval time.Duration `json:"check_interval" validate:"gt=0"`
	MetricsWindow time.Duration `json:"metrics_window" validate:"gt=0"`
	RulesFile     string        `json:"rules_file"`
	WebhookURL    string        `json:"webhook_url" validate:"omitempty,url"`
}

// TelemetryConfig sizes the in-memory metric and log ring buffers
type TelemetryConfig struct {
	LogBufferSize    int `json:"log_buffer_size" validate:"gte=1"`
	MetricBufferSize int `json:"metric_buffer_size" validate:"gte=1"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `json:"format" validate:"oneof=json text"`
	Output string `json:"output"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	SamplingRate   float64 `json:"sampling_rate" validate:"gte=0,lte=1"`
	JaegerEndpoint string  `json:"jaeger_endpoint" validate:"omitempty,url"`
}

// Default returns the configuration used when no environment is set
func Default() *Config {
	return &Config{
		ServiceName: "apiguard",
		Version:     "dev",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			CORSOrigins:  []string{"*"},
			MaxBodyBytes: 1 << 20,
		},
		Upstream: UpstreamConfig{
			RequestTimeout: 10 * time.Second,
			RateLimitBurst: 1,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: 5,
			Timeout:   60 * time.Second,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 10,
		},
		Health: HealthConfig{
			CheckInterval:    30 * time.Second,
			FailureThreshold: 3,
			ProbeTimeout:     5 * time.Second,
			Endpoints:        []string{"GET /health"},
		},
		Alerting: AlertingConfig{
			CheckInterval: time.Minute,
			MetricsWindow: time.Hour,
		},
		Telemetry: TelemetryConfig{
			LogBufferSize:    1000,
			MetricBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
	}
}

// Load reads configuration from the environment on top of Default. Files
// named in envFiles are loaded first with godotenv; without arguments a
// ".env" file in the working directory is used when present. Variables
// already set in the process environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("failed to load env files: %w", err)
		}
	}

	config, err := FromEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// FromEnv builds a Config from lookup without validating it. Every
// unparseable value is reported.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	c := Default()
	env := &envReader{lookup: lookup}

	c.ServiceName = env.String("SERVICE_NAME", c.ServiceName)
	c.Version = env.String("SERVICE_VERSION", c.Version)

	c.Server.Host = env.String("SERVER_HOST", c.Server.Host)
	c.Server.Port = env.Int("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = env.Duration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = env.Duration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = env.Duration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.CORSOrigins = env.List("CORS_ORIGINS", c.Server.CORSOrigins)
	c.Server.MaxBodyBytes = int64(env.Int("SERVER_MAX_BODY_BYTES", int(c.Server.MaxBodyBytes)))

	c.Upstream.BaseURL = env.String("API_BASE_URL", c.Upstream.BaseURL)
	c.Upstream.RequestTimeout = env.Millis("REQUEST_TIMEOUT_MS", c.Upstream.RequestTimeout)
	c.Upstream.RateLimitRPS = env.Float("RATE_LIMIT_RPS", c.Upstream.RateLimitRPS)
	c.Upstream.RateLimitBurst = env.Int("RATE_LIMIT_BURST", c.Upstream.RateLimitBurst)
	c.Upstream.APIToken = env.String("API_TOKEN", "")
	c.Upstream.OAuth2.TokenURL = env.String("OAUTH2_TOKEN_URL", "")
	c.Upstream.OAuth2.ClientID = env.String("OAUTH2_CLIENT_ID", "")
	c.Upstream.OAuth2.ClientSecret = env.String("OAUTH2_CLIENT_SECRET", "")
	c.Upstream.OAuth2.Scopes = env.List("OAUTH2_SCOPES", nil)

	c.Retry.MaxRetries = env.Int("MAX_RETRIES", c.Retry.MaxRetries)
	c.Retry.BaseDelay = env.Millis("RETRY_BASE_DELAY_MS", c.Retry.BaseDelay)
	c.Retry.MaxDelay = env.Millis("RETRY_MAX_DELAY_MS", c.Retry.MaxDelay)
	c.Retry.Jitter = env.Bool("RETRY_JITTER", c.Retry.Jitter)

	c.CircuitBreaker.Threshold = env.Int("CIRCUIT_BREAKER_THRESHOLD", c.CircuitBreaker.Threshold)
	c.CircuitBreaker.Timeout = env.Millis("CIRCUIT_BREAKER_TIMEOUT_MS", c.CircuitBreaker.Timeout)

	c.Cache.Backend = strings.ToLower(env.String("CACHE_BACKEND", c.Cache.Backend))
	c.Cache.TTL = env.Millis("CACHE_TTL_MS", c.Cache.TTL)
	c.Cache.SweepInterval = env.Millis("CACHE_SWEEP_INTERVAL_MS", c.Cache.SweepInterval)
	c.Cache.MaxEntries = env.Int("CACHE_MAX_ENTRIES", c.Cache.MaxEntries)

	c.Redis.Host = env.String("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = env.Int("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = env.String("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = env.Int("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = env.Int("REDIS_POOL_SIZE", c.Redis.PoolSize)

	c.Health.CheckInterval = env.Millis("HEALTH_CHECK_INTERVAL_MS", c.Health.CheckInterval)
	c.Health.FailureThreshold = env.Int("HEALTH_FAILURE_THRESHOLD", c.Health.FailureThreshold)
	c.Health.ProbeTimeout = env.Millis("HEALTH_PROBE_TIMEOUT_MS", c.Health.ProbeTimeout)
	c.Health.Endpoints = env.List("HEALTH_ENDPOINTS", c.Health.Endpoints)

	c.Alerting.CheckInterval = env.Millis("ALERT_CHECK_INTERVAL_MS", c.Alerting.CheckInterval)
	c.Alerting.MetricsWindow = env.Millis("METRICS_WINDOW_MS", c.Alerting.MetricsWindow)
	c.Alerting.RulesFile = env.String("ALERT_RULES_FILE", c.Alerting.RulesFile)
	c.Alerting.WebhookURL = env.String("ALERT_WEBHOOK_URL", c.Alerting.WebhookURL)

	c.Telemetry.LogBufferSize = env.Int("LOG_BUFFER_SIZE", c.Telemetry.LogBufferSize)
	c.Telemetry.MetricBufferSize = env.Int("METRIC_BUFFER_SIZE", c.Telemetry.MetricBufferSize)

	c.Logging.Level = strings.ToLower(env.String("LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(env.String("LOG_FORMAT", c.Logging.Format))
	c.Logging.Output = env.String("LOG_OUTPUT", c.Logging.Output)

	c.Tracing.Enabled = env.Bool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.SamplingRate = env.Float("TRACING_SAMPLING_RATE", c.Tracing.SamplingRate)
	c.Tracing.JaegerEndpoint = env.String("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)

	if env.err != nil {
		return nil, fmt.Errorf("invalid environment: %w", env.err)
	}
	return c, nil
}

var validate = validator.New()

// Validate validates the configuration
func (c *Config) Validate() error {
	var result error

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			result = multierr.Append(result,
				fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.ActualTag(), fe.Value()))
		}
	}

	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		result = multierr.Append(result, fmt.Errorf("retry max delay %s is below base delay %s",
			c.Retry.MaxDelay, c.Retry.BaseDelay))
	}
	if c.Upstream.APIToken != "" && c.Upstream.OAuth2.TokenURL != "" {
		result = multierr.Append(result, fmt.Errorf("API_TOKEN and OAUTH2_TOKEN_URL are mutually exclusive"))
	}
	if c.Upstream.OAuth2.TokenURL != "" && c.Upstream.OAuth2.ClientID == "" {
		result = multierr.Append(result, fmt.Errorf("OAUTH2_CLIENT_ID is required with OAUTH2_TOKEN_URL"))
	}
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		result = multierr.Append(result, fmt.Errorf("JAEGER_ENDPOINT is required when tracing is enabled"))
	}

	return result
}

// RedisAddr returns the host:port address of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ServerAddr returns the listen address of the admin HTTP server
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// envReader parses environment values and accumulates every parse error
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) raw(key string) (string, bool) {
	value, ok := e.lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (e *envReader) fail(key, value, kind string, err error) {
	e.err = multierr.Append(e.err, fmt.Errorf("%s=%q is not a valid %s: %w", key, value, kind, err))
}

func (e *envReader) String(key, defaultValue string) string {
	if value, ok := e.raw(key); ok {
		return value
	}
	return defaultValue
}

func (e *envReader) Int(key string, defaultValue int) int {
	value, ok := e.raw(key)
	if !ok {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		e.fail(key, value, "integer", err)
		return defaultValue
	}
	return intValue
}

func (e *envReader) Float(key string, defaultValue float64) float64 {
	value, ok := e.raw(key)
	if !ok {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.fail(key, value, "number", err)
		return defaultValue
	}
	return floatValue
}

func (e *envReader) Bool(key string, defaultValue bool) bool {
	value, ok := e.raw(key)
	if !ok {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		e.fail(key, value, "boolean", err)
		return defaultValue
	}
	return boolValue
}

// Millis reads an integer number of milliseconds
func (e *envReader) Millis(key string, defaultValue time.Duration) time.Duration {
	value, ok := e.raw(key)
	if !ok {
		return defaultValue
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		e.fail(key, value, "millisecond count", err)
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *envReader) Duration(key string, defaultValue time.Duration) time.Duration {
	value, ok := e.raw(key)
	if !ok {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		e.fail(key, value, "duration", err)
		return defaultValue
	}
	return duration
}

// List reads a comma separated list, dropping empty items
func (e *envReader) List(key string, defaultValue []string) []string {
	value, ok := e.raw(key)
	if !ok {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
