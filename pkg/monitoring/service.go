// Package monitoring assembles the resilience and observability components
// into one Service with an explicit lifecycle. Every outbound call goes
// through Service.Request; the read and reset operations expose the state the
// components share.
package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/NikhilSetiya/apiguard/pkg/alerting"
	"github.com/NikhilSetiya/apiguard/pkg/cache"
	"github.com/NikhilSetiya/apiguard/pkg/clock"
	"github.com/NikhilSetiya/apiguard/pkg/config"
	"github.com/NikhilSetiya/apiguard/pkg/errors"
	"github.com/NikhilSetiya/apiguard/pkg/health"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
	"github.com/NikhilSetiya/apiguard/pkg/metrics"
	"github.com/NikhilSetiya/apiguard/pkg/pipeline"
	"github.com/NikhilSetiya/apiguard/pkg/resilience"
	"github.com/NikhilSetiya/apiguard/pkg/telemetry"
	"github.com/NikhilSetiya/apiguard/pkg/tracing"
)

// RecentLogLimit is the number of log entries GetSystemHealth returns
const RecentLogLimit = 50

const shutdownTimeout = 5 * time.Second

// Service owns every component. Construct it with New and release it with
// Close.
type Service struct {
	config    *config.Config
	clock     clock.Clock
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracing   *tracing.TracingService
	telemetry *telemetry.Store
	cache     cache.Store
	memory    *cache.Memory
	redis     *cache.Redis
	breakers  *resilience.Registry
	client    *pipeline.Client
	health    *health.Monitor
	alerts    *alerting.Engine
	clipboard ClipboardWriter
	collector *metrics.MetricsCollector
	startedAt time.Time

	runMu   sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Service from cfg. A nil cfg means config.Default(). The
// configuration is validated before anything is constructed.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.NewLogger(&logging.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Output:      cfg.Logging.Output,
			ServiceName: cfg.ServiceName,
			Version:     cfg.Version,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	store := telemetry.NewStore(telemetry.StoreConfig{
		LogCapacity:    cfg.Telemetry.LogBufferSize,
		MetricCapacity: cfg.Telemetry.MetricBufferSize,
		Clock:          o.clock,
	})
	logger.AddHook(telemetry.NewLogHook(store))

	registry := o.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := metrics.NewMetrics(&metrics.Config{Namespace: "apiguard", Enabled: true, Registry: registry})

	tr, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.Version,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	s := &Service{
		config:    cfg,
		clock:     o.clock,
		logger:    logger,
		metrics:   m,
		tracing:   tr,
		telemetry: store,
		clipboard: o.clipboard,
	}

	if err := s.initCache(o); err != nil {
		_ = tr.Shutdown(context.Background())
		return nil, err
	}

	s.breakers = resilience.NewRegistry(resilience.RegistryConfig{
		Threshold: cfg.CircuitBreaker.Threshold,
		Timeout:   cfg.CircuitBreaker.Timeout,
		Clock:     o.clock,
		Logger:    logger,
		OnStateChange: func(key string, from, to resilience.CircuitState) {
			m.RecordBreakerTransition(key, from.String(), to.String(), int(to))
		},
	})

	retry := resilience.NewRetryPolicy(resilience.RetryConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Jitter:     cfg.Retry.Jitter,
		Clock:      o.clock,
		Logger:     logger,
	})

	var limiter *rate.Limiter
	if cfg.Upstream.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Upstream.RateLimitRPS), cfg.Upstream.RateLimitBurst)
	}

	client, err := pipeline.New(pipeline.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		Timeout:     cfg.Upstream.RequestTimeout,
		Doer:        o.doer,
		Cache:       s.cache,
		Breakers:    s.breakers,
		Retry:       retry,
		Telemetry:   store,
		Metrics:     m,
		Tracing:     tr,
		Credentials: credentialsFor(cfg, o),
		Limiter:     limiter,
		Clock:       o.clock,
		Logger:      logger,
	})
	if err != nil {
		s.closeBackends()
		return nil, err
	}
	s.client = client

	monitor, err := health.NewMonitor(client, health.Config{
		Endpoints:        cfg.Health.Endpoints,
		Interval:         cfg.Health.CheckInterval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		FailureThreshold: cfg.Health.FailureThreshold,
		Clock:            o.clock,
		Logger:           logger,
		Metrics:          m,
		Telemetry:        store,
		Tracing:          tr,
		OnThreshold:      s.endpointUnhealthy,
		OnRecovery:       s.endpointRecovered,
	})
	if err != nil {
		s.closeBackends()
		return nil, errors.NewValidationError("invalid health endpoints").WithCause(err)
	}
	s.health = monitor
	client.SetHealthChecker(monitor)

	if err := s.initAlerts(o); err != nil {
		s.closeBackends()
		return nil, err
	}

	s.collector = metrics.NewMetricsCollector(m, cfg.Cache.SweepInterval, func(m *metrics.Metrics) {
		m.UpdateCacheEntries(s.cache.Stats(context.Background()).Entries)
	})
	s.startedAt = o.clock.Now()

	logger.Info("Monitoring service created",
		"cache_backend", s.cache.Stats(context.Background()).Backend,
		"health_endpoints", len(monitor.Endpoints()),
		"alert_rules", len(s.alerts.Rules()),
		"tracing", tr.Enabled(),
	)

	return s, nil
}

func (s *Service) initCache(o options) error {
	cfg := s.config
	if o.cache != nil {
		s.cache = o.cache
		if mem, ok := o.cache.(*cache.Memory); ok {
			s.memory = mem
		}
		return nil
	}

	switch cfg.Cache.Backend {
	case "redis":
		r, err := cache.NewRedis(context.Background(), cache.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			TTL:      cfg.Cache.TTL,
			Logger:   s.logger,
		})
		if err != nil {
			return err
		}
		s.redis = r
		s.cache = r
	default:
		s.memory = cache.NewMemory(cache.MemoryConfig{
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
			Clock:      s.clock,
			Logger:     s.logger,
		})
		s.cache = s.memory
	}
	return nil
}

func (s *Service) initAlerts(o options) error {
	cfg := s.config
	s.alerts = alerting.NewEngine(s.telemetry, alerting.Config{
		Interval: cfg.Alerting.CheckInterval,
		Window:   cfg.Alerting.MetricsWindow,
		Clock:    s.clock,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})

	rules := alerting.DefaultRules()
	if cfg.Alerting.RulesFile != "" {
		loaded, err := alerting.LoadRulesFile(cfg.Alerting.RulesFile)
		if err != nil {
			return err
		}
		rules = append(rules, loaded...)
	}
	for _, rule := range rules {
		if err := s.alerts.AddRule(rule); err != nil {
			return err
		}
	}

	if cfg.Alerting.WebhookURL != "" {
		s.alerts.AddChannel(alerting.NewWebhookChannel(alerting.WebhookConfig{
			URL: cfg.Alerting.WebhookURL,
			Retry: resilience.NewRetryPolicy(resilience.RetryConfig{
				MaxRetries: cfg.Retry.MaxRetries,
				BaseDelay:  cfg.Retry.BaseDelay,
				MaxDelay:   cfg.Retry.MaxDelay,
				Clock:      s.clock,
				Logger:     s.logger,
			}),
		}))
	}
	for _, ch := range o.channels {
		s.alerts.AddChannel(ch)
	}
	return nil
}

func credentialsFor(cfg *config.Config, o options) pipeline.CredentialStore {
	switch {
	case o.credentials != nil:
		return o.credentials
	case cfg.Upstream.OAuth2.TokenURL != "":
		oc := cfg.Upstream.OAuth2
		return pipeline.NewClientCredentials(oc.TokenURL, oc.ClientID, oc.ClientSecret, oc.Scopes)
	case cfg.Upstream.APIToken != "":
		return pipeline.StaticCredentials(cfg.Upstream.APIToken)
	}
	return nil
}

func healthAlertID(endpoint string) string {
	return "health:" + endpoint
}

func (s *Service) endpointUnhealthy(ctx context.Context, status health.EndpointStatus) {
	err := s.alerts.TriggerAlert(ctx, alerting.Alert{
		RuleID:   healthAlertID(status.Endpoint),
		Name:     "Endpoint unhealthy",
		Severity: alerting.SeverityCritical,
		Message: fmt.Sprintf("%s failed %d consecutive health probes: %s",
			status.Endpoint, status.ConsecutiveFailures, status.Error),
		Value: float64(status.ConsecutiveFailures),
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to raise health alert")
	}
}

func (s *Service) endpointRecovered(ctx context.Context, status health.EndpointStatus) {
	_ = s.alerts.ResolveAlert(ctx, healthAlertID(status.Endpoint))
}

// Start launches the health monitor, the alert engine, the cache sweeper and
// the gauge collector. They stop when ctx is done or Close is called.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.closed {
		return errors.NewValidationError("monitoring service is closed")
	}
	if s.running {
		return errors.NewValidationError("monitoring service is already running")
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.health.Start(runCtx)
	s.alerts.Start(runCtx)

	if s.memory != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.memory.RunSweeper(runCtx, s.config.Cache.SweepInterval)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.collector.Start(runCtx)
	}()

	s.logger.Info("Monitoring service started")
	return nil
}

// Close stops the background tasks and releases the cache backend and the
// tracer provider. Calling it again is a no-op.
func (s *Service) Close() error {
	s.runMu.Lock()
	if s.closed {
		s.runMu.Unlock()
		return nil
	}
	s.closed = true
	wasRunning := s.running
	s.running = false
	cancel := s.cancel
	s.runMu.Unlock()

	if wasRunning {
		// In-flight probes and notifications end with the run context
		cancel()
		s.health.Stop()
		s.alerts.Stop()
		s.wg.Wait()
	}

	err := s.closeBackends()
	s.logger.Info("Monitoring service closed")
	return err
}

func (s *Service) closeBackends() error {
	var err error
	if s.redis != nil {
		err = multierr.Append(err, s.redis.Close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = multierr.Append(err, s.tracing.Shutdown(ctx))
	return err
}

// Request executes one outbound call through the pipeline
func (s *Service) Request(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	return s.client.Do(ctx, req)
}

// GetCacheStats returns the cache counters
func (s *Service) GetCacheStats(ctx context.Context) cache.Stats {
	return s.cache.Stats(ctx)
}

// ClearCache drops every cached response
func (s *Service) ClearCache(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return err
	}
	s.metrics.UpdateCacheEntries(0)
	s.logger.WithContext(ctx).Info("Response cache cleared")
	return nil
}

// GetCircuitBreakerStats returns every breaker keyed by endpoint
func (s *Service) GetCircuitBreakerStats() map[string]resilience.BreakerStats {
	return s.breakers.Stats()
}

// ResetCircuitBreakers forces every breaker closed with no failures
func (s *Service) ResetCircuitBreakers() {
	s.breakers.Reset()
	s.metrics.ResetBreakers()
}

// GetHealthStatus returns the latest probe result per endpoint
func (s *Service) GetHealthStatus() map[string]health.EndpointStatus {
	return s.health.Snapshot()
}

// RuntimeStats describes the hosting process
type RuntimeStats struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	NumGC          uint32 `json:"numGC"`
}

// SystemHealth is the aggregate view returned by GetSystemHealth
type SystemHealth struct {
	Status       health.Status                 `json:"status"`
	StartedAt    time.Time                     `json:"startedAt"`
	Uptime       time.Duration                 `json:"uptime"`
	Metrics      telemetry.PerformanceSnapshot `json:"metrics"`
	RecentLogs   []telemetry.LogEntry          `json:"recentLogs"`
	ActiveAlerts []alerting.Alert              `json:"activeAlerts"`
	Runtime      RuntimeStats                  `json:"runtime"`
}

// GetSystemHealth returns process uptime, the trailing-window snapshot, the
// most recent log entries and the unresolved alerts
func (s *Service) GetSystemHealth() SystemHealth {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return SystemHealth{
		Status:       s.health.Overall(),
		StartedAt:    s.startedAt,
		Uptime:       s.clock.Now().Sub(s.startedAt),
		Metrics:      s.telemetry.Snapshot(s.config.Alerting.MetricsWindow),
		RecentLogs:   s.telemetry.RecentLogs(RecentLogLimit),
		ActiveAlerts: s.alerts.ActiveAlerts(),
		Runtime: RuntimeStats{
			Goroutines:     runtime.NumGoroutine(),
			HeapAllocBytes: mem.HeapAlloc,
			NumGC:          mem.NumGC,
		},
	}
}

// ExportLogs serializes the retained log entries as "json" or "csv"
func (s *Service) ExportLogs(format string) ([]byte, error) {
	return s.telemetry.ExportLogs(format)
}

// CopyLogs exports the logs and hands them to the configured clipboard
func (s *Service) CopyLogs(ctx context.Context, format string) error {
	if s.clipboard == nil {
		return errors.NewAppError(errors.ErrorTypeInternal, "CLIPBOARD_UNAVAILABLE", "no clipboard configured")
	}
	data, err := s.ExportLogs(format)
	if err != nil {
		return err
	}
	if err := s.clipboard.WriteText(ctx, string(data)); err != nil {
		return errors.NewInternalError("failed to copy logs").WithCause(err)
	}
	return nil
}

// AddAlertRule adds or replaces an alert rule
func (s *Service) AddAlertRule(rule alerting.Rule) error {
	return s.alerts.AddRule(rule)
}

// AlertRules returns the current rule set
func (s *Service) AlertRules() []alerting.Rule {
	return s.alerts.Rules()
}

// ActiveAlerts returns the unresolved alerts
func (s *Service) ActiveAlerts() []alerting.Alert {
	return s.alerts.ActiveAlerts()
}

// RegisterFallback installs fn for endpoint, given as "METHOD /path". The
// fallback is served only while the health monitor reports that endpoint
// unhealthy.
func (s *Service) RegisterFallback(endpoint string, fn pipeline.FallbackFunc) error {
	method, path, err := pipeline.ParseEndpoint(endpoint)
	if err != nil {
		return errors.NewValidationError(err.Error())
	}
	key := pipeline.EndpointKey(method, path)
	s.client.Fallbacks().Register(key, fn)
	if !s.health.Tracks(key) {
		s.logger.Warn("Fallback registered for an endpoint without health probes; it will never be served",
			logging.FieldEndpoint, key)
	}
	return nil
}

// Config returns the configuration the service was built with
func (s *Service) Config() *config.Config { return s.config }

// Logger returns the service logger
func (s *Service) Logger() *logging.Logger { return s.logger }

// Metrics returns the Prometheus metrics
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Tracing returns the tracing service
func (s *Service) Tracing() *tracing.TracingService { return s.tracing }

// Health returns the health monitor
func (s *Service) Health() *health.Monitor { return s.health }

// Alerts returns the alert engine
func (s *Service) Alerts() *alerting.Engine { return s.alerts }
