package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state gauge values
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Admin HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Outbound call metrics
	OutboundRequestsTotal   *prometheus.CounterVec
	OutboundRequestDuration *prometheus.HistogramVec
	OutboundAttempts        *prometheus.CounterVec
	RetriesTotal            *prometheus.CounterVec
	FallbacksTotal          *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Cache metrics
	CacheOperations *prometheus.CounterVec
	CacheEntries    prometheus.Gauge

	// Health metrics
	HealthProbeStatus   *prometheus.GaugeVec
	HealthProbeDuration *prometheus.HistogramVec

	// Alert metrics
	AlertsFired  *prometheus.CounterVec
	AlertsActive prometheus.Gauge

	registry *prometheus.Registry
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
	// Registry receives every collector. A fresh registry is created when
	// nil so several instances can coexist in one process.
	Registry *prometheus.Registry `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "apiguard",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	ns, sub := config.Namespace, config.Subsystem
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "http_requests_total",
				Help:      "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "http_request_duration_seconds",
				Help:      "Admin HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "http_requests_in_flight",
				Help:      "Number of admin HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		OutboundRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "outbound_requests_total",
				Help:      "Total number of outbound calls by outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		OutboundRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "outbound_request_duration_seconds",
				Help:      "Outbound call duration in seconds, including retries",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint", "outcome"},
		),
		OutboundAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "outbound_attempts_total",
				Help:      "Total number of transport attempts",
			},
			[]string{"endpoint", "status_code"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "retries_total",
				Help:      "Total number of retried attempts",
			},
			[]string{"endpoint"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "fallbacks_total",
				Help:      "Total number of responses served by a fallback",
			},
			[]string{"endpoint"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"endpoint"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"endpoint", "from", "to"},
		),
		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "circuit_breaker_rejections_total",
				Help:      "Total number of calls rejected by an open breaker",
			},
			[]string{"endpoint"},
		),

		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "cache_operations_total",
				Help:      "Total number of response cache operations",
			},
			[]string{"operation", "result"},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "cache_entries",
				Help:      "Number of entries in the response cache",
			},
		),

		HealthProbeStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "health_probe_up",
				Help:      "Result of the latest health probe (1 healthy, 0 unhealthy)",
			},
			[]string{"endpoint"},
		),
		HealthProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "health_probe_duration_seconds",
				Help:      "Health probe duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		AlertsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "alerts_fired_total",
				Help:      "Total number of alerts fired",
			},
			[]string{"rule", "severity"},
		),
		AlertsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "alerts_active",
				Help:      "Number of unresolved alerts",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.OutboundRequestsTotal,
		m.OutboundRequestDuration,
		m.OutboundAttempts,
		m.RetriesTotal,
		m.FallbacksTotal,
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.CacheOperations,
		m.CacheEntries,
		m.HealthProbeStatus,
		m.HealthProbeDuration,
		m.AlertsFired,
		m.AlertsActive,
	)

	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records admin HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordOutboundRequest records a finished outbound call. outcome is one of
// success, error, cache_hit, circuit_open or fallback.
func (m *Metrics) RecordOutboundRequest(endpoint, outcome string, duration time.Duration) {
	if m == nil || m.OutboundRequestsTotal == nil {
		return
	}

	m.OutboundRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.OutboundRequestDuration.WithLabelValues(endpoint, outcome).Observe(duration.Seconds())
}

// RecordAttempt records a single transport attempt. statusCode 0 means no
// response was received.
func (m *Metrics) RecordAttempt(endpoint string, statusCode int) {
	if m == nil || m.OutboundAttempts == nil {
		return
	}

	m.OutboundAttempts.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
}

// RecordRetry records a retried attempt
func (m *Metrics) RecordRetry(endpoint string) {
	if m == nil || m.RetriesTotal == nil {
		return
	}

	m.RetriesTotal.WithLabelValues(endpoint).Inc()
}

// RecordFallback records a response served by a fallback
func (m *Metrics) RecordFallback(endpoint string) {
	if m == nil || m.FallbacksTotal == nil {
		return
	}

	m.FallbacksTotal.WithLabelValues(endpoint).Inc()
}

// RecordBreakerTransition updates the state gauge and transition counter
func (m *Metrics) RecordBreakerTransition(endpoint, from, to string, state int) {
	if m == nil || m.BreakerState == nil {
		return
	}

	m.BreakerState.WithLabelValues(endpoint).Set(float64(state))
	m.BreakerTransitions.WithLabelValues(endpoint, from, to).Inc()
}

// RecordBreakerRejection records a call rejected by an open breaker
func (m *Metrics) RecordBreakerRejection(endpoint string) {
	if m == nil || m.BreakerRejections == nil {
		return
	}

	m.BreakerRejections.WithLabelValues(endpoint).Inc()
}

// ResetBreakers clears every breaker state series
func (m *Metrics) ResetBreakers() {
	if m == nil || m.BreakerState == nil {
		return
	}

	m.BreakerState.Reset()
}

// RecordCacheOperation records a cache operation such as get/hit or set/ok
func (m *Metrics) RecordCacheOperation(operation, result string) {
	if m == nil || m.CacheOperations == nil {
		return
	}

	m.CacheOperations.WithLabelValues(operation, result).Inc()
}

// UpdateCacheEntries sets the cache size gauge
func (m *Metrics) UpdateCacheEntries(entries int) {
	if m == nil || m.CacheEntries == nil {
		return
	}

	m.CacheEntries.Set(float64(entries))
}

// RecordHealthProbe records a health probe result
func (m *Metrics) RecordHealthProbe(endpoint string, healthy bool, duration time.Duration) {
	if m == nil || m.HealthProbeStatus == nil {
		return
	}

	up := 0.0
	if healthy {
		up = 1
	}
	m.HealthProbeStatus.WithLabelValues(endpoint).Set(up)
	m.HealthProbeDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordAlert records a fired alert
func (m *Metrics) RecordAlert(rule, severity string) {
	if m == nil || m.AlertsFired == nil {
		return
	}

	m.AlertsFired.WithLabelValues(rule, severity).Inc()
}

// UpdateActiveAlerts sets the unresolved alert gauge
func (m *Metrics) UpdateActiveAlerts(count int) {
	if m == nil || m.AlertsActive == nil {
		return
	}

	m.AlertsActive.Set(float64(count))
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m != nil && m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsCollector refreshes gauges that mirror state owned elsewhere, such
// as the cache size, on a fixed interval
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	collect  func(*Metrics)
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration, collect func(*Metrics)) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		collect:  collect,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection and blocks until ctx is done or Stop is called
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect(mc.metrics)
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collect(mc.metrics)
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}
