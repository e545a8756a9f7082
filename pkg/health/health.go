// Package health probes a fixed set of critical endpoints on an interval and
// tracks consecutive-failure streaks independent of organic traffic.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/apiguard/pkg/clock"
	apperrors "github.com/NikhilSetiya/apiguard/pkg/errors"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
	"github.com/NikhilSetiya/apiguard/pkg/metrics"
	"github.com/NikhilSetiya/apiguard/pkg/pipeline"
	"github.com/NikhilSetiya/apiguard/pkg/telemetry"
	"github.com/NikhilSetiya/apiguard/pkg/tracing"
)

// Status represents the health status of an endpoint
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Defaults for Config
const (
	DefaultInterval         = 30 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultFailureThreshold = 3
)

// EndpointStatus is the probe history of one endpoint
type EndpointStatus struct {
	Endpoint            string        `json:"endpoint"`
	Status              Status        `json:"status"`
	LastCheck           time.Time     `json:"lastCheck"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	StatusCode          int           `json:"statusCode,omitempty"`
	Error               string        `json:"error,omitempty"`
	Duration            time.Duration `json:"duration"`
}

// Prober issues a probe call. *pipeline.Client satisfies it.
type Prober interface {
	Do(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error)
}

// Config holds health monitor configuration
type Config struct {
	// Endpoints are "METHOD /path" strings
	Endpoints        []string
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	Clock            clock.Clock
	Logger           *logging.Logger
	Metrics          *metrics.Metrics
	Telemetry        *telemetry.Store
	// Tracing wraps each probe round in a span. A no-op tracer is used when
	// nil.
	Tracing *tracing.TracingService
	// OnThreshold is called once when an endpoint's failure streak reaches
	// FailureThreshold, outside any lock
	OnThreshold func(ctx context.Context, status EndpointStatus)
	// OnRecovery is called when an endpoint that crossed the threshold
	// succeeds again
	OnRecovery func(ctx context.Context, status EndpointStatus)
}

type target struct {
	key    string
	method string
	path   string
}

// Monitor periodically probes endpoints through a Prober
type Monitor struct {
	prober      Prober
	targets     []target
	interval    time.Duration
	timeout     time.Duration
	threshold   int
	clock       clock.Clock
	logger      *logging.Logger
	metrics     *metrics.Metrics
	telemetry   *telemetry.Store
	tracing     *tracing.TracingService
	onThreshold func(ctx context.Context, status EndpointStatus)
	onRecovery  func(ctx context.Context, status EndpointStatus)

	mu       sync.RWMutex
	statuses map[string]*EndpointStatus

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. It fails when an endpoint string cannot be
// parsed.
func NewMonitor(prober Prober, config Config) (*Monitor, error) {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}
	if config.Tracing == nil {
		// Disabled tracing never fails
		config.Tracing, _ = tracing.NewTracingService(nil)
	}

	m := &Monitor{
		prober:      prober,
		interval:    config.Interval,
		timeout:     config.ProbeTimeout,
		threshold:   config.FailureThreshold,
		clock:       config.Clock,
		logger:      config.Logger,
		metrics:     config.Metrics,
		telemetry:   config.Telemetry,
		tracing:     config.Tracing,
		onThreshold: config.OnThreshold,
		onRecovery:  config.OnRecovery,
		statuses:    make(map[string]*EndpointStatus),
	}

	for _, endpoint := range config.Endpoints {
		method, path, err := pipeline.ParseEndpoint(endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to parse health endpoint: %w", err)
		}
		key := pipeline.EndpointKey(method, path)
		if _, dup := m.statuses[key]; dup {
			continue
		}
		m.targets = append(m.targets, target{key: key, method: method, path: path})
		m.statuses[key] = &EndpointStatus{Endpoint: key, Status: StatusUnknown}
	}

	return m, nil
}

// Tracks reports whether endpoint is probed
func (m *Monitor) Tracks(endpoint string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.statuses[endpoint]
	return ok
}

// IsHealthy reports false only for a tracked endpoint whose latest probe
// failed
func (m *Monitor) IsHealthy(endpoint string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[endpoint]
	return !ok || s.Status != StatusUnhealthy
}

// Snapshot returns a copy of every endpoint status
func (m *Monitor) Snapshot() map[string]EndpointStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]EndpointStatus, len(m.statuses))
	for k, s := range m.statuses {
		out[k] = *s
	}
	return out
}

// Endpoints returns the sorted tracked endpoint keys
func (m *Monitor) Endpoints() []string {
	keys := make([]string, 0, len(m.targets))
	for _, t := range m.targets {
		keys = append(keys, t.key)
	}
	sort.Strings(keys)
	return keys
}

// CheckAll probes every endpoint concurrently and waits for the results. The
// round is traced as a "health.check_all" span.
func (m *Monitor) CheckAll(ctx context.Context) error {
	return m.tracing.TraceableFunction(ctx, "health.check_all", func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		for _, t := range m.targets {
			t := t
			g.Go(func() error {
				m.probe(gctx, t)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return ctx.Err()
	})
}

func (m *Monitor) probe(ctx context.Context, t target) {
	if ctx.Err() != nil {
		return
	}

	req := &pipeline.Request{
		Method:          t.method,
		Path:            t.path,
		PathTemplate:    t.path,
		BypassCache:     true,
		BypassBreaker:   true,
		DisableRetry:    true,
		DisableFallback: true,
		Timeout:         m.timeout,
	}

	start := m.clock.Now()
	resp, err := m.prober.Do(ctx, req)
	duration := m.clock.Now().Sub(start)

	// A shutdown mid-probe says nothing about the endpoint
	if ctx.Err() != nil {
		return
	}

	m.metrics.RecordHealthProbe(t.key, err == nil, duration)
	if m.telemetry != nil {
		m.telemetry.RecordMetric(telemetry.MetricProbeDuration, float64(duration)/float64(time.Millisecond), map[string]string{
			telemetry.TagEndpoint: t.key,
			telemetry.TagSuccess:  fmt.Sprint(err == nil),
		})
	}

	m.mu.Lock()
	s := m.statuses[t.key]
	crossedBefore := s.ConsecutiveFailures >= m.threshold
	s.LastCheck = m.clock.Now()
	s.Duration = duration
	if err == nil {
		s.Status = StatusHealthy
		s.ConsecutiveFailures = 0
		s.Error = ""
		s.StatusCode = resp.StatusCode
	} else {
		s.Status = StatusUnhealthy
		s.ConsecutiveFailures++
		s.Error = err.Error()
		s.StatusCode = apperrors.GetStatusCode(err)
	}
	current := *s
	m.mu.Unlock()

	entry := m.logger.WithContext(ctx).WithFields(map[string]interface{}{
		logging.FieldEndpoint:   t.key,
		"consecutive_failures":  current.ConsecutiveFailures,
		logging.FieldDurationMS: duration.Milliseconds(),
		logging.FieldStatusCode: current.StatusCode,
		logging.FieldComponent:  "health",
	})

	switch {
	case err != nil && current.ConsecutiveFailures == m.threshold:
		entry.WithField(logging.FieldError, current.Error).Error("Endpoint unhealthy: failure threshold reached")
		if m.onThreshold != nil {
			m.onThreshold(ctx, current)
		}
	case err != nil:
		entry.WithField(logging.FieldError, current.Error).Warn("Health probe failed")
	case crossedBefore:
		entry.Info("Endpoint recovered")
		if m.onRecovery != nil {
			m.onRecovery(ctx, current)
		}
	default:
		entry.Debug("Health probe succeeded")
	}
}

// Start runs CheckAll immediately and then on every interval until ctx is
// done or Stop is called
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh

	m.logger.Info("Starting health monitor", "endpoints", len(m.targets), "interval", m.interval.String())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		_ = m.CheckAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				_ = m.CheckAll(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for an in-flight round to finish
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()

	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}

// Overall returns unhealthy when any endpoint is unhealthy, unknown when no
// endpoint has been probed yet, and healthy otherwise
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	probed := 0
	for _, s := range m.statuses {
		switch s.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusHealthy:
			probed++
		}
	}
	if probed == 0 && len(m.statuses) > 0 {
		return StatusUnknown
	}
	return StatusHealthy
}

// HealthResponse is the body served by Handler
type HealthResponse struct {
	Status    Status                    `json:"status"`
	Timestamp time.Time                 `json:"timestamp"`
	Endpoints map[string]EndpointStatus `json:"endpoints"`
}

// Handler returns a Gin handler serving the latest probe results. It answers
// 503 while any endpoint is unhealthy.
func (m *Monitor) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := HealthResponse{
			Status:    m.Overall(),
			Timestamp: m.clock.Now(),
			Endpoints: m.Snapshot(),
		}

		statusCode := http.StatusOK
		if resp.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, resp)
	}
}

// LivenessHandler returns a simple liveness check handler
func LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}
