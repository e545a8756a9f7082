package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/NikhilSetiya/apiguard/pkg/clock"
	appErrors "github.com/NikhilSetiya/apiguard/pkg/errors"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
	"github.com/NikhilSetiya/apiguard/pkg/pipeline"
	"github.com/NikhilSetiya/apiguard/pkg/resilience"
	"github.com/NikhilSetiya/apiguard/pkg/telemetry"
	"github.com/NikhilSetiya/apiguard/pkg/tracing"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// scriptedProber answers probes from a per-endpoint health flag
type scriptedProber struct {
	mu      sync.Mutex
	healthy map[string]bool
	calls   []*pipeline.Request
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{healthy: make(map[string]bool)}
}

func (p *scriptedProber) set(endpoint string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy[endpoint] = healthy
}

func (p *scriptedProber) Do(_ context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.healthy[pipeline.EndpointKey(req.Method, req.Path)] {
		return &pipeline.Response{StatusCode: http.StatusOK}, nil
	}
	return nil, appErrors.FromStatus(http.StatusServiceUnavailable, nil)
}

func newTestMonitor(t *testing.T, prober Prober, events *[]string) *Monitor {
	t.Helper()
	var mu sync.Mutex
	m, err := NewMonitor(prober, Config{
		Endpoints:        []string{"GET /health", "HEAD /status"},
		FailureThreshold: 3,
		Clock:            clock.NewFake(epoch),
		Logger:           logging.NewNop(),
		OnThreshold: func(_ context.Context, s EndpointStatus) {
			mu.Lock()
			defer mu.Unlock()
			*events = append(*events, "threshold "+s.Endpoint)
		},
		OnRecovery: func(_ context.Context, s EndpointStatus) {
			mu.Lock()
			defer mu.Unlock()
			*events = append(*events, "recovered "+s.Endpoint)
		},
	})
	require.NoError(t, err)
	return m
}

func TestMonitor_InitialState(t *testing.T) {
	var events []string
	m := newTestMonitor(t, newScriptedProber(), &events)

	assert.True(t, m.Tracks("GET /health"))
	assert.False(t, m.Tracks("GET /other"))
	assert.True(t, m.IsHealthy("GET /health"), "unprobed endpoints are not unhealthy")
	assert.True(t, m.IsHealthy("GET /other"))
	assert.Equal(t, []string{"GET /health", "HEAD /status"}, m.Endpoints())
	assert.Equal(t, StatusUnknown, m.Overall())
	assert.Equal(t, StatusUnknown, m.Snapshot()["GET /health"].Status)
}

func TestMonitor_ProbeRequestsBypassGating(t *testing.T) {
	var events []string
	prober := newScriptedProber()
	m := newTestMonitor(t, prober, &events)

	require.NoError(t, m.CheckAll(context.Background()))

	require.Len(t, prober.calls, 2)
	for _, req := range prober.calls {
		assert.True(t, req.BypassCache)
		assert.True(t, req.BypassBreaker)
		assert.True(t, req.DisableRetry)
		assert.True(t, req.DisableFallback)
		assert.Equal(t, DefaultProbeTimeout, req.Timeout)
	}
}

func TestMonitor_ThresholdEventEmittedOnce(t *testing.T) {
	var events []string
	prober := newScriptedProber()
	prober.set("HEAD /status", true)
	m := newTestMonitor(t, prober, &events)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, m.CheckAll(ctx))
		assert.Equal(t, i, m.Snapshot()["GET /health"].ConsecutiveFailures)
	}

	assert.Equal(t, []string{"threshold GET /health"}, events)
	assert.False(t, m.IsHealthy("GET /health"))
	assert.True(t, m.IsHealthy("HEAD /status"))
	assert.Equal(t, StatusUnhealthy, m.Overall())

	s := m.Snapshot()["GET /health"]
	assert.Equal(t, http.StatusServiceUnavailable, s.StatusCode)
	assert.Equal(t, epoch, s.LastCheck)
	assert.NotEmpty(t, s.Error)

	prober.set("GET /health", true)
	require.NoError(t, m.CheckAll(ctx))

	assert.Equal(t, []string{"threshold GET /health", "recovered GET /health"}, events)
	assert.True(t, m.IsHealthy("GET /health"))
	assert.Equal(t, 0, m.Snapshot()["GET /health"].ConsecutiveFailures)
	assert.Equal(t, StatusHealthy, m.Overall())

	// A new streak crosses the threshold again
	prober.set("GET /health", false)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.CheckAll(ctx))
	}
	assert.Len(t, events, 3)
}

func TestMonitor_SuccessBeforeThresholdIsNotRecovery(t *testing.T) {
	var events []string
	prober := newScriptedProber()
	prober.set("HEAD /status", true)
	m := newTestMonitor(t, prober, &events)
	ctx := context.Background()

	require.NoError(t, m.CheckAll(ctx))
	require.NoError(t, m.CheckAll(ctx))
	prober.set("GET /health", true)
	require.NoError(t, m.CheckAll(ctx))

	assert.Empty(t, events)
	assert.Equal(t, StatusHealthy, m.Snapshot()["GET /health"].Status)
}

func TestMonitor_CheckAllIsTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	m, err := NewMonitor(newScriptedProber(), Config{
		Endpoints: []string{"GET /health"},
		Clock:     clock.NewFake(epoch),
		Logger:    logging.NewNop(),
		Tracing:   tracing.NewWithProvider(tp),
	})
	require.NoError(t, err)

	require.NoError(t, m.CheckAll(context.Background()))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "health.check_all", ended[0].Name())
}

func TestMonitor_CanceledRoundLeavesStatus(t *testing.T) {
	var events []string
	m := newTestMonitor(t, newScriptedProber(), &events)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.CheckAll(ctx), context.Canceled)
	assert.Equal(t, 0, m.Snapshot()["GET /health"].ConsecutiveFailures)
	assert.Equal(t, StatusUnknown, m.Snapshot()["GET /health"].Status)
}

func TestNewMonitor_InvalidEndpoint(t *testing.T) {
	_, err := NewMonitor(newScriptedProber(), Config{Endpoints: []string{"not an endpoint at all"}})
	assert.Error(t, err)
}

func TestMonitor_StartStop(t *testing.T) {
	var probes atomic.Int32
	prober := proberFunc(func(context.Context, *pipeline.Request) (*pipeline.Response, error) {
		probes.Add(1)
		return &pipeline.Response{StatusCode: http.StatusOK}, nil
	})

	m, err := NewMonitor(prober, Config{
		Endpoints: []string{"GET /health"},
		Interval:  5 * time.Millisecond,
		Logger:    logging.NewNop(),
	})
	require.NoError(t, err)

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool { return probes.Load() >= 3 }, time.Second, time.Millisecond)

	m.Stop()
	m.Stop()
	stopped := probes.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, probes.Load())
}

type proberFunc func(context.Context, *pipeline.Request) (*pipeline.Response, error)

func (f proberFunc) Do(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	return f(ctx, req)
}

func TestMonitor_ProbesThroughPipelineFeedBreaker(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fake := clock.NewFake(epoch)
	logger := logging.NewNop()
	breakers := resilience.NewRegistry(resilience.RegistryConfig{Threshold: 2, Clock: fake, Logger: logger})
	client, err := pipeline.New(pipeline.Config{
		BaseURL:   server.URL,
		Breakers:  breakers,
		Clock:     fake,
		Logger:    logger,
		Telemetry: telemetry.NewStore(telemetry.StoreConfig{Clock: fake}),
	})
	require.NoError(t, err)

	m, err := NewMonitor(client, Config{Endpoints: []string{"GET /health"}, Clock: fake, Logger: logger})
	require.NoError(t, err)
	client.SetHealthChecker(m)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.CheckAll(context.Background()))
	}

	assert.Equal(t, int32(4), calls.Load(), "probes reach the transport while the breaker is open")
	assert.Equal(t, resilience.StateOpen, breakers.State("GET /health"))
	assert.Equal(t, 4, m.Snapshot()["GET /health"].ConsecutiveFailures)
}

func TestMonitor_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var events []string
	prober := newScriptedProber()
	prober.set("HEAD /status", true)
	m := newTestMonitor(t, prober, &events)
	require.NoError(t, m.CheckAll(context.Background()))

	router := gin.New()
	router.GET("/health", m.Handler())
	router.GET("/live", LivenessHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Equal(t, StatusHealthy, body.Endpoints["HEAD /status"].Status)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
