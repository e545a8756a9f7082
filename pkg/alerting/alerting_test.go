package alerting

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/apiguard/pkg/clock"
	"github.com/NikhilSetiya/apiguard/pkg/errors"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
	"github.com/NikhilSetiya/apiguard/pkg/resilience"
	"github.com/NikhilSetiya/apiguard/pkg/telemetry"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type recordingChannel struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Send(_ context.Context, alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *recordingChannel) sent() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

type failingChannel struct{}

func (failingChannel) Name() string { return "failing" }

func (failingChannel) Send(context.Context, Alert) error { return stderrors.New("unreachable") }

type testEnv struct {
	fake    *clock.Fake
	store   *telemetry.Store
	engine  *Engine
	channel *recordingChannel
	hook    *test.Hook
}

func newTestEnv(t *testing.T, rules ...Rule) *testEnv {
	t.Helper()
	fake := clock.NewFake(epoch)
	logger := logging.NewNop()
	hook := test.NewLocal(logger.Logger)
	store := telemetry.NewStore(telemetry.StoreConfig{Clock: fake})

	engine := NewEngine(store, Config{Clock: fake, Logger: logger})
	channel := &recordingChannel{}
	engine.AddChannel(channel)
	for _, r := range rules {
		require.NoError(t, engine.AddRule(r))
	}

	return &testEnv{fake: fake, store: store, engine: engine, channel: channel, hook: hook}
}

// record adds n call samples of which failed returned an error
func (e *testEnv) record(n, failed int) {
	for i := 0; i < n; i++ {
		success := "true"
		if i < failed {
			success = "false"
		}
		e.store.RecordMetric(telemetry.MetricRequestDuration, 100, map[string]string{telemetry.TagSuccess: success})
	}
}

func defaultRule(t *testing.T, id string) Rule {
	t.Helper()
	for _, r := range DefaultRules() {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("no default rule %s", id)
	return Rule{}
}

func TestEngine_ErrorRateRespectsCooldown(t *testing.T) {
	env := newTestEnv(t, defaultRule(t, "high_error_rate"))
	ctx := context.Background()
	env.record(10, 3)

	fired := env.engine.Evaluate(ctx)
	require.Len(t, fired, 1)
	assert.Equal(t, "high_error_rate", fired[0].RuleID)
	assert.Equal(t, SeverityCritical, fired[0].Severity)
	assert.InDelta(t, 0.3, fired[0].Value, 1e-9)
	assert.Equal(t, epoch, fired[0].Timestamp)
	assert.NotEmpty(t, fired[0].ID)

	// The condition stays true for the whole cooldown
	for i := 0; i < 5; i++ {
		env.fake.Advance(time.Minute)
		assert.Empty(t, env.engine.Evaluate(ctx), "fired again %d minutes in", i+1)
	}

	env.fake.Advance(time.Second)
	refired := env.engine.Evaluate(ctx)
	require.Len(t, refired, 1)
	assert.NotEqual(t, fired[0].ID, refired[0].ID)

	assert.Len(t, env.engine.ActiveAlerts(), 1)
	assert.Len(t, env.engine.History(10), 2)
	assert.Len(t, env.channel.sent(), 2)

	rules := env.engine.Rules()
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].LastTriggered)
	assert.Equal(t, epoch.Add(5*time.Minute+time.Second), *rules[0].LastTriggered)
}

func TestEngine_ResolvesOnFirstFalseEvaluation(t *testing.T) {
	env := newTestEnv(t, defaultRule(t, "high_error_rate"))
	ctx := context.Background()

	env.record(10, 5)
	require.Len(t, env.engine.Evaluate(ctx), 1)
	require.Len(t, env.engine.ActiveAlerts(), 1)

	env.record(100, 0)
	assert.Empty(t, env.engine.Evaluate(ctx))
	assert.Empty(t, env.engine.ActiveAlerts())

	sent := env.channel.sent()
	require.Len(t, sent, 2)
	assert.False(t, sent[0].Resolved)
	assert.True(t, sent[1].Resolved)
	require.NotNil(t, sent[1].ResolvedAt)
	assert.Equal(t, sent[0].ID, sent[1].ID)

	// Already resolved; nothing else is sent
	env.engine.Evaluate(ctx)
	assert.Len(t, env.channel.sent(), 2)
}

func TestEngine_SkipsRulesWithoutTraffic(t *testing.T) {
	env := newTestEnv(t,
		Rule{
			ID:        "any_errors",
			Name:      "Any errors",
			Condition: &Condition{Metric: MetricErrorCount, Operator: ">=", Threshold: 0},
			Severity:  SeverityInfo,
			Enabled:   true,
		},
		Rule{
			ID:        "no_traffic",
			Name:      "No traffic",
			Condition: &Condition{Metric: MetricRequestCount, Operator: "==", Threshold: 0},
			Severity:  SeverityWarning,
			Enabled:   true,
		},
	)

	fired := env.engine.Evaluate(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, "no_traffic", fired[0].RuleID)
}

func TestEngine_PredicateRule(t *testing.T) {
	env := newTestEnv(t, Rule{
		ID:          "slow_and_failing",
		Name:        "Slow and failing",
		Description: "Average latency above 50ms with errors",
		Predicate: func(s telemetry.PerformanceSnapshot) bool {
			return s.AvgResponseTime > 50 && s.ErrorCount > 0
		},
		Severity: SeverityWarning,
		Enabled:  true,
	})
	env.record(4, 1)

	fired := env.engine.Evaluate(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, "Average latency above 50ms with errors", fired[0].Message)
}

func TestEngine_DisabledRule(t *testing.T) {
	rule := defaultRule(t, "low_uptime")
	rule.Enabled = false
	env := newTestEnv(t, rule)
	env.record(10, 10)

	assert.Empty(t, env.engine.Evaluate(context.Background()))

	assert.True(t, env.engine.SetEnabled("low_uptime", true))
	assert.False(t, env.engine.SetEnabled("missing", true))
	assert.Len(t, env.engine.Evaluate(context.Background()), 1)
}

func TestEngine_AddRuleReplacesAndRemoves(t *testing.T) {
	env := newTestEnv(t, DefaultRules()...)
	require.Len(t, env.engine.Rules(), 3)

	replacement := defaultRule(t, "high_p95_latency")
	replacement.Condition.Threshold = 1000
	require.NoError(t, env.engine.AddRule(replacement))

	rules := env.engine.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, "high_p95_latency", rules[1].ID)
	assert.Equal(t, 1000.0, rules[1].Condition.Threshold)

	env.engine.RemoveRule("high_error_rate")
	assert.Len(t, env.engine.Rules(), 2)
}

func TestRule_Validate(t *testing.T) {
	valid := Condition{Metric: MetricErrorRate, Operator: ">", Threshold: 0.5}
	tests := []struct {
		name string
		rule Rule
	}{
		{"missing id", Rule{Severity: SeverityInfo, Condition: &valid}},
		{"bad severity", Rule{ID: "r", Severity: "page", Condition: &valid}},
		{"no predicate", Rule{ID: "r", Severity: SeverityInfo}},
		{"negative cooldown", Rule{ID: "r", Severity: SeverityInfo, Condition: &valid, Cooldown: -time.Second}},
		{"unknown metric", Rule{ID: "r", Severity: SeverityInfo, Condition: &Condition{Metric: "cpu", Operator: ">"}}},
		{"unknown operator", Rule{ID: "r", Severity: SeverityInfo, Condition: &Condition{Metric: MetricErrorRate, Operator: "=>"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}

	for _, r := range DefaultRules() {
		assert.NoError(t, r.Validate(), r.ID)
	}
}

func TestCondition_Operators(t *testing.T) {
	snap := telemetry.PerformanceSnapshot{RequestCount: 10}
	tests := []struct {
		op   string
		want bool
	}{
		{">", false}, {">=", true}, {"<", false}, {"<=", true}, {"==", true}, {"!=", false},
	}
	for _, tt := range tests {
		c := Condition{Metric: MetricRequestCount, Operator: tt.op, Threshold: 10}
		assert.Equal(t, tt.want, c.Matches(snap), tt.op)
	}
}

func TestEngine_ChannelFailureDoesNotStopDelivery(t *testing.T) {
	fake := clock.NewFake(epoch)
	logger := logging.NewNop()
	hook := test.NewLocal(logger.Logger)
	store := telemetry.NewStore(telemetry.StoreConfig{Clock: fake})
	engine := NewEngine(store, Config{Clock: fake, Logger: logger})
	channel := &recordingChannel{}
	engine.AddChannel(failingChannel{})
	engine.AddChannel(channel)
	require.NoError(t, engine.AddRule(defaultRule(t, "low_uptime")))

	store.RecordMetric(telemetry.MetricRequestDuration, 10, map[string]string{telemetry.TagSuccess: "false"})
	require.Len(t, engine.Evaluate(context.Background()), 1)

	assert.Len(t, channel.sent(), 1)
	var failed *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "Failed to send alert notification" {
			failed = e
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "failing", failed.Data["channel"])
}

func TestEngine_TriggerAndResolveAlert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.engine.TriggerAlert(ctx, Alert{
		RuleID:   "health:GET /health",
		Name:     "Endpoint unhealthy",
		Severity: SeverityCritical,
		Message:  "GET /health failed 3 consecutive probes",
	})
	require.NoError(t, err)

	active := env.engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, epoch, active[0].Timestamp)
	assert.NotEmpty(t, active[0].ID)

	require.NoError(t, env.engine.ResolveAlert(ctx, "health:GET /health"))
	assert.Empty(t, env.engine.ActiveAlerts())
	assert.Error(t, env.engine.ResolveAlert(ctx, "health:GET /health"))

	sent := env.channel.sent()
	require.Len(t, sent, 2)
	assert.True(t, sent[1].Resolved)

	assert.Error(t, env.engine.TriggerAlert(ctx, Alert{Severity: SeverityInfo}))
	assert.Error(t, env.engine.TriggerAlert(ctx, Alert{RuleID: "x", Severity: "loud"}))
}

func TestLoggingChannel_LevelsFollowSeverity(t *testing.T) {
	logger := logging.NewNop()
	hook := test.NewLocal(logger.Logger)
	ch := NewLoggingChannel(logger)
	ctx := context.Background()

	require.NoError(t, ch.Send(ctx, Alert{Severity: SeverityCritical, Message: "a"}))
	require.NoError(t, ch.Send(ctx, Alert{Severity: SeverityWarning, Message: "b"}))
	require.NoError(t, ch.Send(ctx, Alert{Severity: SeverityInfo, Message: "c"}))
	require.NoError(t, ch.Send(ctx, Alert{Severity: SeverityCritical, Name: "d", Resolved: true}))

	entries := hook.AllEntries()
	require.Len(t, entries, 4)
	assert.Equal(t, logrus.ErrorLevel, entries[0].Level)
	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
	assert.Equal(t, logrus.InfoLevel, entries[2].Level)
	assert.Equal(t, logrus.InfoLevel, entries[3].Level)
	assert.Equal(t, "Alert resolved: d", entries[3].Message)
}

func TestWebhookChannel_RetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	var payloads []WebhookPayload
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p WebhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "token", r.Header.Get("X-Webhook-Token"))

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	fake := clock.NewFake(epoch)
	ch := NewWebhookChannel(WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"X-Webhook-Token": "token"},
		Retry: resilience.NewRetryPolicy(resilience.RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			Clock:      fake,
			Logger:     logging.NewNop(),
		}),
	})

	err := ch.Send(context.Background(), Alert{ID: "a1", RuleID: "low_uptime", Severity: SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fake.Sleeps())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 3)
	assert.Equal(t, "firing", payloads[0].Status)
	assert.Equal(t, "low_uptime", payloads[0].RuleID)
}

func TestWebhookChannel_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	ch := NewWebhookChannel(WebhookConfig{
		URL: server.URL,
		Retry: resilience.NewRetryPolicy(resilience.RetryConfig{
			MaxRetries: 3,
			Clock:      clock.NewFake(epoch),
			Logger:     logging.NewNop(),
		}),
	})

	err := ch.Send(context.Background(), Alert{ID: "a1", Resolved: true})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClient))
	assert.Equal(t, http.StatusBadRequest, errors.GetStatusCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseRules(t *testing.T) {
	doc := []byte(`
rules:
  - id: slow_calls
    name: Slow calls
    severity: warning
    cooldown: 10m
    condition:
      metric: avg_response_time_ms
      operator: ">"
      threshold: 2000
  - id: idle
    severity: info
    enabled: false
    condition: {metric: request_count, operator: "==", threshold: 0}
`)

	rules, err := ParseRules(doc)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "Slow calls", rules[0].Name)
	assert.Equal(t, SeverityWarning, rules[0].Severity)
	assert.Equal(t, 10*time.Minute, rules[0].Cooldown)
	assert.True(t, rules[0].Enabled)
	assert.Equal(t, &Condition{Metric: MetricAvgResponseTime, Operator: ">", Threshold: 2000}, rules[0].Condition)

	assert.Equal(t, "idle", rules[1].Name)
	assert.False(t, rules[1].Enabled)
	assert.Equal(t, time.Duration(0), rules[1].Cooldown)
}

func TestParseRules_Invalid(t *testing.T) {
	tests := map[string]string{
		"not yaml":         "rules: [",
		"bad cooldown":     "rules:\n  - {id: a, severity: info, cooldown: soon, condition: {metric: error_rate, operator: '>', threshold: 1}}",
		"no condition":     "rules:\n  - {id: a, severity: info}",
		"unknown metric":   "rules:\n  - {id: a, severity: info, condition: {metric: cpu, operator: '>', threshold: 1}}",
		"invalid severity": "rules:\n  - {id: a, severity: page, condition: {metric: error_rate, operator: '>', threshold: 1}}",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - {id: a, severity: critical, condition: {metric: error_rate, operator: '>=', threshold: 0.5}}\n"), 0o600))

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, ">=", rules[0].Condition.Operator)

	_, err = LoadRulesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type sourceFunc func(time.Duration) telemetry.PerformanceSnapshot

func (f sourceFunc) Snapshot(window time.Duration) telemetry.PerformanceSnapshot {
	return f(window)
}

func TestEngine_StartStop(t *testing.T) {
	var rounds atomic.Int32
	source := sourceFunc(func(window time.Duration) telemetry.PerformanceSnapshot {
		rounds.Add(1)
		assert.Equal(t, 30*time.Minute, window)
		return telemetry.PerformanceSnapshot{}
	})

	engine := NewEngine(source, Config{Interval: 5 * time.Millisecond, Window: 30 * time.Minute, Logger: logging.NewNop()})
	engine.Start(context.Background())
	engine.Start(context.Background())
	require.Eventually(t, func() bool { return rounds.Load() >= 2 }, time.Second, time.Millisecond)

	engine.Stop()
	engine.Stop()
	stopped := rounds.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, rounds.Load())
}
