// Package alerting evaluates rules over the trailing performance snapshot on
// a fixed cadence and fires alerts with a per-rule cooldown.
package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/apiguard/pkg/clock"
	"github.com/NikhilSetiya/apiguard/pkg/errors"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
	"github.com/NikhilSetiya/apiguard/pkg/metrics"
	"github.com/NikhilSetiya/apiguard/pkg/telemetry"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Alert represents a fired alert
type Alert struct {
	ID         string     `json:"id"`
	RuleID     string     `json:"ruleId"`
	Name       string     `json:"name"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// NotificationChannel delivers fired and resolved alerts
type NotificationChannel interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// SnapshotSource computes the performance snapshot over a trailing window.
// *telemetry.Store satisfies it.
type SnapshotSource interface {
	Snapshot(window time.Duration) telemetry.PerformanceSnapshot
}

// Defaults for Config
const (
	DefaultInterval = time.Minute
	DefaultWindow   = time.Hour
	historySize     = 100
)

// Config holds alert engine configuration
type Config struct {
	Interval time.Duration
	// Window is the trailing period the snapshot aggregates
	Window  time.Duration
	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Engine owns the rule set and the active alerts
type Engine struct {
	source   SnapshotSource
	interval time.Duration
	window   time.Duration
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	rules    []*Rule
	active   map[string]*Alert
	history  *telemetry.Ring[Alert]
	channels []NotificationChannel

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates an engine with no rules. A LoggingChannel on the engine
// logger is always installed.
func NewEngine(source SnapshotSource, config Config) *Engine {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}

	return &Engine{
		source:   source,
		interval: config.Interval,
		window:   config.Window,
		clock:    config.Clock,
		logger:   config.Logger,
		metrics:  config.Metrics,
		active:   make(map[string]*Alert),
		history:  telemetry.NewRing[Alert](historySize),
		channels: []NotificationChannel{NewLoggingChannel(config.Logger)},
	}
}

// AddChannel adds a notification channel
func (e *Engine) AddChannel(channel NotificationChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = append(e.channels, channel)
}

// AddRule validates rule and adds it, replacing a rule with the same ID
func (e *Engine) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	r := rule

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.rules {
		if existing.ID == r.ID {
			e.rules[i] = &r
			return nil
		}
	}
	e.rules = append(e.rules, &r)
	return nil
}

// RemoveRule removes a rule and resolves nothing; an active alert of the
// rule stays listed until resolved with ResolveAlert
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return
		}
	}
}

// SetEnabled toggles a rule. It returns false when no rule has id.
func (e *Engine) SetEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.ID == id {
			r.Enabled = enabled
			return true
		}
	}
	return false
}

// Rules returns a copy of the rule set in insertion order
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.clone()
	}
	return out
}

// ActiveAlerts returns the unresolved alerts, oldest first
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// History returns up to n of the most recently fired alerts
func (e *Engine) History(n int) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Last(n)
}

// Evaluate computes the snapshot and evaluates every enabled rule once. It
// returns the alerts fired in this round. Rules are skipped while the window
// holds no traffic, unless they watch request_count.
func (e *Engine) Evaluate(ctx context.Context) []Alert {
	snap := e.source.Snapshot(e.window)
	now := e.clock.Now()

	var fired, resolved []Alert
	e.mu.Lock()
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if snap.RequestCount == 0 && !r.watchesTraffic() {
			continue
		}

		value, triggered := r.evaluate(snap)
		if triggered {
			if r.LastTriggered != nil && now.Sub(*r.LastTriggered) <= r.Cooldown {
				continue
			}
			at := now
			r.LastTriggered = &at
			alert := &Alert{
				ID:        uuid.New().String(),
				RuleID:    r.ID,
				Name:      r.Name,
				Severity:  r.Severity,
				Message:   r.message(value),
				Value:     value,
				Timestamp: now,
			}
			e.active[r.ID] = alert
			e.history.Push(*alert)
			fired = append(fired, *alert)
			continue
		}

		if a, ok := e.active[r.ID]; ok {
			resolved = append(resolved, e.resolveLocked(r.ID, a, now))
		}
	}
	activeCount := len(e.active)
	e.mu.Unlock()

	for _, a := range fired {
		e.metrics.RecordAlert(a.RuleID, string(a.Severity))
		e.notify(ctx, a)
	}
	for _, a := range resolved {
		e.notify(ctx, a)
	}
	e.metrics.UpdateActiveAlerts(activeCount)

	return fired
}

// TriggerAlert raises an alert from outside the rule set, such as a health
// threshold event. alert.RuleID keys it among the active alerts; an active
// alert with the same key is replaced.
func (e *Engine) TriggerAlert(ctx context.Context, alert Alert) error {
	if alert.RuleID == "" {
		return errors.NewValidationError("alert rule id is required")
	}
	if !alert.Severity.Valid() {
		return errors.NewValidationError(fmt.Sprintf("invalid alert severity %q", alert.Severity))
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = e.clock.Now()
	}
	alert.Resolved = false
	alert.ResolvedAt = nil

	e.mu.Lock()
	stored := alert
	e.active[alert.RuleID] = &stored
	e.history.Push(alert)
	activeCount := len(e.active)
	e.mu.Unlock()

	e.metrics.RecordAlert(alert.RuleID, string(alert.Severity))
	e.metrics.UpdateActiveAlerts(activeCount)
	e.notify(ctx, alert)
	return nil
}

// ResolveAlert resolves the active alert keyed by ruleID
func (e *Engine) ResolveAlert(ctx context.Context, ruleID string) error {
	e.mu.Lock()
	a, ok := e.active[ruleID]
	if !ok {
		e.mu.Unlock()
		return errors.NewAppError(errors.ErrorTypeValidation, "ALERT_NOT_FOUND", fmt.Sprintf("no active alert for %s", ruleID))
	}
	resolved := e.resolveLocked(ruleID, a, e.clock.Now())
	activeCount := len(e.active)
	e.mu.Unlock()

	e.metrics.UpdateActiveAlerts(activeCount)
	e.notify(ctx, resolved)
	return nil
}

func (e *Engine) resolveLocked(ruleID string, a *Alert, now time.Time) Alert {
	at := now
	a.Resolved = true
	a.ResolvedAt = &at
	delete(e.active, ruleID)
	return *a
}

// notify sends alert to every channel in order. It runs without the engine
// lock; channel failures are logged and do not stop delivery to the rest.
func (e *Engine) notify(ctx context.Context, alert Alert) {
	e.mu.Lock()
	channels := make([]NotificationChannel, len(e.channels))
	copy(channels, e.channels)
	e.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Send(ctx, alert); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"channel":  ch.Name(),
				"alert_id": alert.ID,
				"rule_id":  alert.RuleID,
			}).Error("Failed to send alert notification")
		}
	}
}

// Start evaluates on every interval until ctx is done or Stop is called
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	stop := e.stopCh

	e.logger.Info("Starting alert engine", "rules", len(e.Rules()), "interval", e.interval.String())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				e.Evaluate(ctx)
			}
		}
	}()
}

// Stop ends the evaluation loop and waits for an in-flight round
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.runMu.Unlock()

	e.wg.Wait()
	e.logger.Info("Alert engine stopped")
}
