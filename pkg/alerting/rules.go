package alerting

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NikhilSetiya/apiguard/pkg/errors"
	"github.com/NikhilSetiya/apiguard/pkg/telemetry"
)

// Condition metric names
const (
	MetricErrorRate       = "error_rate"
	MetricP95ResponseTime = "p95_response_time_ms"
	MetricAvgResponseTime = "avg_response_time_ms"
	MetricUptimeRatio     = "uptime_ratio"
	MetricRequestCount    = "request_count"
	MetricErrorCount      = "error_count"
)

// Rule is a named predicate over the performance snapshot
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Condition is the declarative form; Predicate takes precedence when both
	// are set
	Condition     *Condition                             `json:"condition,omitempty"`
	Predicate     func(telemetry.PerformanceSnapshot) bool `json:"-"`
	Severity      Severity                               `json:"severity"`
	Enabled       bool                                   `json:"enabled"`
	Cooldown      time.Duration                          `json:"cooldown"`
	LastTriggered *time.Time                             `json:"lastTriggered,omitempty"`
}

// Condition compares one snapshot metric against a threshold
type Condition struct {
	Metric    string  `json:"metric" yaml:"metric"`
	Operator  string  `json:"operator" yaml:"operator"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// Validate checks that the rule can be evaluated
func (r Rule) Validate() error {
	if r.ID == "" {
		return errors.NewValidationError("rule id is required")
	}
	if !r.Severity.Valid() {
		return errors.NewValidationError(fmt.Sprintf("rule %s: invalid severity %q", r.ID, r.Severity))
	}
	if r.Cooldown < 0 {
		return errors.NewValidationError(fmt.Sprintf("rule %s: cooldown must not be negative", r.ID))
	}
	if r.Predicate == nil && r.Condition == nil {
		return errors.NewValidationError(fmt.Sprintf("rule %s: predicate or condition is required", r.ID))
	}
	if r.Condition != nil {
		if err := r.Condition.Validate(); err != nil {
			return errors.NewValidationError(fmt.Sprintf("rule %s: %v", r.ID, err))
		}
	}
	return nil
}

// Validate checks the metric and operator names
func (c Condition) Validate() error {
	switch c.Metric {
	case MetricErrorRate, MetricP95ResponseTime, MetricAvgResponseTime,
		MetricUptimeRatio, MetricRequestCount, MetricErrorCount:
	default:
		return fmt.Errorf("unknown metric %q", c.Metric)
	}
	switch c.Operator {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return nil
}

// Value extracts the condition metric from snap
func (c Condition) Value(snap telemetry.PerformanceSnapshot) float64 {
	switch c.Metric {
	case MetricErrorRate:
		return snap.ErrorRate
	case MetricP95ResponseTime:
		return snap.P95ResponseTime
	case MetricAvgResponseTime:
		return snap.AvgResponseTime
	case MetricUptimeRatio:
		return snap.UptimeRatio
	case MetricRequestCount:
		return float64(snap.RequestCount)
	case MetricErrorCount:
		return float64(snap.ErrorCount)
	}
	return 0
}

// Matches applies the operator to the metric value
func (c Condition) Matches(snap telemetry.PerformanceSnapshot) bool {
	v := c.Value(snap)
	switch c.Operator {
	case ">":
		return v > c.Threshold
	case ">=":
		return v >= c.Threshold
	case "<":
		return v < c.Threshold
	case "<=":
		return v <= c.Threshold
	case "==":
		return v == c.Threshold
	case "!=":
		return v != c.Threshold
	}
	return false
}

func (r *Rule) evaluate(snap telemetry.PerformanceSnapshot) (float64, bool) {
	var value float64
	if r.Condition != nil {
		value = r.Condition.Value(snap)
	}
	if r.Predicate != nil {
		return value, r.Predicate(snap)
	}
	return value, r.Condition.Matches(snap)
}

func (r *Rule) watchesTraffic() bool {
	return r.Condition != nil && r.Condition.Metric == MetricRequestCount
}

func (r *Rule) message(value float64) string {
	if r.Condition == nil {
		if r.Description != "" {
			return r.Description
		}
		return r.Name
	}
	return fmt.Sprintf("%s: %s is %g (threshold %s %g)",
		r.Name, r.Condition.Metric, value, r.Condition.Operator, r.Condition.Threshold)
}

func (r *Rule) clone() Rule {
	out := *r
	if r.Condition != nil {
		c := *r.Condition
		out.Condition = &c
	}
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		out.LastTriggered = &t
	}
	return out
}

// DefaultRules returns the built-in rule set
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "high_error_rate",
			Name:        "High error rate",
			Description: "More than 10% of calls in the window returned an error",
			Condition:   &Condition{Metric: MetricErrorRate, Operator: ">", Threshold: 0.1},
			Severity:    SeverityCritical,
			Enabled:     true,
			Cooldown:    5 * time.Minute,
		},
		{
			ID:          "high_p95_latency",
			Name:        "High p95 latency",
			Description: "The 95th percentile call duration is above 5s",
			Condition:   &Condition{Metric: MetricP95ResponseTime, Operator: ">", Threshold: 5000},
			Severity:    SeverityWarning,
			Enabled:     true,
			Cooldown:    10 * time.Minute,
		},
		{
			ID:          "low_uptime",
			Name:        "Low uptime",
			Description: "Fewer than 99% of calls in the window succeeded",
			Condition:   &Condition{Metric: MetricUptimeRatio, Operator: "<", Threshold: 0.99},
			Severity:    SeverityCritical,
			Enabled:     true,
			Cooldown:    15 * time.Minute,
		},
	}
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Severity    string     `yaml:"severity"`
	Enabled     *bool      `yaml:"enabled"`
	Cooldown    string     `yaml:"cooldown"`
	Condition   *Condition `yaml:"condition"`
}

// ParseRules decodes a YAML rule document:
//
//	rules:
//	  - id: slow_calls
//	    name: Slow calls
//	    severity: warning
//	    cooldown: 10m
//	    condition: {metric: avg_response_time_ms, operator: ">", threshold: 2000}
//
// Rules are enabled unless enabled is false.
func ParseRules(data []byte) ([]Rule, error) {
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewValidationError("invalid alert rules document").WithCause(err)
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for i, spec := range doc.Rules {
		rule := Rule{
			ID:          spec.ID,
			Name:        spec.Name,
			Description: spec.Description,
			Severity:    Severity(spec.Severity),
			Enabled:     spec.Enabled == nil || *spec.Enabled,
			Condition:   spec.Condition,
		}
		if rule.Name == "" {
			rule.Name = rule.ID
		}
		if spec.Cooldown != "" {
			d, err := time.ParseDuration(spec.Cooldown)
			if err != nil {
				return nil, errors.NewValidationError(fmt.Sprintf("rule %d: invalid cooldown %q", i, spec.Cooldown)).WithCause(err)
			}
			rule.Cooldown = d
		}
		if rule.Condition == nil {
			return nil, errors.NewValidationError(fmt.Sprintf("rule %d (%s): condition is required", i, spec.ID))
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadRulesFile reads and parses a YAML rule file
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read alert rules file: %w", err)
	}
	return ParseRules(data)
}
