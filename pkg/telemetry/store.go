// Package telemetry holds the in-memory metric and log store: bounded ring
// buffers of samples and log entries, windowed performance aggregation, and
// log export.
package telemetry

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NikhilSetiya/apiguard/pkg/clock"
	apperrors "github.com/NikhilSetiya/apiguard/pkg/errors"
)

// Metric names recorded by the request pipeline and health monitor.
const (
	MetricRequestDuration = "api.request.duration"
	MetricAttemptDuration = "api.request.attempt"
	MetricCacheHit        = "api.cache.hit"
	MetricCacheMiss       = "api.cache.miss"
	MetricRetry           = "api.retry"
	MetricProbeDuration   = "health.probe.duration"
)

// Tag keys and values shared by samples.
const (
	TagEndpoint = "endpoint"
	TagMethod   = "method"
	TagStatus   = "status"
	TagSuccess  = "success"
	TagCached   = "cached"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelError Level = "ERROR"
	LevelWarn  Level = "WARN"
	LevelInfo  Level = "INFO"
	LevelDebug Level = "DEBUG"
)

// LogContext carries the call details attached to a log entry.
type LogContext struct {
	Endpoint      string            `json:"endpoint,omitempty"`
	Method        string            `json:"method,omitempty"`
	StatusCode    int               `json:"statusCode,omitempty"`
	DurationMS    int64             `json:"duration,omitempty"`
	Error         string            `json:"error,omitempty"`
	Attempt       int               `json:"attempt,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Component     string            `json:"component,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// LogEntry is one record in the log ring.
type LogEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Level     Level      `json:"level"`
	Message   string     `json:"message"`
	Context   LogContext `json:"context"`
}

// MetricSample is one recorded value.
type MetricSample struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// PerformanceSnapshot aggregates finished calls over a trailing window.
type PerformanceSnapshot struct {
	RequestCount    int       `json:"requestCount"`
	ErrorCount      int       `json:"errorCount"`
	AvgResponseTime float64   `json:"avgResponseTime"`
	P95ResponseTime float64   `json:"p95ResponseTime"`
	UptimeRatio     float64   `json:"uptime"`
	ErrorRate       float64   `json:"errorRate"`
	WindowStart     time.Time `json:"windowStart"`
	WindowEnd       time.Time `json:"windowEnd"`
}

// StoreConfig configures a Store.
type StoreConfig struct {
	LogCapacity    int
	MetricCapacity int
	Clock          clock.Clock
}

// Store keeps a bounded history of log entries and, per metric name, a
// bounded history of samples.
type Store struct {
	mu        sync.RWMutex
	clock     clock.Clock
	logs      *Ring[LogEntry]
	metrics   map[string]*Ring[MetricSample]
	metricCap int
}

// NewStore creates a store, defaulting both capacities to 1000.
func NewStore(cfg StoreConfig) *Store {
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = 1000
	}
	if cfg.MetricCapacity <= 0 {
		cfg.MetricCapacity = 1000
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Store{
		clock:     cfg.Clock,
		logs:      NewRing[LogEntry](cfg.LogCapacity),
		metrics:   make(map[string]*Ring[MetricSample]),
		metricCap: cfg.MetricCapacity,
	}
}

// RecordMetric appends a sample timestamped with the store clock.
func (s *Store) RecordMetric(name string, value float64, tags map[string]string) {
	sample := MetricSample{Timestamp: s.clock.Now(), Value: value, Tags: tags}

	s.mu.Lock()
	defer s.mu.Unlock()

	ring, ok := s.metrics[name]
	if !ok {
		ring = NewRing[MetricSample](s.metricCap)
		s.metrics[name] = ring
	}
	ring.Push(sample)
}

// AddLog appends a log entry. A zero timestamp is filled from the store clock.
func (s *Store) AddLog(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs.Push(entry)
}

// Logs returns every retained log entry, oldest first.
func (s *Store) Logs() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs.Items()
}

// RecentLogs returns the newest n log entries, oldest first.
func (s *Store) RecentLogs(n int) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs.Last(n)
}

// Samples returns the samples of name recorded at or after since.
func (s *Store) Samples(name string, since time.Time) []MetricSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ring, ok := s.metrics[name]
	if !ok {
		return nil
	}
	var out []MetricSample
	for _, sample := range ring.Items() {
		if !sample.Timestamp.Before(since) {
			out = append(out, sample)
		}
	}
	return out
}

// MetricNames returns the names with at least one recorded sample.
func (s *Store) MetricNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.metrics))
	for name := range s.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot aggregates api.request.duration samples over the trailing window.
// With no samples the snapshot reports zero errors and full uptime.
func (s *Store) Snapshot(window time.Duration) PerformanceSnapshot {
	end := s.clock.Now()
	start := end.Add(-window)
	samples := s.Samples(MetricRequestDuration, start)

	snap := PerformanceSnapshot{
		RequestCount: len(samples),
		UptimeRatio:  1,
		WindowStart:  start,
		WindowEnd:    end,
	}
	if len(samples) == 0 {
		return snap
	}

	values := make([]float64, len(samples))
	var total float64
	for i, sample := range samples {
		values[i] = sample.Value
		total += sample.Value
		if sample.Tags[TagSuccess] == "false" {
			snap.ErrorCount++
		}
	}
	sort.Float64s(values)

	n := float64(len(samples))
	snap.AvgResponseTime = total / n
	snap.P95ResponseTime = values[nearestRank(0.95, len(values))]
	snap.ErrorRate = float64(snap.ErrorCount) / n
	snap.UptimeRatio = 1 - snap.ErrorRate
	return snap
}

// nearestRank returns the zero-based index of percentile p in n sorted values.
func nearestRank(p float64, n int) int {
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{
	"timestamp", "level", "message", "endpoint", "method",
	"statusCode", "duration", "error", "attempt", "correlationId",
}

// ExportLogs serializes every retained log entry as a JSON array or as CSV
// with a header row.
func (s *Store) ExportLogs(format string) ([]byte, error) {
	logs := s.Logs()

	switch strings.ToLower(format) {
	case FormatJSON, "":
		data, err := json.MarshalIndent(logs, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode logs: %w", err)
		}
		return data, nil
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(csvHeader); err != nil {
			return nil, fmt.Errorf("failed to write csv header: %w", err)
		}
		for _, entry := range logs {
			if err := w.Write(csvRecord(entry)); err != nil {
				return nil, fmt.Errorf("failed to write csv record: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("failed to flush csv: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported export format %q", format)).
			WithDetail("format", format)
	}
}

func csvRecord(entry LogEntry) []string {
	itoa := func(v int) string {
		if v == 0 {
			return ""
		}
		return strconv.Itoa(v)
	}
	duration := ""
	if entry.Context.DurationMS != 0 {
		duration = strconv.FormatInt(entry.Context.DurationMS, 10)
	}
	return []string{
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		string(entry.Level),
		entry.Message,
		entry.Context.Endpoint,
		entry.Context.Method,
		itoa(entry.Context.StatusCode),
		duration,
		entry.Context.Error,
		itoa(entry.Context.Attempt),
		entry.Context.CorrelationID,
	}
}
