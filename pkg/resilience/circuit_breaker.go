package resilience

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/NikhilSetiya/apiguard/pkg/clock"
	"github.com/NikhilSetiya/apiguard/pkg/errors"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, probe requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Defaults for RegistryConfig
const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
)

// RegistryConfig holds configuration for the circuit breaker registry
type RegistryConfig struct {
	// Threshold is the failure count that opens a closed breaker
	Threshold int
	// Timeout is how long an open breaker rejects calls before the next
	// gate check moves it to half-open
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *logging.Logger
	// OnStateChange is called after every actual transition, outside any lock
	OnStateChange func(key string, from, to CircuitState)
}

// BreakerStats is a point-in-time view of one breaker
type BreakerStats struct {
	State           CircuitState `json:"state"`
	Failures        int          `json:"failures"`
	LastFailureTime time.Time    `json:"lastFailureTime"`
}

// breaker is the state machine of one endpoint key
type breaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
}

type transition struct {
	key      string
	from, to CircuitState
	failures int
}

// Registry holds one circuit breaker per endpoint key. Breakers are created
// lazily on the first recorded failure; keys without a breaker are closed.
type Registry struct {
	threshold     int
	timeout       time.Duration
	clock         clock.Clock
	logger        *logging.Logger
	onStateChange func(key string, from, to CircuitState)

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// NewRegistry creates a registry with the given configuration
func NewRegistry(config RegistryConfig) *Registry {
	if config.Threshold <= 0 {
		config.Threshold = DefaultFailureThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultOpenTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}

	return &Registry{
		threshold:     config.Threshold,
		timeout:       config.Timeout,
		clock:         config.Clock,
		logger:        config.Logger,
		onStateChange: config.OnStateChange,
		breakers:      make(map[string]*breaker),
	}
}

// Threshold returns the failure count that opens a breaker
func (r *Registry) Threshold() int {
	return r.threshold
}

func (r *Registry) lookup(key string) *breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[key]
}

func (r *Registry) lookupOrCreate(key string) *breaker {
	if b := r.lookup(key); b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := &breaker{state: StateClosed}
	r.breakers[key] = b
	return b
}

// Allow is the gate check run before every transport attempt. It returns a
// circuit_open AppError while the breaker is open. An open breaker whose
// timeout has elapsed since the last failure moves to half-open and allows
// the call.
func (r *Registry) Allow(key string) error {
	b := r.lookup(key)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	if r.clock.Now().Sub(b.lastFailure) > r.timeout {
		t := r.setState(b, key, StateHalfOpen)
		b.mu.Unlock()
		r.notify(t)
		return nil
	}
	failures, last := b.failures, b.lastFailure
	b.mu.Unlock()

	return errors.NewCircuitOpenError(key).
		WithDetail("failures", strconv.Itoa(failures)).
		WithDetail("last_failure", last.UTC().Format(time.RFC3339Nano))
}

// RecordSuccess resets the failure count and closes the breaker. It is a
// no-op for keys that never failed.
func (r *Registry) RecordSuccess(key string) {
	b := r.lookup(key)
	if b == nil {
		return
	}

	b.mu.Lock()
	b.failures = 0
	t := r.setState(b, key, StateClosed)
	b.mu.Unlock()
	r.notify(t)
}

// RecordFailure counts a systemic failure of key. A closed breaker opens when
// the count reaches the threshold; a half-open breaker reopens immediately.
func (r *Registry) RecordFailure(key string) {
	b := r.lookupOrCreate(key)
	now := r.clock.Now()

	b.mu.Lock()
	b.failures++
	b.lastFailure = now

	var t *transition
	switch b.state {
	case StateClosed:
		if b.failures >= r.threshold {
			t = r.setState(b, key, StateOpen)
		}
	case StateHalfOpen:
		t = r.setState(b, key, StateOpen)
	}
	b.mu.Unlock()
	r.notify(t)
}

// State returns the current state of key without evaluating the timeout
func (r *Registry) State(key string) CircuitState {
	b := r.lookup(key)
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of every breaker
func (r *Registry) Stats() map[string]BreakerStats {
	r.mu.RLock()
	keys := make([]string, 0, len(r.breakers))
	for key := range r.breakers {
		keys = append(keys, key)
	}
	breakers := make([]*breaker, len(keys))
	sort.Strings(keys)
	for i, key := range keys {
		breakers[i] = r.breakers[key]
	}
	r.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(keys))
	for i, b := range breakers {
		b.mu.Lock()
		stats[keys[i]] = BreakerStats{State: b.state, Failures: b.failures, LastFailureTime: b.lastFailure}
		b.mu.Unlock()
	}
	return stats
}

// ResetKey returns one breaker to {0, zero time, CLOSED}
func (r *Registry) ResetKey(key string) {
	b := r.lookup(key)
	if b == nil {
		return
	}
	r.notify(r.reset(b, key))
}

// Reset returns every breaker to {0, zero time, CLOSED}
func (r *Registry) Reset() {
	r.mu.RLock()
	keys := make([]string, 0, len(r.breakers))
	breakers := make([]*breaker, 0, len(r.breakers))
	for key, b := range r.breakers {
		keys = append(keys, key)
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	for i, b := range breakers {
		r.notify(r.reset(b, keys[i]))
	}
	r.logger.Info("Circuit breakers reset", "count", len(keys))
}

func (r *Registry) reset(b *breaker, key string) *transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailure = time.Time{}
	return r.setState(b, key, StateClosed)
}

// setState must be called with b.mu held. It returns nil when the state is
// unchanged.
func (r *Registry) setState(b *breaker, key string, state CircuitState) *transition {
	if b.state == state {
		return nil
	}
	prev := b.state
	b.state = state
	return &transition{key: key, from: prev, to: state, failures: b.failures}
}

func (r *Registry) notify(t *transition) {
	if t == nil {
		return
	}

	fields := []interface{}{
		"endpoint", t.key,
		"from", t.from.String(),
		"to", t.to.String(),
		"failures", t.failures,
	}
	if t.to == StateOpen {
		r.logger.Error("Circuit breaker opened", fields...)
	} else {
		r.logger.Info("Circuit breaker state changed", fields...)
	}

	if r.onStateChange != nil {
		r.onStateChange(t.key, t.from, t.to)
	}
}
