package resilience

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/NikhilSetiya/apiguard/pkg/clock"
	"github.com/NikhilSetiya/apiguard/pkg/errors"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps the exponential delay
	MaxDelay time.Duration
	// Jitter adds up to 10% randomness to every delay
	Jitter bool
	// Clock drives the backoff sleep
	Clock  clock.Clock
	Logger *logging.Logger
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// RetryPolicy decides whether a failed attempt is re-issued and how long to
// wait first. Delays grow as BaseDelay * 2^(attempt-1).
type RetryPolicy struct {
	config RetryConfig
	clock  clock.Clock
	logger *logging.Logger
}

// NewRetryPolicy creates a retry policy with the given configuration
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}

	return &RetryPolicy{
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
	}
}

// MaxRetries returns the retry budget
func (p *RetryPolicy) MaxRetries() int {
	return p.config.MaxRetries
}

// Delay returns the wait before retry number attempt, counting from 1
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.config.BaseDelay) * math.Pow(2, float64(attempt-1))

	if delay > float64(p.config.MaxDelay) {
		delay = float64(p.config.MaxDelay)
	}

	if p.config.Jitter {
		delay += rand.Float64() * 0.1 * delay
	}

	return time.Duration(delay)
}

// Decide reports whether the attempt that just failed with err should be
// retried, and the delay to wait. attempt counts transport attempts from 1.
// Non-idempotent calls, circuit-open rejections and cancellations are never
// retried.
func (p *RetryPolicy) Decide(attempt int, idempotent bool, err error) (bool, time.Duration) {
	if err == nil || !idempotent {
		return false, 0
	}
	if attempt > p.config.MaxRetries {
		return false, 0
	}
	if !errors.Retryable(err) {
		return false, 0
	}
	return true, p.Delay(attempt)
}

// Sleep waits for d on the policy clock, returning early with a canceled
// error when ctx is done.
func (p *RetryPolicy) Sleep(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, p.clock, d)
}

// Execute runs operation until it succeeds, returns a non-retryable error or
// the retry budget is spent. The last error is returned unchanged.
func (p *RetryPolicy) Execute(ctx context.Context, operation func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.NewCanceledError(err)
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger.Info("Operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		retry, delay := p.Decide(attempt, true, err)
		if !retry {
			return err
		}

		p.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt,
			"max_retries", p.config.MaxRetries,
			"delay", delay.String(),
		)

		if err := p.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Sleep blocks for d on c or until ctx is done. It never holds a lock.
func Sleep(ctx context.Context, c clock.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.NewCanceledError(err)
	}
	select {
	case <-ctx.Done():
		return errors.NewCanceledError(ctx.Err())
	case <-c.After(d):
		return nil
	}
}

// IsIdempotent reports whether method may be re-issued without side effects
func IsIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}
