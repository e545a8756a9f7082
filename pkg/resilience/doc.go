// Package resilience provides the per-endpoint circuit breaker registry and
// the retry policy used by the request pipeline.
//
// # Circuit Breaker Registry
//
// One breaker exists per endpoint key ("METHOD /path/template"), created on
// the first recorded failure. A closed breaker opens once its failure count
// reaches the threshold; while open every gate check fails fast with a
// circuit_open error. Once the timeout has elapsed since the last failure,
// the next gate check moves it to half-open and lets calls through. A
// success closes it, a failure reopens it.
//
//	breakers := resilience.NewRegistry(resilience.RegistryConfig{
//		Threshold: 5,
//		Timeout:   60 * time.Second,
//	})
//
//	if err := breakers.Allow("GET /users/:id"); err != nil {
//		return err // errors.IsCircuitOpen(err) is true
//	}
//
// Only transport failures and 5xx responses should be passed to
// RecordFailure. Cancellation never counts.
//
// # Retry with Exponential Backoff
//
// The retry policy re-issues retryable failures (transport errors, 5xx, 408
// and 429) of idempotent calls after BaseDelay * 2^(attempt-1), capped at
// MaxDelay:
//
//	policy := resilience.NewRetryPolicy(resilience.DefaultRetryConfig())
//	err := policy.Execute(ctx, func(ctx context.Context) error {
//		return deliver(ctx)
//	})
//
// Backoff sleeps go through an injectable clock and return early when the
// context is canceled.
package resilience
