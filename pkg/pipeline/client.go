// Package pipeline is the single entry point for outbound calls. Every call
// passes the circuit breaker gate, the response cache, the transport and the
// retry loop, and its outcome is recorded in the breaker registry, the
// telemetry store, Prometheus, the trace and the log.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/NikhilSetiya/apiguard/pkg/cache"
	"github.com/NikhilSetiya/apiguard/pkg/clock"
	"github.com/NikhilSetiya/apiguard/pkg/errors"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
	"github.com/NikhilSetiya/apiguard/pkg/metrics"
	"github.com/NikhilSetiya/apiguard/pkg/resilience"
	"github.com/NikhilSetiya/apiguard/pkg/telemetry"
	"github.com/NikhilSetiya/apiguard/pkg/tracing"
)

// DefaultTimeout is the per-attempt deadline when none is configured
const DefaultTimeout = 10 * time.Second

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config wires a Client to its collaborators. Nil collaborators get working
// defaults; Metrics may stay nil.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Doer        Doer
	Cache       cache.Store
	Breakers    *resilience.Registry
	Retry       *resilience.RetryPolicy
	Telemetry   *telemetry.Store
	Metrics     *metrics.Metrics
	Tracing     *tracing.TracingService
	Credentials CredentialStore
	Health      HealthChecker
	Fallbacks   *Fallbacks
	Limiter     *rate.Limiter
	Clock       clock.Clock
	Logger      *logging.Logger
}

// Client executes outbound calls
type Client struct {
	baseURL     *url.URL
	timeout     time.Duration
	doer        Doer
	cache       cache.Store
	breakers    *resilience.Registry
	retry       *resilience.RetryPolicy
	telemetry   *telemetry.Store
	metrics     *metrics.Metrics
	tracing     *tracing.TracingService
	credentials CredentialStore
	health      HealthChecker
	fallbacks   *Fallbacks
	limiter     *rate.Limiter
	clock       clock.Clock
	logger      *logging.Logger
}

// New creates a client. It fails only when BaseURL cannot be parsed.
func New(cfg Config) (*Client, error) {
	var base *url.URL
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid base URL %q", cfg.BaseURL))
		}
		base = u
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Doer == nil {
		cfg.Doer = &http.Client{}
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemory(cache.MemoryConfig{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewRegistry(resilience.RegistryConfig{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.Retry == nil {
		rc := resilience.DefaultRetryConfig()
		rc.Clock = cfg.Clock
		rc.Logger = cfg.Logger
		cfg.Retry = resilience.NewRetryPolicy(rc)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.NewStore(telemetry.StoreConfig{Clock: cfg.Clock})
	}
	if cfg.Tracing == nil {
		// A disabled tracing config never fails
		cfg.Tracing, _ = tracing.NewTracingService(nil)
	}
	if cfg.Fallbacks == nil {
		cfg.Fallbacks = NewFallbacks()
	}

	return &Client{
		baseURL:     base,
		timeout:     cfg.Timeout,
		doer:        cfg.Doer,
		cache:       cfg.Cache,
		breakers:    cfg.Breakers,
		retry:       cfg.Retry,
		telemetry:   cfg.Telemetry,
		metrics:     cfg.Metrics,
		tracing:     cfg.Tracing,
		credentials: cfg.Credentials,
		health:      cfg.Health,
		fallbacks:   cfg.Fallbacks,
		limiter:     cfg.Limiter,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}, nil
}

// SetHealthChecker installs the checker consulted before serving fallbacks.
// It must be called before the client is shared.
func (c *Client) SetHealthChecker(h HealthChecker) {
	c.health = h
}

// Breakers returns the breaker registry
func (c *Client) Breakers() *resilience.Registry {
	return c.breakers
}

// Cache returns the response cache
func (c *Client) Cache() cache.Store {
	return c.cache
}

// Fallbacks returns the fallback registry
func (c *Client) Fallbacks() *Fallbacks {
	return c.fallbacks
}

// call carries the per-call values shared by the pipeline steps
type call struct {
	req        *Request
	method     string
	target     *url.URL
	endpoint   string
	idempotent bool
	cacheable  bool
	cacheKey   string
	attempts   int
}

// Do runs req through the pipeline. The returned error is an *errors.AppError
// describing the final outcome after retries; intermediate failures are only
// logged.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	start := c.clock.Now()
	if req == nil {
		return nil, errors.NewValidationError("request is nil")
	}

	cl, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, _ = logging.EnsureCorrelationID(ctx)
	ctx, span := c.tracing.StartClientSpan(ctx, cl.method, cl.endpoint)
	ctx = tracing.WithTraceContext(ctx)

	resp, err := c.execute(ctx, cl)
	if err != nil {
		if fb := c.fallback(ctx, cl, err); fb != nil {
			resp, err = fb, nil
		}
	}

	duration := c.clock.Now().Sub(start)
	if resp != nil {
		resp.Duration = duration
		resp.Attempts = cl.attempts
	}
	c.finish(ctx, cl, resp, err, duration)
	c.tracing.EndClientSpan(span, statusOf(resp, err), cl.attempts, resp != nil && resp.FromCache, err)

	return resp, err
}

func (c *Client) prepare(req *Request) (*call, error) {
	method := req.method()
	target, err := c.resolve(req.Path, req.Params)
	if err != nil {
		return nil, err
	}

	// Relative paths key on what the caller passed, not the base URL prefix
	path := req.PathTemplate
	if path == "" {
		path = req.Path
		if strings.Contains(path, "://") {
			path = target.Path
		}
	}

	cl := &call{
		req:        req,
		method:     method,
		target:     target,
		endpoint:   EndpointKey(method, path),
		idempotent: req.RetryUnsafe || resilience.IsIdempotent(method),
		cacheable:  req.Cacheable && (method == http.MethodGet || method == http.MethodHead),
	}
	if cl.cacheable {
		cl.cacheKey = cache.Key(method, target.String(), nil, req.Body)
	}
	return cl, nil
}

// resolve joins path onto the base URL and merges params into the query
func (c *Client) resolve(path string, params map[string]string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid request path %q", path)).WithCause(err)
	}

	target := ref
	if !ref.IsAbs() {
		if c.baseURL == nil {
			return nil, errors.NewValidationError(fmt.Sprintf("relative path %q requires a base URL", path))
		}
		base := *c.baseURL
		base.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
		base.RawPath = ""
		base.RawQuery = ref.RawQuery
		base.Fragment = ""
		target = &base
	}

	if len(params) > 0 {
		query := target.Query()
		for k, v := range params {
			query.Set(k, v)
		}
		target.RawQuery = query.Encode()
	}
	return target, nil
}

func (c *Client) execute(ctx context.Context, cl *call) (*Response, error) {
	if !cl.req.BypassBreaker {
		if err := c.breakers.Allow(cl.endpoint); err != nil {
			c.metrics.RecordBreakerRejection(cl.endpoint)
			return nil, err
		}
	}

	if cl.cacheable && !cl.req.BypassCache {
		if resp := c.lookup(ctx, cl); resp != nil {
			return resp, nil
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		// The breaker may have opened while this call was backing off
		if attempt > 1 && !cl.req.BypassBreaker {
			if err := c.breakers.Allow(cl.endpoint); err != nil {
				c.metrics.RecordBreakerRejection(cl.endpoint)
				if appErr, ok := err.(*errors.AppError); ok {
					return nil, appErr.WithCause(lastErr)
				}
				return nil, err
			}
		}

		cl.attempts = attempt
		resp, err := c.attempt(ctx, cl, attempt)
		c.recordBreaker(cl.endpoint, err)

		if err == nil {
			if cl.cacheable {
				c.store(ctx, cl, resp)
			}
			return resp, nil
		}
		lastErr = err

		if errors.IsType(err, errors.ErrorTypeCanceled) || cl.req.DisableRetry {
			return nil, err
		}

		retry, delay := c.retry.Decide(attempt, cl.idempotent, err)
		if !retry {
			return nil, err
		}

		c.logger.WithContext(ctx).WithFields(map[string]interface{}{
			logging.FieldEndpoint:   cl.endpoint,
			logging.FieldMethod:     cl.method,
			logging.FieldStatusCode: errors.GetStatusCode(err),
			logging.FieldAttempt:    attempt,
			logging.FieldError:      err.Error(),
			"delay_ms":              delay.Milliseconds(),
		}).Warn("Outbound attempt failed, retrying")
		c.metrics.RecordRetry(cl.endpoint)
		c.telemetry.RecordMetric(telemetry.MetricRetry, float64(attempt), map[string]string{
			telemetry.TagEndpoint: cl.endpoint,
			telemetry.TagMethod:   cl.method,
		})

		if err := c.retry.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// attempt performs one transport call with its own deadline
func (c *Client) attempt(ctx context.Context, cl *call, attempt int) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, errors.NewCanceledError(ctx.Err())
			}
			return nil, errors.NewAppError(errors.ErrorTypeInternal, "RATE_LIMITER", "client rate limiter rejected the call").
				WithCause(err).WithEndpoint(cl.method, cl.endpoint)
		}
	}

	timeout := cl.req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.newHTTPRequest(attemptCtx, cl)
	if err != nil {
		return nil, err
	}

	start := c.clock.Now()
	httpResp, err := c.doer.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, cl, attempt, start, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, c.transportError(ctx, cl, attempt, start, err)
	}
	c.recordAttempt(cl, attempt, httpResp.StatusCode, c.clock.Now().Sub(start))

	if appErr := errors.FromStatus(httpResp.StatusCode, body); appErr != nil {
		return nil, appErr.WithEndpoint(cl.method, cl.endpoint)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
	}, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, cl *call) (*http.Request, error) {
	var body io.Reader
	if len(cl.req.Body) > 0 {
		body = bytes.NewReader(cl.req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, cl.method, cl.target.String(), body)
	if err != nil {
		return nil, errors.NewValidationError("failed to create request").WithCause(err)
	}

	for key, values := range cl.req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if id := logging.GetCorrelationID(ctx); id != "" {
		httpReq.Header.Set("X-Correlation-ID", id)
	}
	c.tracing.InjectHeaders(ctx, httpReq.Header)

	if c.credentials != nil && httpReq.Header.Get("Authorization") == "" {
		token, err := c.credentials.Token(ctx)
		if err != nil {
			return nil, errors.NewAppError(errors.ErrorTypeInternal, "CREDENTIALS_UNAVAILABLE", "failed to obtain credentials").
				WithCause(err).WithEndpoint(cl.method, cl.endpoint)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return httpReq, nil
}

// transportError classifies a failed round trip. Cancellation of the caller
// context is reported as canceled; everything else, including the attempt
// deadline, is a transport failure.
func (c *Client) transportError(ctx context.Context, cl *call, attempt int, start time.Time, err error) error {
	if ctx.Err() != nil {
		return errors.NewCanceledError(ctx.Err())
	}
	c.recordAttempt(cl, attempt, 0, c.clock.Now().Sub(start))
	return errors.NewTransportError("request failed", err).WithEndpoint(cl.method, cl.endpoint)
}

// recordBreaker feeds an attempt outcome to the breaker. 5xx and transport
// failures count; 408 and 429 are neutral; any other answer from the endpoint
// resets the counter. Canceled and local failures are not recorded.
func (c *Client) recordBreaker(endpoint string, err error) {
	switch {
	case err == nil:
		c.breakers.RecordSuccess(endpoint)
	case errors.CountsAsBreakerFailure(err):
		c.breakers.RecordFailure(endpoint)
	case errors.IsType(err, errors.ErrorTypeClient):
		c.breakers.RecordSuccess(endpoint)
	}
}

func (c *Client) recordAttempt(cl *call, attempt, status int, d time.Duration) {
	c.metrics.RecordAttempt(cl.endpoint, status)
	c.telemetry.RecordMetric(telemetry.MetricAttemptDuration, millis(d), map[string]string{
		telemetry.TagEndpoint: cl.endpoint,
		telemetry.TagMethod:   cl.method,
		telemetry.TagStatus:   strconv.Itoa(status),
		"attempt":             strconv.Itoa(attempt),
	})
}

func (c *Client) lookup(ctx context.Context, cl *call) *Response {
	tags := map[string]string{telemetry.TagEndpoint: cl.endpoint, telemetry.TagMethod: cl.method}

	data, ok, err := c.cache.Get(ctx, cl.cacheKey)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField(logging.FieldEndpoint, cl.endpoint).
			Warn("Cache read failed, calling upstream")
		ok = false
	}
	if ok {
		cached, err := cache.DecodeResponse(data)
		if err == nil {
			c.metrics.RecordCacheOperation("get", "hit")
			c.telemetry.RecordMetric(telemetry.MetricCacheHit, 1, tags)
			return &Response{
				StatusCode: cached.StatusCode,
				Header:     cached.Header,
				Body:       cached.Body,
				FromCache:  true,
			}
		}
		c.logger.WithContext(ctx).WithError(err).Warn("Dropping undecodable cache entry")
		_ = c.cache.Delete(ctx, cl.cacheKey)
	}

	c.metrics.RecordCacheOperation("get", "miss")
	c.telemetry.RecordMetric(telemetry.MetricCacheMiss, 1, tags)
	return nil
}

func (c *Client) store(ctx context.Context, cl *call, resp *Response) {
	data, err := cache.EncodeResponse(cache.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		StoredAt:   c.clock.Now(),
	})
	if err == nil {
		err = c.cache.Set(ctx, cl.cacheKey, data)
	}
	if err != nil {
		c.metrics.RecordCacheOperation("set", "error")
		c.logger.WithContext(ctx).WithError(err).WithField(logging.FieldEndpoint, cl.endpoint).
			Warn("Cache write failed")
		return
	}
	c.metrics.RecordCacheOperation("set", "ok")
}

// fallback returns a degraded response when the endpoint has one and the
// health monitor already reports it unhealthy
func (c *Client) fallback(ctx context.Context, cl *call, cause error) *Response {
	if cl.req.DisableFallback || c.health == nil || errors.IsType(cause, errors.ErrorTypeCanceled) {
		return nil
	}
	fn := cl.req.Fallback
	if fn == nil {
		fn, _ = c.fallbacks.Lookup(cl.endpoint)
	}
	if fn == nil || c.health.IsHealthy(cl.endpoint) {
		return nil
	}

	resp, err := fn(ctx, cause)
	if err != nil || resp == nil {
		c.logger.WithContext(ctx).WithField(logging.FieldEndpoint, cl.endpoint).
			WithField(logging.FieldError, fmt.Sprint(err)).Error("Fallback failed")
		return nil
	}
	resp.Fallback = true

	c.metrics.RecordFallback(cl.endpoint)
	c.logger.WithContext(ctx).WithFields(map[string]interface{}{
		logging.FieldEndpoint: cl.endpoint,
		logging.FieldMethod:   cl.method,
		logging.FieldError:    cause.Error(),
	}).Warn("Serving fallback response for unhealthy endpoint")
	return resp
}

// finish records the duration and outcome of a call on every path
func (c *Client) finish(ctx context.Context, cl *call, resp *Response, err error, d time.Duration) {
	status := statusOf(resp, err)
	fromCache := resp != nil && resp.FromCache

	c.telemetry.RecordMetric(telemetry.MetricRequestDuration, millis(d), map[string]string{
		telemetry.TagEndpoint: cl.endpoint,
		telemetry.TagMethod:   cl.method,
		telemetry.TagStatus:   strconv.Itoa(status),
		telemetry.TagSuccess:  strconv.FormatBool(err == nil),
		telemetry.TagCached:   strconv.FormatBool(fromCache),
	})
	c.metrics.RecordOutboundRequest(cl.endpoint, outcomeOf(resp, err), d)

	c.logger.LogOutboundCall(ctx, logging.OutboundCall{
		Method:     cl.method,
		Endpoint:   cl.endpoint,
		StatusCode: status,
		Duration:   d,
		Attempts:   cl.attempts,
		FromCache:  fromCache,
		Err:        err,
	})
}

func statusOf(resp *Response, err error) int {
	if resp != nil {
		return resp.StatusCode
	}
	return errors.GetStatusCode(err)
}

func outcomeOf(resp *Response, err error) string {
	switch {
	case err != nil && errors.IsCircuitOpen(err):
		return "circuit_open"
	case err != nil:
		return "error"
	case resp.Fallback:
		return "fallback"
	case resp.FromCache:
		return "cache_hit"
	default:
		return "success"
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
