package pipeline

import (
	"context"
	"sort"
	"sync"
)

// FallbackFunc produces a degraded response for an endpoint whose call
// failed. cause is the final error of the call.
type FallbackFunc func(ctx context.Context, cause error) (*Response, error)

// StaticFallback returns a fallback that always serves body with status 200
func StaticFallback(body []byte) FallbackFunc {
	return func(context.Context, error) (*Response, error) {
		data := make([]byte, len(body))
		copy(data, body)
		return &Response{StatusCode: 200, Body: data}, nil
	}
}

// HealthChecker reports whether the health monitor considers an endpoint
// unhealthy. Endpoints it does not track are healthy.
type HealthChecker interface {
	IsHealthy(endpoint string) bool
}

// Fallbacks maps endpoint keys to fallback functions
type Fallbacks struct {
	mu    sync.RWMutex
	funcs map[string]FallbackFunc
}

// NewFallbacks creates an empty registry
func NewFallbacks() *Fallbacks {
	return &Fallbacks{funcs: make(map[string]FallbackFunc)}
}

// Register sets the fallback for endpoint, replacing any previous one
func (f *Fallbacks) Register(endpoint string, fn FallbackFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[endpoint] = fn
}

// Unregister removes the fallback for endpoint
func (f *Fallbacks) Unregister(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.funcs, endpoint)
}

// Lookup returns the fallback for endpoint
func (f *Fallbacks) Lookup(endpoint string) (FallbackFunc, bool) {
	if f == nil {
		return nil, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.funcs[endpoint]
	return fn, ok
}

// Endpoints returns the sorted keys with a registered fallback
func (f *Fallbacks) Endpoints() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.funcs))
	for k := range f.funcs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
