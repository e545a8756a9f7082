package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Request describes one outbound call.
type Request struct {
	Method string
	// Path is resolved against the client base URL unless it is absolute
	Path string
	// PathTemplate names the endpoint for breaker and metrics keys, e.g.
	// "/users/:id". The URL path is used when empty.
	PathTemplate string
	Params       map[string]string
	Body         []byte
	Header       http.Header

	// Cacheable allows 2xx GET and HEAD responses to be served from and
	// written to the response cache
	Cacheable bool
	// RetryUnsafe marks a non-idempotent call as safe to retry
	RetryUnsafe  bool
	DisableRetry bool
	// BypassCache skips the cache read; a cacheable response is still stored
	BypassCache bool
	// BypassBreaker skips the breaker gate; outcomes are still recorded
	BypassBreaker bool
	// Timeout overrides the per-attempt deadline
	Timeout time.Duration
	// Fallback overrides the registered fallback for this call
	Fallback FallbackFunc
	// DisableFallback surfaces the final error even for unhealthy endpoints
	DisableFallback bool
}

// NewRequest returns a request for method and path.
func NewRequest(method, path string) *Request {
	return &Request{Method: method, Path: path}
}

// Get returns a cacheable GET request for path.
func Get(path string) *Request {
	return &Request{Method: http.MethodGet, Path: path, Cacheable: true}
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// EndpointKey returns METHOD + " " + the path template, or the path without
// its query when no template is set. Relative paths are keyed with a leading
// slash.
func EndpointKey(method, path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") && !strings.Contains(path, "://") {
		path = "/" + path
	}
	return strings.ToUpper(method) + " " + path
}

// ParseEndpoint splits an endpoint key such as "GET /health" into method and
// path. A bare path defaults to GET.
func ParseEndpoint(endpoint string) (string, string, error) {
	fields := strings.Fields(endpoint)
	switch len(fields) {
	case 1:
		if !strings.HasPrefix(fields[0], "/") && !strings.Contains(fields[0], "://") {
			return "", "", fmt.Errorf("invalid endpoint %q", endpoint)
		}
		return http.MethodGet, fields[0], nil
	case 2:
		return strings.ToUpper(fields[0]), fields[1], nil
	default:
		return "", "", fmt.Errorf("invalid endpoint %q", endpoint)
	}
}

// Response is the result of a call.
type Response struct {
	StatusCode int           `json:"status_code"`
	Header     http.Header   `json:"header,omitempty"`
	Body       []byte        `json:"body"`
	FromCache  bool          `json:"from_cache"`
	Fallback   bool          `json:"fallback"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
}

// JSON decodes the response body into v.
func (r *Response) JSON(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}
