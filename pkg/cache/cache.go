// Package cache stores successful responses of idempotent outbound calls for
// a fixed time-to-live. Keys fingerprint the normalized request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Store is a response cache backend.
type Store interface {
	// Get returns the payload stored under key. Expired entries are misses.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) Stats
}

// Stats reports cache counters.
type Stats struct {
	Backend     string        `json:"backend"`
	Entries     int           `json:"entries"`
	Keys        []string      `json:"keys"`
	Hits        uint64        `json:"hits"`
	Misses      uint64        `json:"misses"`
	Evictions   uint64        `json:"evictions"`
	Expirations uint64        `json:"expirations"`
	TTL         time.Duration `json:"ttl"`
}

// HitRatio returns hits over lookups, or 0 before the first lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Response is the cached form of an HTTP response.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// EncodeResponse serializes r for storage.
func EncodeResponse(r Response) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cached response: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a payload written by EncodeResponse.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("failed to decode cached response: %w", err)
	}
	return r, nil
}

// Key returns the fingerprint of a request. The method is upper-cased, the
// scheme and host lower-cased, params are merged into the query and sorted
// by name, and a SHA-256 digest of the body is appended when present.
func Key(method, rawURL string, params map[string]string, body []byte) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(normalizeURL(rawURL, params))

	if len(body) > 0 {
		sum := sha256.Sum256(body)
		b.WriteString(" #")
		b.WriteString(hex.EncodeToString(sum[:]))
	}
	return b.String()
}

func normalizeURL(rawURL string, params map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		u = &url.URL{Path: rawURL}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	query := u.Query()
	for k, v := range params {
		query.Add(k, v)
	}
	// Encode sorts by key
	u.RawQuery = query.Encode()
	return u.String()
}
