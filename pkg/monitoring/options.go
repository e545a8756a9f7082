package monitoring

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NikhilSetiya/apiguard/pkg/alerting"
	"github.com/NikhilSetiya/apiguard/pkg/cache"
	"github.com/NikhilSetiya/apiguard/pkg/clock"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
	"github.com/NikhilSetiya/apiguard/pkg/pipeline"
)

// Option customizes New
type Option func(*options)

type options struct {
	doer        pipeline.Doer
	clock       clock.Clock
	cache       cache.Store
	channels    []alerting.NotificationChannel
	credentials pipeline.CredentialStore
	clipboard   ClipboardWriter
	logger      *logging.Logger
	registry    *prometheus.Registry
}

// WithTransport replaces the HTTP transport used for outbound calls
func WithTransport(doer pipeline.Doer) Option {
	return func(o *options) { o.doer = doer }
}

// WithClock drives every component from c
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithCache uses store instead of the backend named by the configuration
func WithCache(store cache.Store) Option {
	return func(o *options) { o.cache = store }
}

// WithNotificationChannel adds an alert notification channel
func WithNotificationChannel(ch alerting.NotificationChannel) Option {
	return func(o *options) { o.channels = append(o.channels, ch) }
}

// WithCredentials overrides the token source configured by API_TOKEN or the
// OAuth2 settings
func WithCredentials(store pipeline.CredentialStore) Option {
	return func(o *options) { o.credentials = store }
}

// WithClipboard sets the destination of CopyLogs
func WithClipboard(cw ClipboardWriter) Option {
	return func(o *options) { o.clipboard = cw }
}

// WithLogger uses logger instead of building one from the configuration. The
// telemetry log hook is added to it.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegistry registers the Prometheus collectors on registry
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// ClipboardWriter receives exported log text
type ClipboardWriter interface {
	WriteText(ctx context.Context, text string) error
}

// WriterClipboard writes the text to an io.Writer, such as a terminal
type WriterClipboard struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterClipboard returns a ClipboardWriter backed by w
func NewWriterClipboard(w io.Writer) *WriterClipboard {
	return &WriterClipboard{w: w}
}

// WriteText implements ClipboardWriter
func (c *WriterClipboard) WriteText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, text); err != nil {
		return fmt.Errorf("failed to write clipboard text: %w", err)
	}
	return nil
}
