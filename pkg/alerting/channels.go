package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/apiguard/pkg/errors"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
	"github.com/NikhilSetiya/apiguard/pkg/resilience"
)

// LoggingChannel writes alerts to the logger at their severity
type LoggingChannel struct {
	logger *logging.Logger
}

// NewLoggingChannel creates a logging notification channel
func NewLoggingChannel(logger *logging.Logger) *LoggingChannel {
	return &LoggingChannel{logger: logger}
}

// Name returns the channel name
func (lc *LoggingChannel) Name() string {
	return "log"
}

// Send logs the alert. Resolutions are logged at INFO.
func (lc *LoggingChannel) Send(ctx context.Context, alert Alert) error {
	entry := lc.logger.WithContext(ctx).WithFields(logrus.Fields{
		"alert_id":             alert.ID,
		"rule_id":              alert.RuleID,
		"severity":             string(alert.Severity),
		"value":                alert.Value,
		logging.FieldComponent: "alerting",
	})

	if alert.Resolved {
		entry.Info("Alert resolved: " + alert.Name)
		return nil
	}

	msg := "Alert fired: " + alert.Message
	switch alert.Severity {
	case SeverityCritical:
		entry.Error(msg)
	case SeverityWarning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

// Doer sends webhook requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookConfig configures a WebhookChannel
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Client  Doer
	// Retry re-delivers on transport failures, 5xx and 429
	Retry *resilience.RetryPolicy
}

// WebhookChannel posts alerts as JSON
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  Doer
	retry   *resilience.RetryPolicy
}

// WebhookPayload is the body posted for each notification
type WebhookPayload struct {
	Status string `json:"status"`
	Alert
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(config WebhookConfig) *WebhookChannel {
	if config.Client == nil {
		config.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if config.Retry == nil {
		config.Retry = resilience.NewRetryPolicy(resilience.RetryConfig{MaxRetries: 0})
	}
	return &WebhookChannel{
		url:     config.URL,
		headers: config.Headers,
		client:  config.Client,
		retry:   config.Retry,
	}
}

// Name returns the channel name
func (wc *WebhookChannel) Name() string {
	return "webhook"
}

// Send posts the alert, retrying according to the channel policy
func (wc *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	status := "firing"
	if alert.Resolved {
		status = "resolved"
	}
	payload, err := json.Marshal(WebhookPayload{Status: status, Alert: alert})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	return wc.retry.Execute(ctx, func(ctx context.Context) error {
		return wc.post(ctx, payload)
	})
}

func (wc *WebhookChannel) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, bytes.NewReader(payload))
	if err != nil {
		return errors.NewValidationError("failed to create webhook request").WithCause(err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range wc.headers {
		req.Header.Set(key, value)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCanceledError(ctx.Err())
		}
		return errors.NewTransportError("failed to send webhook notification", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if appErr := errors.FromStatus(resp.StatusCode, body); appErr != nil {
		return appErr
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}
