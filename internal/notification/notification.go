// Package notification delivers monitor alerts to external channels.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/models"
)

const userAgent = "filegate/1.0"

// Channel defines the interface for alert notification delivery.
type Channel interface {
	Send(ctx context.Context, alert *models.Alert) error
	Type() string
}

// alertPayload is the JSON body shared by the webhook, NATS and OpenSearch
// channels.
func alertPayload(alert *models.Alert) map[string]any {
	return map[string]any{
		"alert_id":     alert.ID,
		"event_type":   alert.EventType,
		"class":        alert.Class,
		"actor":        alert.ActorKey,
		"count":        alert.Count,
		"threshold":    alert.Threshold,
		"window_ms":    alert.WindowMs,
		"severity":     alert.Severity,
		"cluster_hits": alert.ClusterHits,
		"meta":         alert.Meta,
		"triggered_at": alert.TriggeredAt.UTC().Format(time.RFC3339),
	}
}

// WebhookChannel sends alert notifications via HTTP POST.
type WebhookChannel struct {
	URL     string
	Timeout time.Duration
	client  *http.Client
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *WebhookChannel) Type() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, alert *models.Alert) error {
	return postJSON(ctx, w.client, w.URL, alertPayload(alert), "webhook")
}

// SlackChannel sends alert notifications to a Slack incoming webhook.
type SlackChannel struct {
	WebhookURL string
	Timeout    time.Duration
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		Timeout:    timeout,
		client:     &http.Client{Timeout: timeout},
	}
}

func (s *SlackChannel) Type() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert *models.Alert) error {
	payload := map[string]any{
		"text": fmt.Sprintf("Security alert: %s", alert.EventType),
		"attachments": []map[string]any{
			{
				"color": severityColor(alert.Severity),
				"fields": []map[string]any{
					{"title": "Class", "value": alert.Class, "short": true},
					{"title": "Severity", "value": alert.Severity, "short": true},
					{"title": "Actor", "value": alert.ActorKey, "short": true},
					{"title": "Events", "value": fmt.Sprintf("%d in %s", alert.Count, alert.Window), "short": true},
				},
				"footer": "filegate",
				"ts":     alert.TriggeredAt.Unix(),
			},
		},
	}
	return postJSON(ctx, s.client, s.WebhookURL, payload, "slack webhook")
}

func severityColor(severity models.Severity) string {
	switch severity {
	case models.SeverityHigh:
		return "#FF0000"
	case models.SeverityMedium:
		return "#FFA500"
	default:
		return "#808080"
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, what string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", what, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", what, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", what, resp.StatusCode)
	}
	return nil
}

// LogChannel writes alerts to the structured log.
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log-based notification channel.
func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Type() string {
	return "log"
}

func (l *LogChannel) Send(ctx context.Context, alert *models.Alert) error {
	l.logger.Security(ctx, "alert notification",
		"alert_id", alert.ID,
		logging.EventType(string(alert.EventType)),
		logging.Actor(alert.ActorKey),
		"severity", string(alert.Severity))
	return nil
}

// MultiChannel sends notifications to multiple channels. Every failed
// channel is logged and Send returns the joined errors.
type MultiChannel struct {
	channels []Channel
	logger   *logging.Logger
}

// NewMultiChannel creates a notification channel that fans out to multiple channels.
func NewMultiChannel(logger *logging.Logger, channels ...Channel) *MultiChannel {
	if logger == nil {
		logger = logging.Default()
	}
	return &MultiChannel{channels: channels, logger: logger}
}

func (m *MultiChannel) Type() string {
	return "multi"
}

// Channels returns the wrapped channels.
func (m *MultiChannel) Channels() []Channel {
	return m.channels
}

func (m *MultiChannel) Send(ctx context.Context, alert *models.Alert) error {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.Send(ctx, alert); err != nil {
			m.logger.WarnContext(ctx, "notification channel failed",
				"channel", ch.Type(),
				"alert_id", alert.ID,
				logging.Error(err))
			errs = append(errs, fmt.Errorf("%s channel failed: %w", ch.Type(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification delivery failed: %w", errors.Join(errs...))
	}
	return nil
}
