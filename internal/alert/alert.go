// Package alert delivers operational alerts to a webhook endpoint.
//
// Alerts are fire-and-forget: delivery failures are logged, never
// propagated, so a dead webhook cannot stall the write pipeline.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Arke-Institute/attestation/internal/pkg/ulid"
)

// Severity classifies how urgently an alert needs attention.
type Severity string

const (
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is the payload posted to the webhook.
type Alert struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Detail   string            `json:"detail"`
	Severity Severity          `json:"severity"`
	Service  string            `json:"service"`
	Fields   map[string]string `json:"fields,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

const serviceName = "attestation-writer"

// Alerter posts alerts to a configured webhook. A zero webhook URL
// downgrades Send to a structured log entry.
type Alerter struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an Alerter. webhookURL may be empty.
func New(webhookURL string, logger *slog.Logger) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Send delivers an alert. It never returns an error: the alert is
// logged locally and, when a webhook is configured, posted to it.
func (a *Alerter) Send(ctx context.Context, al Alert) {
	if al.ID == "" {
		al.ID = ulid.New()
	}
	if al.SentAt.IsZero() {
		al.SentAt = time.Now().UTC()
	}
	al.Service = serviceName

	a.log(al)

	if a.webhookURL == "" {
		return
	}
	if err := a.post(ctx, al); err != nil {
		a.logger.Error("failed to deliver alert webhook",
			"alert_id", al.ID,
			"title", al.Title,
			"error", err)
	}
}

func (a *Alerter) log(al Alert) {
	attrs := []any{
		"alert_id", al.ID,
		"severity", string(al.Severity),
		"detail", al.Detail,
	}
	for k, v := range al.Fields {
		attrs = append(attrs, k, v)
	}

	switch al.Severity {
	case SeverityWarn:
		a.logger.Warn(al.Title, attrs...)
	default:
		a.logger.Error(al.Title, attrs...)
	}
}

func (a *Alerter) post(ctx context.Context, al Alert) error {
	body, err := json.Marshal(al)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return &WebhookError{StatusCode: resp.StatusCode}
	}
	return nil
}

// WebhookError reports a non-2xx response from the alert webhook.
type WebhookError struct {
	StatusCode int
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.StatusCode)
}
