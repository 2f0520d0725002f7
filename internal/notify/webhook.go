package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookDispatcher POSTs notifications as JSON to a configured endpoint.
type WebhookDispatcher struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

type webhookPayload struct {
	Target    string            `json:"target"`
	Message   string            `json:"message"`
	Severity  string            `json:"severity"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewWebhookDispatcher creates a webhook-backed dispatcher.
func NewWebhookDispatcher(url string, logger *zap.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Send fires the webhook in the background. The caller is never blocked
// on delivery.
func (d *WebhookDispatcher) Send(ctx context.Context, target, message, severity string, metadata map[string]string) {
	payload, err := json.Marshal(webhookPayload{
		Target:    target,
		Message:   message,
		Severity:  severity,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		d.logger.Error("marshal webhook payload", zap.Error(err))
		return
	}

	go func() {
		// Detach from the caller's context; the notification should
		// outlive the request that triggered it.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
		if err != nil {
			d.logger.Error("build webhook request", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Warn("webhook delivery failed",
				zap.String("target", target),
				zap.Error(err))
			return
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 300 {
			d.logger.Warn("webhook rejected",
				zap.String("target", target),
				zap.Int("status", resp.StatusCode))
		}
	}()
}
