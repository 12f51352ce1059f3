package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// WebhookNotifier POSTs each lifecycle event to a configured URL as JSON.
// Delivery is best-effort: failures are logged and dropped, never retried,
// and never surfaced to the run.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook sink. A nil client uses
// http.DefaultClient; the engine bounds each delivery with its own timeout.
func NewWebhookNotifier(url string, client *http.Client, logger *slog.Logger) *WebhookNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookNotifier{url: url, client: client, logger: logger}
}

// Notify delivers one event.
func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("encode webhook event", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("build webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "run_id", ev.RunID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected", "run_id", ev.RunID, "status", resp.StatusCode)
	}
}
