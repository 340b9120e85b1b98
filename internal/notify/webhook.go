// Package notify delivers anomaly verdicts to external channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gridsentry/gridsentry-audit/internal/config"
	"github.com/gridsentry/gridsentry-audit/internal/models"
)

const defaultTimeout = 5 * time.Second

// WebhookNotifier posts anomaly verdicts as JSON to a configured endpoint.
// Delivery failures are reported to the caller and never affect the
// persisted verdict.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookNotifier returns nil when no webhook URL is configured, which
// disables notification entirely.
func NewWebhookNotifier(cfg config.NotifyConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg.WebhookURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookNotifier{
		url:        cfg.WebhookURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// NotifyAnomaly posts the verdict to the webhook. Safe on a nil receiver.
func (n *WebhookNotifier) NotifyAnomaly(ctx context.Context, verdict models.AuditVerdict) error {
	if n == nil {
		return nil
	}
	body, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict %s: %w", verdict.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver verdict %s: %w", verdict.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s for verdict %s", resp.Status, verdict.ID)
	}

	n.logger.Debug("anomaly notification delivered", "verdict_id", verdict.ID)
	return nil
}
