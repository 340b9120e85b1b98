package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gridsentry/gridsentry-audit/internal/config"
	"github.com/gridsentry/gridsentry-audit/internal/models"
)

func anomalyVerdict() models.AuditVerdict {
	return models.AuditVerdict{
		ID:          "v-1",
		TelemetryID: "tel-1",
		FacilityID:  "fac-1",
		Severity:    models.SeverityAnomaly,
		Confidence:  85,
		Reasoning:   "energy reading exceeds contract",
		Flags:       []string{"CRITICAL_OVERAGE"},
		CreatedAt:   time.Date(2025, 6, 12, 14, 0, 0, 0, time.UTC),
	}
}

func TestNotifyAnomalyDelivers(t *testing.T) {
	var received models.AuditVerdict
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(config.NotifyConfig{WebhookURL: server.URL}, nil)
	if notifier == nil {
		t.Fatalf("expected a notifier for a configured URL")
	}

	if err := notifier.NotifyAnomaly(context.Background(), anomalyVerdict()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contentType != "application/json" {
		t.Fatalf("unexpected content type: %q", contentType)
	}
	if received.ID != "v-1" || received.Severity != models.SeverityAnomaly {
		t.Fatalf("webhook received wrong payload: %+v", received)
	}
}

func TestNotifyAnomalyBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(config.NotifyConfig{WebhookURL: server.URL}, nil)
	if err := notifier.NotifyAnomaly(context.Background(), anomalyVerdict()); err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}

func TestNotifyAnomalyUnreachable(t *testing.T) {
	notifier := NewWebhookNotifier(config.NotifyConfig{
		WebhookURL: "http://127.0.0.1:1",
		Timeout:    200 * time.Millisecond,
	}, nil)
	if err := notifier.NotifyAnomaly(context.Background(), anomalyVerdict()); err == nil {
		t.Fatalf("expected delivery error")
	}
}

func TestNotifierDisabledWithoutURL(t *testing.T) {
	notifier := NewWebhookNotifier(config.NotifyConfig{}, nil)
	if notifier != nil {
		t.Fatalf("expected nil notifier when no URL configured")
	}
	if err := notifier.NotifyAnomaly(context.Background(), anomalyVerdict()); err != nil {
		t.Fatalf("nil notifier must be a no-op, got %v", err)
	}
}
