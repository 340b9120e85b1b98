package providers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestGetIntensityParsesResponse(t *testing.T) {
	at := time.Date(2025, 6, 1, 19, 30, 0, 0, time.UTC)
	client := NewGridCarbonClient("https://grid.example.com", "key-456", time.Second)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/carbon" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if got := req.URL.Query().Get("at"); got != "2025-06-01T19:30:00Z" {
			t.Fatalf("unexpected at query: %s", got)
		}
		body := `{"carbon_intensity": 612.4}`
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte(body))),
			Header:     make(http.Header),
		}, nil
	}))

	intensity, err := client.GetIntensity(context.Background(), 51.5, -0.12, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intensity != 612.4 {
		t.Fatalf("unexpected intensity: %f", intensity)
	}
}

func TestGetIntensityRejectsNonPositive(t *testing.T) {
	client := NewGridCarbonClient("https://grid.example.com", "key", time.Second)
	client.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte(`{"carbon_intensity": 0}`))),
			Header:     make(http.Header),
		}, nil
	}))

	if _, err := client.GetIntensity(context.Background(), 1, 2, time.Now()); err == nil {
		t.Fatal("expected error for non-positive intensity")
	}
}

func TestGetIntensityUnconfigured(t *testing.T) {
	client := NewGridCarbonClient("https://grid.example.com", "", time.Second)
	if _, err := client.GetIntensity(context.Background(), 1, 2, time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
