package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AIClient wraps the text-completion classification service.
type AIClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewAIClient constructs a client targeting the configured completion service.
func NewAIClient(baseURL, apiKey, model string, maxTokens int, timeout time.Duration) *AIClient {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &AIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether the client has an endpoint and credential.
func (c *AIClient) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiKey != ""
}

// Complete sends the prompt and returns the raw completion text.
func (c *AIClient) Complete(ctx context.Context, prompt string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	payload := map[string]any{
		"model":      c.model,
		"prompt":     prompt,
		"max_tokens": c.maxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ai/complete", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion service returned %s", resp.Status)
	}

	var response struct {
		Completion string `json:"completion"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(response.Completion) == "" {
		return "", fmt.Errorf("completion response empty")
	}

	return response.Completion, nil
}
