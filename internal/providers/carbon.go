package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GridCarbonClient wraps the grid carbon-intensity lookup service.
type GridCarbonClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewGridCarbonClient constructs a client targeting the configured grid data service.
func NewGridCarbonClient(baseURL, apiKey string, timeout time.Duration) *GridCarbonClient {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &GridCarbonClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether the client has an endpoint and credential.
func (c *GridCarbonClient) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiKey != ""
}

// GetIntensity fetches the grid carbon intensity in g CO2/kWh for the
// coordinates at the given time.
func (c *GridCarbonClient) GetIntensity(ctx context.Context, lat, lon float64, at time.Time) (float64, error) {
	if !c.Configured() {
		return 0, ErrNotConfigured
	}

	query := url.Values{}
	query.Set("lat", strconv.FormatFloat(lat, 'f', 4, 64))
	query.Set("lon", strconv.FormatFloat(lon, 'f', 4, 64))
	query.Set("at", at.UTC().Format(time.RFC3339))
	endpoint := c.baseURL + "/v1/carbon?" + query.Encode()

	var response struct {
		CarbonIntensity float64 `json:"carbon_intensity"`
	}
	headers := map[string]string{"X-Api-Key": c.apiKey}
	if err := getJSON(ctx, c.httpClient, endpoint, headers, &response); err != nil {
		return 0, fmt.Errorf("grid intensity request failed: %w", err)
	}
	if response.CarbonIntensity <= 0 {
		return 0, fmt.Errorf("grid intensity response out of range: %f", response.CarbonIntensity)
	}

	return response.CarbonIntensity, nil
}
