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

// Observation is the weather state at a facility's location.
type Observation struct {
	TemperatureC float64
	Condition    string
	HumidityPct  float64
}

// WeatherClient wraps the weather lookup service.
type WeatherClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewWeatherClient constructs a client targeting the configured weather service.
func NewWeatherClient(baseURL, apiKey string, timeout time.Duration) *WeatherClient {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &WeatherClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether the client has an endpoint and credential.
func (c *WeatherClient) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiKey != ""
}

// GetWeather fetches the current observation for the coordinates.
func (c *WeatherClient) GetWeather(ctx context.Context, lat, lon float64) (Observation, error) {
	if !c.Configured() {
		return Observation{}, ErrNotConfigured
	}

	query := url.Values{}
	query.Set("lat", strconv.FormatFloat(lat, 'f', 4, 64))
	query.Set("lon", strconv.FormatFloat(lon, 'f', 4, 64))
	endpoint := c.baseURL + "/v1/weather?" + query.Encode()

	var response struct {
		TemperatureC float64 `json:"temperature_c"`
		Condition    string  `json:"condition"`
		HumidityPct  float64 `json:"humidity_pct"`
	}
	headers := map[string]string{"X-Api-Key": c.apiKey}
	if err := getJSON(ctx, c.httpClient, endpoint, headers, &response); err != nil {
		return Observation{}, fmt.Errorf("weather request failed: %w", err)
	}
	if response.Condition == "" {
		return Observation{}, fmt.Errorf("weather response missing condition")
	}

	return Observation{
		TemperatureC: response.TemperatureC,
		Condition:    strings.ToLower(response.Condition),
		HumidityPct:  response.HumidityPct,
	}, nil
}
