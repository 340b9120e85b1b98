package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/gridsentry/gridsentry-audit/internal/cache"
	"github.com/gridsentry/gridsentry-audit/internal/models"
	"github.com/gridsentry/gridsentry-audit/internal/providers"
)

type stubWeather struct {
	obs   providers.Observation
	err   error
	calls int
}

func (s *stubWeather) GetWeather(context.Context, float64, float64) (providers.Observation, error) {
	s.calls++
	return s.obs, s.err
}

type stubGrid struct {
	intensity float64
	err       error
	calls     int
}

func (s *stubGrid) GetIntensity(context.Context, float64, float64, time.Time) (float64, error) {
	s.calls++
	return s.intensity, s.err
}

type slowWeather struct{ delay time.Duration }

func (s slowWeather) GetWeather(ctx context.Context, _, _ float64) (providers.Observation, error) {
	select {
	case <-time.After(s.delay):
		return providers.Observation{TemperatureC: 20, Condition: "sunny", HumidityPct: 50}, nil
	case <-ctx.Done():
		return providers.Observation{}, ctx.Err()
	}
}

var testLocation = models.Location{Lat: 40.71, Lon: -74.0}

func TestEnrichLiveSources(t *testing.T) {
	weather := &stubWeather{obs: providers.Observation{TemperatureC: 27.5, Condition: "cloudy", HumidityPct: 61}}
	grid := &stubGrid{intensity: 540}
	e := NewEnricher(nil, weather, grid, nil, 0, time.Second, time.Second)

	snap := e.Enrich(context.Background(), testLocation, time.Now())

	if snap.Provenance.Weather != models.ProvenanceAPI || snap.Provenance.Grid != models.ProvenanceAPI {
		t.Fatalf("expected api provenance, got %+v", snap.Provenance)
	}
	if snap.TemperatureC != 27.5 || snap.WeatherCondition != "cloudy" {
		t.Fatalf("unexpected weather fields: %+v", snap)
	}
	if snap.GridCarbonIntensity != 540 {
		t.Fatalf("unexpected intensity: %f", snap.GridCarbonIntensity)
	}
}

func TestEnrichAllSourcesFailing(t *testing.T) {
	weather := &stubWeather{err: providers.ErrNotConfigured}
	grid := &stubGrid{err: providers.ErrNotConfigured}
	e := NewEnricher(nil, weather, grid, nil, 0, time.Second, time.Second)

	snap := e.Enrich(context.Background(), testLocation, time.Unix(1_750_000_000, 0))

	if snap.Provenance.Weather != models.ProvenanceSynthetic || snap.Provenance.Grid != models.ProvenanceSynthetic {
		t.Fatalf("expected synthetic provenance, got %+v", snap.Provenance)
	}
	if snap.WeatherCondition == "" {
		t.Fatal("weather condition left empty")
	}
	if snap.HumidityPct <= 0 {
		t.Fatalf("humidity not populated: %f", snap.HumidityPct)
	}
	if snap.GridCarbonIntensity <= 0 {
		t.Fatalf("grid intensity not populated: %f", snap.GridCarbonIntensity)
	}
}

func TestEnrichMixedProvenance(t *testing.T) {
	weather := slowWeather{delay: 500 * time.Millisecond}
	grid := &stubGrid{intensity: 480}
	e := NewEnricher(nil, weather, grid, nil, 0, 10*time.Millisecond, time.Second)

	snap := e.Enrich(context.Background(), testLocation, time.Now())

	if snap.Provenance.Weather != models.ProvenanceSynthetic {
		t.Fatalf("expected weather timeout to yield synthetic, got %s", snap.Provenance.Weather)
	}
	if snap.Provenance.Grid != models.ProvenanceAPI {
		t.Fatalf("expected grid api provenance, got %s", snap.Provenance.Grid)
	}
	if snap.GridCarbonIntensity != 480 {
		t.Fatalf("unexpected intensity: %f", snap.GridCarbonIntensity)
	}
}

func TestEnrichCachesLiveLookups(t *testing.T) {
	weather := &stubWeather{obs: providers.Observation{TemperatureC: 18, Condition: "rainy", HumidityPct: 80}}
	grid := &stubGrid{intensity: 395}
	e := NewEnricher(nil, weather, grid, cache.NewMemoryProvider(), time.Minute, time.Second, time.Second)

	ts := time.Date(2025, 3, 10, 14, 5, 0, 0, time.UTC)
	first := e.Enrich(context.Background(), testLocation, ts)
	second := e.Enrich(context.Background(), testLocation, ts.Add(10*time.Minute))

	if weather.calls != 1 || grid.calls != 1 {
		t.Fatalf("expected one live lookup per source, got weather=%d grid=%d", weather.calls, grid.calls)
	}
	if second.TemperatureC != first.TemperatureC || second.GridCarbonIntensity != first.GridCarbonIntensity {
		t.Fatalf("cached snapshot diverged: %+v vs %+v", first, second)
	}
	if second.Provenance.Weather != models.ProvenanceAPI {
		t.Fatalf("cached value should keep api provenance, got %s", second.Provenance.Weather)
	}
}

func TestEnrichNilSources(t *testing.T) {
	e := NewEnricher(nil, nil, nil, nil, 0, time.Second, time.Second)
	snap := e.Enrich(context.Background(), testLocation, time.Now())
	if snap.Provenance.Weather != models.ProvenanceSynthetic || snap.Provenance.Grid != models.ProvenanceSynthetic {
		t.Fatalf("expected synthetic provenance with nil sources, got %+v", snap.Provenance)
	}
}
