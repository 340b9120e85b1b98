// Package enrich resolves the environmental context for a reading: weather
// at the facility and carbon intensity of the local grid. Lookups run in
// parallel with independent timeouts, and every failure path substitutes a
// deterministic synthetic value, so enrichment always yields a fully
// populated snapshot.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gridsentry/gridsentry-audit/internal/cache"
	"github.com/gridsentry/gridsentry-audit/internal/metrics"
	"github.com/gridsentry/gridsentry-audit/internal/models"
	"github.com/gridsentry/gridsentry-audit/internal/providers"
)

// WeatherSource describes the weather lookup used by the enricher.
type WeatherSource interface {
	GetWeather(ctx context.Context, lat, lon float64) (providers.Observation, error)
}

// GridSource describes the carbon-intensity lookup used by the enricher.
type GridSource interface {
	GetIntensity(ctx context.Context, lat, lon float64, at time.Time) (float64, error)
}

// Enricher builds ContextSnapshots with an API-or-synthetic contract: live
// values when the providers answer in time, synthetic values otherwise.
type Enricher struct {
	logger         *slog.Logger
	weather        WeatherSource
	grid           GridSource
	cache          cache.Provider
	cacheTTL       time.Duration
	weatherTimeout time.Duration
	gridTimeout    time.Duration
}

// NewEnricher constructs an Enricher. A nil cache provider disables caching.
func NewEnricher(
	logger *slog.Logger,
	weather WeatherSource,
	grid GridSource,
	cacheProvider cache.Provider,
	cacheTTL time.Duration,
	weatherTimeout, gridTimeout time.Duration,
) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if weatherTimeout <= 0 {
		weatherTimeout = 4 * time.Second
	}
	if gridTimeout <= 0 {
		gridTimeout = 4 * time.Second
	}
	return &Enricher{
		logger:         logger,
		weather:        weather,
		grid:           grid,
		cache:          cacheProvider,
		cacheTTL:       cacheTTL,
		weatherTimeout: weatherTimeout,
		gridTimeout:    gridTimeout,
	}
}

// Enrich resolves context for the location and timestamp. It never fails:
// each source that errors or times out is replaced by its synthetic value
// and marked in the snapshot's provenance.
func (e *Enricher) Enrich(ctx context.Context, loc models.Location, ts time.Time) models.ContextSnapshot {
	var (
		wg         sync.WaitGroup
		obs        providers.Observation
		weatherErr error
		intensity  float64
		gridErr    error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		obs, weatherErr = e.lookupWeather(ctx, loc, ts)
	}()
	go func() {
		defer wg.Done()
		intensity, gridErr = e.lookupGrid(ctx, loc, ts)
	}()
	wg.Wait()

	snapshot := models.ContextSnapshot{
		Provenance: models.SourceProvenance{
			Weather: models.ProvenanceAPI,
			Grid:    models.ProvenanceAPI,
		},
	}

	if weatherErr != nil {
		obs = SyntheticWeather(loc, ts)
		snapshot.Provenance.Weather = models.ProvenanceSynthetic
		metrics.ObserveContextFallback("weather")
		e.logWarn("weather lookup fell back to synthetic", weatherErr)
	}
	snapshot.TemperatureC = obs.TemperatureC
	snapshot.WeatherCondition = obs.Condition
	snapshot.HumidityPct = obs.HumidityPct

	if gridErr != nil {
		intensity = SyntheticGridIntensity(loc, ts)
		snapshot.Provenance.Grid = models.ProvenanceSynthetic
		metrics.ObserveContextFallback("grid")
		e.logWarn("grid intensity lookup fell back to synthetic", gridErr)
	}
	snapshot.GridCarbonIntensity = intensity

	return snapshot
}

func (e *Enricher) lookupWeather(ctx context.Context, loc models.Location, ts time.Time) (providers.Observation, error) {
	if e.weather == nil {
		return providers.Observation{}, providers.ErrNotConfigured
	}

	key := weatherCacheKey(loc, ts)
	if e.cacheTTL > 0 {
		if data, err := e.cache.Get(ctx, key); err == nil {
			var cached providers.Observation
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.weatherTimeout)
	defer cancel()

	obs, err := e.weather.GetWeather(ctx, loc.Lat, loc.Lon)
	if err != nil {
		return providers.Observation{}, err
	}

	if e.cacheTTL > 0 {
		if data, err := json.Marshal(obs); err == nil {
			_ = e.cache.Set(ctx, key, data, e.cacheTTL)
		}
	}
	return obs, nil
}

func (e *Enricher) lookupGrid(ctx context.Context, loc models.Location, ts time.Time) (float64, error) {
	if e.grid == nil {
		return 0, providers.ErrNotConfigured
	}

	key := gridCacheKey(loc, ts)
	if e.cacheTTL > 0 {
		if data, err := e.cache.Get(ctx, key); err == nil {
			var cached float64
			if err := json.Unmarshal(data, &cached); err == nil && cached > 0 {
				return cached, nil
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.gridTimeout)
	defer cancel()

	intensity, err := e.grid.GetIntensity(ctx, loc.Lat, loc.Lon, ts)
	if err != nil {
		return 0, err
	}

	if e.cacheTTL > 0 {
		if data, err := json.Marshal(intensity); err == nil {
			_ = e.cache.Set(ctx, key, data, e.cacheTTL)
		}
	}
	return intensity, nil
}

func (e *Enricher) logWarn(msg string, err error) {
	if errors.Is(err, providers.ErrNotConfigured) {
		e.logger.Debug(msg, slog.String("reason", "not configured"))
		return
	}
	e.logger.Warn(msg, slog.Any("error", err))
}

// Cache keys bucket by hour so nearby readings share context lookups.
func weatherCacheKey(loc models.Location, ts time.Time) string {
	return fmt.Sprintf("context:weather:%.3f:%.3f:%s", loc.Lat, loc.Lon, ts.UTC().Format("2006010215"))
}

func gridCacheKey(loc models.Location, ts time.Time) string {
	return fmt.Sprintf("context:grid:%.3f:%.3f:%s", loc.Lat, loc.Lon, ts.UTC().Format("2006010215"))
}
