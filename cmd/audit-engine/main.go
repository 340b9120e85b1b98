package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridsentry/gridsentry-audit/internal/api"
	"github.com/gridsentry/gridsentry-audit/internal/cache"
	"github.com/gridsentry/gridsentry-audit/internal/config"
	"github.com/gridsentry/gridsentry-audit/internal/engine"
	"github.com/gridsentry/gridsentry-audit/internal/enrich"
	"github.com/gridsentry/gridsentry-audit/internal/ingest"
	"github.com/gridsentry/gridsentry-audit/internal/metrics"
	"github.com/gridsentry/gridsentry-audit/internal/notify"
	"github.com/gridsentry/gridsentry-audit/internal/patterns"
	"github.com/gridsentry/gridsentry-audit/internal/providers"
	"github.com/gridsentry/gridsentry-audit/internal/services"
	"github.com/gridsentry/gridsentry-audit/internal/store"
	"github.com/gridsentry/gridsentry-audit/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting gridsentry-audit", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var cacheCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("redis cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			cacheCloser = provider
		}
	}
	if cacheCloser != nil {
		defer cacheCloser.Close()
	}

	var st store.Store
	if cfg.Postgres.DSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to open postgres store", slog.Any("error", err))
			os.Exit(1)
		}
		st = pg
	} else {
		logger.Warn("no postgres DSN configured, using in-memory store")
		st = store.NewMemoryStore()
	}
	defer st.Close()

	enricher := enrich.NewEnricher(
		logger,
		providers.NewWeatherClient(cfg.Providers.Weather.BaseURL, cfg.Providers.Weather.APIKey, cfg.Providers.Weather.Timeout),
		providers.NewGridCarbonClient(cfg.Providers.Grid.BaseURL, cfg.Providers.Grid.APIKey, cfg.Providers.Grid.Timeout),
		cacheProvider,
		cfg.Cache.ContextTTL,
		cfg.Providers.Weather.Timeout,
		cfg.Providers.Grid.Timeout,
	)

	completionClient := providers.NewAIClient(
		cfg.Providers.AI.BaseURL,
		cfg.Providers.AI.APIKey,
		cfg.Providers.AI.Model,
		cfg.Providers.AI.MaxTokens,
		cfg.Providers.AI.Timeout,
	)
	aiClassifier := engine.NewAIClassifier(logger, completionClient, cfg.Providers.AI.Timeout)

	ruleEngine, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		logger.Error("failed to load rule pack", slog.Any("error", err))
		os.Exit(1)
	}

	var notifier engine.Notifier
	if webhook := notify.NewWebhookNotifier(cfg.Notify, logger); webhook != nil {
		notifier = webhook
	}

	pipeline := engine.NewPipeline(logger, enricher, aiClassifier, ruleEngine, st, notifier)

	auditService := services.NewAuditService(
		logger,
		st,
		pipeline,
		patterns.NewMiner(logger),
		cacheProvider,
		cfg.Cache.PatternsTTL,
		cfg.Audit.BaselineWindow,
	)

	server := api.NewServer(cfg.Server, auditService, logger)

	var telemetrySource *ingest.MQTTSource
	if cfg.Ingest.MQTT.Enabled && cfg.Ingest.MQTT.BrokerURL != "" {
		telemetrySource = ingest.NewMQTTSource(cfg.Ingest.MQTT, auditService, logger)
		if err := telemetrySource.Start(); err != nil {
			logger.Error("failed to start telemetry subscription", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if telemetrySource != nil {
		telemetrySource.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("gridsentry-audit stopped")
}
