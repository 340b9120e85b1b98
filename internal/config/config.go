package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the audit engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Cache     CacheConfig     `yaml:"cache"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
	Rules     RulesConfig     `yaml:"rules"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ServerConfig controls the HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ProvidersConfig groups the outbound context and classification services.
type ProvidersConfig struct {
	Weather ProviderConfig   `yaml:"weather"`
	Grid    ProviderConfig   `yaml:"grid"`
	AI      AIProviderConfig `yaml:"ai"`
}

// ProviderConfig configures one context lookup endpoint. An empty BaseURL
// or APIKey leaves the provider unconfigured, which routes every lookup to
// the synthetic fallback.
type ProviderConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

// AIProviderConfig configures the text-completion classification service.
type AIProviderConfig struct {
	BaseURL   string        `yaml:"baseURL"`
	APIKey    string        `yaml:"apiKey"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"maxTokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// PostgresConfig configures verdict and telemetry persistence. An empty DSN
// selects the in-memory store.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// CacheConfig controls Redis-backed caching of context lookups.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	ContextTTL   time.Duration `yaml:"contextTTL"`
	PatternsTTL  time.Duration `yaml:"patternsTTL"`
}

// IngestConfig controls the optional MQTT telemetry source.
type IngestConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the broker subscription for meter readings.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"brokerURL"`
	ClientID  string `yaml:"clientID"`
	Topic     string `yaml:"topic"`
	QoS       byte   `yaml:"qos"`
}

// NotifyConfig controls anomaly notifications. An empty WebhookURL disables
// the notifier.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig controls rule-pack loading for reviewer guidance.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig tunes pipeline behaviour.
type AuditConfig struct {
	BaselineWindow int `yaml:"baselineWindow"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GRIDSENTRY_AUDIT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Providers: ProvidersConfig{
			Weather: ProviderConfig{Timeout: 4 * time.Second},
			Grid:    ProviderConfig{Timeout: 4 * time.Second},
			AI: AIProviderConfig{
				Model:     "grid-audit-classifier-v2",
				MaxTokens: 512,
				Timeout:   12 * time.Second,
			},
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			ContextTTL:   10 * time.Minute,
			PatternsTTL:  5 * time.Minute,
		},
		Ingest: IngestConfig{
			MQTT: MQTTConfig{
				Enabled:  false,
				ClientID: "gridsentry-audit",
				Topic:    "facilities/+/readings",
				QoS:      1,
			},
		},
		Notify:  NotifyConfig{Timeout: 5 * time.Second},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Rules:   RulesConfig{Path: "configs/rules/default.yaml"},
		Audit:   AuditConfig{BaselineWindow: 24},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRIDSENTRY_AUDIT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("GRIDSENTRY_WEATHER_BASE_URL"); v != "" {
		cfg.Providers.Weather.BaseURL = v
	}
	if v := os.Getenv("GRIDSENTRY_WEATHER_API_KEY"); v != "" {
		cfg.Providers.Weather.APIKey = v
	}
	if v := os.Getenv("GRIDSENTRY_GRID_BASE_URL"); v != "" {
		cfg.Providers.Grid.BaseURL = v
	}
	if v := os.Getenv("GRIDSENTRY_GRID_API_KEY"); v != "" {
		cfg.Providers.Grid.APIKey = v
	}
	if v := os.Getenv("GRIDSENTRY_AI_BASE_URL"); v != "" {
		cfg.Providers.AI.BaseURL = v
	}
	if v := os.Getenv("GRIDSENTRY_AI_API_KEY"); v != "" {
		cfg.Providers.AI.APIKey = v
	}
	if v := os.Getenv("GRIDSENTRY_AI_MODEL"); v != "" {
		cfg.Providers.AI.Model = v
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_CACHE_CONTEXT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ContextTTL = d
		}
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_CACHE_PATTERNS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.PatternsTTL = d
		}
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_MQTT_ENABLED"); v != "" {
		cfg.Ingest.MQTT.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_MQTT_BROKER"); v != "" {
		cfg.Ingest.MQTT.BrokerURL = v
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_MQTT_TOPIC"); v != "" {
		cfg.Ingest.MQTT.Topic = v
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("GRIDSENTRY_AUDIT_BASELINE_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Audit.BaselineWindow = n
		}
	}
}
