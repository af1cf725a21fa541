// Package config provides configuration management for LabelForge.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/labelforge/internal/api/gateway"
	"github.com/lvonguyen/labelforge/internal/classify"
	"github.com/lvonguyen/labelforge/internal/enrichment"
	"github.com/lvonguyen/labelforge/internal/ingestion"
	"github.com/lvonguyen/labelforge/internal/notify"
	"github.com/lvonguyen/labelforge/internal/observability"
	"github.com/lvonguyen/labelforge/internal/siem"
	"github.com/lvonguyen/labelforge/internal/store"
)

// Config holds all LabelForge configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Redis          RedisConfig          `yaml:"redis"`
	NATS           NATSConfig           `yaml:"nats"`
	SIEM           SIEMConfig           `yaml:"siem"`
	Classification ClassificationConfig `yaml:"classification"`
	Evaluation     EvaluationConfig     `yaml:"evaluation"`
	HEC            HECConfig            `yaml:"hec"`
	Enrichment     EnrichmentConfig     `yaml:"enrichment"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Logging        LoggingConfig        `yaml:"logging"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings. When disabled events are kept
// in memory.
type RedisConfig struct {
	Enabled           bool `yaml:"enabled"`
	store.RedisConfig `yaml:",inline"`
}

// NATSConfig holds outcome publishing settings.
type NATSConfig struct {
	Enabled           bool `yaml:"enabled"`
	notify.NATSConfig `yaml:",inline"`
}

// SIEMConfig holds per-vendor connector settings.
type SIEMConfig struct {
	Wazuh   VendorConfig `yaml:"wazuh"`
	Splunk  VendorConfig `yaml:"splunk"`
	Elastic VendorConfig `yaml:"elastic"`

	// Workers bounds concurrent vendor fetches.
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Limit     int           `yaml:"limit"`
	TimeRange time.Duration `yaml:"time_range"`
}

// VendorConfig holds one SIEM's settings.
type VendorConfig struct {
	Enabled    bool          `yaml:"enabled"`
	APIURL     string        `yaml:"api_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// Username is the Splunk login.
	Username string `yaml:"username,omitempty"`
	// Index is the Elastic index pattern.
	Index string `yaml:"index,omitempty"`
}

// ClassificationConfig holds classifier policy.
type ClassificationConfig struct {
	ModelType              string        `yaml:"model_type"` // api, local, random
	APIURL                 string        `yaml:"api_url"`
	APIKeyEnv              string        `yaml:"api_key_env"`
	LocalModelPath         string        `yaml:"local_model_path"`
	Timeout                time.Duration `yaml:"timeout"`
	MinConfidenceThreshold float64       `yaml:"min_confidence_threshold"`
	AutoApplyLabels        bool          `yaml:"auto_apply_labels"`
	VerificationRequired   bool          `yaml:"verification_required"`
	UpdateIntervalDays     int           `yaml:"update_interval_days"`
	Seed                   int64         `yaml:"seed"`
	CacheTTL               time.Duration `yaml:"cache_ttl"`
	CacheSize              int           `yaml:"cache_size"`
	// SettingsKey names a Redis hash that overrides this section on reload.
	SettingsKey string `yaml:"settings_key"`
}

// EvaluationConfig holds metrics engine settings.
type EvaluationConfig struct {
	PageSize int `yaml:"page_size"`
	// Interval schedules periodic evaluation; zero disables it.
	Interval time.Duration `yaml:"interval"`
}

// HECConfig holds Splunk HEC settings.
type HECConfig struct {
	Receiver ReceiverConfig `yaml:"receiver"`
	Sender   SenderConfig   `yaml:"sender"`
}

// ReceiverConfig holds HEC receiver settings.
type ReceiverConfig struct {
	Enabled                  bool `yaml:"enabled"`
	ingestion.ReceiverConfig `yaml:",inline"`
}

// SenderConfig holds HEC sender settings.
type SenderConfig struct {
	Enabled                bool `yaml:"enabled"`
	ingestion.SenderConfig `yaml:",inline"`
}

// EnrichmentConfig holds threat intelligence lookup settings.
type EnrichmentConfig struct {
	OTX       OTXConfig     `yaml:"otx"`
	MISP      MISPConfig    `yaml:"misp"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// OTXConfig holds AlienVault OTX settings.
type OTXConfig struct {
	Enabled              bool `yaml:"enabled"`
	enrichment.OTXConfig `yaml:",inline"`
}

// MISPConfig holds MISP settings.
type MISPConfig struct {
	Enabled               bool `yaml:"enabled"`
	enrichment.MISPConfig `yaml:",inline"`
}

// RateLimitConfig holds API rate limiting settings. Limiting needs Redis.
type RateLimitConfig struct {
	Enabled                 bool `yaml:"enabled"`
	gateway.RateLimitConfig `yaml:",inline"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	executor := siem.DefaultExecutorConfig()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second, // batch classification may take a minute
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:     false,
			RedisConfig: store.DefaultRedisConfig(),
		},
		NATS: NATSConfig{
			Enabled:    false,
			NATSConfig: notify.DefaultNATSConfig(),
		},
		SIEM: SIEMConfig{
			Wazuh: VendorConfig{
				APIURL:     "https://localhost:55000",
				APIKeyEnv:  "WAZUH_API_KEY",
				Timeout:    executor.Timeout,
				MaxRetries: executor.MaxRetries,
				RetryDelay: executor.RetryDelay,
			},
			Splunk: VendorConfig{
				APIURL:     "https://localhost:8089",
				APIKeyEnv:  "SPLUNK_PASSWORD",
				Timeout:    executor.Timeout,
				MaxRetries: executor.MaxRetries,
				RetryDelay: executor.RetryDelay,
				Username:   "admin",
			},
			Elastic: VendorConfig{
				APIURL:     "http://localhost:9200",
				APIKeyEnv:  "ELASTIC_API_KEY",
				Timeout:    executor.Timeout,
				MaxRetries: executor.MaxRetries,
				RetryDelay: executor.RetryDelay,
				Index:      "filebeat-*",
			},
			Workers:   4,
			QueueSize: 16,
			Limit:     100,
			TimeRange: 30 * time.Minute,
		},
		Classification: ClassificationConfig{
			ModelType:              string(classify.ModelLocal),
			APIKeyEnv:              "LABELFORGE_ML_API_KEY",
			LocalModelPath:         "models/default_model.yaml",
			Timeout:                30 * time.Second,
			MinConfidenceThreshold: 0.7,
			AutoApplyLabels:        true,
			VerificationRequired:   true,
			UpdateIntervalDays:     7,
			CacheTTL:               time.Hour,
			CacheSize:              1000,
		},
		Evaluation: EvaluationConfig{
			PageSize: 500,
		},
		HEC: HECConfig{
			Receiver: ReceiverConfig{
				Enabled:        true,
				ReceiverConfig: ingestion.DefaultReceiverConfig(),
			},
			Sender: SenderConfig{
				Enabled:      false,
				SenderConfig: ingestion.DefaultSenderConfig(),
			},
		},
		Enrichment: EnrichmentConfig{
			OTX:       OTXConfig{OTXConfig: enrichment.DefaultOTXConfig()},
			MISP:      MISPConfig{MISPConfig: enrichment.DefaultMISPConfig()},
			CacheTTL:  time.Hour,
			CacheSize: 10000,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RateLimitConfig: gateway.RateLimitConfig{
				IncludeHeaders: true,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "labelforge",
			Environment:    "development",
			SamplingRate:   1.0,
			MetricsEnabled: true,
		},
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if t := c.Classification.MinConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("classification.min_confidence_threshold %v outside [0,1]", t)
	}
	switch classify.ModelType(c.Classification.ModelType) {
	case classify.ModelAPI, classify.ModelLocal, classify.ModelRandom, "dummy":
	default:
		return fmt.Errorf("classification.model_type %q must be api, local or random", c.Classification.ModelType)
	}
	if c.Enrichment.MISP.Enabled && c.Enrichment.MISP.BaseURL == "" {
		return errors.New("enrichment.misp.base_url is required when misp is enabled")
	}
	if c.RateLimit.Enabled && !c.Redis.Enabled {
		return errors.New("rate_limit requires redis.enabled")
	}
	return nil
}

// EnabledVendors returns the names of enabled SIEM connectors.
func (c *Config) EnabledVendors() []string {
	var vendors []string
	if c.SIEM.Wazuh.Enabled {
		vendors = append(vendors, "wazuh")
	}
	if c.SIEM.Splunk.Enabled {
		vendors = append(vendors, "splunk")
	}
	if c.SIEM.Elastic.Enabled {
		vendors = append(vendors, "elastic")
	}
	return vendors
}

// Vendor returns the settings for a SIEM type.
func (s SIEMConfig) Vendor(name string) (VendorConfig, bool) {
	switch name {
	case "wazuh":
		return s.Wazuh, true
	case "splunk":
		return s.Splunk, true
	case "elastic":
		return s.Elastic, true
	default:
		return VendorConfig{}, false
	}
}

// APIKey resolves the credential from APIKeyEnv.
func (v VendorConfig) APIKey() string {
	if v.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(v.APIKeyEnv)
}

// ConnectorOptions builds connector options for this vendor.
func (v VendorConfig) ConnectorOptions(logger *zap.Logger, metrics *observability.Metrics) siem.Options {
	opts := siem.DefaultOptions()
	opts.Executor = siem.ExecutorConfig{
		MaxRetries: v.MaxRetries,
		RetryDelay: v.RetryDelay,
		Timeout:    v.Timeout,
	}
	if v.Username != "" {
		opts.Username = v.Username
	}
	if v.Index != "" {
		opts.Index = v.Index
	}
	opts.Logger = logger
	opts.Metrics = metrics
	return opts
}

// Settings converts the section into orchestrator settings, resolving the
// API key from APIKeyEnv.
func (c ClassificationConfig) Settings() classify.Settings {
	s := classify.Settings{
		ModelType:              classify.ModelType(c.ModelType),
		APIURL:                 c.APIURL,
		LocalModelPath:         c.LocalModelPath,
		Timeout:                c.Timeout,
		MinConfidenceThreshold: c.MinConfidenceThreshold,
		AutoApplyLabels:        c.AutoApplyLabels,
		VerificationRequired:   c.VerificationRequired,
		UpdateIntervalDays:     c.UpdateIntervalDays,
		Seed:                   c.Seed,
	}
	if c.APIKeyEnv != "" {
		s.APIKey = os.Getenv(c.APIKeyEnv)
	}
	return s
}

// Providers creates the enabled threat intelligence providers.
func (e EnrichmentConfig) Providers() ([]enrichment.Provider, error) {
	var providers []enrichment.Provider
	if e.OTX.Enabled {
		p, err := enrichment.NewOTXProvider(e.OTX.OTXConfig)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if e.MISP.Enabled {
		p, err := enrichment.NewMISPProvider(e.MISP.MISPConfig)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// Observability builds the telemetry configuration.
func (c *Config) Observability(version string) observability.Config {
	return observability.Config{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    c.Telemetry.Environment,
		LogLevel:       c.Logging.Level,
		LogFormat:      c.Logging.Format,
		TracingEnabled: c.Telemetry.TracingEnabled,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
		MetricsEnabled: c.Telemetry.MetricsEnabled,
	}
}
