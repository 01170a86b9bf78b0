package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/texel/promptstore/pkg/contracts"
)

// EnvPrefix is prepended to every environment variable, e.g.
// PROMPTSTORE_STORAGE_BACKEND for storage.backend.
const EnvPrefix = "PROMPTSTORE"

// Config holds all configuration for the prompt store service. It is built
// once at start and passed down by reference; nothing below main reads the
// environment.
type Config struct {
	Port          int           `mapstructure:"port"`
	Version       string        `mapstructure:"version"`
	LogLevel      string        `mapstructure:"log_level"`
	LogFormat     string        `mapstructure:"log_format"` // console or json
	CatalogKey    string        `mapstructure:"catalog_key"`
	DeleteTimeout time.Duration `mapstructure:"delete_timeout"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`

	Storage   StorageConfig   `mapstructure:"storage"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Beacon    BeaconConfig    `mapstructure:"beacon"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type StorageConfig struct {
	Backend      string   `mapstructure:"backend"` // memory or s3
	SnapshotPath string   `mapstructure:"snapshot_path"`
	S3           S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type ChatConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	DefaultModel string        `mapstructure:"default_model"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
	RateBurst    int           `mapstructure:"rate_burst"`
}

type BeaconConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`

	// Environment is reported as deployment.environment on every span.
	Environment string `mapstructure:"environment"`

	// SampleRatio is the fraction of new traces kept; 1 keeps all.
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type AuthConfig struct {
	// APIKeys enables API key auth when non-empty.
	APIKeys []string `mapstructure:"api_keys"`
}

var defaults = map[string]any{
	"port":                         8080,
	"version":                      "0.1.0",
	"log_level":                    "info",
	"log_format":                   "console",
	"catalog_key":                  "clients.json",
	"delete_timeout":               "25s",
	"cors_origins":                 []string{"*"},
	"storage.backend":              "memory",
	"storage.snapshot_path":        "",
	"storage.s3.bucket":            "",
	"storage.s3.region":            "",
	"storage.s3.endpoint":          "",
	"storage.s3.use_path_style":    false,
	"storage.s3.prefix":            "",
	"storage.s3.access_key_id":     "",
	"storage.s3.secret_access_key": "",
	"chat.api_key":                 "",
	"chat.base_url":                "",
	"chat.default_model":           "gpt-4o-mini",
	"chat.max_retries":             2,
	"chat.timeout":                 "120s",
	"chat.rate_limit":              5.0,
	"chat.rate_burst":              10,
	"beacon.url":                   "",
	"beacon.token":                 "",
	"beacon.timeout":               "5s",
	"telemetry.enabled":            false,
	"telemetry.otlp_endpoint":      "localhost:4317",
	"telemetry.service_name":       "promptstore",
	"telemetry.environment":        "development",
	"telemetry.sample_ratio":       1.0,
	"auth.api_keys":                []string{},
}

// Load reads configuration from defaults, an optional YAML file and
// PROMPTSTORE_* environment variables, in increasing precedence. An empty
// cfgFile looks for promptstore.yaml in the working directory and
// $HOME/.promptstore; a missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional names the hosting platform may already set.
	_ = v.BindEnv("chat.api_key", EnvPrefix+"_CHAT_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("telemetry.otlp_endpoint", EnvPrefix+"_TELEMETRY_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("promptstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.promptstore")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate reports missing or contradictory settings as a KindMisconfigured
// error, before anything tries to connect.
func (c *Config) Validate() error {
	var problems []string
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d is out of range", c.Port))
	}
	switch c.Storage.Backend {
	case "memory":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			problems = append(problems, "storage.s3.bucket is required for the s3 backend")
		}
		if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
			problems = append(problems, "storage.s3.access_key_id and secret_access_key must be set together")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.DeleteTimeout <= 0 {
		problems = append(problems, "delete_timeout must be positive")
	}
	if c.CatalogKey == "" {
		problems = append(problems, "catalog_key must not be empty")
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		problems = append(problems, fmt.Sprintf("telemetry.sample_ratio %g is outside [0, 1]", r))
	}
	if len(problems) > 0 {
		return contracts.Misconfigured(strings.Join(problems, "; "))
	}
	return nil
}
