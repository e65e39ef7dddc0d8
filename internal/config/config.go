package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/viaacode/mh-events2pulsar/internal/envelope"
)

// Config represents the top-level configuration for events2pulsar.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Pulsar   PulsarConfig   `koanf:"pulsar"`
	Envelope EnvelopeConfig `koanf:"envelope"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

// PulsarConfig holds the broker connection settings.
type PulsarConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	Namespace         string        `koanf:"namespace"` // namespace within the "public" tenant
	ProducerName      string        `koanf:"producer_name"`
	ConnectionTimeout time.Duration `koanf:"connection_timeout"`
	OperationTimeout  time.Duration `koanf:"operation_timeout"`
}

// URL returns the pulsar:// service URL.
func (c PulsarConfig) URL() string {
	return fmt.Sprintf("pulsar://%s:%d", c.Host, c.Port)
}

type EnvelopeConfig struct {
	Format string `koanf:"format"` // cloudevents | xml
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug | info | warn | error
}

// SlogLevel maps the configured level onto slog. Unknown levels fall back to info.
func (c LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.MaxBodySizeMB <= 0 {
		result = multierror.Append(result, fmt.Errorf("server.max_body_size_mb must be > 0"))
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		result = multierror.Append(result, fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode))
	}

	if strings.TrimSpace(c.Pulsar.Host) == "" {
		result = multierror.Append(result, fmt.Errorf("pulsar.host is required"))
	}
	if c.Pulsar.Port <= 0 || c.Pulsar.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid pulsar.port %d (must be 1-65535)", c.Pulsar.Port))
	}
	if strings.TrimSpace(c.Pulsar.Namespace) == "" || strings.Contains(c.Pulsar.Namespace, "/") {
		result = multierror.Append(result, fmt.Errorf("invalid pulsar.namespace %q", c.Pulsar.Namespace))
	}
	if c.Pulsar.ConnectionTimeout < 0 || c.Pulsar.OperationTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("pulsar timeouts must be >= 0"))
	}

	if _, err := envelope.ParseFormat(c.Envelope.Format); err != nil {
		result = multierror.Append(result, err)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		result = multierror.Append(result, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid log.level %q", c.Log.Level))
	}

	return result.ErrorOrNil()
}

// Load builds the configuration from defaults, an optional YAML file and the environment.
//
// PULSAR_HOST, PULSAR_PORT and PULSAR_NAMESPACE set the broker settings;
// EVENTS2PULSAR_SERVER__PORT=9090 style variables override any other key.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":               8080,
		"server.host":               "0.0.0.0",
		"server.max_body_size_mb":   10,
		"server.mode":               "release",
		"pulsar.host":               "localhost",
		"pulsar.port":               6650,
		"pulsar.namespace":          "default",
		"pulsar.producer_name":      envelope.Source,
		"pulsar.connection_timeout": "5s",
		"pulsar.operation_timeout":  "30s",
		"envelope.format":           string(envelope.FormatCloudEvents),
		"metrics.enabled":           true,
		"metrics.path":              "/metrics",
		"log.level":                 "info",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("PULSAR_", ".", func(s string) string {
		return "pulsar." + strings.ToLower(strings.TrimPrefix(s, "PULSAR_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if err := k.Load(env.Provider("EVENTS2PULSAR_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "EVENTS2PULSAR_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
