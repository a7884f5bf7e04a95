// Package config loads the service configuration from a file with optional
// environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/marcpuig/plugsched/core/executor"
	"github.com/marcpuig/plugsched/core/planner"
	"github.com/marcpuig/plugsched/infra/device"
	"github.com/marcpuig/plugsched/infra/pricing"
	"github.com/marcpuig/plugsched/jobs/planning"
)

type Config struct {
	// Timezone is the IANA zone planning dates are anchored to. The PVPC
	// market publishes in Spanish local time.
	Timezone string          `json:"timezone"`
	Store    StoreConfig     `json:"store"`
	Pricing  pricing.Config  `json:"pricing"`
	Device   DeviceConfig    `json:"device"`
	Planner  planner.Config  `json:"planner"`
	Executor executor.Config `json:"executor"`
	Planning planning.Config `json:"planning"`
	API      APIConfig       `json:"api"`
	Metrics  MetricsConfig   `json:"metrics"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

// SetDefaults applies sane defaults.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "sqlite"
	}
	if c.Path == "" {
		c.Path = "plugsched.db"
	}
}

// Validate checks mandatory fields.
func (c StoreConfig) Validate() error {
	if c.Backend != "sqlite" && c.Backend != "memory" {
		return fmt.Errorf("unknown store backend %s", c.Backend)
	}
	if c.Backend == "sqlite" && c.Path == "" {
		return fmt.Errorf("store path is required")
	}
	return nil
}

// DeviceConfig selects the device control transport.
type DeviceConfig struct {
	// Kind is "mqtt" or "mock". The mock controller accepts every command and
	// exists for development setups without real plugs.
	Kind string        `json:"kind"`
	MQTT device.Config `json:"mqtt"`
}

// SetDefaults applies sane defaults.
func (c *DeviceConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = "mqtt"
	}
}

// Validate checks mandatory fields.
func (c DeviceConfig) Validate() error {
	switch c.Kind {
	case "mock":
		return nil
	case "mqtt":
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown device kind %s", c.Kind)
	}
}

// APIConfig defines the REST API server settings.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	// Token protects the API with bearer authentication when non-empty.
	Token string `json:"token"`
}

// SetDefaults applies sane defaults.
func (c *APIConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
}

// MetricsConfig defines the observability sinks.
type MetricsConfig struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
}

// SetDefaults applies sane defaults.
func (c *MetricsConfig) SetDefaults() {
	if c.PrometheusPort == "" {
		c.PrometheusPort = ":9090"
	}
}

// Location resolves the configured timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Load reads the configuration file and applies PS_* environment overrides
// (e.g. PS_PRICING__TOKEN maps to pricing.token).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("PS_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "ps_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Store.SetDefaults()
	cfg.Device.SetDefaults()
	cfg.API.SetDefaults()
	cfg.Metrics.SetDefaults()
	cfg.Pricing.SetDefaults()
	cfg.Planner.SetDefaults()
	cfg.Executor.SetDefaults()
	cfg.Planning.SetDefaults()
	if err := cfg.Store.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Device.Validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.Location(); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	return &cfg, nil
}
