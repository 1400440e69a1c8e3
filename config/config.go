package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for stealthpayd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	Environment   string          `yaml:"environment"`
	Chain         ChainConfig     `yaml:"chain"`
	Sessions      SessionConfig   `yaml:"sessions"`
	API           APIConfig       `yaml:"api"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// ChainConfig describes the EVM endpoint the watchers poll.
type ChainConfig struct {
	RPCURL       string   `yaml:"rpc_url"`
	ChainID      uint64   `yaml:"chain_id"`
	PollInterval Duration `yaml:"poll_interval"`
	MaxBackoff   Duration `yaml:"max_backoff"`
	RPCRate      float64  `yaml:"rpc_rate"`
}

// SessionConfig tunes payment session lifetimes.
type SessionConfig struct {
	DefaultTimeout Duration `yaml:"default_timeout"`
	MaxTimeout     Duration `yaml:"max_timeout"`
}

// APIConfig throttles the HTTP surface.
type APIConfig struct {
	RatePerMinute int `yaml:"rate_per_minute"`
	Burst         int `yaml:"burst"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7600"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/stealthpayd.sqlite"
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 1
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 3 * time.Second
	}
	if cfg.Chain.MaxBackoff.Duration == 0 {
		cfg.Chain.MaxBackoff.Duration = 30 * time.Second
	}
	if cfg.Chain.RPCRate <= 0 {
		cfg.Chain.RPCRate = 5
	}
	if cfg.Sessions.DefaultTimeout.Duration == 0 {
		cfg.Sessions.DefaultTimeout.Duration = 15 * time.Minute
	}
	if cfg.Sessions.MaxTimeout.Duration == 0 {
		cfg.Sessions.MaxTimeout.Duration = time.Hour
	}
	if cfg.API.RatePerMinute <= 0 {
		cfg.API.RatePerMinute = 600
	}
	if cfg.API.Burst <= 0 {
		cfg.API.Burst = 100
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if cfg.Sessions.DefaultTimeout.Duration > cfg.Sessions.MaxTimeout.Duration {
		return fmt.Errorf("default session timeout exceeds max timeout")
	}
	if cfg.Chain.MaxBackoff.Duration < cfg.Chain.PollInterval.Duration {
		return fmt.Errorf("max backoff must be at least the poll interval")
	}
	return nil
}
