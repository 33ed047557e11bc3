// Package config loads the daemon configuration from YAML. Every field has a
// working default, so an empty file (or no file) yields a runnable in-memory
// setup with the scripted engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the daemon configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	Log          LogConfig          `yaml:"log"`
	Store        StoreConfig        `yaml:"store"`
	Engine       EngineConfig       `yaml:"engine"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Hub          HubConfig          `yaml:"hub"`
	Gather       GatherConfig       `yaml:"gather"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// StoreConfig selects issue persistence.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite
	Path   string `yaml:"path"`   // sqlite file, ignored for memory
}

// EngineConfig selects the analysis engine. API keys are read from the
// provider's environment variable, never from this file.
type EngineConfig struct {
	Provider    string  `yaml:"provider"` // scripted | anthropic | openai
	Model       string  `yaml:"model"`    // provider default when empty
	MaxTokens   int64   `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// OrchestratorConfig bounds the worker pool and its heartbeat supervision.
// Durations are strings in time.ParseDuration syntax ("15s", "2m").
type OrchestratorConfig struct {
	MaxWorkers        int    `yaml:"max_workers"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	HeartbeatMisses   int    `yaml:"heartbeat_misses"`
}

// HeartbeatIntervalDuration returns the parsed heartbeat interval. Only
// meaningful on a validated config.
func (c OrchestratorConfig) HeartbeatIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(c.HeartbeatInterval))
	return d
}

// HubConfig bounds event stream buffers and channel retirement.
type HubConfig struct {
	ReplayLimit      int    `yaml:"replay_limit"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	RetireGrace      string `yaml:"retire_grace"`
}

// RetireGraceDuration returns the parsed retirement grace. Only meaningful on
// a validated config.
func (c HubConfig) RetireGraceDuration() time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(c.RetireGrace))
	return d
}

// GatherConfig bounds the context providers.
type GatherConfig struct {
	CauseTimeout   string `yaml:"cause_timeout"`
	HistoryTimeout string `yaml:"history_timeout"`
	RetryTransient bool   `yaml:"retry_transient"`
}

// CauseTimeoutDuration returns the parsed cause slot timeout. Only meaningful
// on a validated config.
func (c GatherConfig) CauseTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(c.CauseTimeout))
	return d
}

// HistoryTimeoutDuration returns the parsed history slot timeout. Only
// meaningful on a validated config.
func (c GatherConfig) HistoryTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(c.HistoryTimeout))
	return d
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8383",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Engine: EngineConfig{
			Provider:    "scripted",
			MaxTokens:   4096,
			Temperature: 0.2,
		},
		Orchestrator: OrchestratorConfig{
			MaxWorkers:        8,
			HeartbeatInterval: "15s",
			HeartbeatMisses:   4,
		},
		Hub: HubConfig{
			ReplayLimit:      256,
			SubscriberBuffer: 64,
			RetireGrace:      "30s",
		},
		Gather: GatherConfig{
			CauseTimeout:   "3s",
			HistoryTimeout: "3s",
			RetryTransient: true,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		// ${VAR} references resolve from the environment before parsing.
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields an explicit file left empty.
func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = def.Log.Level
	}
	if strings.TrimSpace(c.Log.Format) == "" {
		c.Log.Format = def.Log.Format
	}
	if strings.TrimSpace(c.Store.Driver) == "" {
		c.Store.Driver = def.Store.Driver
	}
	if strings.TrimSpace(c.Engine.Provider) == "" {
		c.Engine.Provider = def.Engine.Provider
	}
	if c.Engine.MaxTokens == 0 {
		c.Engine.MaxTokens = def.Engine.MaxTokens
	}
	if c.Orchestrator.MaxWorkers == 0 {
		c.Orchestrator.MaxWorkers = def.Orchestrator.MaxWorkers
	}
	if strings.TrimSpace(c.Orchestrator.HeartbeatInterval) == "" {
		c.Orchestrator.HeartbeatInterval = def.Orchestrator.HeartbeatInterval
	}
	if c.Orchestrator.HeartbeatMisses == 0 {
		c.Orchestrator.HeartbeatMisses = def.Orchestrator.HeartbeatMisses
	}
	if c.Hub.ReplayLimit == 0 {
		c.Hub.ReplayLimit = def.Hub.ReplayLimit
	}
	if c.Hub.SubscriberBuffer == 0 {
		c.Hub.SubscriberBuffer = def.Hub.SubscriberBuffer
	}
	if strings.TrimSpace(c.Hub.RetireGrace) == "" {
		c.Hub.RetireGrace = def.Hub.RetireGrace
	}
	if strings.TrimSpace(c.Gather.CauseTimeout) == "" {
		c.Gather.CauseTimeout = def.Gather.CauseTimeout
	}
	if strings.TrimSpace(c.Gather.HistoryTimeout) == "" {
		c.Gather.HistoryTimeout = def.Gather.HistoryTimeout
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be 'text' or 'json', got %q", c.Log.Format)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("config: store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: store.driver must be 'memory' or 'sqlite', got %q", c.Store.Driver)
	}

	switch c.Engine.Provider {
	case "scripted", "anthropic", "openai":
	default:
		return fmt.Errorf("config: engine.provider must be 'scripted', 'anthropic' or 'openai', got %q", c.Engine.Provider)
	}
	if c.Engine.MaxTokens < 1 {
		return fmt.Errorf("config: engine.max_tokens must be positive")
	}
	if c.Engine.Temperature < 0 || c.Engine.Temperature > 2 {
		return fmt.Errorf("config: engine.temperature must be between 0 and 2")
	}

	if c.Orchestrator.MaxWorkers < 1 {
		return fmt.Errorf("config: orchestrator.max_workers must be at least 1")
	}
	if c.Orchestrator.HeartbeatMisses < 1 {
		return fmt.Errorf("config: orchestrator.heartbeat_misses must be at least 1")
	}
	if err := checkDuration("orchestrator.heartbeat_interval", c.Orchestrator.HeartbeatInterval); err != nil {
		return err
	}

	if c.Hub.ReplayLimit < 1 {
		return fmt.Errorf("config: hub.replay_limit must be at least 1")
	}
	if c.Hub.SubscriberBuffer < 1 {
		return fmt.Errorf("config: hub.subscriber_buffer must be at least 1")
	}
	if err := checkDuration("hub.retire_grace", c.Hub.RetireGrace); err != nil {
		return err
	}

	if err := checkDuration("gather.cause_timeout", c.Gather.CauseTimeout); err != nil {
		return err
	}
	if err := checkDuration("gather.history_timeout", c.Gather.HistoryTimeout); err != nil {
		return err
	}
	return nil
}

func checkDuration(field, value string) error {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: %s: invalid duration %q", field, value)
	}
	if d <= 0 {
		return fmt.Errorf("config: %s must be positive, got %q", field, value)
	}
	return nil
}
