// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, defaults, and validates the engine
// configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree.
type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Engine     EngineConfig     `yaml:"engine"`
	Generation GenerationConfig `yaml:"generation"`
	Cache      CacheConfig      `yaml:"cache"`
	Pool       PoolConfig       `yaml:"pool"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ProjectConfig locates the code under test.
type ProjectConfig struct {
	// Root is the project root directory.
	Root string `yaml:"root" validate:"required"`
}

// EngineConfig bounds the refinement loop.
type EngineConfig struct {
	// TargetCoverage is the overall line coverage goal in percent.
	TargetCoverage float64 `yaml:"target_coverage" validate:"gte=0,lte=100"`

	// MaxIterations caps loop iterations.
	MaxIterations int `yaml:"max_iterations" validate:"gte=1"`

	// MinDelta is the stagnation threshold in percentage points.
	MinDelta float64 `yaml:"min_delta" validate:"gte=0"`

	// MaxHops bounds verify-marking in the caller graph.
	MaxHops int `yaml:"max_hops" validate:"gte=1,lte=10"`

	// TestTimeout bounds one test-suite execution.
	TestTimeout time.Duration `yaml:"test_timeout"`
}

// GenerationConfig selects and tunes the LLM provider.
type GenerationConfig struct {
	// Provider names the registered generator: "openai" or "ollama".
	Provider string `yaml:"provider" validate:"required"`

	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never lives in the config file.
	APIKeyEnv string `yaml:"api_key_env"`

	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	TopP        float32 `yaml:"top_p" validate:"gte=0,lte=1"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gte=0"`

	// RequestsPerMinute caps provider calls. Zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=0"`
}

// CacheConfig tunes the artifact cache.
type CacheConfig struct {
	// Dir holds the persistent tier. Empty disables persistence.
	Dir string `yaml:"dir"`

	MaxEntries int           `yaml:"max_entries" validate:"gte=1"`
	TTL        time.Duration `yaml:"ttl"`
}

// PoolConfig bounds generation fan-out.
type PoolConfig struct {
	MinWorkers int `yaml:"min_workers" validate:"gte=1"`
	MaxWorkers int `yaml:"max_workers" validate:"gtefield=MinWorkers"`
	QueueSize  int `yaml:"queue_size" validate:"gte=0"`
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// Default returns the configuration with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Project.Root == "" {
		c.Project.Root = "."
	}
	if c.Engine.TargetCoverage == 0 {
		c.Engine.TargetCoverage = 80
	}
	if c.Engine.MaxIterations == 0 {
		c.Engine.MaxIterations = 5
	}
	if c.Engine.MinDelta == 0 {
		c.Engine.MinDelta = 0.5
	}
	if c.Engine.MaxHops == 0 {
		c.Engine.MaxHops = 1
	}
	if c.Engine.TestTimeout == 0 {
		c.Engine.TestTimeout = 10 * time.Minute
	}
	if c.Generation.Provider == "" {
		c.Generation.Provider = "ollama"
	}
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = 0.2
	}
	if c.Generation.TopP == 0 {
		c.Generation.TopP = 0.95
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = 4096
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 4096
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 24 * time.Hour
	}
	if c.Pool.MinWorkers == 0 {
		c.Pool.MinWorkers = 1
	}
	if c.Pool.MaxWorkers == 0 {
		c.Pool.MaxWorkers = 4
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "localhost:9464"
	}
}

// Validate checks the configuration tree.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// APIKey resolves the provider API key from the environment.
func (c *Config) APIKey() string {
	if c.Generation.APIKeyEnv == "" {
		return os.Getenv("OPENAI_API_KEY")
	}
	return os.Getenv(c.Generation.APIKeyEnv)
}

// Load reads a YAML config file, applies defaults, and validates. A
// missing path returns the validated defaults.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
