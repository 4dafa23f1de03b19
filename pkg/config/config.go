// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the ragchat client configuration from
// ~/.ragchat/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvServer       = "RAGCHAT_SERVER"
	EnvLogLevel     = "RAGCHAT_LOG_LEVEL"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// =============================================================================
// Types
// =============================================================================

// Config is the full client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Stream  StreamConfig  `yaml:"stream"`
	History HistoryConfig `yaml:"history"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	URL            string        `yaml:"url" validate:"required,http_url"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
}

// StreamConfig tunes the stream consumer.
type StreamConfig struct {
	// RefinementTimeout bounds the wait for a refinement frame. Expiry is
	// reported, never fatal.
	RefinementTimeout time.Duration `yaml:"refinement_timeout" validate:"gt=0"`
	MaxLineBytes      int           `yaml:"max_line_bytes" validate:"gte=0"`
}

// HistoryConfig throttles history fetches.
type HistoryConfig struct {
	RatePerSecond       float64 `yaml:"rate_per_second" validate:"gt=0"`
	Burst               int     `yaml:"burst" validate:"gte=1"`
	PrefetchConcurrency int     `yaml:"prefetch_concurrency" validate:"gte=1,lte=32"`
}

// CacheConfig controls on-disk snapshots.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Dir     string        `yaml:"dir" validate:"required_if=Enabled true"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" validate:"omitempty,hostname_port"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter     string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" validate:"required_if=Exporter otlp"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			URL:            "http://localhost:8080",
			RequestTimeout: 5 * time.Minute,
		},
		Stream: StreamConfig{
			RefinementTimeout: 8 * time.Second,
		},
		History: HistoryConfig{
			RatePerSecond:       4,
			Burst:               2,
			PrefetchConcurrency: 4,
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     "~/.ragchat/cache",
			TTL:     7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			OTLPInsecure: true,
		},
	}
}

// =============================================================================
// Loading
// =============================================================================

// DefaultPath returns ~/.ragchat/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".ragchat", "config.yaml"), nil
}

// Load reads the configuration at path.
//
// # Description
//
// A missing file is created with DefaultConfig. Values absent from the file
// keep their defaults. Environment overrides are applied last, then the
// result is validated.
//
// # Inputs
//
//   - path: Config file location. Empty means DefaultPath().
//
// # Outputs
//
//   - *Config: The effective configuration.
//   - bool: true if the file was created by this call.
//   - error: Non-nil on I/O, YAML or validation failure.
func Load(path string) (*Config, bool, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, false, err
		}
		path = p
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return nil, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, created, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, created, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, created, err
	}
	return &cfg, created, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvServer)); v != "" {
		c.Server.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvOTLPEndpoint)); v != "" {
		c.Tracing.OTLPEndpoint = v
		if c.Tracing.Exporter == "none" {
			c.Tracing.Exporter = "otlp"
		}
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ExpandPath replaces a leading "~" with the home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
