// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the Folio client configuration from YAML.
//
// The file lives at ~/.folio/folio.yaml by default. Every field has a
// default, so a missing file is not an error. A handful of environment
// variables override the file (see ApplyEnv).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of folio.yaml.
type Config struct {
	// Server: where the portfolio backend lives and how to talk to it
	Server ServerConfig `yaml:"server"`

	// Cache: default freshness and retention windows for queries
	Cache CacheConfig `yaml:"cache"`

	// Polling: adaptive polling defaults
	Polling PollingConfig `yaml:"polling"`

	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Push: websocket channel used for server-driven invalidation
	Push PushConfig `yaml:"push"`

	// Persist: on-disk snapshot of validated query results
	Persist PersistConfig `yaml:"persist"`
}

type ServerConfig struct {
	BaseURL         string   `yaml:"base_url"`          // e.g. http://127.0.0.1:4242
	Timeout         Duration `yaml:"timeout"`           // per attempt
	RateLimit       float64  `yaml:"rate_limit"`        // requests/second, 0 = unlimited
	RateBurst       int      `yaml:"rate_burst"`        // bucket size
	UserAgent       string   `yaml:"user_agent"`        // sent on every request
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // transport pool
	IdleConnTimeout Duration `yaml:"idle_conn_timeout"` // transport pool
}

type CacheConfig struct {
	StaleTime     Duration `yaml:"stale_time"`
	RetentionTime Duration `yaml:"retention_time"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

type PollingConfig struct {
	ActiveInterval     Duration `yaml:"active_interval"`
	InactiveMultiplier int      `yaml:"inactive_multiplier"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir,omitempty"`
}

type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	TraceExporter  string `yaml:"trace_exporter"`  // none | stdout | otlp
	MetricExporter string `yaml:"metric_exporter"` // none | stdout | prometheus
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
	MetricsAddr    string `yaml:"metrics_addr,omitempty"` // serves /metrics when set
}

type PushConfig struct {
	Enabled      bool     `yaml:"enabled"`
	URL          string   `yaml:"url,omitempty"` // derived from server.base_url when empty
	ReconnectMin Duration `yaml:"reconnect_min"`
	ReconnectMax Duration `yaml:"reconnect_max"`
}

type PersistConfig struct {
	Dir      string   `yaml:"dir,omitempty"` // empty disables persistence
	InMemory bool     `yaml:"in_memory"`
	TTL      Duration `yaml:"ttl"`
}

// Enabled reports whether a persistent snapshot store should be opened.
func (p PersistConfig) Enabled() bool {
	return p.Dir != "" || p.InMemory
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Server: ServerConfig{
			BaseURL:         "http://127.0.0.1:4242",
			Timeout:         Duration(30 * time.Second),
			RateBurst:       10,
			UserAgent:       "folio/1",
			MaxIdleConns:    16,
			IdleConnTimeout: Duration(90 * time.Second),
		},
		Cache: CacheConfig{
			StaleTime:     Duration(60 * time.Second),
			RetentionTime: Duration(5 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
		},
		Polling: PollingConfig{
			ActiveInterval:     Duration(30 * time.Second),
			InactiveMultiplier: 5,
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName:    "folio",
			TraceExporter:  "none",
			MetricExporter: "none",
		},
		Push: PushConfig{
			ReconnectMin: Duration(time.Second),
			ReconnectMax: Duration(30 * time.Second),
		},
		Persist: PersistConfig{
			TTL: Duration(24 * time.Hour),
		},
	}
}

// Validate checks the values a running client depends on.
func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.base_url %q is not an absolute URL", c.Server.BaseURL))
	}
	if c.Server.Timeout <= 0 {
		errs = append(errs, errors.New("server.timeout must be positive"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Cache.StaleTime < 0 || c.Cache.RetentionTime < 0 {
		errs = append(errs, errors.New("cache windows must not be negative"))
	}
	if c.Polling.ActiveInterval <= 0 {
		errs = append(errs, errors.New("polling.active_interval must be positive"))
	}
	if c.Polling.InactiveMultiplier < 1 {
		errs = append(errs, errors.New("polling.inactive_multiplier must be at least 1"))
	}
	switch c.Telemetry.TraceExporter {
	case "", "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q is not one of none, stdout, otlp", c.Telemetry.TraceExporter))
	}
	switch c.Telemetry.MetricExporter {
	case "", "none", "stdout", "prometheus":
	default:
		errs = append(errs, fmt.Errorf("telemetry.metric_exporter %q is not one of none, stdout, prometheus", c.Telemetry.MetricExporter))
	}
	return errors.Join(errs...)
}

// =============================================================================
// Duration
// =============================================================================

// Duration is a time.Duration that reads and writes as "30s" in YAML.
// Bare integers are taken as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
