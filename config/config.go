// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the event relay.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds listener and telemetry configuration.
type ServerConfig struct {
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	WSMaxConn       int           `yaml:"ws_max_connections"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	TLSCAFile       string        `yaml:"tls_ca_file"`     // CA certificate for client verification
	TLSClientAuth   string        `yaml:"tls_client_auth"` // "none", "request", or "require"
	DTLSAddr        string        `yaml:"dtls_addr"`
	DTLSEnabled     bool          `yaml:"dtls_enabled"`
	DTLSCertFile    string        `yaml:"dtls_cert_file"`
	DTLSKeyFile     string        `yaml:"dtls_key_file"`
	DTLSMaxConn     int           `yaml:"dtls_max_connections"`
	DTLSMTU         int           `yaml:"dtls_mtu"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// ProtocolConfig holds the reliable messaging parameters applied to every
// session.
type ProtocolConfig struct {
	AckTimeout        time.Duration        `yaml:"ack_timeout"`
	RetryBaseDelay    time.Duration        `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration        `yaml:"retry_max_delay"`
	MaxRetries        int                  `yaml:"max_retries"`
	ChunkSize         int                  `yaml:"chunk_size"`
	MaxPayload        int                  `yaml:"max_payload"`
	HeartbeatInterval time.Duration        `yaml:"heartbeat_interval"`
	ConnectionTimeout time.Duration        `yaml:"connection_timeout"`
	FragmentTTL       time.Duration        `yaml:"fragment_ttl"`
	MaxFragmentGroups int                  `yaml:"max_fragment_groups"`
	MaxReorderBuffer  int                  `yaml:"max_reorder_buffer"`
	DeliveredSetSize  int                  `yaml:"delivered_set_size"`
	MaxQueueSize      int                  `yaml:"max_queue_size"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration for channel writes.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// SessionConfig holds session pool settings.
type SessionConfig struct {
	// Maximum concurrently attached clients
	MaxSessions int `yaml:"max_sessions"`

	// How long a detached session is kept for resumption
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled    bool                      `yaml:"enabled"`
	Connection ConnectionRateLimitConfig `yaml:"connection"`
	Message    MessageRateLimitConfig    `yaml:"message"`
}

// ConnectionRateLimitConfig limits connection attempts per IP.
type ConnectionRateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MessageRateLimitConfig limits inbound events per client.
type MessageRateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSAddr:          ":8090",
			WSPath:          "/events",
			WSEnabled:       true,
			WSMaxConn:       10000,
			TLSClientAuth:   "none",
			DTLSAddr:        ":5684",
			DTLSEnabled:     false,
			DTLSMaxConn:     1000,
			DTLSMTU:         1200,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "eventbridge",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Protocol: ProtocolConfig{
			AckTimeout:        5 * time.Second,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     30 * time.Second,
			MaxRetries:        3,
			ChunkSize:         45000,
			MaxPayload:        64 * 1024,
			HeartbeatInterval: 45 * time.Second,
			ConnectionTimeout: 120 * time.Second,
			FragmentTTL:       30 * time.Second,
			MaxFragmentGroups: 100,
			MaxReorderBuffer:  1024,
			DeliveredSetSize:  1000,
			MaxQueueSize:      1000,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
		Session: SessionConfig{
			MaxSessions:    10000,
			ExpiryInterval: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Connection: ConnectionRateLimitConfig{
				Enabled:         true,
				Rate:            100.0 / 60.0, // 100 connections per minute per IP
				Burst:           20,
				CleanupInterval: 5 * time.Minute,
			},
			Message: MessageRateLimitConfig{
				Enabled: true,
				Rate:    1000,
				Burst:   100,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.Server.WSEnabled && !c.Server.DTLSEnabled {
		return fmt.Errorf("at least one of server.ws_enabled or server.dtls_enabled must be set")
	}
	if c.Server.WSEnabled && c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr cannot be empty")
	}
	if c.Server.WSMaxConn < 0 {
		return fmt.Errorf("server.ws_max_connections cannot be negative")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}

		validClientAuth := map[string]bool{"none": true, "request": true, "require": true}
		if !validClientAuth[c.Server.TLSClientAuth] {
			return fmt.Errorf("server.tls_client_auth must be one of: none, request, require")
		}

		if (c.Server.TLSClientAuth == "request" || c.Server.TLSClientAuth == "require") && c.Server.TLSCAFile == "" {
			return fmt.Errorf("server.tls_ca_file required when tls_client_auth is '%s'", c.Server.TLSClientAuth)
		}
	}
	if c.Server.DTLSEnabled {
		if c.Server.DTLSAddr == "" {
			return fmt.Errorf("server.dtls_addr cannot be empty")
		}
		if c.Server.DTLSMaxConn < 0 {
			return fmt.Errorf("server.dtls_max_connections cannot be negative")
		}
		if c.Server.DTLSMTU < 576 {
			return fmt.Errorf("server.dtls_mtu must be at least 576")
		}
	}

	p := c.Protocol
	if p.AckTimeout < 10*time.Millisecond {
		return fmt.Errorf("protocol.ack_timeout must be at least 10ms")
	}
	if p.RetryBaseDelay <= 0 {
		return fmt.Errorf("protocol.retry_base_delay must be positive")
	}
	if p.RetryMaxDelay < p.RetryBaseDelay {
		return fmt.Errorf("protocol.retry_max_delay must not be lower than protocol.retry_base_delay")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("protocol.max_retries cannot be negative")
	}
	if p.MaxPayload < 1024 {
		return fmt.Errorf("protocol.max_payload must be at least 1KB")
	}
	if p.ChunkSize < 1 || p.ChunkSize >= p.MaxPayload {
		return fmt.Errorf("protocol.chunk_size must be positive and below protocol.max_payload")
	}
	if p.HeartbeatInterval < time.Second {
		return fmt.Errorf("protocol.heartbeat_interval must be at least 1 second")
	}
	if p.ConnectionTimeout <= p.HeartbeatInterval {
		return fmt.Errorf("protocol.connection_timeout must exceed protocol.heartbeat_interval")
	}
	if p.FragmentTTL < time.Second {
		return fmt.Errorf("protocol.fragment_ttl must be at least 1 second")
	}
	if p.MaxFragmentGroups < 1 {
		return fmt.Errorf("protocol.max_fragment_groups must be at least 1")
	}
	if p.MaxReorderBuffer < 1 {
		return fmt.Errorf("protocol.max_reorder_buffer must be at least 1")
	}
	if p.DeliveredSetSize < 1 {
		return fmt.Errorf("protocol.delivered_set_size must be at least 1")
	}
	if p.MaxQueueSize < 10 {
		return fmt.Errorf("protocol.max_queue_size must be at least 10")
	}
	if p.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("protocol.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("session.max_sessions must be at least 1")
	}
	if c.Session.ExpiryInterval < 0 {
		return fmt.Errorf("session.expiry_interval cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
