// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"time"

	mtls "github.com/absmach/fluxmesh/pkg/tls"
	"github.com/absmach/fluxmesh/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the messaging fabric.
type Config struct {
	Fabric    FabricConfig     `yaml:"fabric"`
	Server    ServerConfig     `yaml:"server"`
	Endpoint  EndpointConfig   `yaml:"endpoint"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Log       LogConfig        `yaml:"log"`
	Webhook   WebhookConfig    `yaml:"webhook"`
}

// FabricConfig holds the participant side settings used by the orchestrator
// and its connections.
type FabricConfig struct {
	EndpointURL   string   `yaml:"endpoint_url"`
	BackupURLs    []string `yaml:"backup_urls"`
	ParticipantID string   `yaml:"participant_id"`
	Token         string   `yaml:"token"`

	// Reconnection
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BaseBackoff          time.Duration `yaml:"base_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`

	// Liveness
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	OnlineThreshold   time.Duration `yaml:"online_threshold"`

	// Capacities
	HistoryCapacity      int `yaml:"history_capacity"`
	DispatchLaneCapacity int `yaml:"dispatch_lane_capacity"`
	MaxPendingResponses  int `yaml:"max_pending_responses"`

	// Topology
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	DrainInterval    time.Duration `yaml:"drain_interval"`

	// Correlation
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// SealKey is a base64 shared secret; empty disables payload sealing.
	SealKey string `yaml:"seal_key"`
}

// ServerConfig holds listener and telemetry configuration.
type ServerConfig struct {
	PrimaryAddr     string        `yaml:"primary_addr"`
	BackupAddr      string        `yaml:"backup_addr"` // empty disables the backup endpoint
	WSPath          string        `yaml:"ws_path"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	TLS             mtls.Config   `yaml:"tls"` // applies to both endpoint listeners
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP collector endpoint
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// EndpointConfig holds server side connection management settings.
type EndpointConfig struct {
	IdleProbe        time.Duration `yaml:"idle_probe"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	SendBuffer       int           `yaml:"send_buffer"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// Tokens accepted on subscribe; empty accepts any participant.
	Tokens []string `yaml:"tokens"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	IncludeContent  bool              `yaml:"include_content"`  // Include message content in events
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name           string            `yaml:"name"`
	Type           string            `yaml:"type"` // "http"
	URL            string            `yaml:"url"`
	Events         []string          `yaml:"events"`          // Event type filter (empty = all)
	SubjectFilters []string          `yaml:"subject_filters"` // Participant or link filter (empty = all)
	Headers        map[string]string `yaml:"headers"`
	Timeout        time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry          *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Fabric: FabricConfig{
			EndpointURL:          "ws://localhost:8765/fabric",
			BackupURLs:           []string{"ws://localhost:8766/fabric"},
			ParticipantID:        "system",
			MaxReconnectAttempts: 5,
			BaseBackoff:          1 * time.Second,
			MaxBackoff:           30 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			OnlineThreshold:      60 * time.Second,
			HistoryCapacity:      1000,
			DispatchLaneCapacity: 1000,
			MaxPendingResponses:  10000,
			ProbeInterval:        30 * time.Second,
			FailureThreshold:     3,
			DrainInterval:        100 * time.Millisecond,
			AckTimeout:           10 * time.Second,
			ResponseTimeout:      30 * time.Second,
		},
		Server: ServerConfig{
			PrimaryAddr:         ":8765",
			BackupAddr:          ":8766",
			WSPath:              "/fabric",
			WriteTimeout:        10 * time.Second,
			ShutdownTimeout:     30 * time.Second,
			HealthAddr:          ":8081",
			HealthEnabled:       true,
			MetricsAddr:         "localhost:4317",
			MetricsEnabled:      false,
			OtelServiceName:     "fluxmesh",
			OtelServiceVersion:  "1.0.0",
			OtelTracesEnabled:   false,
			OtelMetricsEnabled:  true,
			OtelTraceSampleRate: 0.1,
		},
		Endpoint: EndpointConfig{
			IdleProbe:        60 * time.Second,
			IdleTimeout:      300 * time.Second,
			ReapInterval:     10 * time.Second,
			SendBuffer:       256,
			HandshakeTimeout: 10 * time.Second,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			IncludeContent:  false,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
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
	if err := c.Fabric.validate(); err != nil {
		return err
	}

	if c.Server.PrimaryAddr == "" {
		return fmt.Errorf("server.primary_addr cannot be empty")
	}
	if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
		return fmt.Errorf("server.ws_path must start with '/'")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls requires both cert_file and key_file")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Endpoint.IdleTimeout > 0 && c.Endpoint.IdleProbe >= c.Endpoint.IdleTimeout {
		return fmt.Errorf("endpoint.idle_probe must be shorter than endpoint.idle_timeout")
	}
	if c.Endpoint.SendBuffer < 1 {
		return fmt.Errorf("endpoint.send_buffer must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.Type != "http" {
				return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

func (f FabricConfig) validate() error {
	if err := validateWSURL("fabric.endpoint_url", f.EndpointURL); err != nil {
		return err
	}
	for i, u := range f.BackupURLs {
		if err := validateWSURL(fmt.Sprintf("fabric.backup_urls[%d]", i), u); err != nil {
			return err
		}
	}
	if f.ParticipantID == "" {
		return fmt.Errorf("fabric.participant_id cannot be empty")
	}
	if f.MaxReconnectAttempts < 0 {
		return fmt.Errorf("fabric.max_reconnect_attempts cannot be negative")
	}
	if f.BaseBackoff <= 0 {
		return fmt.Errorf("fabric.base_backoff must be positive")
	}
	if f.MaxBackoff < f.BaseBackoff {
		return fmt.Errorf("fabric.max_backoff must be at least fabric.base_backoff")
	}
	if f.HeartbeatInterval <= 0 {
		return fmt.Errorf("fabric.heartbeat_interval must be positive")
	}
	if f.OnlineThreshold <= 0 {
		return fmt.Errorf("fabric.online_threshold must be positive")
	}
	if f.HistoryCapacity < 1 {
		return fmt.Errorf("fabric.history_capacity must be at least 1")
	}
	if f.DispatchLaneCapacity < 1 {
		return fmt.Errorf("fabric.dispatch_lane_capacity must be at least 1")
	}
	if f.ProbeInterval <= 0 {
		return fmt.Errorf("fabric.probe_interval must be positive")
	}
	if f.FailureThreshold < 1 {
		return fmt.Errorf("fabric.failure_threshold must be at least 1")
	}
	if f.AckTimeout <= 0 || f.ResponseTimeout <= 0 {
		return fmt.Errorf("fabric.ack_timeout and fabric.response_timeout must be positive")
	}
	if f.SealKey != "" {
		if _, err := f.DecodeSealKey(); err != nil {
			return err
		}
	}
	return nil
}

// DecodeSealKey returns the raw seal key, or nil when sealing is disabled.
func (f FabricConfig) DecodeSealKey() ([]byte, error) {
	if f.SealKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(f.SealKey)
	if err != nil {
		return nil, fmt.Errorf("fabric.seal_key must be base64: %w", err)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("fabric.seal_key must decode to at least 16 bytes")
	}
	return key, nil
}

func validateWSURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s must use ws or wss scheme", field)
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
