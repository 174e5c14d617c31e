// Package telemetry wires OpenTelemetry tracing and metrics for pulsed.
//
// Telemetry is optional. When disabled, or when an exporter cannot be
// created, Tracer and Meter fall back to the global no-op providers and the
// daemon keeps running.
package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/pulsed/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled         bool
	Endpoint        string
	Protocol        string // "grpc" or "http/protobuf"
	ServiceName     string
	ServiceVersion  string
	Insecure        bool
	SampleRate      float64
	MetricsInterval time.Duration
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns telemetry defaults. Disabled, since most local
// installs have no collector.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		ServiceName:     "pulsed",
		ServiceVersion:  "dev",
		Insecure:        true,
		SampleRate:      1.0,
		MetricsInterval: 15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromObservability maps the operator-facing observability section onto a telemetry Config.
func FromObservability(obs config.ObservabilityConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = obs.EnableTelemetry
	if obs.Endpoint != "" {
		cfg.Endpoint = obs.Endpoint
	}
	if obs.Protocol != "" {
		cfg.Protocol = obs.Protocol
	}
	if obs.ServiceName != "" {
		cfg.ServiceName = obs.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Insecure = obs.Insecure
	return cfg
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	if c.Protocol != "grpc" && c.Protocol != "http/protobuf" {
		return fmt.Errorf("protocol must be grpc or http/protobuf, got %q", c.Protocol)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return fmt.Errorf("insecure connections to remote endpoints are not allowed; set insecure=false or use a local endpoint")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("metrics interval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]"); idx != -1 {
			host = host[1:idx]
		}
	} else if strings.Count(host, ":") == 1 {
		host = host[:strings.LastIndex(host, ":")]
	}
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
