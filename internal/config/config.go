// Package config provides configuration loading for pulsed.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then PULSED_* environment variables. See LoadWithFile for precedence rules.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete pulsed configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Store         StoreConfig         `koanf:"store"`
	Vault         VaultConfig         `koanf:"vault"`
	Sessions      SessionsConfig      `koanf:"sessions"`
	Ingest        IngestConfig        `koanf:"ingest"`
	NATS          NATSConfig          `koanf:"nats"`
	Patterns      PatternsConfig      `koanf:"patterns"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure        bool   `koanf:"insecure"`
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
}

// StoreConfig holds event store configuration.
type StoreConfig struct {
	Backend        string        `koanf:"backend"` // "memory" or "sqlite"
	SQLitePath     string        `koanf:"sqlite_path"`
	Retention      time.Duration `koanf:"retention"`
	SweepSchedule  string        `koanf:"sweep_schedule"`
	SweepBatchSize int           `koanf:"sweep_batch_size"`
	MaxFutureSkew  time.Duration `koanf:"max_future_skew"`
	DedupWindow    time.Duration `koanf:"dedup_window"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryBackoff   time.Duration `koanf:"retry_backoff"`
}

// minVaultSaltLen matches vault.MinSaltLen.
const minVaultSaltLen = 16

// VaultConfig holds encryption-at-rest configuration.
//
// Either KeyFile or Passphrase must be set. KeyFile takes precedence.
// Passphrase mode needs an installation-specific Salt; there is no default.
type VaultConfig struct {
	KeyFile    string `koanf:"key_file"`
	Passphrase Secret `koanf:"passphrase"`
	Salt       string `koanf:"salt"`
	Watch      bool   `koanf:"watch"`
}

// SessionsConfig holds session registry configuration.
type SessionsConfig struct {
	Backend            string        `koanf:"backend"` // "memory" or "redis"
	StalenessThreshold time.Duration `koanf:"staleness_threshold"`
	RecordTTL          time.Duration `koanf:"record_ttl"`
	PruneInterval      time.Duration `koanf:"prune_interval"`
	RedisAddr          string        `koanf:"redis_addr"`
	RedisPassword      Secret        `koanf:"redis_password"`
	RedisDB            int           `koanf:"redis_db"`
	RedisPrefix        string        `koanf:"redis_prefix"`
}

// IngestConfig holds ingestion gateway limits.
type IngestConfig struct {
	MaxPayloadBytes int     `koanf:"max_payload_bytes"`
	RateLimit       float64 `koanf:"rate_limit"` // events per second per session; 0 disables
	RateBurst       int     `koanf:"rate_burst"`
}

// NATSConfig holds notification bus configuration.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	Embedded      bool   `koanf:"embedded"`
	SubjectPrefix string `koanf:"subject_prefix"`
	QueueGroup    string `koanf:"queue_group"`
}

// PatternsConfig holds behavioral detector thresholds and weights.
type PatternsConfig struct {
	AnalysisWindow     time.Duration `koanf:"analysis_window"`
	CacheTTL           time.Duration `koanf:"cache_ttl"`
	FocusThreshold     float64       `koanf:"focus_threshold"`
	RhythmThreshold    float64       `koanf:"rhythm_threshold"`
	SustainedFlow      time.Duration `koanf:"sustained_flow"`
	Segment            time.Duration `koanf:"segment"`
	IdleGap            time.Duration `koanf:"idle_gap"`
	EditLoopCount      int           `koanf:"edit_loop_count"`
	EditLoopWindow     time.Duration `koanf:"edit_loop_window"`
	ErrorTimeout       time.Duration `koanf:"error_timeout"`
	RepeatedErrorCount int           `koanf:"repeated_error_count"`
	MaxSwitchesPerHour float64       `koanf:"max_switches_per_hour"`
	TestPassWeight     float64       `koanf:"test_pass_weight"`
	SwitchWeight       float64       `koanf:"switch_weight"`
	ErrorWeight        float64       `koanf:"error_weight"`
	LongSession        time.Duration `koanf:"long_session"`
	BreakLookback      time.Duration `koanf:"break_lookback"`
	BreakResetGap      time.Duration `koanf:"break_reset_gap"`
	BreakErrorCount    int           `koanf:"break_error_count"`
	BreakSwitchRate    float64       `koanf:"break_switch_rate"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "pulsed",
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend:        "memory",
			SQLitePath:     "~/.config/pulsed/events.db",
			Retention:      30 * 24 * time.Hour,
			SweepSchedule:  "@every 5m",
			SweepBatchSize: 500,
			MaxFutureSkew:  24 * time.Hour,
			DedupWindow:    2 * time.Second,
			WriteTimeout:   2 * time.Second,
			ReadTimeout:    1 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   50 * time.Millisecond,
		},
		Vault: VaultConfig{
			KeyFile: "~/.config/pulsed/keyring.json",
		},
		Sessions: SessionsConfig{
			Backend:            "memory",
			StalenessThreshold: 90 * time.Second,
			RecordTTL:          24 * time.Hour,
			PruneInterval:      10 * time.Minute,
			RedisAddr:          "localhost:6379",
			RedisPrefix:        "pulsed:sessions:",
		},
		Ingest: IngestConfig{
			MaxPayloadBytes: 64 * 1024,
			RateLimit:       50,
			RateBurst:       200,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "pulsed.events",
			QueueGroup:    "pulsed-analytics",
		},
		Patterns: PatternsConfig{
			AnalysisWindow:     60 * time.Minute,
			CacheTTL:           30 * time.Second,
			FocusThreshold:     0.6,
			RhythmThreshold:    0.3,
			SustainedFlow:      15 * time.Minute,
			Segment:            5 * time.Minute,
			IdleGap:            5 * time.Minute,
			EditLoopCount:      5,
			EditLoopWindow:     10 * time.Minute,
			ErrorTimeout:       10 * time.Minute,
			RepeatedErrorCount: 3,
			MaxSwitchesPerHour: 60,
			TestPassWeight:     0.5,
			SwitchWeight:       0.25,
			ErrorWeight:        0.25,
			LongSession:        2 * time.Hour,
			BreakLookback:      4 * time.Hour,
			BreakResetGap:      30 * time.Minute,
			BreakErrorCount:    5,
			BreakSwitchRate:    10,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path required for sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (memory, sqlite)", c.Store.Backend)
	}
	if c.Store.Retention <= 0 {
		return errors.New("store.retention must be positive")
	}
	if c.Store.SweepBatchSize <= 0 {
		return errors.New("store.sweep_batch_size must be positive")
	}
	if c.Store.WriteTimeout <= 0 || c.Store.ReadTimeout <= 0 {
		return errors.New("store timeouts must be positive")
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("store.max_retries must be >= 0, got %d", c.Store.MaxRetries)
	}

	if c.Vault.KeyFile == "" && !c.Vault.Passphrase.IsSet() {
		return errors.New("vault requires key_file or passphrase")
	}
	if c.Vault.Passphrase.IsSet() && len(c.Vault.Salt) < minVaultSaltLen {
		return fmt.Errorf("vault.salt must be at least %d bytes when vault.passphrase is set", minVaultSaltLen)
	}

	switch c.Sessions.Backend {
	case "memory":
	case "redis":
		if c.Sessions.RedisAddr == "" {
			return errors.New("sessions.redis_addr required for redis backend")
		}
	default:
		return fmt.Errorf("unknown sessions backend %q (memory, redis)", c.Sessions.Backend)
	}
	if c.Sessions.StalenessThreshold <= 0 {
		return errors.New("sessions.staleness_threshold must be positive")
	}
	if c.Sessions.RecordTTL < c.Sessions.StalenessThreshold {
		return errors.New("sessions.record_ttl must be >= staleness_threshold")
	}

	if c.Ingest.MaxPayloadBytes <= 0 {
		return errors.New("ingest.max_payload_bytes must be positive")
	}
	if c.Ingest.RateLimit < 0 {
		return errors.New("ingest.rate_limit must be >= 0")
	}

	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		return errors.New("nats.url required when nats is enabled")
	}

	p := c.Patterns
	if p.FocusThreshold < 0 || p.FocusThreshold > 1 || p.RhythmThreshold < 0 || p.RhythmThreshold > 1 {
		return errors.New("patterns thresholds must be within [0,1]")
	}
	if p.TestPassWeight < 0 || p.SwitchWeight < 0 || p.ErrorWeight < 0 {
		return errors.New("patterns weights must be >= 0")
	}
	if p.TestPassWeight+p.SwitchWeight+p.ErrorWeight == 0 {
		return errors.New("at least one patterns weight must be positive")
	}
	if p.Segment <= 0 || p.AnalysisWindow <= 0 {
		return errors.New("patterns.segment and patterns.analysis_window must be positive")
	}

	return nil
}
