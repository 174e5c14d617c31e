package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level     zapcore.Level
	Format    string
	Output    OutputConfig
	Sampling  SamplingConfig
	Caller    CallerConfig
	Fields    map[string]string
	Redaction RedactionConfig
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	Stdout bool
	OTEL   bool

	// Writer replaces os.Stdout for the stdout core when non-nil.
	Writer zapcore.WriteSyncer
}

// SamplingConfig controls log volume reduction below Error.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// CallerConfig controls caller information in logs.
type CallerConfig struct {
	Enabled bool
	Skip    int
}

// RedactionConfig controls sensitive data redaction.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Caller: CallerConfig{
			Enabled: true,
			Skip:    1,
		},
		Fields: map[string]string{
			"service": "pulsed",
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"payload", "plaintext", "passphrase", "key", "secret",
				"password", "token", "authorization", "redis_password",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)passphrase[=:]\s*\S+`,
			},
		},
	}
}

// FromSettings builds a default config with the operator-facing level and format.
func FromSettings(level, format string) (*Config, error) {
	cfg := NewDefaultConfig()
	if level != "" {
		l, err := LevelFromString(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = l
	}
	if format != "" {
		cfg.Format = format
	}
	return cfg, cfg.Validate()
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	if c.Caller.Enabled && c.Caller.Skip < 0 {
		return fmt.Errorf("caller skip must be >= 0, got %d", c.Caller.Skip)
	}
	if c.Redaction.Enabled {
		for _, pattern := range c.Redaction.Patterns {
			if len(pattern) > 200 {
				return fmt.Errorf("redaction pattern too long (max 200 chars): %q", pattern)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", pattern, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}
