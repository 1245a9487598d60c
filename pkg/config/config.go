// Package config provides configuration structures and loading logic for flow pipelines.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Config holds the global configuration for a flow process.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	ResourceTags map[string]string `yaml:"resource_tags,omitempty"`
}

// PipelineConfig describes the element chain of one pipeline.
type PipelineConfig struct {
	ID                   string        `yaml:"id"`
	SurfaceProcessErrors bool          `yaml:"surface_process_errors"`
	Elements             []ElementSpec `yaml:"elements"`
}

// ElementSpec is one stage. A spec with Parallel set runs those elements
// concurrently and carries no Kind of its own.
type ElementSpec struct {
	Kind       string         `yaml:"kind"`
	Parameters map[string]any `yaml:"parameters,omitempty"`
	Parallel   []ElementSpec  `yaml:"parallel,omitempty"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "flow",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("FLOW_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("FLOW_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("FLOW_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("FLOW_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("FLOW_OTLP_HEADERS"); val != "" {
		cfg.Telemetry.Headers = mergePairs(cfg.Telemetry.Headers, val)
	}
	if val := os.Getenv("FLOW_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}
	if val := os.Getenv("FLOW_RESOURCE_TAGS"); val != "" {
		cfg.Telemetry.ResourceTags = mergePairs(cfg.Telemetry.ResourceTags, val)
	}

	if val := os.Getenv("FLOW_PIPELINE_ID"); val != "" {
		cfg.Pipeline.ID = val
	}
}

// mergePairs adds comma separated key=value pairs to dst. A pair without "="
// is kept with an empty key so validation reports it.
func mergePairs(dst map[string]string, raw string) map[string]string {
	if dst == nil {
		dst = make(map[string]string)
	}
	for _, pair := range strings.Split(raw, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			key, value = "", pair
		}
		dst[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return dst
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline configuration: %w", err)
	}

	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	if strings.TrimSpace(c.Format) == "" {
		c.Format = "text"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("%w: invalid log level %q, supported levels: debug, info, warn, error", domain.ErrConfigInvalid, c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "text", "json":
		c.Format = format
	default:
		return fmt.Errorf("%w: invalid log format %q, supported formats: text, json", domain.ErrConfigInvalid, c.Format)
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "flow"
	}
	c.Environment = strings.TrimSpace(c.Environment)

	if len(c.Headers) > 0 && strings.TrimSpace(c.OTLPEndpoint) == "" {
		return fmt.Errorf("%w: headers require otlp_endpoint", domain.ErrConfigInvalid)
	}
	for key, value := range c.Headers {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: header %q has an empty name", domain.ErrConfigInvalid, value)
		}
	}
	for key := range c.ResourceTags {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: resource tag with an empty name", domain.ErrConfigInvalid)
		}
		if key == "service.name" || key == "deployment.environment" {
			return fmt.Errorf("%w: resource tag %q is reserved, use service_name or environment", domain.ErrConfigInvalid, key)
		}
	}
	return nil
}

// Validate checks every stage has something to run.
func (c *PipelineConfig) Validate() error {
	if len(c.Elements) == 0 {
		return fmt.Errorf("%w: pipeline has no elements", domain.ErrConfigInvalid)
	}
	var errs []error
	for i := range c.Elements {
		if err := c.Elements[i].validate(false); err != nil {
			errs = append(errs, fmt.Errorf("element %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (s *ElementSpec) validate(nested bool) error {
	kind := strings.TrimSpace(s.Kind)
	switch {
	case len(s.Parallel) > 0 && nested:
		return fmt.Errorf("%w: parallel groups cannot be nested", domain.ErrConfigInvalid)
	case len(s.Parallel) > 0 && kind != "":
		return fmt.Errorf("%w: kind %q set on a parallel group", domain.ErrConfigInvalid, kind)
	case len(s.Parallel) > 0:
		for i := range s.Parallel {
			if err := s.Parallel[i].validate(true); err != nil {
				return fmt.Errorf("parallel %d: %w", i, err)
			}
		}
		return nil
	case kind == "":
		return fmt.Errorf("%w: kind is required", domain.ErrConfigInvalid)
	}
	s.Kind = kind
	return nil
}
