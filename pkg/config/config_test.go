package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/flow"
)

const sampleConfig = `
logging:
  level: DEBUG
  format: json

telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  environment: staging
  headers:
    authorization: "Bearer token"
  resource_tags:
    team: edge

pipeline:
  id: edge
  surface_process_errors: true
  elements:
    - kind: stub@v1
      parameters:
        key: first
    - parallel:
        - kind: stub
          parameters:
            key: left
        - kind: stub
          parameters:
            key: right
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func stubRegistry() *flow.ElementRegistry {
	reg := flow.NewElementRegistry()
	reg.Register("stub", "v1", func(_ context.Context, params map[string]any, _ *slog.Logger) (flow.Element, error) {
		key, _ := params["key"].(string)
		return flow.NewBaseElement(flow.ElementConfig{DataKey: key})
	})
	return reg
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "flow", cfg.Telemetry.ServiceName)
	assert.Equal(t, "staging", cfg.Telemetry.Environment)
	assert.Equal(t, map[string]string{"authorization": "Bearer token"}, cfg.Telemetry.Headers)
	assert.Equal(t, map[string]string{"team": "edge"}, cfg.Telemetry.ResourceTags)
	assert.Equal(t, "edge", cfg.Pipeline.ID)
	assert.True(t, cfg.Pipeline.SurfaceProcessErrors)
	require.Len(t, cfg.Pipeline.Elements, 2)
	assert.Equal(t, "stub@v1", cfg.Pipeline.Elements[0].Kind)
	assert.Equal(t, "first", cfg.Pipeline.Elements[0].Parameters["key"])
	assert.Len(t, cfg.Pipeline.Elements[1].Parallel, 2)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("FLOW_LOG_LEVEL", "warn")
	t.Setenv("FLOW_LOG_FORMAT", "text")
	t.Setenv("FLOW_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("FLOW_PIPELINE_ID", "from-env")
	t.Setenv("FLOW_ENVIRONMENT", "prod")
	t.Setenv("FLOW_OTLP_HEADERS", "x-tenant = acme, authorization=Basic abc")
	t.Setenv("FLOW_RESOURCE_TAGS", "region=eu")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Telemetry.Environment)
	assert.Equal(t, map[string]string{"authorization": "Basic abc", "x-tenant": "acme"}, cfg.Telemetry.Headers)
	assert.Equal(t, map[string]string{"team": "edge", "region": "eu"}, cfg.Telemetry.ResourceTags)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "from-env", cfg.Pipeline.ID)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "pipeline: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load("")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestConfigValidation(t *testing.T) {
	stub := []ElementSpec{{Kind: "stub"}}
	tests := []struct {
		name        string
		config      Config
		expectedErr string
	}{
		{
			name:   "valid",
			config: Config{Pipeline: PipelineConfig{Elements: stub}},
		},
		{
			name:        "invalid log level",
			config:      Config{Logging: LoggingConfig{Level: "verbose"}, Pipeline: PipelineConfig{Elements: stub}},
			expectedErr: "invalid log level",
		},
		{
			name:        "invalid log format",
			config:      Config{Logging: LoggingConfig{Format: "xml"}, Pipeline: PipelineConfig{Elements: stub}},
			expectedErr: "invalid log format",
		},
		{
			name: "headers without endpoint",
			config: Config{
				Telemetry: TelemetryConfig{Headers: map[string]string{"authorization": "x"}},
				Pipeline:  PipelineConfig{Elements: stub},
			},
			expectedErr: "headers require otlp_endpoint",
		},
		{
			name: "header without name",
			config: Config{
				Telemetry: TelemetryConfig{OTLPEndpoint: "c:4317", Headers: map[string]string{"": "token"}},
				Pipeline:  PipelineConfig{Elements: stub},
			},
			expectedErr: "empty name",
		},
		{
			name: "reserved resource tag",
			config: Config{
				Telemetry: TelemetryConfig{ResourceTags: map[string]string{"service.name": "other"}},
				Pipeline:  PipelineConfig{Elements: stub},
			},
			expectedErr: "is reserved",
		},
		{
			name:        "no elements",
			config:      Config{},
			expectedErr: "pipeline has no elements",
		},
		{
			name:        "missing kind",
			config:      Config{Pipeline: PipelineConfig{Elements: []ElementSpec{{}}}},
			expectedErr: "kind is required",
		},
		{
			name: "kind on parallel group",
			config: Config{Pipeline: PipelineConfig{Elements: []ElementSpec{
				{Kind: "stub", Parallel: stub},
			}}},
			expectedErr: "set on a parallel group",
		},
		{
			name: "nested parallel",
			config: Config{Pipeline: PipelineConfig{Elements: []ElementSpec{
				{Parallel: []ElementSpec{{Parallel: stub}}},
			}}},
			expectedErr: "cannot be nested",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectedErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "info", tt.config.Logging.Level)
				assert.Equal(t, "text", tt.config.Logging.Format)
				return
			}
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
			assert.ErrorContains(t, err, tt.expectedErr)
		})
	}
}

func TestBuildPipeline(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	p, err := BuildPipeline(context.Background(), cfg, stubRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, "edge", p.ID())
	keys := make([]string, 0, 3)
	for _, el := range p.Elements() {
		keys = append(keys, el.DataKey())
	}
	assert.ElementsMatch(t, []string{"first", "left", "right"}, keys)
}

func TestBuildPipelineUnknownKind(t *testing.T) {
	cfg := &Config{Pipeline: PipelineConfig{Elements: []ElementSpec{
		{Parallel: []ElementSpec{{Kind: "stub"}, {Kind: "missing"}}},
	}}}
	_, err := BuildPipeline(context.Background(), cfg, stubRegistry(), nil)
	assert.ErrorIs(t, err, domain.ErrUnknownElementKind)
	assert.ErrorContains(t, err, "element 0 parallel 1")
}

func TestFileProviderReloads(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	p, err := NewFileProvider(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	assert.Equal(t, "edge", p.Current().Pipeline.ID)

	updates := p.Subscribe()

	// A broken file keeps the previous configuration.
	require.NoError(t, os.WriteFile(path, []byte("pipeline: {elements: []}"), 0o600))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "edge", p.Current().Pipeline.ID)

	updated := "pipeline:\n  id: core\n  elements:\n    - kind: stub\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-updates:
		assert.Equal(t, "core", cfg.Pipeline.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
	assert.Equal(t, "core", p.Current().Pipeline.ID)
}

func TestFileProviderRequiresValidInitialConfig(t *testing.T) {
	_, err := NewFileProvider(writeConfig(t, "logging: {level: loud}"), nil)
	assert.ErrorContains(t, err, "invalid log level")
}
