package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-flow/pkg/flow"
)

// BuildPipeline constructs the configured elements through registry and
// assembles them into a pipeline.
func BuildPipeline(ctx context.Context, cfg *Config, registry *flow.ElementRegistry, logger *slog.Logger) (*flow.Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}

	b := flow.NewBuilder(flow.Config{
		ID:                   cfg.Pipeline.ID,
		Logger:               logger,
		SurfaceProcessErrors: cfg.Pipeline.SurfaceProcessErrors,
	})

	for i, spec := range cfg.Pipeline.Elements {
		if len(spec.Parallel) == 0 {
			el, err := registry.Build(ctx, spec.Kind, spec.Parameters, logger)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			b.Add(el)
			continue
		}

		group := make([]flow.Element, 0, len(spec.Parallel))
		for j, inner := range spec.Parallel {
			el, err := registry.Build(ctx, inner.Kind, inner.Parameters, logger)
			if err != nil {
				return nil, fmt.Errorf("element %d parallel %d: %w", i, j, err)
			}
			group = append(group, el)
		}
		b.AddParallel(group...)
	}

	return b.Build()
}
