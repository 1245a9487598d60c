// Package builtin registers the element kinds shipped with the module so
// pipelines can be assembled from configuration.
package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/polis-flow/pkg/cache"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/flow"
	"github.com/polisai/polis-flow/pkg/lookup"
	"github.com/polisai/polis-flow/pkg/rules"
)

// Kind names accepted by Register.
const (
	KindRules  = "rules.rego"
	KindLookup = "lookup.table"
)

// Option adjusts the registered factories.
type Option func(*factories)

// WithCacheMetrics counts decision cache traffic of every rules element.
func WithCacheMetrics(m *cache.Metrics) Option {
	return func(f *factories) { f.cacheMetrics = m }
}

type factories struct {
	cacheMetrics *cache.Metrics
}

// Register adds the built-in kinds to reg.
func Register(reg *flow.ElementRegistry, opts ...Option) {
	f := &factories{}
	for _, opt := range opts {
		opt(f)
	}
	reg.Register(KindRules, "v1", f.buildRules, "rules")
	reg.Register(KindLookup, "v1", f.buildLookup, "lookup")
}

var rulesParams = []string{
	"data_key", "entrypoint", "modules", "module_file", "evidence_keys",
	"outputs", "cache_max_entries", "restricted_properties", "datafile",
}

func (f *factories) buildRules(ctx context.Context, raw map[string]any, logger *slog.Logger) (flow.Element, error) {
	p := &params{raw: raw}
	if extra := p.unknown(rulesParams...); len(extra) > 0 {
		return nil, fmt.Errorf("%w: unknown parameters %s", domain.ErrConfigInvalid, strings.Join(extra, ", "))
	}
	dataKey := p.string("data_key")
	opts := rules.Options{
		DataKey:              dataKey,
		Entrypoint:           p.string("entrypoint"),
		Modules:              p.stringMap("modules"),
		ModuleFile:           p.string("module_file"),
		EvidenceKeys:         p.list("evidence_keys"),
		Outputs:              p.properties("outputs"),
		CacheMaxEntries:      p.int("cache_max_entries"),
		CacheMetrics:         f.cacheMetrics,
		RestrictedProperties: p.list("restricted_properties"),
		DataFile:             p.dataFile(dataKey),
		Logger:               logger,
	}
	if p.err != nil {
		return nil, p.err
	}
	el, err := rules.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("rules element built", "data_key", dataKey, "modules_count", len(opts.Modules))
	return el, nil
}

var lookupParams = []string{
	"data_key", "path", "cache_max_entries", "restricted_properties", "datafile",
}

func (f *factories) buildLookup(_ context.Context, raw map[string]any, logger *slog.Logger) (flow.Element, error) {
	p := &params{raw: raw}
	if extra := p.unknown(lookupParams...); len(extra) > 0 {
		return nil, fmt.Errorf("%w: unknown parameters %s", domain.ErrConfigInvalid, strings.Join(extra, ", "))
	}
	dataKey := p.string("data_key")
	opts := lookup.Options{
		DataKey:              dataKey,
		Path:                 p.string("path"),
		CacheMaxEntries:      p.int("cache_max_entries"),
		RestrictedProperties: p.list("restricted_properties"),
		DataFile:             p.dataFile(dataKey),
		Logger:               logger,
	}
	if p.err != nil {
		return nil, p.err
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: lookup element requires path", domain.ErrConfigInvalid)
	}
	el, err := lookup.New(opts)
	if err != nil {
		return nil, err
	}
	logger.Info("lookup element built", "data_key", dataKey, "path", opts.Path)
	return el, nil
}
