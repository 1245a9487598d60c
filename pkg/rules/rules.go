package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/polisai/polis-flow/pkg/cache"
	"github.com/polisai/polis-flow/pkg/datafile"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/evidence"
	"github.com/polisai/polis-flow/pkg/flow"
)

const (
	defaultEntrypoint    = "flow/decision"
	defaultCacheCapacity = 1024
)

// Options control rules element construction.
type Options struct {
	DataKey string
	// Entrypoint is the decision path, e.g. "flow/decision".
	Entrypoint string
	// Modules holds Rego sources keyed by module name.
	Modules map[string]string
	// ModuleFile is an extra Rego file read at construction and on every refresh.
	ModuleFile string
	// EvidenceKeys limits the evidence passed to the policy. Empty accepts all keys.
	EvidenceKeys []string
	// Outputs declares the properties the decision produces.
	Outputs flow.Properties
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	// CacheMetrics, when set, counts decision cache traffic.
	CacheMetrics         *cache.Metrics
	RestrictedProperties []string
	// DataFile keeps ModuleFile current.
	DataFile *datafile.DataFile
	Logger   *slog.Logger
}

// Element evaluates a Rego decision against the request evidence. The
// decision object becomes the element's aspect data.
type Element struct {
	*engine.Engine

	entrypoint string
	modules    map[string]string
	moduleFile string
	lru        *cache.LRU[string, flow.ElementData]
	query      atomic.Pointer[rego.PreparedEvalQuery]
	logger     *slog.Logger
}

// New compiles the modules and returns the element.
func New(ctx context.Context, opts Options) (*Element, error) {
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 && opts.ModuleFile == "" {
		return nil, errors.New("rules element requires at least one rego module")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	el := &Element{
		entrypoint: entry,
		modules:    make(map[string]string, len(opts.Modules)),
		moduleFile: opts.ModuleFile,
		logger:     logger,
	}
	for name, src := range opts.Modules {
		el.modules[name] = src
	}

	var decisions cache.DataKeyedCache[string, flow.ElementData]
	if maxEntries > 0 {
		lru, err := cache.NewLRU[string, flow.ElementData](maxEntries)
		if err != nil {
			return nil, err
		}
		el.lru = lru
		decisions = lru
		if opts.CacheMetrics != nil {
			decisions = cache.Instrument(decisions, opts.CacheMetrics, opts.DataKey)
		}
	}

	var filter evidence.KeyFilter
	if len(opts.EvidenceKeys) > 0 {
		filter = evidence.NewListFilter(opts.EvidenceKeys...)
	}

	eng, err := engine.New(engine.Config{
		Element: flow.ElementConfig{
			DataKey:    opts.DataKey,
			Filter:     filter,
			Properties: opts.Outputs,
			Process:    el.evaluate,
		},
		Cache:                decisions,
		RestrictedProperties: opts.RestrictedProperties,
		Refresh:              el.reload,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}
	el.Engine = eng

	if err := el.reload(ctx); err != nil {
		return nil, err
	}
	if opts.DataFile != nil {
		if opts.DataFile.Path == "" {
			opts.DataFile.Path = opts.ModuleFile
		}
		el.RegisterDataFile(opts.DataFile)
	}
	return el, nil
}

// reload recompiles every module, then drops cached decisions.
func (e *Element) reload(ctx context.Context) error {
	sources := make(map[string]string, len(e.modules)+1)
	for name, src := range e.modules {
		sources[name] = src
	}
	if e.moduleFile != "" {
		// #nosec G304 -- module file is configured at startup
		data, err := os.ReadFile(e.moduleFile)
		if err != nil {
			return fmt.Errorf("read rego module %s: %w", e.moduleFile, err)
		}
		sources[e.moduleFile] = string(data)
	}

	prepared, err := compile(ctx, e.entrypoint, sources)
	if err != nil {
		return err
	}
	e.query.Store(prepared)
	if e.lru != nil {
		e.lru.Clear()
	}
	e.logger.Debug("rego modules compiled", "modules", len(sources), "entrypoint", e.entrypoint)
	return nil
}

func compile(ctx context.Context, entry string, sources map[string]string) (*rego.PreparedEvalQuery, error) {
	order := make([]string, 0, len(sources))
	for name := range sources {
		order = append(order, name)
	}
	sort.Strings(order)

	opts := make([]func(*rego.Rego), 0, len(order)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range order {
		module, err := ast.ParseModuleWithOpts(name, sources[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		opts = append(opts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return &prepared, nil
}

func (e *Element) evaluate(ctx context.Context, fd *flow.FlowData) error {
	input := map[string]any{
		"evidence": evidence.FilterEvidence(e.EvidenceKeyFilter(), fd.Evidence().All()),
	}

	results, err := e.query.Load().Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("rego decision: %w", err)
	}

	decision := map[string]any{}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		payload, ok := results[0].Expressions[0].Value.(map[string]any)
		if !ok {
			return fmt.Errorf("rego decision: unexpected result type %T", results[0].Expressions[0].Value)
		}
		for k, v := range payload {
			decision[k] = normalize(v)
		}
	}

	fd.SetElementData(e.NewAspectData(decision))
	return nil
}

// NewAspectData returns aspect data produced by the rules element itself, so
// restricted properties and missing property reasons apply.
func (e *Element) NewAspectData(contents map[string]any) *flow.AspectData {
	return flow.NewAspectDictionary(e, contents)
}

// normalize turns OPA numbers into int64 or float64.
func normalize(v any) any {
	switch typed := v.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, inner := range typed {
			out[k] = normalize(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = normalize(inner)
		}
		return out
	default:
		return v
	}
}
