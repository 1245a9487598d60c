package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/polisai/polis-flow/pkg/cache"
	"github.com/polisai/polis-flow/pkg/datafile"
	"github.com/polisai/polis-flow/pkg/evidence"
	"github.com/polisai/polis-flow/pkg/flow"
)

// UpdateServiceKey is the pipeline service bag key of the shared update service.
const UpdateServiceKey = "datafile.update-service"

// RefreshFunc reloads an engine after its data changed.
type RefreshFunc func(ctx context.Context) error

// Config holds engine settings.
type Config struct {
	Element flow.ElementConfig
	// Cache short-circuits processing for evidence seen before. Nil disables caching.
	Cache cache.DataKeyedCache[string, flow.ElementData]
	// RestrictedProperties limits which properties callers may read. Empty
	// means all of them.
	RestrictedProperties []string
	Refresh              RefreshFunc
	// UpdateService configures the update service created for each pipeline
	// the engine joins with data files registered. The first engine needing
	// the service in a pipeline creates it. Its logger defaults to the
	// pipeline logger.
	UpdateService datafile.ServiceConfig
	Logger        *slog.Logger
}

// Engine is an element with an optional result cache, restricted properties
// and data files kept current by an update service.
type Engine struct {
	*flow.BaseElement

	cache      cache.DataKeyedCache[string, flow.ElementData]
	restricted []string
	refresh    RefreshFunc
	serviceCfg datafile.ServiceConfig
	logger     *slog.Logger

	mu        sync.RWMutex
	dataFiles []*datafile.DataFile
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	base, err := flow.NewBaseElement(cfg.Element)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		BaseElement: base,
		cache:       cfg.Cache,
		restricted:  append([]string(nil), cfg.RestrictedProperties...),
		refresh:     cfg.Refresh,
		serviceCfg:  cfg.UpdateService,
		logger:      logger.With("data_key", base.DataKey()),
	}, nil
}

// Process answers from the cache when the filtered evidence was seen before,
// and otherwise runs the process hook. Only successful runs are cached.
func (e *Engine) Process(ctx context.Context, fd *flow.FlowData) error {
	if e.cache == nil {
		return e.ProcessInternal(ctx, fd)
	}

	key, err := e.cacheKey(fd)
	if err != nil {
		e.logger.Debug("evidence is not cacheable", "error", err)
		return e.ProcessInternal(ctx, fd)
	}

	if cached, ok := e.cache.Get(key); ok {
		fd.SetElementData(cached)
		flow.ReportCacheHit(ctx)
		return nil
	}

	if err := e.ProcessInternal(ctx, fd); err != nil {
		return err
	}
	if data, err := fd.Get(e.DataKey()); err == nil {
		e.cache.Put(key, data)
	}
	return nil
}

// cacheKey serializes the evidence the engine accepts. Map keys are sorted by
// encoding/json, so equal evidence gives equal keys.
func (e *Engine) cacheKey(fd *flow.FlowData) (string, error) {
	filtered := evidence.FilterEvidence(e.EvidenceKeyFilter(), fd.Evidence().All())
	raw, err := json.Marshal(filtered)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// NewAspectData returns aspect data produced by e.
func (e *Engine) NewAspectData(contents map[string]any, opts ...flow.AspectOption) *flow.AspectData {
	return flow.NewAspectDictionary(e, contents, opts...)
}

// RestrictedProperties returns the property allow-list.
func (e *Engine) RestrictedProperties() []string {
	return append([]string(nil), e.restricted...)
}

// Refresh reloads the engine. Without a refresh hook it does nothing.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.refresh == nil {
		return nil
	}
	return e.refresh(ctx)
}

// RegisterDataFile attaches df to the engine. The file is handed to one
// update service per pipeline when the engine joins it, so call this before
// building pipelines. A nil df.Refresh defaults to Engine.Refresh.
func (e *Engine) RegisterDataFile(df *datafile.DataFile) {
	if df.Refresh == nil {
		df.Refresh = e.Refresh
	}

	e.mu.Lock()
	e.dataFiles = append(e.dataFiles, df)
	e.mu.Unlock()

	e.AddRegistrationCallback(func(p *flow.Pipeline) {
		svc := e.updateService(p)
		if err := svc.Register(context.Background(), df); err != nil {
			p.Log(slog.LevelError, "datafile registration failed",
				"data_key", e.DataKey(),
				"identifier", df.Identifier,
				"error", err,
			)
		}
	})
}

// DataFiles returns the registered data files.
func (e *Engine) DataFiles() []*datafile.DataFile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*datafile.DataFile(nil), e.dataFiles...)
}

func (e *Engine) updateService(p *flow.Pipeline) *datafile.UpdateService {
	svc := p.Service(UpdateServiceKey, func() any {
		cfg := e.serviceCfg
		if cfg.Logger == nil {
			cfg.Logger = p.Logger()
		}
		return datafile.NewUpdateService(cfg)
	})
	return svc.(*datafile.UpdateService)
}
