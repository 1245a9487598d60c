package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/evidence"
)

// PropertyMeta describes one property, e.g. {"type": "string", "category": "device"}.
type PropertyMeta map[string]any

// Properties maps property names to their metadata.
type Properties map[string]PropertyMeta

// PropertySource is the part of an element the property registry reads.
type PropertySource interface {
	DataKey() string
	Properties() Properties
}

// Element is a unit of work in a pipeline. The pipeline treats every element
// uniformly through this contract.
type Element interface {
	PropertySource
	// EvidenceKeyFilter reports which evidence keys the element accepts.
	EvidenceKeyFilter() evidence.KeyFilter
	// Process runs the element against fd. Failures are returned, never panicked.
	Process(ctx context.Context, fd *FlowData) error
	// OnRegistration is called once for every pipeline the element joins.
	OnRegistration(p *Pipeline)
	// Ready blocks until the element's properties and filter are usable.
	Ready(ctx context.Context) error
}

// Restricter is implemented by elements limiting which properties callers may read.
type Restricter interface {
	RestrictedProperties() []string
}

// ProcessFunc is the work hook of an element. On success it stores its output
// with fd.SetElementData.
type ProcessFunc func(ctx context.Context, fd *FlowData) error

// ReadyFunc gates element readiness.
type ReadyFunc func(ctx context.Context) error

// ElementConfig holds the settings of a BaseElement.
type ElementConfig struct {
	DataKey    string
	Filter     evidence.KeyFilter
	Properties Properties
	Process    ProcessFunc
	Ready      ReadyFunc
}

// BaseElement implements Element around a ProcessFunc. Other element types
// embed it and override Process.
type BaseElement struct {
	dataKey string
	filter  evidence.KeyFilter
	process ProcessFunc
	ready   ReadyFunc

	mu         sync.RWMutex
	properties Properties
	callbacks  []func(*Pipeline)
	pipelines  []*Pipeline
}

// NewBaseElement validates cfg and creates the element. A nil filter accepts
// every evidence key.
func NewBaseElement(cfg ElementConfig) (*BaseElement, error) {
	key := strings.TrimSpace(cfg.DataKey)
	if key == "" {
		return nil, fmt.Errorf("element data key is required: %w", domain.ErrConfigInvalid)
	}
	filter := cfg.Filter
	if filter == nil {
		filter = evidence.AllowAll{}
	}
	return &BaseElement{
		dataKey:    key,
		filter:     filter,
		process:    cfg.Process,
		ready:      cfg.Ready,
		properties: cloneProperties(cfg.Properties),
	}, nil
}

// DataKey returns the element's unique key.
func (b *BaseElement) DataKey() string {
	return b.dataKey
}

// EvidenceKeyFilter returns the element's filter.
func (b *BaseElement) EvidenceKeyFilter() evidence.KeyFilter {
	return b.filter
}

// Properties returns a copy of the current property metadata.
func (b *BaseElement) Properties() Properties {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return cloneProperties(b.properties)
}

// Process runs the process hook.
func (b *BaseElement) Process(ctx context.Context, fd *FlowData) error {
	return b.ProcessInternal(ctx, fd)
}

// ProcessInternal runs the process hook and converts a panic into an error
// wrapping domain.ErrElementPanic. A nil hook does nothing.
func (b *BaseElement) ProcessInternal(ctx context.Context, fd *FlowData) (err error) {
	if b.process == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", domain.ErrElementPanic, b.dataKey, r)
		}
	}()
	return b.process(ctx, fd)
}

// AddRegistrationCallback queues fn to run whenever the element joins a pipeline.
func (b *BaseElement) AddRegistrationCallback(fn func(*Pipeline)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

// OnRegistration records p and runs the registration callbacks.
func (b *BaseElement) OnRegistration(p *Pipeline) {
	b.mu.Lock()
	b.pipelines = append(b.pipelines, p)
	callbacks := append([]func(*Pipeline)(nil), b.callbacks...)
	b.mu.Unlock()

	for _, fn := range callbacks {
		fn(p)
	}
}

// Pipelines returns the pipelines the element has joined.
func (b *BaseElement) Pipelines() []*Pipeline {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Pipeline(nil), b.pipelines...)
}

// Ready waits on the configured ReadyFunc, if any.
func (b *BaseElement) Ready(ctx context.Context) error {
	if b.ready == nil {
		return nil
	}
	return b.ready(ctx)
}

// UpdateProperties replaces the property metadata and resyncs the registry of
// every joined pipeline.
func (b *BaseElement) UpdateProperties(props Properties) {
	b.mu.Lock()
	b.properties = cloneProperties(props)
	pipelines := append([]*Pipeline(nil), b.pipelines...)
	b.mu.Unlock()

	for _, p := range pipelines {
		p.UpdatePropertyDatabaseForElement(b)
	}
}

func cloneProperties(in Properties) Properties {
	out := make(Properties, len(in))
	for name, meta := range in {
		copied := make(PropertyMeta, len(meta))
		for k, v := range meta {
			copied[k] = v
		}
		out[name] = copied
	}
	return out
}
