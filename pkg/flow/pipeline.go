package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/evidence"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

const tracerName = "flow.pipeline"

// Config holds pipeline settings.
type Config struct {
	// ID labels logs, spans and metrics. A random ID is generated when empty.
	ID     string
	Logger *slog.Logger
	// SurfaceProcessErrors makes the first element error abort the remaining
	// stages and return from FlowData.Process. Errors are always recorded on
	// the flow data.
	SurfaceProcessErrors bool
}

// Stage is one slot of the chain: a single element, or a group run in parallel.
type Stage struct {
	elements []Element
	parallel bool
}

// Serial returns a stage running el on its own.
func Serial(el Element) Stage {
	return Stage{elements: []Element{el}}
}

// Parallel returns a stage running every element concurrently.
func Parallel(els ...Element) Stage {
	return Stage{elements: els, parallel: true}
}

// Pipeline is an immutable chain of elements shared by many flow data runs.
type Pipeline struct {
	id      string
	logger  *slog.Logger
	bus     *eventBus
	surface bool

	stages   []Stage
	order    []Element
	elements map[string]Element
	props    *propertyIndex

	ready       chan struct{}
	readyErr    error
	readyCancel context.CancelFunc

	servicesMu   sync.Mutex
	services     map[string]any
	serviceOrder []string
	closed       atomic.Bool
}

// NewPipeline validates the chain, registers every element and indexes their
// properties. Element readiness is awaited in the background; see WaitReady.
func NewPipeline(cfg Config, stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline requires at least one element: %w", domain.ErrConfigInvalid)
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}

	bus := &eventBus{}
	p := &Pipeline{
		id:       id,
		bus:      bus,
		logger:   slog.New(newEventHandler(bus, base.Handler())).With("pipeline_id", id),
		surface:  cfg.SurfaceProcessErrors,
		elements: make(map[string]Element),
		props:    newPropertyIndex(),
		ready:    make(chan struct{}),
		services: make(map[string]any),
	}

	for i, st := range stages {
		if len(st.elements) == 0 {
			return nil, fmt.Errorf("stage %d has no elements: %w", i, domain.ErrConfigInvalid)
		}
		for _, el := range st.elements {
			if el == nil {
				return nil, fmt.Errorf("stage %d contains a nil element: %w", i, domain.ErrConfigInvalid)
			}
			key := el.DataKey()
			if _, exists := p.elements[key]; exists {
				return nil, fmt.Errorf("%w: %q", domain.ErrDuplicateDataKey, key)
			}
			p.elements[key] = el
			p.order = append(p.order, el)
		}
		p.stages = append(p.stages, Stage{
			elements: append([]Element(nil), st.elements...),
			parallel: st.parallel && len(st.elements) > 1,
		})
	}

	for _, el := range p.order {
		el.OnRegistration(p)
	}
	for _, el := range p.order {
		p.UpdatePropertyDatabaseForElement(el)
	}

	readyCtx, cancel := context.WithCancel(context.Background())
	p.readyCancel = cancel
	go p.awaitReadiness(readyCtx)

	p.logger.Debug("pipeline created", "elements", len(p.order), "stages", len(p.stages))
	return p, nil
}

func (p *Pipeline) awaitReadiness(ctx context.Context) {
	defer close(p.ready)
	var errs []error
	for _, el := range p.order {
		if err := el.Ready(ctx); err != nil {
			p.logger.Warn("element not ready", "data_key", el.DataKey(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", el.DataKey(), err))
			continue
		}
		p.UpdatePropertyDatabaseForElement(el)
	}
	p.readyErr = errors.Join(errs...)
}

// WaitReady blocks until every element reported readiness and was re-indexed.
// It returns the joined readiness errors, or ctx.Err() if ctx ends first.
func (p *Pipeline) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return p.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the pipeline identifier.
func (p *Pipeline) ID() string {
	return p.id
}

// CreateFlowData returns a fresh flow data bound to p.
func (p *Pipeline) CreateFlowData() *FlowData {
	return newFlowData(p)
}

// Element returns the element registered under dataKey.
func (p *Pipeline) Element(dataKey string) (Element, bool) {
	el, ok := p.elements[dataKey]
	return el, ok
}

// Elements returns the elements in chain order.
func (p *Pipeline) Elements() []Element {
	return append([]Element(nil), p.order...)
}

// EvidenceKeyFilter accepts a key only when every element accepts it. Element
// filters are read on each call so filters replaced at runtime take effect.
func (p *Pipeline) EvidenceKeyFilter() evidence.KeyFilter {
	return evidence.KeyFilterFunc(func(key string) bool {
		for _, el := range p.order {
			f := el.EvidenceKeyFilter()
			if f != nil && !f.FilterEvidenceKey(key) {
				return false
			}
		}
		return true
	})
}

// UpdatePropertyDatabaseForElement replaces the rows of src in the property
// database. Calling it twice with the same properties yields the same database.
func (p *Pipeline) UpdatePropertyDatabaseForElement(src PropertySource) {
	p.props.update(src)
}

// PropertyDatabase returns a deep copy of the current property database.
func (p *Pipeline) PropertyDatabase() PropertyDatabase {
	return p.props.snapshot().clone()
}

// Logger returns the pipeline logger. Records written to it reach subscribers
// registered with On before the configured logger.
func (p *Pipeline) Logger() *slog.Logger {
	return p.logger
}

// Log publishes a message through the pipeline logger.
func (p *Pipeline) Log(level slog.Level, msg string, args ...any) {
	p.logger.Log(context.Background(), level, msg, args...)
}

// On subscribes fn to records at level or above, so On(slog.LevelDebug)
// also receives warnings and errors. Use OnLevel for a single event type.
func (p *Pipeline) On(level slog.Level, fn func(Event)) {
	p.bus.on(level, false, fn)
}

// OnLevel subscribes fn to records at exactly level.
func (p *Pipeline) OnLevel(level slog.Level, fn func(Event)) {
	p.bus.on(level, true, fn)
}

// Service returns the shared service stored under key, creating it with
// create on first use.
func (p *Pipeline) Service(key string, create func() any) any {
	p.servicesMu.Lock()
	defer p.servicesMu.Unlock()
	if svc, ok := p.services[key]; ok {
		return svc
	}
	if create == nil {
		return nil
	}
	svc := create()
	p.services[key] = svc
	p.serviceOrder = append(p.serviceOrder, key)
	return svc
}

// Close stops the readiness pass and closes shared services in reverse
// creation order. Subsequent calls return nil.
func (p *Pipeline) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.readyCancel()

	p.servicesMu.Lock()
	defer p.servicesMu.Unlock()

	type closer interface {
		Close() error
	}
	var errs []error
	for i := len(p.serviceOrder) - 1; i >= 0; i-- {
		key := p.serviceOrder[i]
		if c, ok := p.services[key].(closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close service %s: %w", key, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) process(ctx context.Context, fd *FlowData) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("pipeline.id", p.id),
		attribute.String("flow.id", fd.ID()),
	))
	defer span.End()

	for i, st := range p.stages {
		if fd.Stopped() {
			span.SetAttributes(attribute.Bool("flow.stopped", true))
			p.recordSkipped(ctx, p.stages[i:])
			break
		}
		var err error
		if st.parallel {
			err = p.runParallel(ctx, fd, st.elements)
		} else {
			err = p.runElement(ctx, fd, st.elements[0])
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

func (p *Pipeline) recordSkipped(ctx context.Context, stages []Stage) {
	for _, st := range stages {
		for _, el := range st.elements {
			telemetry.RecordElementMetrics(ctx, telemetry.ElementMetrics{
				PipelineID: p.id,
				DataKey:    el.DataKey(),
				Outcome:    telemetry.OutcomeSkipped,
			})
		}
	}
}

// runParallel waits for every member. Member failures never cancel siblings.
func (p *Pipeline) runParallel(ctx context.Context, fd *FlowData, els []Element) error {
	var g errgroup.Group
	for _, el := range els {
		g.Go(func() error {
			return p.runElement(ctx, fd, el)
		})
	}
	return g.Wait()
}

// runElement records a failure on fd and returns it only when errors surface.
func (p *Pipeline) runElement(ctx context.Context, fd *FlowData, el Element) error {
	key := el.DataKey()
	start := time.Now()
	hit := &atomic.Bool{}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "element.process", trace.WithAttributes(
		attribute.String("element.data_key", key),
	))
	defer span.End()
	ctx = context.WithValue(ctx, cacheHitKey{}, hit)

	err := safeProcess(ctx, el, fd)

	outcome := telemetry.OutcomeSuccess
	if err != nil {
		outcome = telemetry.OutcomeFailure
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		fd.SetError(err, el)
	}
	telemetry.RecordElementMetrics(ctx, telemetry.ElementMetrics{
		PipelineID: p.id,
		DataKey:    key,
		Outcome:    outcome,
		Duration:   time.Since(start),
		CacheHit:   hit.Load(),
	})

	if err != nil && p.surface {
		return fmt.Errorf("element %s: %w", key, err)
	}
	return nil
}

func safeProcess(ctx context.Context, el Element, fd *FlowData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", domain.ErrElementPanic, el.DataKey(), r)
		}
	}()
	return el.Process(ctx, fd)
}

type cacheHitKey struct{}

// ReportCacheHit marks the current element execution as answered from a
// cache. Elements call it from Process with the context they were given.
func ReportCacheHit(ctx context.Context) {
	if hit, ok := ctx.Value(cacheHitKey{}).(*atomic.Bool); ok {
		hit.Store(true)
	}
	telemetry.MarkCacheHit(trace.SpanFromContext(ctx), true)
}
