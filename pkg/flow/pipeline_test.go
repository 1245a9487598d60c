package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/evidence"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newElement(t *testing.T, key string, process ProcessFunc) *BaseElement {
	t.Helper()
	el, err := NewBaseElement(ElementConfig{DataKey: key, Process: process})
	require.NoError(t, err)
	return el
}

// storeValue returns a process hook storing {"value": v} for the running element.
func storeValue(el **BaseElement, v any) ProcessFunc {
	return func(_ context.Context, fd *FlowData) error {
		fd.SetElementData(NewDictionaryData(*el, map[string]any{"value": v}))
		return nil
	}
}

func TestNewBaseElementRequiresDataKey(t *testing.T) {
	_, err := NewBaseElement(ElementConfig{DataKey: "  "})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestNewPipelineRejectsInvalidChains(t *testing.T) {
	cfg := Config{Logger: quietLogger()}

	_, err := NewPipeline(cfg)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = NewPipeline(cfg, Parallel())
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	a1 := newElement(t, "a", nil)
	a2 := newElement(t, "a", nil)
	_, err = NewBuilder(cfg).Add(a1).Add(a2).Build()
	assert.ErrorIs(t, err, domain.ErrDuplicateDataKey)
}

func TestPipelineCallsOnRegistrationOnce(t *testing.T) {
	el := newElement(t, "a", nil)
	var calls atomic.Int32
	el.AddRegistrationCallback(func(*Pipeline) { calls.Add(1) })

	p, err := NewBuilder(Config{Logger: quietLogger()}).Add(el).Build()
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []*Pipeline{p}, el.Pipelines())
}

func TestStopSkipsLaterStages(t *testing.T) {
	var a, b, c *BaseElement
	var cRan atomic.Bool
	a = newElement(t, "a", func(_ context.Context, fd *FlowData) error {
		fd.SetElementData(NewDictionaryData(a, map[string]any{"value": 1}))
		return nil
	})
	b = newElement(t, "b", func(_ context.Context, fd *FlowData) error {
		fd.SetElementData(NewDictionaryData(b, map[string]any{"value": 2}))
		fd.Stop()
		return nil
	})
	c = newElement(t, "c", func(context.Context, *FlowData) error {
		cRan.Store(true)
		return nil
	})

	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	telemetry.ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		telemetry.ResetMetricsForTest()
	})

	p, err := NewBuilder(Config{Logger: quietLogger()}).Add(a).Add(b).Add(c).Build()
	require.NoError(t, err)

	fd := p.CreateFlowData()
	require.NoError(t, fd.Process(context.Background()))

	assert.True(t, fd.Stopped())
	assert.False(t, cRan.Load())
	assert.Equal(t, []string{"a", "b"}, fd.DataKeys())

	_, err = fd.Get("c")
	var noData *domain.NoElementDataError
	require.ErrorAs(t, err, &noData)
	assert.Equal(t, []string{"a", "b"}, noData.Available)
	assert.ErrorIs(t, err, domain.ErrNoElementData)

	assert.Equal(t, map[string]string{"a": "success", "b": "success", "c": "skipped"}, executionOutcomes(t, reader))
}

// executionOutcomes maps each element data key to the outcome recorded for it.
func executionOutcomes(t *testing.T, reader *sdkmetric.ManualReader) map[string]string {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]string)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "flow.element.executions_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				key, _ := dp.Attributes.Value(attribute.Key("element.data_key"))
				outcome, _ := dp.Attributes.Value(attribute.Key("element.outcome"))
				out[key.AsString()] = outcome.AsString()
			}
		}
	}
	return out
}

func TestParallelMemberFailureIsIsolated(t *testing.T) {
	boom := errors.New("boom")
	var b *BaseElement
	a := newElement(t, "a", func(context.Context, *FlowData) error { return boom })
	b = newElement(t, "b", storeValue(&b, "ok"))

	p, err := NewBuilder(Config{Logger: quietLogger()}).AddParallel(a, b).Build()
	require.NoError(t, err)

	fd := p.CreateFlowData()
	require.NoError(t, fd.Process(context.Background()))

	errs := fd.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs["a"], boom)

	data, err := fd.Get("b")
	require.NoError(t, err)
	value, err := data.Get("value")
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestParallelMembersRunConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	rendezvous := func(context.Context, *FlowData) error {
		wg.Done()
		wg.Wait()
		return nil
	}
	a := newElement(t, "a", rendezvous)
	b := newElement(t, "b", rendezvous)

	p, err := NewBuilder(Config{Logger: quietLogger()}).AddParallel(a, b).Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.CreateFlowData().Process(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("parallel members did not run concurrently")
	}
}

func TestSurfaceProcessErrorsAbortsChain(t *testing.T) {
	boom := errors.New("boom")
	var bRan atomic.Bool
	a := newElement(t, "a", func(context.Context, *FlowData) error { return boom })
	b := newElement(t, "b", func(context.Context, *FlowData) error {
		bRan.Store(true)
		return nil
	})

	p, err := NewBuilder(Config{Logger: quietLogger(), SurfaceProcessErrors: true}).Add(a).Add(b).Build()
	require.NoError(t, err)

	fd := p.CreateFlowData()
	err = fd.Process(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, bRan.Load())
	assert.ErrorIs(t, fd.Errors()["a"], boom)
}

func TestElementPanicBecomesError(t *testing.T) {
	a := newElement(t, "a", func(context.Context, *FlowData) error { panic("kaboom") })

	p, err := NewBuilder(Config{Logger: quietLogger()}).Add(a).Build()
	require.NoError(t, err)

	fd := p.CreateFlowData()
	require.NoError(t, fd.Process(context.Background()))
	assert.ErrorIs(t, fd.Errors()["a"], domain.ErrElementPanic)
}

type panickyElement struct {
	*BaseElement
}

func (panickyElement) Process(context.Context, *FlowData) error {
	panic("raw element")
}

func TestPipelineRecoversCustomElementPanic(t *testing.T) {
	el := panickyElement{BaseElement: newElement(t, "raw", nil)}

	p, err := NewBuilder(Config{Logger: quietLogger()}).AddParallel(el, newElement(t, "other", nil)).Build()
	require.NoError(t, err)

	fd := p.CreateFlowData()
	require.NoError(t, fd.Process(context.Background()))
	assert.ErrorIs(t, fd.Errors()["raw"], domain.ErrElementPanic)
}

func TestProcessTwiceFails(t *testing.T) {
	p, err := NewBuilder(Config{Logger: quietLogger()}).Add(newElement(t, "a", nil)).Build()
	require.NoError(t, err)

	fd := p.CreateFlowData()
	require.NoError(t, fd.Process(context.Background()))
	assert.ErrorIs(t, fd.Process(context.Background()), domain.ErrAlreadyProcessed)
}

func TestSetErrorWithoutElementUsesOtherKey(t *testing.T) {
	p, err := NewBuilder(Config{Logger: quietLogger()}).Add(newElement(t, "a", nil)).Build()
	require.NoError(t, err)

	fd := p.CreateFlowData()
	first := errors.New("first")
	second := errors.New("second")
	fd.SetError(first, nil)
	fd.SetError(second, nil)

	assert.Equal(t, map[string]error{OtherErrorKey: second}, fd.Errors())
}

func TestPipelineEvidenceFilterIsConjunction(t *testing.T) {
	a, err := NewBaseElement(ElementConfig{DataKey: "a", Filter: evidence.NewListFilter("header.user-agent", "query.x")})
	require.NoError(t, err)
	b, err := NewBaseElement(ElementConfig{DataKey: "b", Filter: evidence.NewListFilter("header.user-agent")})
	require.NoError(t, err)

	p, err := NewBuilder(Config{Logger: quietLogger()}).Add(a).Add(b).Build()
	require.NoError(t, err)

	fd := p.CreateFlowData()
	assert.True(t, fd.Evidence().Add("header.user-agent", "ua"))
	assert.False(t, fd.Evidence().Add("query.x", "1"))
	assert.Equal(t, map[string]any{"header.user-agent": "ua"}, fd.Evidence().All())
}

func TestDisjointFiltersRejectEveryKey(t *testing.T) {
	a, err := NewBaseElement(ElementConfig{DataKey: "a", Filter: evidence.NewListFilter("x")})
	require.NoError(t, err)
	b, err := NewBaseElement(ElementConfig{DataKey: "b", Filter: evidence.NewListFilter("y")})
	require.NoError(t, err)

	p, err := NewBuilder(Config{Logger: quietLogger()}).Add(a).Add(b).Build()
	require.NoError(t, err)

	fd := p.CreateFlowData()
	assert.False(t, fd.Evidence().Add("x", 1))
	assert.False(t, fd.Evidence().Add("y", 2))
	assert.Zero(t, fd.Evidence().Len())
}

func TestWaitReadyReindexesAfterReadiness(t *testing.T) {
	release := make(chan struct{})
	var el *BaseElement
	el, err := NewBaseElement(ElementConfig{
		DataKey: "slow",
		Ready: func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			el.mu.Lock()
			el.properties = Properties{"late": {"category": "device"}}
			el.mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)

	p, err := NewBuilder(Config{Logger: quietLogger()}).Add(el).Build()
	require.NoError(t, err)
	assert.Empty(t, p.PropertyDatabase())

	close(release)
	require.NoError(t, p.WaitReady(context.Background()))

	db := p.PropertyDatabase()
	assert.Equal(t, PropertyRef{PropertyName: "late", ElementKey: "slow"}, db["category"]["device"]["slow.late"])
}

func TestWaitReadyReportsElementErrors(t *testing.T) {
	notReady := errors.New("not ready")
	el, err := NewBaseElement(ElementConfig{
		DataKey: "a",
		Ready:   func(context.Context) error { return notReady },
	})
	require.NoError(t, err)

	p, err := NewBuilder(Config{Logger: quietLogger()}).Add(el).Build()
	require.NoError(t, err)

	assert.ErrorIs(t, p.WaitReady(context.Background()), notReady)
}

type closingService struct {
	closed *[]string
	name   string
}

func (s closingService) Close() error {
	*s.closed = append(*s.closed, s.name)
	return nil
}

func TestServiceBag(t *testing.T) {
	p, err := NewBuilder(Config{Logger: quietLogger()}).Add(newElement(t, "a", nil)).Build()
	require.NoError(t, err)

	var closed []string
	created := 0
	create := func(name string) func() any {
		return func() any {
			created++
			return closingService{closed: &closed, name: name}
		}
	}

	first := p.Service("one", create("one"))
	again := p.Service("one", create("one"))
	p.Service("two", create("two"))

	assert.Equal(t, first, again)
	assert.Equal(t, 2, created)
	require.NoError(t, p.Close())
	assert.Equal(t, []string{"two", "one"}, closed)
	require.NoError(t, p.Close())
}

func TestEventsReachSubscribers(t *testing.T) {
	p, err := NewBuilder(Config{Logger: quietLogger()}).
		Add(newElement(t, "a", func(context.Context, *FlowData) error { return errors.New("bad") })).
		Build()
	require.NoError(t, err)

	var mu sync.Mutex
	var errorsSeen []Event
	var debugSeen int
	p.On(slog.LevelError, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		errorsSeen = append(errorsSeen, ev)
	})
	p.On(slog.LevelDebug, func(Event) {
		mu.Lock()
		defer mu.Unlock()
		debugSeen++
	})

	fd := p.CreateFlowData()
	require.NoError(t, fd.Process(context.Background()))
	p.Log(slog.LevelDebug, "custom message")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errorsSeen, 1)
	assert.Equal(t, "element processing failed", errorsSeen[0].Message)
	assert.Equal(t, "a", errorsSeen[0].Attrs["data_key"])
	assert.Equal(t, p.ID(), errorsSeen[0].Attrs["pipeline_id"])
	assert.Equal(t, fd.ID(), errorsSeen[0].Attrs["flow_id"])
	assert.GreaterOrEqual(t, debugSeen, 2)
}

func TestOnLevelReceivesOnlyThatLevel(t *testing.T) {
	p, err := NewBuilder(Config{Logger: quietLogger()}).
		Add(newElement(t, "a", func(context.Context, *FlowData) error { return errors.New("bad") })).
		Build()
	require.NoError(t, err)

	var mu sync.Mutex
	var warnings []Event
	levels := make(map[slog.Level]int)
	p.OnLevel(slog.LevelWarn, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		warnings = append(warnings, ev)
	})
	p.OnLevel(slog.LevelDebug, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		levels[ev.Level]++
	})

	require.NoError(t, p.CreateFlowData().Process(context.Background()))
	p.Log(slog.LevelWarn, "datafile stale")
	p.Log(slog.LevelInfo, "ignored")
	p.Log(slog.LevelDebug, "trace")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, warnings)
	for _, ev := range warnings {
		assert.Equal(t, slog.LevelWarn, ev.Level)
	}
	assert.Equal(t, "datafile stale", warnings[len(warnings)-1].Message)
	assert.NotZero(t, levels[slog.LevelDebug])
	assert.Len(t, levels, 1)
}

func TestProcessEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	p, err := NewBuilder(Config{Logger: quietLogger()}).Add(newElement(t, "a", nil)).Build()
	require.NoError(t, err)
	require.NoError(t, p.CreateFlowData().Process(context.Background()))

	names := make([]string, 0, 2)
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.ElementsMatch(t, []string{"element.process", "pipeline.process"}, names)
}
