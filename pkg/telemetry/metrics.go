package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Outcome classifies one element execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	elementExecutionCounter metric.Int64Counter
	elementFailureCounter   metric.Int64Counter
	elementCacheHitCounter  metric.Int64Counter
	elementLatencyHistogram metric.Float64Histogram
)

// ElementMetrics captures the fields needed to record element execution metrics.
type ElementMetrics struct {
	PipelineID string
	DataKey    string
	Outcome    Outcome
	Duration   time.Duration
	CacheHit   bool
}

// RecordElementMetrics emits counters and histograms describing one element run.
func RecordElementMetrics(ctx context.Context, m ElementMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.id", m.PipelineID),
		attribute.String("element.data_key", m.DataKey),
		attribute.String("element.outcome", string(m.Outcome)),
	)

	elementExecutionCounter.Add(ctx, 1, attrs)

	if m.Duration > 0 {
		elementLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Outcome == OutcomeFailure {
		elementFailureCounter.Add(ctx, 1, attrs)
	}
	if m.CacheHit {
		elementCacheHitCounter.Add(ctx, 1, attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("flow.pipeline")

		elementExecutionCounter, metricsInitErr = meter.Int64Counter(
			"flow.element.executions_total",
			metric.WithDescription("Element executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		elementFailureCounter, metricsInitErr = meter.Int64Counter(
			"flow.element.failures_total",
			metric.WithDescription("Element executions that recorded an error"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		elementCacheHitCounter, metricsInitErr = meter.Int64Counter(
			"flow.element.cache_hits_total",
			metric.WithDescription("Element executions answered from the element cache"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		elementLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"flow.element.duration_ms",
			metric.WithDescription("Observed element execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// MarkCacheHit flags the current span as answered from cache.
func MarkCacheHit(span trace.Span, hit bool) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(attribute.Bool("cache.hit", hit))
}
