package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Metrics holds the instruments recorded by the repository and the sync
// engine. A nil *Metrics records nothing.
type Metrics struct {
	tracer trace.Tracer

	enqueued      metric.Int64Counter
	delivered     metric.Int64Counter
	replayed      metric.Int64Counter
	flushFailures metric.Int64Counter
	flushDuration metric.Float64Histogram
	operations    metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter, tracer trace.Tracer) (*Metrics, error) {
	m := &Metrics{tracer: tracer}

	var err error
	if m.enqueued, err = meter.Int64Counter("fieldsync.records.enqueued",
		metric.WithDescription("Records accepted into a pending queue"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, fmt.Errorf("creating enqueued counter: %w", err)
	}
	if m.delivered, err = meter.Int64Counter("fieldsync.records.delivered",
		metric.WithDescription("Records newly stored remotely by a flush"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, fmt.Errorf("creating delivered counter: %w", err)
	}
	if m.replayed, err = meter.Int64Counter("fieldsync.records.replayed",
		metric.WithDescription("Queued records the remote store already held"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, fmt.Errorf("creating replayed counter: %w", err)
	}
	if m.flushFailures, err = meter.Int64Counter("fieldsync.flush.failures",
		metric.WithDescription("Flush passes stopped by an error"),
		metric.WithUnit("{flush}"),
	); err != nil {
		return nil, fmt.Errorf("creating flush failure counter: %w", err)
	}
	if m.flushDuration, err = meter.Float64Histogram("fieldsync.flush.duration",
		metric.WithDescription("Duration of a flush pass"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, fmt.Errorf("creating flush duration histogram: %w", err)
	}
	if m.operations, err = meter.Int64Counter("fieldsync.project.operations",
		metric.WithDescription("Project repository operations by outcome"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, fmt.Errorf("creating operations counter: %w", err)
	}

	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := NewMetrics(metricnoop.NewMeterProvider().Meter(""), tracenoop.NewTracerProvider().Tracer(""))
	return m
}

func projectAttr(projectID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("project.id", projectID))
}

// RecordEnqueued counts a record accepted into a queue.
func (m *Metrics) RecordEnqueued(ctx context.Context, projectID string) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1, projectAttr(projectID))
}

// RecordDelivered counts a record confirmed remotely. created is false
// when the remote store already held the record.
func (m *Metrics) RecordDelivered(ctx context.Context, projectID string, created bool) {
	if m == nil {
		return
	}
	if created {
		m.delivered.Add(ctx, 1, projectAttr(projectID))
		return
	}
	m.replayed.Add(ctx, 1, projectAttr(projectID))
}

// RecordFlush records the duration and outcome of a flush pass.
func (m *Metrics) RecordFlush(ctx context.Context, projectID string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.flushDuration.Record(ctx, d.Seconds(), projectAttr(projectID))
	if err != nil {
		m.flushFailures.Add(ctx, 1, projectAttr(projectID))
	}
}

// Track starts a span for a repository operation. The returned function
// ends it and counts the outcome.
func (m *Metrics) Track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if m == nil {
		return ctx, func(error) {}
	}

	ctx, span := m.tracer.Start(ctx, "project."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		m.operations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		))
		span.End()
	}
}
