package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	metrics "github.com/tigerroll/onboarding/pkg/onboarding/core/metrics"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// InstrumentationName names the tracer and meter of the orchestrator.
const InstrumentationName = "github.com/tigerroll/onboarding"

// OpenTelemetryTracer is an implementation of metrics.Tracer using OpenTelemetry.
type OpenTelemetryTracer struct {
	tracer trace.Tracer
}

// NewOpenTelemetryTracer creates a tracer from provider.
func NewOpenTelemetryTracer(provider trace.TracerProvider) *OpenTelemetryTracer {
	return &OpenTelemetryTracer{tracer: provider.Tracer(InstrumentationName)}
}

func (t *OpenTelemetryTracer) StartExecutionSpan(ctx context.Context, execution *model.Execution) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "execution "+execution.MachineName,
		trace.WithAttributes(
			attribute.String("execution.id", execution.ID),
			attribute.String("execution.name", execution.Name),
			attribute.String("session.id", execution.SessionID),
			attribute.String("execution.state", execution.CurrentState),
		),
	)
	return ctx, func() {
		span.SetAttributes(attribute.String("execution.status", string(execution.Status)))
		if execution.Status == model.ExecutionFailed {
			span.SetStatus(codes.Error, execution.Error)
		}
		span.End()
	}
}

func (t *OpenTelemetryTracer) StartStateSpan(ctx context.Context, execution *model.Execution, state string) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, state,
		trace.WithAttributes(
			attribute.String("execution.id", execution.ID),
			attribute.String("state.name", state),
		),
	)
	return ctx, func() { span.End() }
}

func (t *OpenTelemetryTracer) StartItemSpan(ctx context.Context, mapRunID string, index int) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "item",
		trace.WithAttributes(
			attribute.String("map_run.id", mapRunID),
			attribute.Int("item.index", index),
		),
	)
	return ctx, func() { span.End() }
}

func (t *OpenTelemetryTracer) RecordError(ctx context.Context, module string, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		logger.Debugf("Tracer: no span for error in %s: %v", module, err)
		return
	}
	span.RecordError(err, trace.WithAttributes(attribute.String("module", module)))
	span.SetStatus(codes.Error, err.Error())
}

func (t *OpenTelemetryTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(val)))
		}
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

var _ metrics.Tracer = (*OpenTelemetryTracer)(nil)
