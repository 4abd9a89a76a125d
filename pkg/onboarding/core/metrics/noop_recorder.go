package metrics

import (
	"context"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
)

// NoOpMetricRecorder is a MetricRecorder that does nothing.
// It is used when metrics are disabled or during testing.
type NoOpMetricRecorder struct{}

// NewNoOpMetricRecorder creates a new instance of NoOpMetricRecorder.
func NewNoOpMetricRecorder() MetricRecorder {
	return &NoOpMetricRecorder{}
}

func (r *NoOpMetricRecorder) RecordExecutionStart(ctx context.Context, execution *model.Execution) {}
func (r *NoOpMetricRecorder) RecordExecutionEnd(ctx context.Context, execution *model.Execution)   {}
func (r *NoOpMetricRecorder) RecordStateDuration(ctx context.Context, machine, state, outcome string, duration time.Duration) {
}
func (r *NoOpMetricRecorder) RecordItemOutcome(ctx context.Context, status model.ItemStatus, failedStep string) {
}
func (r *NoOpMetricRecorder) RecordRetry(ctx context.Context, step, class string)                 {}
func (r *NoOpMetricRecorder) RecordSemaphoreWait(ctx context.Context, lockName string)            {}
func (r *NoOpMetricRecorder) RecordSemaphoreReap(ctx context.Context, lockName string, count int) {}
func (r *NoOpMetricRecorder) RecordSessionStatus(ctx context.Context, status model.SessionStatus)  {}

var _ MetricRecorder = (*NoOpMetricRecorder)(nil)

// --- NoOpTracer ---

// NoOpTracer is a Tracer that does nothing.
type NoOpTracer struct{}

// NewNoOpTracer creates a new instance of NoOpTracer.
func NewNoOpTracer() Tracer {
	return &NoOpTracer{}
}

func (t *NoOpTracer) StartExecutionSpan(ctx context.Context, execution *model.Execution) (context.Context, func()) {
	return ctx, func() {}
}

func (t *NoOpTracer) StartStateSpan(ctx context.Context, execution *model.Execution, state string) (context.Context, func()) {
	return ctx, func() {}
}

func (t *NoOpTracer) StartItemSpan(ctx context.Context, mapRunID string, index int) (context.Context, func()) {
	return ctx, func() {}
}

func (t *NoOpTracer) RecordError(ctx context.Context, module string, err error) {}

func (t *NoOpTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {}

var _ Tracer = (*NoOpTracer)(nil)
