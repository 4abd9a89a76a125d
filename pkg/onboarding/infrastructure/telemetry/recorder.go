package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	metrics "github.com/tigerroll/onboarding/pkg/onboarding/core/metrics"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// OTelRecorder implements metrics.MetricRecorder over OpenTelemetry instruments.
type OTelRecorder struct {
	executions        metric.Int64Counter
	executionDuration metric.Float64Histogram
	stateDuration     metric.Float64Histogram
	items             metric.Int64Counter
	retries           metric.Int64Counter
	semaphoreWaits    metric.Int64Counter
	semaphoreReaps    metric.Int64Counter
	sessionStatuses   metric.Int64Counter
}

// NewOTelRecorder creates the instruments on a meter of provider.
func NewOTelRecorder(provider metric.MeterProvider) (*OTelRecorder, error) {
	meter := provider.Meter(InstrumentationName)
	r := &OTelRecorder{}
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		return h
	}

	r.executions = counter("onboarding.execution.status", "Workflow executions by status")
	r.executionDuration = histogram("onboarding.execution.duration", "Duration of workflow executions")
	r.stateDuration = histogram("onboarding.state.duration", "Duration of one state of an execution")
	r.items = counter("onboarding.item.outcome", "Fan-out items by final status")
	r.retries = counter("onboarding.retry", "Scheduled retries by step and class")
	r.semaphoreWaits = counter("onboarding.semaphore.wait", "Acquisition attempts that found no free slot")
	r.semaphoreReaps = counter("onboarding.semaphore.reaped", "Expired holders released by the reaper")
	r.sessionStatuses = counter("onboarding.session.status", "Session status transitions")
	if err != nil {
		return nil, exception.NewOnboardingError("telemetry", "failed to create instruments", err, exception.Fatal)
	}
	return r, nil
}

func (r *OTelRecorder) RecordExecutionStart(ctx context.Context, execution *model.Execution) {
	r.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("machine", execution.MachineName),
		attribute.String("status", string(execution.Status)),
	))
}

func (r *OTelRecorder) RecordExecutionEnd(ctx context.Context, execution *model.Execution) {
	attrs := metric.WithAttributes(
		attribute.String("machine", execution.MachineName),
		attribute.String("status", string(execution.Status)),
	)
	r.executions.Add(ctx, 1, attrs)
	if execution.EndTime != nil {
		r.executionDuration.Record(ctx, execution.EndTime.Sub(execution.StartTime).Seconds(), attrs)
	}
}

func (r *OTelRecorder) RecordStateDuration(ctx context.Context, machine, state, outcome string, duration time.Duration) {
	r.stateDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("machine", machine),
		attribute.String("state", state),
		attribute.String("outcome", outcome),
	))
}

func (r *OTelRecorder) RecordItemOutcome(ctx context.Context, status model.ItemStatus, failedStep string) {
	r.items.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("failed_step", failedStep),
	))
}

func (r *OTelRecorder) RecordRetry(ctx context.Context, step, class string) {
	r.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step), attribute.String("class", class)))
}

func (r *OTelRecorder) RecordSemaphoreWait(ctx context.Context, lockName string) {
	r.semaphoreWaits.Add(ctx, 1, metric.WithAttributes(attribute.String("lock", lockName)))
}

func (r *OTelRecorder) RecordSemaphoreReap(ctx context.Context, lockName string, count int) {
	r.semaphoreReaps.Add(ctx, int64(count), metric.WithAttributes(attribute.String("lock", lockName)))
}

func (r *OTelRecorder) RecordSessionStatus(ctx context.Context, status model.SessionStatus) {
	r.sessionStatuses.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

var _ metrics.MetricRecorder = (*OTelRecorder)(nil)
