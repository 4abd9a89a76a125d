// Package metrics declares the observability ports of the orchestrator. Backends live in
// infrastructure/metrics (Prometheus) and infrastructure/telemetry (OpenTelemetry).
package metrics

import (
	"context"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
)

// MetricRecorder records orchestrator metrics.
//
// This interface lets the state machine, the fan-out executor and the semaphore report
// to different metrics backends (e.g., Prometheus, OpenTelemetry Metrics).
type MetricRecorder interface {
	// RecordExecutionStart records a newly started workflow execution.
	//
	// ctx: The context for the operation.
	// execution: The started execution.
	RecordExecutionStart(ctx context.Context, execution *model.Execution)

	// RecordExecutionEnd records an execution reaching SUCCEEDED or FAILED.
	//
	// ctx: The context for the operation.
	// execution: The finished execution. EndTime is set.
	RecordExecutionEnd(ctx context.Context, execution *model.Execution)

	// RecordStateDuration records the time one state took to produce its transition.
	//
	// ctx: The context for the operation.
	// machine: The workflow definition name.
	// state: The state name.
	// outcome: "next", "suspend", "terminal" or "error".
	// duration: The length of the state's execution.
	RecordStateDuration(ctx context.Context, machine, state, outcome string, duration time.Duration)

	// RecordItemOutcome records the final outcome of one fan-out item.
	//
	// ctx: The context for the operation.
	// status: SUCCEEDED, FAILED or PENDING.
	// failedStep: The sub-pipeline step that failed, empty on success.
	RecordItemOutcome(ctx context.Context, status model.ItemStatus, failedStep string)

	// RecordRetry records a scheduled retry of a step.
	//
	// ctx: The context for the operation.
	// step: The step being retried.
	// class: The retry classification of the failure (e.g., "RateLimited").
	RecordRetry(ctx context.Context, step, class string)

	// RecordSemaphoreWait records an acquisition attempt that found no free slot.
	RecordSemaphoreWait(ctx context.Context, lockName string)

	// RecordSemaphoreReap records holders force-released by the reaper.
	RecordSemaphoreReap(ctx context.Context, lockName string, count int)

	// RecordSessionStatus records a session status transition.
	RecordSessionStatus(ctx context.Context, status model.SessionStatus)
}
