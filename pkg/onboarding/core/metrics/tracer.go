package metrics

import (
	"context"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
)

// Tracer is an abstract interface for distributed tracing of executions, their states and
// the fan-out items they spawn.
type Tracer interface {
	// StartExecutionSpan starts a span covering one drive of an execution (until it suspends or ends).
	//
	// Returns: A context with the new span set, and a function to end it.
	StartExecutionSpan(ctx context.Context, execution *model.Execution) (context.Context, func())

	// StartStateSpan starts a span for one state of an execution.
	StartStateSpan(ctx context.Context, execution *model.Execution, state string) (context.Context, func())

	// StartItemSpan starts a span for one fan-out item.
	StartItemSpan(ctx context.Context, mapRunID string, index int) (context.Context, func())

	// RecordError records an error in the current span.
	//
	// ctx: The context with the current span.
	// module: The component where the error occurred (e.g., "pipeline", "fanout").
	// err: The error to record.
	RecordError(ctx context.Context, module string, err error)

	// RecordEvent records an event in the current span.
	//
	// attributes: Additional attributes, e.g. `map[string]interface{}{"lock": "BatchProductOnboarding"}`.
	RecordEvent(ctx context.Context, name string, attributes map[string]interface{})
}
