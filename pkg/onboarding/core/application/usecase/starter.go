package usecase

import (
	"context"

	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/port"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/statemachine"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/workflow"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// WorkflowStarter starts categorization executions on the local interpreter.
type WorkflowStarter struct {
	interp  *statemachine.Interpreter
	machine string
	notify  func()
}

var _ port.ExecutionStarter = (*WorkflowStarter)(nil)

// NewWorkflowStarter creates a starter for machine. notify, when not nil, is called after
// every start so a scheduler can pick the execution up without waiting for its next poll.
func NewWorkflowStarter(interp *statemachine.Interpreter, machine string, notify func()) *WorkflowStarter {
	return &WorkflowStarter{interp: interp, machine: machine, notify: notify}
}

// StartExecution persists a new execution for event and returns its ARN.
func (s *WorkflowStarter) StartExecution(ctx context.Context, event model.BatchEvent) (string, error) {
	doc, err := workflow.Input(event)
	if err != nil {
		return "", exception.NewOnboardingError("usecase", "failed to encode the batch event", err, exception.Fatal)
	}
	execution, err := s.interp.Start(ctx, s.machine, doc)
	if err != nil {
		return "", err
	}
	if s.notify != nil {
		s.notify()
	}
	return execution.Arn(), nil
}
