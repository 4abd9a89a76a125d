// Package statemachine is a persisted, suspend-capable interpreter of state machine
// definitions. An execution is saved after every transition, so a worker that restarts
// resumes each execution at the last state it completed.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// Error names raised by the interpreter itself.
const (
	NoChoiceMatchedName = "States.NoChoiceMatched"
	RuntimeErrorName    = "States.Runtime"
)

// TransitionKind discriminates a Transition.
type TransitionKind int

const (
	// TransitionNext moves the execution to another state.
	TransitionNext TransitionKind = iota
	// TransitionSuspend parks the execution until WakeAt.
	TransitionSuspend
	// TransitionTerminal ends the execution.
	TransitionTerminal
)

// String returns the lower-case name of the kind.
func (k TransitionKind) String() string {
	switch k {
	case TransitionNext:
		return "next"
	case TransitionSuspend:
		return "suspend"
	case TransitionTerminal:
		return "terminal"
	}
	return "unknown"
}

// Transition is the outcome of executing a state.
type Transition struct {
	Kind   TransitionKind
	Next   string
	WakeAt time.Time
	Status model.ExecutionStatus
	Error  string
	Cause  string

	// retry marks a re-execution of the same state after retryDelay.
	retry      bool
	retryDelay time.Duration
}

// Next moves to state.
func Next(state string) Transition {
	return Transition{Kind: TransitionNext, Next: state}
}

// Suspend parks the execution at its current state until until.
func Suspend(until time.Time) Transition {
	return Transition{Kind: TransitionSuspend, WakeAt: until}
}

// Succeed ends the execution successfully.
func Succeed() Transition {
	return Transition{Kind: TransitionTerminal, Status: model.ExecutionSucceeded}
}

// Fail ends the execution with {Error, Cause}.
func Fail(errName, cause string) Transition {
	return Transition{Kind: TransitionTerminal, Status: model.ExecutionFailed, Error: errName, Cause: cause}
}

func nextOrEnd(next string, end bool) Transition {
	if end {
		return Succeed()
	}
	return Next(next)
}

// State is one node of a definition.
type State interface {
	// Name returns the unique name of the state within its definition.
	Name() string
	// Execute runs the state against the execution's document. Returned errors are subject
	// to the state's retry and catch rules when it implements Recoverable.
	Execute(ctx context.Context, execution *model.Execution) (Transition, error)
	// Targets lists the states this state may transition to.
	Targets() []string
}

// Recoverable is implemented by states that declare retry and catch rules.
type Recoverable interface {
	RetryTable() *retry.Table
	CatchRules() []CatchRule
}

// CatchRule routes a failure that exhausted its retries to a handler state.
type CatchRule struct {
	// ErrorEquals lists matched error names. Empty matches every error.
	ErrorEquals []string
	// ResultPath is where {Error, Cause} is written. Empty replaces the whole document.
	ResultPath string
	Next       string
}

// Matches reports whether err is handled by the rule.
func (r CatchRule) Matches(err error) bool {
	if len(r.ErrorEquals) == 0 {
		return true
	}
	for _, name := range r.ErrorEquals {
		if exception.IsErrorOfType(err, name) {
			return true
		}
	}
	return false
}

// SuspendError asks the interpreter to park the execution at the current state.
type SuspendError struct {
	WakeAt time.Time
	Reason string
}

func (e *SuspendError) Error() string {
	return fmt.Sprintf("suspended until %s: %s", e.WakeAt.Format(time.RFC3339), e.Reason)
}

// SuspendUntil returns the error a task returns to suspend until wakeAt.
func SuspendUntil(wakeAt time.Time, reason string) error {
	return &SuspendError{WakeAt: wakeAt, Reason: reason}
}

func asSuspend(err error) (*SuspendError, bool) {
	var s *SuspendError
	ok := errors.As(err, &s)
	return s, ok
}

type executionKey struct{}

// ExecutionInfo describes the execution a state runs in.
type ExecutionInfo struct {
	ID          string
	Name        string
	MachineName string
	StateName   string
	StartTime   time.Time
}

func withExecution(ctx context.Context, execution *model.Execution) context.Context {
	return context.WithValue(ctx, executionKey{}, ExecutionInfo{
		ID:          execution.ID,
		Name:        execution.Name,
		MachineName: execution.MachineName,
		StateName:   execution.CurrentState,
		StartTime:   execution.StartTime,
	})
}

// ExecutionFromContext returns the execution a task is running in.
func ExecutionFromContext(ctx context.Context) (ExecutionInfo, bool) {
	info, ok := ctx.Value(executionKey{}).(ExecutionInfo)
	return info, ok
}

// Definition is a named graph of states.
type Definition struct {
	Name    string
	StartAt string
	States  map[string]State
	order   []string
}

// NewDefinition validates the graph: names are unique, StartAt exists, and every target
// names a state of the definition.
func NewDefinition(name, startAt string, states ...State) (*Definition, error) {
	def := &Definition{Name: name, StartAt: startAt, States: make(map[string]State, len(states))}
	for _, s := range states {
		if _, dup := def.States[s.Name()]; dup {
			return nil, exception.NewOnboardingErrorf("statemachine", "definition '%s' declares state '%s' twice", name, s.Name())
		}
		def.States[s.Name()] = s
		def.order = append(def.order, s.Name())
	}
	if _, ok := def.States[startAt]; !ok {
		return nil, exception.NewOnboardingErrorf("statemachine", "definition '%s' starts at unknown state '%s'", name, startAt)
	}
	for _, s := range states {
		for _, target := range s.Targets() {
			if _, ok := def.States[target]; !ok {
				return nil, exception.NewOnboardingErrorf("statemachine", "state '%s' of '%s' targets unknown state '%s'", s.Name(), name, target)
			}
		}
	}
	return def, nil
}

// StateNames returns the state names in declaration order.
func (d *Definition) StateNames() []string {
	return append([]string(nil), d.order...)
}

// applyResult writes result into doc at path. Empty path discards the result and "$"
// replaces the document, which then must be an object.
func applyResult(execution *model.Execution, path string, result interface{}) error {
	if path == "" {
		return nil
	}
	if execution.Document == nil {
		execution.Document = model.Document{}
	}
	if path == "$" {
		replaced := model.Document{}
		if err := replaced.Put("$.value", result); err != nil {
			return err
		}
		obj, ok := replaced["value"].(map[string]interface{})
		if !ok {
			return exception.NewOnboardingErrorf("statemachine", "result of type %T cannot replace the document", result).WithName(RuntimeErrorName)
		}
		execution.Document = model.Document(obj)
		return nil
	}
	return execution.Document.Put(path, result)
}

func selectInput(doc model.Document, path string) model.Document {
	if path == "" || path == "$" {
		return doc.Clone()
	}
	v, ok := doc.Get(path)
	if !ok {
		return model.Document{}
	}
	if m, ok := v.(map[string]interface{}); ok {
		return model.Document(m).Clone()
	}
	return model.Document{"value": v}
}
