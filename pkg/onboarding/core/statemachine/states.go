package statemachine

import (
	"context"
	"sync"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	"golang.org/x/sync/errgroup"
)

// Policies carries the retry table and catch rules of a state.
type Policies struct {
	Retry *retry.Table
	Catch []CatchRule
}

func (p Policies) RetryTable() *retry.Table { return p.Retry }
func (p Policies) CatchRules() []CatchRule  { return p.Catch }

func (p Policies) catchTargets() []string {
	out := make([]string, 0, len(p.Catch))
	for _, c := range p.Catch {
		out = append(out, c.Next)
	}
	return out
}

func flowTargets(next string, end bool) []string {
	if end || next == "" {
		return nil
	}
	return []string{next}
}

// TaskFunc is the body of a task. Its result is written at the state's ResultPath.
type TaskFunc func(ctx context.Context, input model.Document) (interface{}, error)

// TaskState invokes Run with the document selected by InputPath.
type TaskState struct {
	StateName  string
	Run        TaskFunc
	InputPath  string
	ResultPath string
	NextState  string
	End        bool
	// Timeout bounds one attempt. Expiry is reported as States.Timeout.
	Timeout time.Duration
	Policies
}

var (
	_ State       = (*TaskState)(nil)
	_ Recoverable = (*TaskState)(nil)
)

func (s *TaskState) Name() string { return s.StateName }

func (s *TaskState) Targets() []string {
	return append(flowTargets(s.NextState, s.End), s.catchTargets()...)
}

func (s *TaskState) Execute(ctx context.Context, execution *model.Execution) (Transition, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	result, err := s.Run(ctx, selectInput(execution.Document, s.InputPath))
	if err != nil {
		if suspend, ok := asSuspend(err); ok {
			return Suspend(suspend.WakeAt), nil
		}
		return Transition{}, err
	}
	if err := applyResult(execution, s.ResultPath, result); err != nil {
		return Transition{}, err
	}
	return nextOrEnd(s.NextState, s.End), nil
}

// Condition is a predicate over the document.
type Condition func(doc model.Document) bool

// IsPresent holds when path resolves to a value.
func IsPresent(path string) Condition {
	return func(doc model.Document) bool { return doc.IsPresent(path) }
}

// StringEquals holds when path resolves to the string value.
func StringEquals(path, value string) Condition {
	return func(doc model.Document) bool {
		v, ok := doc.Get(path)
		s, isString := v.(string)
		return ok && isString && s == value
	}
}

// Not negates c.
func Not(c Condition) Condition {
	return func(doc model.Document) bool { return !c(doc) }
}

// ChoiceRule routes to Next when Condition holds.
type ChoiceRule struct {
	Condition Condition
	Next      string
}

// ChoiceState routes on the first matching rule, or Default.
type ChoiceState struct {
	StateName string
	Choices   []ChoiceRule
	Default   string
}

var _ State = (*ChoiceState)(nil)

func (s *ChoiceState) Name() string { return s.StateName }

func (s *ChoiceState) Targets() []string {
	out := make([]string, 0, len(s.Choices)+1)
	for _, c := range s.Choices {
		out = append(out, c.Next)
	}
	if s.Default != "" {
		out = append(out, s.Default)
	}
	return out
}

func (s *ChoiceState) Execute(ctx context.Context, execution *model.Execution) (Transition, error) {
	for _, choice := range s.Choices {
		if choice.Condition(execution.Document) {
			return Next(choice.Next), nil
		}
	}
	if s.Default != "" {
		return Next(s.Default), nil
	}
	return Transition{}, exception.NewOnboardingErrorf("statemachine", "no choice rule of '%s' matched", s.StateName).WithName(NoChoiceMatchedName)
}

// PassState writes Result at ResultPath, or passes the document through when Result is nil.
type PassState struct {
	StateName  string
	Result     interface{}
	ResultPath string
	NextState  string
	End        bool
}

var _ State = (*PassState)(nil)

func (s *PassState) Name() string { return s.StateName }

func (s *PassState) Targets() []string { return flowTargets(s.NextState, s.End) }

func (s *PassState) Execute(ctx context.Context, execution *model.Execution) (Transition, error) {
	if s.Result != nil {
		path := s.ResultPath
		if path == "" {
			path = "$"
		}
		if err := applyResult(execution, path, s.Result); err != nil {
			return Transition{}, err
		}
	}
	return nextOrEnd(s.NextState, s.End), nil
}

// FailState ends the execution as FAILED. ErrorPath and CausePath, when set, take precedence
// over the static Error and Cause.
type FailState struct {
	StateName string
	Error     string
	Cause     string
	ErrorPath string
	CausePath string
}

var _ State = (*FailState)(nil)

func (s *FailState) Name() string { return s.StateName }

func (s *FailState) Targets() []string { return nil }

func (s *FailState) Execute(ctx context.Context, execution *model.Execution) (Transition, error) {
	errName, cause := s.Error, s.Cause
	if s.ErrorPath != "" {
		if v := execution.Document.GetString(s.ErrorPath); v != "" {
			errName = v
		}
	}
	if s.CausePath != "" {
		if v := execution.Document.GetString(s.CausePath); v != "" {
			cause = v
		}
	}
	return Fail(errName, cause), nil
}

// SucceedState ends the execution as SUCCEEDED.
type SucceedState struct {
	StateName string
}

var _ State = (*SucceedState)(nil)

func (s *SucceedState) Name() string { return s.StateName }

func (s *SucceedState) Targets() []string { return nil }

func (s *SucceedState) Execute(ctx context.Context, execution *model.Execution) (Transition, error) {
	return Succeed(), nil
}

// ParallelState runs every branch on a copy of the document and writes the list of branch
// outputs at ResultPath. Branches run in memory; the first branch failure fails the state.
type ParallelState struct {
	StateName  string
	Branches   []*Definition
	ResultPath string
	NextState  string
	End        bool
	Policies

	inline *inlineRunner
}

var (
	_ State       = (*ParallelState)(nil)
	_ Recoverable = (*ParallelState)(nil)
)

func (s *ParallelState) Name() string { return s.StateName }

func (s *ParallelState) Targets() []string {
	return append(flowTargets(s.NextState, s.End), s.catchTargets()...)
}

func (s *ParallelState) Execute(ctx context.Context, execution *model.Execution) (Transition, error) {
	outputs := make([]interface{}, len(s.Branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range s.Branches {
		i, branch := i, branch
		g.Go(func() error {
			out, err := s.runner().run(gctx, branch, execution.Document.Clone())
			if err != nil {
				return err
			}
			outputs[i] = map[string]interface{}(out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Transition{}, err
	}
	if err := applyResult(execution, s.ResultPath, outputs); err != nil {
		return Transition{}, err
	}
	return nextOrEnd(s.NextState, s.End), nil
}

func (s *ParallelState) runner() *inlineRunner {
	if s.inline == nil {
		return defaultInline
	}
	return s.inline
}

// MapState processes a collection. With Runner set it delegates the whole collection to
// Runner, which is how a distributed map over an object in storage is expressed. Otherwise
// each element at ItemsPath runs through Iterator in memory, at most MaxConcurrency at a time,
// and the state fails once the failed share exceeds ToleratedFailurePercentage.
type MapState struct {
	StateName                  string
	Runner                     TaskFunc
	ItemsPath                  string
	Iterator                   *Definition
	MaxConcurrency             int
	ToleratedFailurePercentage float64
	InputPath                  string
	ResultPath                 string
	NextState                  string
	End                        bool
	Timeout                    time.Duration
	Policies

	inline *inlineRunner
}

var (
	_ State       = (*MapState)(nil)
	_ Recoverable = (*MapState)(nil)
)

func (s *MapState) Name() string { return s.StateName }

func (s *MapState) Targets() []string {
	return append(flowTargets(s.NextState, s.End), s.catchTargets()...)
}

func (s *MapState) Execute(ctx context.Context, execution *model.Execution) (Transition, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	var (
		result interface{}
		err    error
	)
	if s.Runner != nil {
		result, err = s.Runner(ctx, selectInput(execution.Document, s.InputPath))
	} else {
		result, err = s.iterate(ctx, execution.Document)
	}
	if err != nil {
		if suspend, ok := asSuspend(err); ok {
			return Suspend(suspend.WakeAt), nil
		}
		return Transition{}, err
	}
	if err := applyResult(execution, s.ResultPath, result); err != nil {
		return Transition{}, err
	}
	return nextOrEnd(s.NextState, s.End), nil
}

func (s *MapState) iterate(ctx context.Context, doc model.Document) ([]interface{}, error) {
	if s.Iterator == nil {
		return nil, exception.NewOnboardingErrorf("statemachine", "map '%s' has neither a runner nor an iterator", s.StateName).WithName(RuntimeErrorName)
	}
	raw, _ := doc.Get(s.ItemsPath)
	items, ok := raw.([]interface{})
	if raw != nil && !ok {
		return nil, exception.NewOnboardingErrorf("statemachine", "items of map '%s' at %s are not a list", s.StateName, s.ItemsPath).WithName(RuntimeErrorName)
	}

	outputs := make([]interface{}, len(items))
	var (
		mu       sync.Mutex
		failed   int
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	if s.MaxConcurrency > 0 {
		g.SetLimit(s.MaxConcurrency)
	}
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			input, isObject := item.(map[string]interface{})
			if !isObject {
				input = map[string]interface{}{"value": item}
			}
			out, err := s.runner().run(gctx, s.Iterator, model.Document(input).Clone())
			if gctx.Err() != nil {
				return gctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
				if model.ExceedsTolerance(failed, len(items), s.ToleratedFailurePercentage) {
					return exception.NewOnboardingErrorf("statemachine", "map '%s' exceeded its tolerated failure threshold: %s",
						s.StateName, exception.ExtractErrorMessage(firstErr)).WithName(exception.ToleratedFailureExceededName)
				}
				return nil
			}
			outputs[i] = map[string]interface{}(out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

func (s *MapState) runner() *inlineRunner {
	if s.inline == nil {
		return defaultInline
	}
	return s.inline
}
