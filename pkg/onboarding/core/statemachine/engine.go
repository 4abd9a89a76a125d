package statemachine

import (
	"context"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/metrics"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// engine executes single states and applies retry and catch rules to their failures.
type engine struct {
	sleeper          retry.Sleeper
	now              func() time.Time
	suspendThreshold time.Duration
	recorder         metrics.MetricRecorder
	tracer           metrics.Tracer
}

func newEngine() engine {
	return engine{
		sleeper:  retry.SleeperFunc(contextSleep),
		now:      time.Now,
		recorder: metrics.NewNoOpMetricRecorder(),
		tracer:   metrics.NewNoOpTracer(),
	}
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// step runs the current state of execution once. A returned error means the step was
// interrupted and must be re-executed; every state failure is folded into the transition.
// When inline is set, retries never suspend.
func (e *engine) step(ctx context.Context, def *Definition, execution *model.Execution, inline bool) (Transition, error) {
	state, ok := def.States[execution.CurrentState]
	if !ok {
		return Fail(RuntimeErrorName, "unknown state '"+execution.CurrentState+"' in '"+def.Name+"'"), nil
	}
	tr, err := state.Execute(withExecution(ctx, execution), execution)
	if err == nil {
		return tr, nil
	}
	if ctx.Err() != nil {
		return Transition{}, ctx.Err()
	}
	rec, recoverable := state.(Recoverable)
	if recoverable && rec.RetryTable() != nil {
		table := rec.RetryTable()
		class := table.Classify(err)
		key := state.Name() + "/" + class.String()
		attempt := execution.Attempts[key] + 1
		if d := table.Decide(class, attempt); d.Retry {
			if execution.Attempts == nil {
				execution.Attempts = make(map[string]int)
			}
			execution.Attempts[key] = attempt
			e.recorder.RecordRetry(ctx, state.Name(), class.String())
			logger.Warnf("State '%s' of execution '%s' failed (%s, retry %d in %s): %v",
				state.Name(), execution.Name, class, attempt, d.Delay, err)
			if !inline && e.suspendThreshold > 0 && d.Delay >= e.suspendThreshold {
				return Suspend(e.now().Add(d.Delay)), nil
			}
			return Transition{Kind: TransitionNext, Next: state.Name(), retry: true, retryDelay: d.Delay}, nil
		}
	}
	info := model.ErrorInfo{Error: exception.ErrorName(err), Cause: exception.ExtractErrorMessage(err)}
	e.tracer.RecordError(ctx, "statemachine", err)
	if recoverable {
		for _, rule := range rec.CatchRules() {
			if !rule.Matches(err) {
				continue
			}
			logger.Warnf("State '%s' of execution '%s' failed with %s, caught by '%s'", state.Name(), execution.Name, info.Error, rule.Next)
			path := rule.ResultPath
			if path == "" {
				path = "$"
			}
			if perr := applyResult(execution, path, info); perr != nil {
				return Fail(RuntimeErrorName, perr.Error()), nil
			}
			return Next(rule.Next), nil
		}
	}
	logger.Errorf("State '%s' of execution '%s' failed: %s: %s", state.Name(), execution.Name, info.Error, info.Cause)
	return Fail(info.Error, info.Cause), nil
}

// apply records tr on execution.
func (e *engine) apply(execution *model.Execution, tr Transition) {
	now := e.now().UTC()
	execution.Transitions++
	execution.LastUpdated = now
	switch tr.Kind {
	case TransitionNext:
		if !tr.retry {
			execution.Attempts = make(map[string]int)
		}
		execution.CurrentState = tr.Next
		execution.Status = model.ExecutionRunning
		execution.WakeAt = nil
	case TransitionSuspend:
		wake := tr.WakeAt.UTC()
		execution.Status = model.ExecutionSuspended
		execution.WakeAt = &wake
	case TransitionTerminal:
		execution.Status = tr.Status
		execution.Error = tr.Error
		execution.Cause = tr.Cause
		execution.WakeAt = nil
		execution.EndTime = &now
	}
}

// inlineRunner drives nested definitions of Parallel and Map states in memory.
type inlineRunner struct {
	engine
}

var defaultInline = &inlineRunner{engine: newEngine()}

// run drives def from its start state to a terminal transition. Suspensions requested by
// nested tasks are honored by sleeping.
func (r *inlineRunner) run(ctx context.Context, def *Definition, input model.Document) (model.Document, error) {
	execution := model.NewExecution(def.Name, def.StartAt, input, r.now())
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tr, err := r.step(ctx, def, execution, true)
		if err != nil {
			return nil, err
		}
		r.apply(execution, tr)
		switch {
		case tr.Kind == TransitionTerminal && tr.Status == model.ExecutionFailed:
			return nil, exception.NewOnboardingError(def.Name, tr.Cause, nil, exception.Fatal).WithName(tr.Error)
		case tr.Kind == TransitionTerminal:
			return execution.Document, nil
		case tr.Kind == TransitionSuspend:
			if err := r.sleeper.Sleep(ctx, tr.WakeAt.Sub(r.now())); err != nil {
				return nil, err
			}
			execution.Status = model.ExecutionRunning
		case tr.retry:
			if err := r.sleeper.Sleep(ctx, tr.retryDelay); err != nil {
				return nil, err
			}
		}
	}
}

// bind points the nested states of def at r, recursively.
func (r *inlineRunner) bind(def *Definition) {
	for _, s := range def.States {
		switch st := s.(type) {
		case *ParallelState:
			st.inline = r
			for _, b := range st.Branches {
				r.bind(b)
			}
		case *MapState:
			st.inline = r
			if st.Iterator != nil {
				r.bind(st.Iterator)
			}
		}
	}
}
