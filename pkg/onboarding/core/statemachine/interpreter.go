package statemachine

import (
	"context"
	"errors"
	"sync"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/metrics"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// Interpreter drives persisted executions of registered definitions.
// The execution is saved after every transition; a failed save leaves the last saved state
// authoritative and the interrupted state is executed again on resumption.
type Interpreter struct {
	store repository.ExecutionStore
	engine

	mu          sync.RWMutex
	definitions map[string]*Definition
	inline      *inlineRunner
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithSleeper replaces the sleeper used for short retries.
func WithSleeper(s retry.Sleeper) Option {
	return func(i *Interpreter) { i.sleeper = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Interpreter) { i.now = now }
}

// WithRecorder sets the metric recorder.
func WithRecorder(r metrics.MetricRecorder) Option {
	return func(i *Interpreter) { i.recorder = r }
}

// WithTracer sets the tracer.
func WithTracer(t metrics.Tracer) Option {
	return func(i *Interpreter) { i.tracer = t }
}

// WithSuspendThreshold sets the retry delay from which an execution suspends instead of
// sleeping in place. Zero always sleeps.
func WithSuspendThreshold(d time.Duration) Option {
	return func(i *Interpreter) { i.suspendThreshold = d }
}

// NewInterpreter creates an interpreter over store.
func NewInterpreter(store repository.ExecutionStore, opts ...Option) *Interpreter {
	i := &Interpreter{
		store:       store,
		engine:      newEngine(),
		definitions: make(map[string]*Definition),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.inline = &inlineRunner{engine: i.engine}
	return i
}

// Register makes def available to Start and Drive under def.Name.
func (i *Interpreter) Register(def *Definition) {
	i.inline.bind(def)
	i.mu.Lock()
	defer i.mu.Unlock()
	i.definitions[def.Name] = def
}

// Definition returns the registered definition called name.
func (i *Interpreter) Definition(name string) (*Definition, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	def, ok := i.definitions[name]
	return def, ok
}

// Start persists a new RUNNING execution of machine positioned at its start state.
// It does not drive the execution.
func (i *Interpreter) Start(ctx context.Context, machine string, input model.Document) (*model.Execution, error) {
	def, ok := i.Definition(machine)
	if !ok {
		return nil, exception.NewOnboardingErrorf("statemachine", "state machine '%s' is not registered", machine)
	}
	execution := model.NewExecution(def.Name, def.StartAt, input, i.now())
	if err := i.store.Create(ctx, execution); err != nil {
		return nil, err
	}
	i.recorder.RecordExecutionStart(ctx, execution)
	logger.Infof("Started execution '%s' of '%s'.", execution.Name, def.Name)
	return execution, nil
}

// Drive runs execution until it suspends, terminates, or ctx ends. The caller owns the
// execution for the duration of the call.
func (i *Interpreter) Drive(ctx context.Context, execution *model.Execution) error {
	def, ok := i.Definition(execution.MachineName)
	if !ok {
		return exception.NewOnboardingErrorf("statemachine", "state machine '%s' is not registered", execution.MachineName)
	}
	if execution.Status.IsTerminal() {
		return nil
	}
	if execution.Status == model.ExecutionSuspended {
		if execution.WakeAt != nil && i.now().Before(*execution.WakeAt) {
			return nil
		}
		execution.Status = model.ExecutionRunning
		execution.WakeAt = nil
	}

	ctx, endSpan := i.tracer.StartExecutionSpan(ctx, execution)
	defer endSpan()
	persist := context.WithoutCancel(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		stateName := execution.CurrentState
		started := i.now()
		sctx, endState := i.tracer.StartStateSpan(ctx, execution, stateName)
		tr, err := i.step(sctx, def, execution, false)
		endState()
		if err != nil {
			i.recorder.RecordStateDuration(ctx, def.Name, stateName, "error", i.now().Sub(started))
			logger.Warnf("Execution '%s' interrupted in state '%s': %v", execution.Name, stateName, err)
			return err
		}

		i.apply(execution, tr)
		if err := i.store.Save(persist, execution); err != nil {
			return exception.NewOnboardingError("statemachine", "failed to persist execution '"+execution.Name+"'", err, exception.GenericRetryable)
		}
		i.recorder.RecordStateDuration(ctx, def.Name, stateName, tr.Kind.String(), i.now().Sub(started))

		switch tr.Kind {
		case TransitionSuspend:
			logger.Debugf("Execution '%s' suspended in '%s' until %s.", execution.Name, stateName, tr.WakeAt.Format(time.RFC3339))
			return nil
		case TransitionTerminal:
			i.recorder.RecordExecutionEnd(ctx, execution)
			if tr.Status == model.ExecutionFailed {
				logger.Errorf("Execution '%s' failed in '%s': %s: %s", execution.Name, stateName, tr.Error, tr.Cause)
			} else {
				logger.Infof("Execution '%s' succeeded.", execution.Name)
			}
			return nil
		}
		if tr.retry {
			if err := i.sleeper.Sleep(ctx, tr.retryDelay); err != nil {
				return err
			}
		}
	}
}

// Resume claims the execution with id for owner, drives it, and releases the claim.
// It returns false when another owner holds the claim or the execution is finished.
func (i *Interpreter) Resume(ctx context.Context, id, owner string, claimTTL time.Duration) (bool, error) {
	now := i.now()
	claimed, err := i.store.Claim(ctx, id, owner, now, now.Add(claimTTL))
	if err != nil || !claimed {
		return false, err
	}
	persist := context.WithoutCancel(ctx)
	defer func() {
		if _, err := i.store.Claim(persist, id, owner, i.now(), i.now()); err != nil && !errors.Is(err, repository.ErrExecutionNotFound) {
			logger.Warnf("Failed to release claim of execution '%s': %v", id, err)
		}
	}()

	execution, err := i.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	stop := i.heartbeat(ctx, id, owner, claimTTL)
	defer stop()
	return true, i.Drive(ctx, execution)
}

// heartbeat extends the claim every third of claimTTL until stop is called.
func (i *Interpreter) heartbeat(ctx context.Context, id, owner string, claimTTL time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := claimTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := i.now()
				if ok, err := i.store.Claim(ctx, id, owner, now, now.Add(claimTTL)); err != nil || !ok {
					if ctx.Err() == nil {
						logger.Warnf("Failed to extend claim of execution '%s' (claimed=%t): %v", id, ok, err)
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
