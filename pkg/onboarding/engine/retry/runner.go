package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// StepFailure is the typed failure of a step after its retries are exhausted.
type StepFailure struct {
	Step     string
	Class    exception.Classification
	Attempts int
	Err      error
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("step '%s' failed after %d attempt(s) (%s): %v", f.Step, f.Attempts, f.Class, f.Err)
}

func (f *StepFailure) Unwrap() error { return f.Err }

// ErrorName reports the name of the underlying failure.
func (f *StepFailure) ErrorName() string { return exception.ErrorName(f.Err) }

// AsStepFailure extracts a StepFailure from err.
func AsStepFailure(err error) (*StepFailure, bool) {
	var f *StepFailure
	ok := errors.As(err, &f)
	return f, ok
}

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper sleeps on a real timer.
var TimerSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
})

// RetryListener observes retries scheduled by a Runner.
type RetryListener func(step string, class exception.Classification, attempt int, delay time.Duration, err error)

// Runner re-invokes a step according to a retry table, keeping one attempt counter per class.
type Runner struct {
	table    *Table
	sleeper  Sleeper
	listener RetryListener
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSleeper replaces the real timer.
func WithSleeper(s Sleeper) RunnerOption {
	return func(r *Runner) { r.sleeper = s }
}

// WithListener registers a callback invoked before every retry.
func WithListener(l RetryListener) RunnerOption {
	return func(r *Runner) { r.listener = l }
}

// NewRunner creates a Runner over table.
func NewRunner(table *Table, opts ...RunnerOption) *Runner {
	r := &Runner{table: table, sleeper: TimerSleeper}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Table returns the runner's table.
func (r *Runner) Table() *Table { return r.table }

// Do calls fn until it succeeds or the table gives up. Each attempt runs under its own
// timeout when timeout is positive; an expired attempt is reported as a deadline error.
func (r *Runner) Do(ctx context.Context, step string, timeout time.Duration, fn func(ctx context.Context) error) error {
	attempts := make(map[exception.Classification]int)
	total := 0
	for {
		total++
		err := r.attempt(ctx, timeout, fn)
		if err == nil {
			return nil
		}
		class := r.table.Classify(err)
		if ctx.Err() != nil {
			return &StepFailure{Step: step, Class: class, Attempts: total, Err: err}
		}
		attempts[class]++
		decision := r.table.Decide(class, attempts[class])
		if !decision.Retry {
			logger.Debugf("Step '%s' gives up after %d attempt(s): %v", step, total, err)
			return &StepFailure{Step: step, Class: class, Attempts: total, Err: err}
		}
		logger.Debugf("Step '%s' failed with %s (retry %d), retrying in %v: %v", step, class, attempts[class], decision.Delay, err)
		if r.listener != nil {
			r.listener(step, class, attempts[class], decision.Delay, err)
		}
		if serr := r.sleeper.Sleep(ctx, decision.Delay); serr != nil {
			return &StepFailure{Step: step, Class: class, Attempts: total, Err: err}
		}
	}
}

func (r *Runner) attempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}
