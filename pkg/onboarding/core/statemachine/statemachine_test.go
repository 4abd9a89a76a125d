package statemachine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/repository/inmemory"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func table() *retry.Table {
	return retry.DefaultTable(retry.WithRand(func(n int64) int64 { return n - 1 }))
}

func newInterpreter(t *testing.T, c *clock, sleeper retry.Sleeper, defs ...*Definition) (*Interpreter, *inmemory.ExecutionStore) {
	t.Helper()
	store := inmemory.NewExecutionStore()
	interp := NewInterpreter(store, WithClock(c.Now), WithSleeper(sleeper), WithSuspendThreshold(10*time.Second))
	for _, def := range defs {
		interp.Register(def)
	}
	return interp, store
}

func mustDefinition(t *testing.T, name, startAt string, states ...State) *Definition {
	t.Helper()
	def, err := NewDefinition(name, startAt, states...)
	require.NoError(t, err)
	return def
}

func TestNewDefinitionValidatesTargets(t *testing.T) {
	_, err := NewDefinition("m", "Missing", &SucceedState{StateName: "Done"})
	assert.Error(t, err)

	_, err = NewDefinition("m", "A", &PassState{StateName: "A", NextState: "Nowhere"})
	assert.Error(t, err)

	_, err = NewDefinition("m", "A", &SucceedState{StateName: "A"}, &SucceedState{StateName: "A"})
	assert.Error(t, err)
}

func TestDriveRoutesDocumentThroughStates(t *testing.T) {
	def := mustDefinition(t, "m", "HasImages?",
		&ChoiceState{StateName: "HasImages?", Choices: []ChoiceRule{{Condition: IsPresent("$.images_key"), Next: "Extract"}}, Default: "Count"},
		&TaskState{StateName: "Extract", ResultPath: "$.extracted", NextState: "Count",
			Run: func(ctx context.Context, in model.Document) (interface{}, error) { return in.GetString("$.images_key"), nil }},
		&TaskState{StateName: "Count", ResultPath: "$.count", End: true,
			Run: func(ctx context.Context, in model.Document) (interface{}, error) { return 3, nil }},
	)
	interp, store := newInterpreter(t, newClock(), &recordingSleeper{}, def)
	ctx := context.Background()

	exec, err := interp.Start(ctx, "m", model.Document{"images_key": "a.zip"})
	require.NoError(t, err)
	require.NoError(t, interp.Drive(ctx, exec))

	saved, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSucceeded, saved.Status)
	assert.Equal(t, "a.zip", saved.Document.GetString("$.extracted"))
	assert.EqualValues(t, 3, saved.Document["count"])
	assert.Equal(t, 3, saved.Transitions)
	assert.NotNil(t, saved.EndTime)

	exec2, err := interp.Start(ctx, "m", model.Document{})
	require.NoError(t, err)
	require.NoError(t, interp.Drive(ctx, exec2))
	saved2, _ := store.Get(ctx, exec2.ID)
	assert.False(t, saved2.Document.IsPresent("$.extracted"))
}

func TestShortRetriesSleepInPlace(t *testing.T) {
	var calls int32
	def := mustDefinition(t, "m", "Flaky",
		&TaskState{StateName: "Flaky", End: true, Policies: Policies{Retry: table()},
			Run: func(ctx context.Context, in model.Document) (interface{}, error) {
				if atomic.AddInt32(&calls, 1) <= 2 {
					return nil, exception.NewRetryableError("test", "transient", nil)
				}
				return nil, nil
			}},
	)
	sleeper := &recordingSleeper{}
	interp, store := newInterpreter(t, newClock(), sleeper, def)
	ctx := context.Background()

	exec, err := interp.Start(ctx, "m", nil)
	require.NoError(t, err)
	require.NoError(t, interp.Drive(ctx, exec))

	saved, _ := store.Get(ctx, exec.ID)
	assert.Equal(t, model.ExecutionSucceeded, saved.Status)
	assert.EqualValues(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
}

func TestLongRetrySuspendsUntilWakeTime(t *testing.T) {
	var calls int32
	def := mustDefinition(t, "m", "Throttled",
		&TaskState{StateName: "Throttled", End: true, Policies: Policies{Retry: table()},
			Run: func(ctx context.Context, in model.Document) (interface{}, error) {
				if atomic.AddInt32(&calls, 1) == 1 {
					return nil, exception.NewRateLimitError("test", "429", nil)
				}
				return nil, nil
			}},
	)
	c := newClock()
	interp, store := newInterpreter(t, c, &recordingSleeper{}, def)
	ctx := context.Background()

	exec, err := interp.Start(ctx, "m", nil)
	require.NoError(t, err)
	require.NoError(t, interp.Drive(ctx, exec))

	saved, _ := store.Get(ctx, exec.ID)
	require.Equal(t, model.ExecutionSuspended, saved.Status)
	require.NotNil(t, saved.WakeAt)
	assert.Equal(t, c.Now().Add(15*time.Second), *saved.WakeAt)
	assert.Equal(t, 1, saved.Attempts["Throttled/RateLimited"])

	require.NoError(t, interp.Drive(ctx, saved))
	assert.EqualValues(t, 1, calls, "not due yet")

	c.Advance(15 * time.Second)
	ok, err := interp.Resume(ctx, exec.ID, "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	saved, _ = store.Get(ctx, exec.ID)
	assert.Equal(t, model.ExecutionSucceeded, saved.Status)
	assert.EqualValues(t, 2, calls)
}

func TestCatchWritesErrorAndFailReadsPaths(t *testing.T) {
	def := mustDefinition(t, "m", "Work",
		&TaskState{StateName: "Work", NextState: "Done",
			Policies: Policies{Retry: table(), Catch: []CatchRule{{ResultPath: "$.error", Next: "Handle"}}},
			Run: func(ctx context.Context, in model.Document) (interface{}, error) {
				return nil, exception.NewOnboardingError("test", "bad input", nil, exception.Fatal).WithName("ValidationError")
			}},
		&PassState{StateName: "Handle", NextState: "Check"},
		&ChoiceState{StateName: "Check", Choices: []ChoiceRule{{Condition: IsPresent("$.error"), Next: "Fail"}}, Default: "Done"},
		&FailState{StateName: "Fail", ErrorPath: "$.error.Error", CausePath: "$.error.Cause"},
		&SucceedState{StateName: "Done"},
	)
	interp, store := newInterpreter(t, newClock(), &recordingSleeper{}, def)
	ctx := context.Background()

	exec, err := interp.Start(ctx, "m", model.Document{"session_id": "s1"})
	require.NoError(t, err)
	require.NoError(t, interp.Drive(ctx, exec))

	saved, _ := store.Get(ctx, exec.ID)
	assert.Equal(t, model.ExecutionFailed, saved.Status)
	assert.Equal(t, "ValidationError", saved.Error)
	assert.Equal(t, "bad input", saved.Cause)
	assert.Equal(t, "s1", saved.Document.GetString("$.session_id"))
}

func TestUncaughtFailureEndsExecution(t *testing.T) {
	def := mustDefinition(t, "m", "Work",
		&TaskState{StateName: "Work", End: true,
			Run: func(ctx context.Context, in model.Document) (interface{}, error) { return nil, errors.New("boom") }},
	)
	interp, store := newInterpreter(t, newClock(), &recordingSleeper{}, def)
	ctx := context.Background()

	exec, _ := interp.Start(ctx, "m", nil)
	require.NoError(t, interp.Drive(ctx, exec))
	saved, _ := store.Get(ctx, exec.ID)
	assert.Equal(t, model.ExecutionFailed, saved.Status)
	assert.Equal(t, exception.TaskFailedName, saved.Error)
	assert.Equal(t, "boom", saved.Cause)
}

func TestInterruptedStateIsReExecutedOnResume(t *testing.T) {
	var first, second int32
	ctx, cancel := context.WithCancel(context.Background())
	def := mustDefinition(t, "m", "First",
		&TaskState{StateName: "First", NextState: "Second",
			Run: func(context.Context, model.Document) (interface{}, error) { atomic.AddInt32(&first, 1); return nil, nil }},
		&TaskState{StateName: "Second", End: true,
			Run: func(c context.Context, in model.Document) (interface{}, error) {
				if atomic.AddInt32(&second, 1) == 1 {
					cancel()
					<-c.Done()
					return nil, c.Err()
				}
				return nil, nil
			}},
	)
	interp, store := newInterpreter(t, newClock(), &recordingSleeper{}, def)

	exec, err := interp.Start(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, interp.Drive(ctx, exec), context.Canceled)

	saved, _ := store.Get(context.Background(), exec.ID)
	assert.Equal(t, model.ExecutionRunning, saved.Status)
	assert.Equal(t, "Second", saved.CurrentState)

	restarted := NewInterpreter(store)
	restarted.Register(def)
	ok, err := restarted.Resume(context.Background(), exec.ID, "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	saved, _ = store.Get(context.Background(), exec.ID)
	assert.Equal(t, model.ExecutionSucceeded, saved.Status)
	assert.EqualValues(t, 1, first)
	assert.EqualValues(t, 2, second)
}

func TestResumeRespectsForeignClaim(t *testing.T) {
	def := mustDefinition(t, "m", "Done", &SucceedState{StateName: "Done"})
	c := newClock()
	interp, store := newInterpreter(t, c, &recordingSleeper{}, def)
	ctx := context.Background()

	exec, _ := interp.Start(ctx, "m", nil)
	ok, err := store.Claim(ctx, exec.ID, "other", c.Now(), c.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = interp.Resume(ctx, exec.ID, "me", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	c.Advance(2 * time.Minute)
	ok, err = interp.Resume(ctx, exec.ID, "me", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInlineMapToleratesFailures(t *testing.T) {
	iterator := mustDefinition(t, "item", "Check",
		&TaskState{StateName: "Check", ResultPath: "$.ok", End: true,
			Run: func(ctx context.Context, in model.Document) (interface{}, error) {
				if in.GetString("$.value") == "bad" {
					return nil, errors.New("bad item")
				}
				return true, nil
			}},
	)
	build := func(items []interface{}, tolerated float64) *Definition {
		return mustDefinition(t, "m", "Map",
			&MapState{StateName: "Map", ItemsPath: "$.items", Iterator: iterator, MaxConcurrency: 2,
				ToleratedFailurePercentage: tolerated, ResultPath: "$.results", End: true},
		)
	}
	ctx := context.Background()

	items := []interface{}{"a", "bad", "c", "d"}
	interp, store := newInterpreter(t, newClock(), &recordingSleeper{}, build(items, 25))
	exec, _ := interp.Start(ctx, "m", model.Document{"items": items})
	require.NoError(t, interp.Drive(ctx, exec))
	saved, _ := store.Get(ctx, exec.ID)
	require.Equal(t, model.ExecutionSucceeded, saved.Status)
	results, _ := saved.Document["results"].([]interface{})
	assert.Len(t, results, 4)
	assert.Nil(t, results[1])

	interp, store = newInterpreter(t, newClock(), &recordingSleeper{}, build(items, 0))
	exec, _ = interp.Start(ctx, "m", model.Document{"items": items})
	require.NoError(t, interp.Drive(ctx, exec))
	saved, _ = store.Get(ctx, exec.ID)
	assert.Equal(t, model.ExecutionFailed, saved.Status)
	assert.Equal(t, exception.ToleratedFailureExceededName, saved.Error)
}

func TestParallelCollectsBranchOutputs(t *testing.T) {
	branch := func(name string, v int) *Definition {
		return mustDefinition(t, name, "Set", &PassState{StateName: "Set", Result: v, ResultPath: "$.v", End: true})
	}
	def := mustDefinition(t, "m", "Both",
		&ParallelState{StateName: "Both", Branches: []*Definition{branch("a", 1), branch("b", 2)}, ResultPath: "$.branches", End: true},
	)
	interp, store := newInterpreter(t, newClock(), &recordingSleeper{}, def)
	ctx := context.Background()

	exec, _ := interp.Start(ctx, "m", nil)
	require.NoError(t, interp.Drive(ctx, exec))
	saved, _ := store.Get(ctx, exec.ID)
	require.Equal(t, model.ExecutionSucceeded, saved.Status)
	v, ok := saved.Document.Get("$.branches[0].v")
	require.True(t, ok)
	assert.EqualValues(t, 1, v)
	v, ok = saved.Document.Get("$.branches[1].v")
	require.True(t, ok)
	assert.EqualValues(t, 2, v)
}

func TestSchedulerRecoverDrivesDueExecutions(t *testing.T) {
	var runs int32
	def := mustDefinition(t, "m", "Work",
		&TaskState{StateName: "Work", End: true,
			Run: func(context.Context, model.Document) (interface{}, error) { atomic.AddInt32(&runs, 1); return nil, nil }},
	)
	interp, store := newInterpreter(t, newClock(), &recordingSleeper{}, def)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := interp.Start(ctx, "m", nil)
		require.NoError(t, err)
	}

	cfg := config.NewConfig().Onboarding.Workflow
	cfg.SchedulerWorkers = 2
	cfg.SchedulerPollInterval = 10 * time.Millisecond
	n, err := NewScheduler(interp, store, cfg).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.EqualValues(t, 5, runs)

	due, err := store.FindDue(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}
