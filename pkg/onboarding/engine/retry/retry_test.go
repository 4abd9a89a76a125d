package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// maxRand always draws the ceiling so jittered delays are deterministic.
func maxRand(n int64) int64 { return n - 1 }

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestDelayIsNonDecreasingAndBounded(t *testing.T) {
	table := DefaultTable(WithRand(maxRand))
	cases := []struct {
		class    exception.Classification
		max      int
		maxDelay time.Duration
	}{
		{exception.GenericRetryable, 2, 0},
		{exception.RateLimited, 10, 120 * time.Second},
		{exception.DownstreamThrottling, 50, 30 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.class.String(), func(t *testing.T) {
			var prev time.Duration
			for attempt := 1; attempt <= tc.max; attempt++ {
				d := table.Decide(tc.class, attempt)
				require.True(t, d.Retry, "attempt %d", attempt)
				assert.GreaterOrEqual(t, d.Ceiling, prev)
				if tc.maxDelay > 0 {
					assert.LessOrEqual(t, d.Delay, tc.maxDelay)
				}
				prev = d.Ceiling
			}
		})
	}
}

func TestGiveUpBoundaries(t *testing.T) {
	table := DefaultTable()

	assert.True(t, table.Decide(exception.GenericRetryable, 2).Retry)
	assert.False(t, table.Decide(exception.GenericRetryable, 3).Retry)

	assert.True(t, table.Decide(exception.RateLimited, 10).Retry)
	assert.Equal(t, GiveUp, table.Decide(exception.RateLimited, 11))

	assert.True(t, table.Decide(exception.DownstreamThrottling, 1000).Retry)
	assert.False(t, table.Decide(exception.Fatal, 1).Retry)
}

func TestRateLimitedFirstRetryIsJitteredWithinBase(t *testing.T) {
	table := DefaultTable()
	for i := 0; i < 100; i++ {
		d := table.Decide(exception.RateLimited, 1)
		require.True(t, d.Retry)
		assert.Equal(t, 15*time.Second, d.Ceiling)
		assert.GreaterOrEqual(t, d.Delay, time.Duration(0))
		assert.LessOrEqual(t, d.Delay, 15*time.Second)
	}
}

func TestCeilingGrowsExponentiallyUpToCap(t *testing.T) {
	p, ok := DefaultTable().Policy(exception.RateLimited)
	require.True(t, ok)
	assert.Equal(t, 15*time.Second, p.Ceiling(1))
	assert.Equal(t, 30*time.Second, p.Ceiling(2))
	assert.Equal(t, 60*time.Second, p.Ceiling(3))
	assert.Equal(t, 120*time.Second, p.Ceiling(4))
	assert.Equal(t, 120*time.Second, p.Ceiling(9))
}

func TestClassify(t *testing.T) {
	table := DefaultTable()

	assert.Equal(t, exception.RateLimited, table.Classify(exception.NewRateLimitError("remote", "429", nil)))
	assert.Equal(t, exception.DownstreamThrottling, table.Classify(exception.NewTooManyRequestsError("remote", "pool", nil)))
	assert.Equal(t, exception.GenericRetryable, table.Classify(exception.NewModelResponseError("remote", "bad json", nil)))
	assert.Equal(t, exception.GenericRetryable, table.Classify(context.DeadlineExceeded))
	assert.Equal(t, exception.Fatal, table.Classify(exception.NewValidationError("pipeline", "bad row")))
	assert.Equal(t, exception.Fatal, table.Classify(errors.New("boom")))

	// A table without a matching row falls back to the error's own class.
	assert.Equal(t, exception.RateLimited, NewTable(nil).Classify(exception.NewRateLimitError("remote", "429", nil)))
}

func TestAnyErrorTable(t *testing.T) {
	table := AnyErrorTable(time.Second, 2, 2)
	assert.Equal(t, exception.GenericRetryable, table.Classify(errors.New("disk on fire")))
	assert.Equal(t, 2*time.Second, table.Decide(exception.GenericRetryable, 2).Delay)
	assert.False(t, table.Decide(exception.GenericRetryable, 3).Retry)
}

func TestRunnerThrottledThreeTimesThenSucceeds(t *testing.T) {
	sleeper := &recordingSleeper{}
	runner := NewRunner(DefaultTable(WithRand(maxRand)), WithSleeper(sleeper))

	calls := 0
	err := runner.Do(context.Background(), "GenerateProductTask", 0, func(ctx context.Context) error {
		calls++
		if calls <= 3 {
			return exception.NewRateLimitError("remote", "throttled", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second}, sleeper.delays)
}

func TestRunnerGivesUpWithStepFailure(t *testing.T) {
	runner := NewRunner(DefaultTable(), WithSleeper(&recordingSleeper{}))

	calls := 0
	err := runner.Do(context.Background(), "ClassificationTask", 0, func(ctx context.Context) error {
		calls++
		return exception.NewRetryableError("remote", "503", nil)
	})

	failure, ok := AsStepFailure(err)
	require.True(t, ok)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "ClassificationTask", failure.Step)
	assert.Equal(t, exception.GenericRetryable, failure.Class)
	assert.Equal(t, exception.RetryableErrorName, failure.ErrorName())
}

func TestRunnerKeepsCountersPerClass(t *testing.T) {
	runner := NewRunner(DefaultTable(WithRand(maxRand)), WithSleeper(&recordingSleeper{}))

	seq := []error{
		exception.NewRetryableError("remote", "503", nil),
		exception.NewRetryableError("remote", "503", nil),
		exception.NewRateLimitError("remote", "429", nil),
		nil,
	}
	calls := 0
	err := runner.Do(context.Background(), "AttributeExtractionTask", 0, func(ctx context.Context) error {
		e := seq[calls]
		calls++
		return e
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestRunnerFatalIsNotRetried(t *testing.T) {
	runner := NewRunner(DefaultTable(), WithSleeper(&recordingSleeper{}))
	calls := 0
	err := runner.Do(context.Background(), "InputState", 0, func(ctx context.Context) error {
		calls++
		return exception.NewValidationError("pipeline", "either title and description or images are required")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunnerAttemptTimeoutIsRetryable(t *testing.T) {
	sleeper := &recordingSleeper{}
	runner := NewRunner(DefaultTable(), WithSleeper(sleeper))

	calls := 0
	err := runner.Do(context.Background(), "MetaclassTask", 10*time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, sleeper.delays)
}

func TestClassifyIgnoresNamesInMessages(t *testing.T) {
	table := DefaultTable()
	err := exception.NewOnboardingError("anthropic", "request rejected: RateLimitError is not a valid tool name", nil, exception.Fatal)

	assert.Equal(t, exception.Fatal, table.Classify(err))
	assert.Equal(t, exception.Fatal, table.Classify(errors.New("TooManyRequestsException in response body")))
}
