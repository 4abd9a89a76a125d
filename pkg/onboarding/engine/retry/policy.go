// Package retry implements the runtime retry table: classification of failures into retry
// classes, backoff decisions per class, and a runner that re-invokes a step until the table
// gives up.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// Decision is the outcome of consulting a policy after a failure.
type Decision struct {
	// Retry is false when the policy gives up.
	Retry bool
	// Delay is how long to wait before the next attempt.
	Delay time.Duration
	// Ceiling is the computed backoff before jitter.
	Ceiling time.Duration
}

// GiveUp is the decision that ends retrying.
var GiveUp = Decision{}

// Policy is one row of the retry table.
type Policy struct {
	Class       exception.Classification
	ErrorEquals []string
	Interval    time.Duration
	BackoffRate float64
	MaxAttempts int
	Unbounded   bool
	MaxDelay    time.Duration
	FullJitter  bool
}

// NewPolicy converts a configured row into a Policy.
func NewPolicy(cfg config.RetryPolicyConfig) (Policy, error) {
	class, err := exception.ParseClassification(cfg.Class)
	if err != nil {
		return Policy{}, exception.NewOnboardingError("retry", "invalid retry policy", err, exception.Fatal)
	}
	rate := cfg.BackoffRate
	if rate < 1 {
		rate = 1
	}
	return Policy{
		Class:       class,
		ErrorEquals: append([]string(nil), cfg.ErrorEquals...),
		Interval:    cfg.Interval,
		BackoffRate: rate,
		MaxAttempts: cfg.MaxAttempts,
		Unbounded:   cfg.Unbounded,
		MaxDelay:    cfg.MaxDelay,
		FullJitter:  cfg.Jitter == config.JitterFull,
	}, nil
}

// Allows reports whether the 1-based retry number attempt is within the policy's budget.
func (p Policy) Allows(attempt int) bool {
	if attempt < 1 || p.Class == exception.Fatal {
		return false
	}
	return p.Unbounded || attempt <= p.MaxAttempts
}

// Ceiling returns interval * rate^(attempt-1), capped at MaxDelay when one is set.
// It is non-decreasing in attempt.
func (p Policy) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Interval) * math.Pow(p.BackoffRate, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Matches reports whether err carries one of the policy's error names.
func (p Policy) Matches(err error) bool {
	for _, name := range p.ErrorEquals {
		if exception.IsErrorOfType(err, name) {
			return true
		}
	}
	return false
}

// RandFunc returns a uniform value in [0, n). n is always positive.
type RandFunc func(n int64) int64

// Table is an ordered retry table. The first row whose ErrorEquals matches classifies a failure.
type Table struct {
	policies []Policy
	rand     RandFunc
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithRand replaces the jitter source.
func WithRand(r RandFunc) TableOption {
	return func(t *Table) { t.rand = r }
}

// NewTable creates a table from policies in priority order.
func NewTable(policies []Policy, opts ...TableOption) *Table {
	t := &Table{policies: append([]Policy(nil), policies...), rand: rand.Int64N}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewTableFromConfig builds a table from configured rows.
func NewTableFromConfig(rows []config.RetryPolicyConfig, opts ...TableOption) (*Table, error) {
	policies := make([]Policy, 0, len(rows))
	for _, row := range rows {
		p, err := NewPolicy(row)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return NewTable(policies, opts...), nil
}

// DefaultTable returns the built-in table.
func DefaultTable(opts ...TableOption) *Table {
	t, err := NewTableFromConfig(config.DefaultRetryPolicies(), opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// AnyErrorTable retries every failure as GenericRetryable with the given backoff.
func AnyErrorTable(interval time.Duration, rate float64, maxAttempts int, opts ...TableOption) *Table {
	return NewTable([]Policy{{
		Class:       exception.GenericRetryable,
		ErrorEquals: []string{exception.AllErrorsName},
		Interval:    interval,
		BackoffRate: rate,
		MaxAttempts: maxAttempts,
	}}, opts...)
}

// Only returns a copy of t restricted to the given classes.
func (t *Table) Only(classes ...exception.Classification) *Table {
	keep := make(map[exception.Classification]bool, len(classes))
	for _, c := range classes {
		keep[c] = true
	}
	out := &Table{rand: t.rand}
	for _, p := range t.policies {
		if keep[p.Class] {
			out.policies = append(out.policies, p)
		}
	}
	return out
}

// Policies returns the rows in priority order.
func (t *Table) Policies() []Policy {
	return append([]Policy(nil), t.policies...)
}

// Policy returns the first row governing class.
func (t *Table) Policy(class exception.Classification) (Policy, bool) {
	for _, p := range t.policies {
		if p.Class == class {
			return p, true
		}
	}
	return Policy{}, false
}

// Classify maps err to exactly one class. The first row whose error names match wins;
// otherwise the class carried by an OnboardingError; otherwise a deadline is GenericRetryable;
// everything else is Fatal.
func (t *Table) Classify(err error) exception.Classification {
	if err == nil {
		return exception.Fatal
	}
	for _, p := range t.policies {
		if p.Matches(err) {
			return p.Class
		}
	}
	if class, ok := exception.ClassOf(err); ok {
		return class
	}
	if exception.IsErrorOfType(err, exception.TimeoutName) {
		return exception.GenericRetryable
	}
	return exception.Fatal
}

// Decide returns the decision for the attempt-th retry of class.
func (t *Table) Decide(class exception.Classification, attempt int) Decision {
	p, ok := t.Policy(class)
	if !ok || !p.Allows(attempt) {
		return GiveUp
	}
	ceiling := p.Ceiling(attempt)
	delay := ceiling
	if p.FullJitter && ceiling > 0 {
		delay = time.Duration(t.rand(int64(ceiling) + 1))
	}
	return Decision{Retry: true, Delay: delay, Ceiling: ceiling}
}
