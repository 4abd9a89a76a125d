// Package semaphore implements the named, limited semaphore that serializes batch fan-outs.
// Slots are leases with a held-until time: holders renew them while they work, and a reaper
// force-releases leases whose holder stopped renewing.
package semaphore

import (
	"context"
	"fmt"
	"sync"
	"time"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	metrics "github.com/tigerroll/onboarding/pkg/onboarding/core/metrics"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// Semaphore acquires and releases slots of named locks.
type Semaphore struct {
	store         repository.LeaseStore
	limit         int
	ttl           time.Duration
	renewInterval time.Duration
	now           func() time.Time
	recorder      metrics.MetricRecorder
}

// Option configures a Semaphore or a Reaper.
type Option func(*options)

type options struct {
	now      func() time.Time
	recorder metrics.MetricRecorder
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRecorder sets the metric recorder.
func WithRecorder(r metrics.MetricRecorder) Option {
	return func(o *options) { o.recorder = r }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, recorder: metrics.NewNoOpMetricRecorder()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSemaphore creates a Semaphore with the limit and lease timings of cfg.
func NewSemaphore(store repository.LeaseStore, cfg config.WorkflowConfig, opts ...Option) *Semaphore {
	o := buildOptions(opts)
	limit := cfg.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}
	return &Semaphore{
		store:         store,
		limit:         limit,
		ttl:           cfg.LeaseTTL,
		renewInterval: cfg.LeaseRenewInterval,
		now:           o.now,
		recorder:      o.recorder,
	}
}

// Limit returns the slot count of every lock.
func (s *Semaphore) Limit() int { return s.limit }

// TryAcquire takes a slot of lockName for token without blocking. It reports false when every
// slot is held by other tokens. Acquiring a slot token already holds extends it.
func (s *Semaphore) TryAcquire(ctx context.Context, lockName, token string) (bool, error) {
	ok, err := s.store.TryAcquire(ctx, lockName, token, s.limit, s.now().Add(s.ttl))
	if err != nil {
		return false, exception.NewRetryableError("semaphore", fmt.Sprintf("failed to acquire '%s' for '%s'", lockName, token), err)
	}
	if !ok {
		s.recorder.RecordSemaphoreWait(ctx, lockName)
		logger.Debugf("Semaphore '%s' has no free slot for '%s'.", lockName, token)
		return false, nil
	}
	logger.Infof("Semaphore '%s' acquired by '%s'.", lockName, token)
	return true, nil
}

// Release gives back token's slot. Releasing a slot that is not held succeeds.
func (s *Semaphore) Release(ctx context.Context, lockName, token string) error {
	if err := s.store.Release(ctx, lockName, token); err != nil {
		return exception.NewRetryableError("semaphore", fmt.Sprintf("failed to release '%s' for '%s'", lockName, token), err)
	}
	logger.Infof("Semaphore '%s' released by '%s'.", lockName, token)
	return nil
}

// Renew extends token's slot by the lease TTL. It reports false when the slot was lost.
func (s *Semaphore) Renew(ctx context.Context, lockName, token string) (bool, error) {
	ok, err := s.store.Renew(ctx, lockName, token, s.now().Add(s.ttl))
	if err != nil {
		return false, exception.NewRetryableError("semaphore", fmt.Sprintf("failed to renew '%s' for '%s'", lockName, token), err)
	}
	return ok, nil
}

// Get returns the current holders of lockName.
func (s *Semaphore) Get(ctx context.Context, lockName string) (*model.SemaphoreLease, error) {
	return s.store.Get(ctx, lockName)
}

// Hold renews token's slot every renew interval until the returned stop function is called or
// ctx is done. The returned context is cancelled with a LeaseLostName error as its cause once a
// renewal reports the slot gone, or once renewals keep failing past the slot's held-until time.
// Work guarded by the slot must run under the returned context.
func (s *Semaphore) Hold(ctx context.Context, lockName, token string) (context.Context, func()) {
	held, lose := context.WithCancelCause(ctx)
	if s.renewInterval <= 0 {
		return held, func() { lose(context.Canceled) }
	}
	lost := func(reason string, err error) {
		logger.Errorf("Semaphore '%s': '%s' %s.", lockName, token, reason)
		lose(exception.NewOnboardingError("semaphore", fmt.Sprintf("'%s' lost its slot of '%s'", token, lockName), err, exception.GenericRetryable).WithName(exception.LeaseLostName))
	}

	heldUntil := s.now().Add(s.ttl)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-held.Done():
				return
			case <-ticker.C:
				renewedAt := s.now()
				ok, err := s.Renew(held, lockName, token)
				switch {
				case err != nil && held.Err() != nil:
					return
				case err != nil && !s.now().Before(heldUntil):
					lost("could not renew its slot before it expired", err)
					return
				case err != nil:
					logger.Warnf("Semaphore '%s': renewal for '%s' failed: %v", lockName, token, err)
				case !ok:
					lost("no longer holds a slot", exception.ErrLeaseLost)
					return
				default:
					heldUntil = renewedAt.Add(s.ttl)
				}
			}
		}
	}()
	return held, func() {
		lose(context.Canceled)
		wg.Wait()
	}
}
