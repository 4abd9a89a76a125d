package semaphore

import (
	"context"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	metrics "github.com/tigerroll/onboarding/pkg/onboarding/core/metrics"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// Reaper force-releases holders whose heldUntil plus the grace period has passed.
type Reaper struct {
	store     repository.LeaseStore
	lockNames []string
	interval  time.Duration
	grace     time.Duration
	now       func() time.Time
	recorder  metrics.MetricRecorder
}

// NewReaper creates a reaper of the configured lock.
func NewReaper(store repository.LeaseStore, cfg config.WorkflowConfig, opts ...Option) *Reaper {
	o := buildOptions(opts)
	return &Reaper{
		store:     store,
		lockNames: []string{cfg.LockName},
		interval:  cfg.ReaperInterval,
		grace:     cfg.ReaperGrace,
		now:       o.now,
		recorder:  o.recorder,
	}
}

// ReapOnce sweeps every lock once and returns the released tokens.
func (r *Reaper) ReapOnce(ctx context.Context) ([]string, error) {
	var (
		reaped []string
		errs   error
	)
	cutoff := r.now().Add(-r.grace)
	for _, lock := range r.lockNames {
		tokens, err := r.store.ReapExpired(ctx, lock, cutoff)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if len(tokens) > 0 {
			logger.Warnf("Semaphore '%s': reaped expired holders %v.", lock, tokens)
			r.recorder.RecordSemaphoreReap(ctx, lock, len(tokens))
		}
		reaped = append(reaped, tokens...)
	}
	return reaped, errs
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	interval := r.interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Infof("Semaphore reaper started (interval %v, grace %v).", interval, r.grace)
	for {
		if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Warnf("Semaphore reaper sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			logger.Infof("Semaphore reaper stopped.")
			return nil
		case <-ticker.C:
		}
	}
}
