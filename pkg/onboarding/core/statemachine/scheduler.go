package statemachine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// Scheduler picks up due executions, including ones left RUNNING by a crashed worker once
// their claim expires, and drives them with a bounded number of workers.
type Scheduler struct {
	interp       *Interpreter
	store        repository.ExecutionStore
	owner        string
	workers      int
	pollInterval time.Duration
	claimTTL     time.Duration

	wake     chan struct{}
	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. The claim of a driven execution is as long as the
// configured lease TTL and is renewed while the execution runs.
func NewScheduler(interp *Interpreter, store repository.ExecutionStore, cfg config.WorkflowConfig) *Scheduler {
	workers := cfg.SchedulerWorkers
	if workers <= 0 {
		workers = 1
	}
	poll := cfg.SchedulerPollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Scheduler{
		interp:       interp,
		store:        store,
		owner:        ownerID(),
		workers:      workers,
		pollInterval: poll,
		claimTTL:     ttl,
		wake:         make(chan struct{}, 1),
		inFlight:     make(map[string]struct{}),
	}
}

func ownerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Owner returns the claim owner of this scheduler.
func (s *Scheduler) Owner() string { return s.owner }

// Notify wakes the poll loop early, e.g. after an execution was started in-process.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recover drives every execution due now, each at most once, and waits for them to stop.
// It returns how many executions were driven.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	seen := make(map[string]struct{})
	total := 0
	for {
		n, err := s.dispatchFiltered(ctx, seen)
		total += n
		if err != nil {
			s.wg.Wait()
			return total, err
		}
		if n == 0 && s.free() == s.workers {
			return total, nil
		}
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return total, ctx.Err()
		case <-s.wake:
		case <-time.After(s.pollInterval):
		}
	}
}

// Run polls for due executions until ctx ends, then waits for in-flight drives to stop.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Infof("Scheduler '%s' started with %d workers.", s.owner, s.workers)
	defer s.wg.Wait()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.dispatch(ctx); err != nil && ctx.Err() == nil {
			logger.Warnf("Scheduler poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			logger.Infof("Scheduler '%s' stopping.", s.owner)
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context) (int, error) {
	return s.dispatchFiltered(ctx, nil)
}

// dispatchFiltered starts drives for due executions. When seen is non-nil, executions in it
// are skipped and started ones are added to it.
func (s *Scheduler) dispatchFiltered(ctx context.Context, seen map[string]struct{}) (int, error) {
	free := s.free()
	if free <= 0 {
		return 0, nil
	}
	due, err := s.store.FindDue(ctx, s.interp.now(), 0)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, execution := range due {
		if started >= free {
			break
		}
		if seen != nil {
			if _, done := seen[execution.ID]; done {
				continue
			}
		}
		if !s.reserve(execution.ID) {
			continue
		}
		if seen != nil {
			seen[execution.ID] = struct{}{}
		}
		started++
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			defer s.unreserve(id)
			if _, err := s.interp.Resume(ctx, id, s.owner, s.claimTTL); err != nil && ctx.Err() == nil {
				logger.Errorf("Failed to drive execution '%s': %v", id, err)
			}
		}(execution.ID)
	}
	return started, nil
}

func (s *Scheduler) free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers - len(s.inFlight)
}

func (s *Scheduler) reserve(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy || len(s.inFlight) >= s.workers {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) unreserve(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
	s.Notify()
}
