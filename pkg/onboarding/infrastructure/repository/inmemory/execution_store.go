package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// ExecutionStore is an in-memory repository.ExecutionStore with optimistic locking.
type ExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*model.Execution
}

var _ repository.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore creates an empty store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{executions: make(map[string]*model.Execution)}
}

func (s *ExecutionStore) Create(ctx context.Context, execution *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; exists {
		return exception.NewOnboardingError("repository", fmt.Sprintf("execution '%s' already exists", execution.ID), repository.ErrExecutionAlreadyExists, exception.Fatal)
	}
	execution.Version = 0
	s.executions[execution.ID] = execution.Clone()
	return nil
}

func (s *ExecutionStore) Save(ctx context.Context, execution *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[execution.ID]
	if !ok {
		return exception.NewOnboardingError("repository", fmt.Sprintf("execution '%s' not found", execution.ID), repository.ErrExecutionNotFound, exception.Fatal)
	}
	if stored.Version != execution.Version {
		return exception.NewOptimisticLockingFailureException("repository",
			fmt.Sprintf("execution '%s' was modified concurrently (expected version %d, found %d)", execution.ID, execution.Version, stored.Version), nil)
	}
	execution.Version++
	saved := execution.Clone()
	saved.Owner = stored.Owner
	saved.ClaimedUntil = stored.ClaimedUntil
	s.executions[execution.ID] = saved
	return nil
}

func (s *ExecutionStore) Claim(ctx context.Context, executionID, owner string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[executionID]
	if !ok {
		return false, exception.NewOnboardingError("repository", fmt.Sprintf("execution '%s' not found", executionID), repository.ErrExecutionNotFound, exception.Fatal)
	}
	if stored.Status.IsTerminal() {
		return false, nil
	}
	if stored.IsClaimed(now) && stored.Owner != owner {
		return false, nil
	}
	u := until.UTC()
	stored.Owner = owner
	stored.ClaimedUntil = &u
	return true, nil
}

func (s *ExecutionStore) Get(ctx context.Context, executionID string) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[executionID]
	if !ok {
		return nil, exception.NewOnboardingError("repository", fmt.Sprintf("execution '%s' not found", executionID), repository.ErrExecutionNotFound, exception.Fatal)
	}
	return execution.Clone(), nil
}

func (s *ExecutionStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Execution
	for _, execution := range s.executions {
		if execution.IsDue(now) {
			out = append(out, execution.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.Before(out[j].LastUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ExecutionStore) FindBySession(ctx context.Context, sessionID string) ([]*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Execution
	for _, execution := range s.executions {
		if execution.SessionID == sessionID {
			out = append(out, execution.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}
