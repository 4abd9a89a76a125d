package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
)

// LeaseStore is an in-memory repository.LeaseStore.
type LeaseStore struct {
	mu     sync.Mutex
	leases map[string]*model.SemaphoreLease
}

var _ repository.LeaseStore = (*LeaseStore)(nil)

// NewLeaseStore creates an empty store.
func NewLeaseStore() *LeaseStore {
	return &LeaseStore{leases: make(map[string]*model.SemaphoreLease)}
}

func (s *LeaseStore) lease(lockName string, limit int) *model.SemaphoreLease {
	l, ok := s.leases[lockName]
	if !ok {
		l = model.NewSemaphoreLease(lockName, limit)
		s.leases[lockName] = l
	}
	if limit > 0 {
		l.Limit = limit
	}
	return l
}

func (s *LeaseStore) TryAcquire(ctx context.Context, lockName, token string, limit int, heldUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lease(lockName, limit)
	if _, held := l.Holders[token]; held || l.HasFreeSlot() {
		l.Holders[token] = heldUntil
		l.Version++
		return true, nil
	}
	return false, nil
}

func (s *LeaseStore) Renew(ctx context.Context, lockName, token string, heldUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[lockName]
	if !ok {
		return false, nil
	}
	if _, held := l.Holders[token]; !held {
		return false, nil
	}
	l.Holders[token] = heldUntil
	l.Version++
	return true, nil
}

func (s *LeaseStore) Release(ctx context.Context, lockName, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[lockName]; ok {
		if _, held := l.Holders[token]; held {
			delete(l.Holders, token)
			l.Version++
		}
	}
	return nil
}

func (s *LeaseStore) Get(ctx context.Context, lockName string) (*model.SemaphoreLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[lockName]
	if !ok {
		return model.NewSemaphoreLease(lockName, 0), nil
	}
	return l.Clone(), nil
}

func (s *LeaseStore) ReapExpired(ctx context.Context, lockName string, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[lockName]
	if !ok {
		return nil, nil
	}
	var reaped []string
	for token, heldUntil := range l.Holders {
		if heldUntil.Before(cutoff) {
			reaped = append(reaped, token)
			delete(l.Holders, token)
		}
	}
	if len(reaped) > 0 {
		l.Version++
	}
	sort.Strings(reaped)
	return reaped, nil
}
