// Package inmemory provides process-local implementations of the repository ports.
// Every read returns a copy so callers never alias stored state.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// SessionStore is an in-memory repository.SessionStore.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

var _ repository.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*model.Session)}
}

func (s *SessionStore) Create(ctx context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.SessionID]; exists {
		return exception.NewOnboardingError("repository", "session '"+session.SessionID+"' already exists", repository.ErrConditionFailed, exception.Fatal)
	}
	s.sessions[session.SessionID] = session.Clone()
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, exception.NewOnboardingError("repository", "session '"+sessionID+"' not found", repository.ErrSessionNotFound, exception.Fatal)
	}
	return session.Clone(), nil
}

func (s *SessionStore) List(ctx context.Context, sessionType string, from, to time.Time) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Session
	for _, session := range s.sessions {
		if session.Type != sessionType || session.CreatedAt.Before(from) || session.CreatedAt.After(to) {
			continue
		}
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ConditionalUpdate evaluates the condition and applies the update under one lock.
func (s *SessionStore) ConditionalUpdate(ctx context.Context, sessionID string, update repository.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[sessionID]
	if !ok {
		return exception.NewOnboardingError("repository", "session '"+sessionID+"' not found", repository.ErrSessionNotFound, exception.Fatal)
	}
	if update.Condition != nil && !update.Condition.Eval(current) {
		return exception.NewOnboardingError("repository", "condition "+update.Condition.String()+" failed for session '"+sessionID+"'", repository.ErrConditionFailed, exception.Fatal)
	}
	next := current.Clone()
	if err := repository.Apply(next, update); err != nil {
		return exception.NewOnboardingError("repository", "invalid update", err, exception.Fatal)
	}
	s.sessions[sessionID] = next
	return nil
}
