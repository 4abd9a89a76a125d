// Package repository declares the persistence ports of the orchestrator: the session store
// gateway, the execution store of the state machine, and the semaphore lease store.
package repository

import (
	"context"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

var (
	// ErrSessionNotFound is returned when no session has the requested id.
	ErrSessionNotFound = exception.ErrSessionNotFound
	// ErrConditionFailed is returned when a conditional write's condition does not hold.
	ErrConditionFailed = exception.ErrConditionFailed
	// ErrExecutionNotFound is returned when no execution has the requested id.
	ErrExecutionNotFound = exception.ErrExecutionNotFound
	// ErrExecutionAlreadyExists is returned when creating an execution with a used id.
	ErrExecutionAlreadyExists = exception.ErrExecutionAlreadyExists
)

// SessionStore is the session store gateway. Implementations must apply an Update atomically:
// either the condition holds and every clause is applied, or nothing changes.
type SessionStore interface {
	// Create inserts a session under attribute_not_exists(session_id); an existing id yields ErrConditionFailed.
	Create(ctx context.Context, session *model.Session) error
	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	// List returns sessions of sessionType whose created_at lies in [from, to], oldest first.
	List(ctx context.Context, sessionType string, from, to time.Time) ([]*model.Session, error)
	// ConditionalUpdate applies update, returning ErrConditionFailed when its condition is false
	// and ErrSessionNotFound when the session does not exist.
	ConditionalUpdate(ctx context.Context, sessionID string, update Update) error
}

// ExecutionStore persists state machine executions with optimistic locking on Version.
type ExecutionStore interface {
	// Create inserts a new execution at Version 0.
	Create(ctx context.Context, execution *model.Execution) error
	// Save writes execution if its Version matches the stored one, then increments Version.
	// Owner and ClaimedUntil are not written by Save.
	// A mismatch yields an error satisfying exception.IsOptimisticLockingFailure.
	Save(ctx context.Context, execution *model.Execution) error
	// Get returns the execution or ErrExecutionNotFound.
	Get(ctx context.Context, executionID string) (*model.Execution, error)
	// FindDue returns unclaimed RUNNING executions and unclaimed SUSPENDED ones whose WakeAt
	// is not after now, least recently updated first.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Execution, error)
	// Claim gives owner exclusive use of a non-terminal execution until until. It succeeds when
	// the execution is unclaimed, its claim expired before now, or owner already holds it.
	// Claim does not change Version; releasing is a Claim with until equal to now.
	Claim(ctx context.Context, executionID, owner string, now, until time.Time) (bool, error)
	// FindBySession returns the executions started for a session, newest first.
	FindBySession(ctx context.Context, sessionID string) ([]*model.Execution, error)
}

// LeaseStore persists named semaphores. Every operation is atomic per lock name.
type LeaseStore interface {
	// TryAcquire adds token as a holder expiring at heldUntil when a slot is free.
	// Re-acquiring a held token extends it and reports true.
	TryAcquire(ctx context.Context, lockName, token string, limit int, heldUntil time.Time) (bool, error)
	// Renew extends a held token. It reports false when token no longer holds the lock.
	Renew(ctx context.Context, lockName, token string, heldUntil time.Time) (bool, error)
	// Release removes token unconditionally. Releasing a token that is not held is not an error.
	Release(ctx context.Context, lockName, token string) error
	// Get returns the current lease; an unknown lock yields an empty lease.
	Get(ctx context.Context, lockName string) (*model.SemaphoreLease, error)
	// ReapExpired removes holders whose heldUntil is before cutoff and returns their tokens.
	ReapExpired(ctx context.Context, lockName string, cutoff time.Time) ([]string, error)
}
