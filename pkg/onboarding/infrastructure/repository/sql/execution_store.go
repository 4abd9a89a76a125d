package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

var activeStatuses = []string{string(model.ExecutionRunning), string(model.ExecutionSuspended)}

// ExecutionStore implements repository.ExecutionStore on onboarding_executions.
type ExecutionStore struct {
	conn database.DBConnection
}

var _ repository.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore creates an ExecutionStore on conn.
func NewExecutionStore(conn database.DBConnection) *ExecutionStore {
	return &ExecutionStore{conn: conn}
}

func (s *ExecutionStore) notFound(op, id string) error {
	return exception.NewOnboardingError(op, fmt.Sprintf("execution '%s' not found", id), repository.ErrExecutionNotFound, exception.Fatal)
}

func (s *ExecutionStore) exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.conn.DB(ctx).Model(&executionEntity{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

func (s *ExecutionStore) Create(ctx context.Context, execution *model.Execution) error {
	const op = "SQLExecutionStore.Create"
	execution.Version = 0
	err := s.conn.DB(ctx).Create(fromDomainExecution(execution)).Error
	if err == nil {
		return nil
	}
	if s.conn.IsDuplicateKeyError(err) {
		return exception.NewOnboardingError(op, fmt.Sprintf("execution '%s' already exists", execution.ID), repository.ErrExecutionAlreadyExists, exception.Fatal)
	}
	return exception.NewRetryableError(op, fmt.Sprintf("failed to create execution '%s'", execution.ID), err)
}

// Save issues UPDATE ... WHERE id = ? AND version = ? and bumps the version on success.
func (s *ExecutionStore) Save(ctx context.Context, execution *model.Execution) error {
	const op = "SQLExecutionStore.Save"
	e := fromDomainExecution(execution)
	res := s.conn.DB(ctx).Model(&executionEntity{}).
		Where("id = ? AND version = ?", execution.ID, execution.Version).
		Updates(map[string]interface{}{
			"name":          e.Name,
			"machine_name":  e.MachineName,
			"session_id":    e.SessionID,
			"status":        e.Status,
			"current_state": e.CurrentState,
			"input":         e.Input,
			"document":      e.Document,
			"attempts":      e.Attempts,
			"wake_at":       e.WakeAt,
			"error_name":    e.ErrorName,
			"error_cause":   e.ErrorCause,
			"transitions":   e.Transitions,
			"start_time":    e.StartTime,
			"end_time":      e.EndTime,
			"last_updated":  e.LastUpdated,
			"version":       execution.Version + 1,
		})
	if res.Error != nil {
		return exception.NewRetryableError(op, fmt.Sprintf("failed to save execution '%s'", execution.ID), res.Error)
	}
	if res.RowsAffected == 0 {
		ok, err := s.exists(ctx, execution.ID)
		if err != nil {
			return exception.NewRetryableError(op, fmt.Sprintf("failed to look up execution '%s'", execution.ID), err)
		}
		if !ok {
			return s.notFound(op, execution.ID)
		}
		return exception.NewOptimisticLockingFailureException(op,
			fmt.Sprintf("execution '%s' with version %d was modified concurrently", execution.ID, execution.Version), nil)
	}
	execution.Version++
	return nil
}

func (s *ExecutionStore) Claim(ctx context.Context, executionID, owner string, now, until time.Time) (bool, error) {
	const op = "SQLExecutionStore.Claim"
	res := s.conn.DB(ctx).Model(&executionEntity{}).
		Where("id = ? AND status IN ?", executionID, activeStatuses).
		Where("claimed_until IS NULL OR claimed_until <= ? OR owner = ?", dbTime(now), owner).
		Updates(map[string]interface{}{
			"owner":         owner,
			"claimed_until": dbTime(until),
		})
	if res.Error != nil {
		return false, exception.NewRetryableError(op, fmt.Sprintf("failed to claim execution '%s'", executionID), res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	ok, err := s.exists(ctx, executionID)
	if err != nil {
		return false, exception.NewRetryableError(op, fmt.Sprintf("failed to look up execution '%s'", executionID), err)
	}
	if !ok {
		return false, s.notFound(op, executionID)
	}
	return false, nil
}

func (s *ExecutionStore) Get(ctx context.Context, executionID string) (*model.Execution, error) {
	const op = "SQLExecutionStore.Get"
	var entity executionEntity
	err := s.conn.DB(ctx).Where("id = ?", executionID).Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, s.notFound(op, executionID)
	}
	if err != nil {
		return nil, exception.NewRetryableError(op, fmt.Sprintf("failed to load execution '%s'", executionID), err)
	}
	return toDomainExecution(&entity), nil
}

func (s *ExecutionStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Execution, error) {
	const op = "SQLExecutionStore.FindDue"
	at := dbTime(now)
	query := s.conn.DB(ctx).
		Where("claimed_until IS NULL OR claimed_until <= ?", at).
		Where("status = ? OR (status = ? AND (wake_at IS NULL OR wake_at <= ?))",
			string(model.ExecutionRunning), string(model.ExecutionSuspended), at).
		Order("last_updated ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entities []executionEntity
	if err := query.Find(&entities).Error; err != nil {
		return nil, exception.NewRetryableError(op, "failed to find due executions", err)
	}
	return toDomainExecutions(entities), nil
}

func (s *ExecutionStore) FindBySession(ctx context.Context, sessionID string) ([]*model.Execution, error) {
	const op = "SQLExecutionStore.FindBySession"
	var entities []executionEntity
	err := s.conn.DB(ctx).Where("session_id = ?", sessionID).Order("start_time DESC").Find(&entities).Error
	if err != nil {
		return nil, exception.NewRetryableError(op, fmt.Sprintf("failed to find executions of session '%s'", sessionID), err)
	}
	return toDomainExecutions(entities), nil
}

func toDomainExecutions(entities []executionEntity) []*model.Execution {
	out := make([]*model.Execution, 0, len(entities))
	for i := range entities {
		out = append(out, toDomainExecution(&entities[i]))
	}
	return out
}
