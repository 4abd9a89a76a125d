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

// SessionStore implements repository.SessionStore on onboarding_sessions.
// A conditional update is a single UPDATE whose WHERE clause carries the rendered condition.
type SessionStore struct {
	conn database.DBConnection
}

var _ repository.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a SessionStore on conn.
func NewSessionStore(conn database.DBConnection) *SessionStore {
	return &SessionStore{conn: conn}
}

func (s *SessionStore) Create(ctx context.Context, session *model.Session) error {
	const op = "SQLSessionStore.Create"
	err := s.conn.DB(ctx).Create(fromDomainSession(session)).Error
	if err == nil {
		return nil
	}
	if s.conn.IsDuplicateKeyError(err) {
		return exception.NewOnboardingError(op, fmt.Sprintf("session '%s' already exists", session.SessionID), repository.ErrConditionFailed, exception.Fatal)
	}
	return exception.NewRetryableError(op, fmt.Sprintf("failed to create session '%s'", session.SessionID), err)
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	const op = "SQLSessionStore.Get"
	var entity sessionEntity
	err := s.conn.DB(ctx).Where("session_id = ?", sessionID).Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.NewOnboardingError(op, fmt.Sprintf("session '%s' not found", sessionID), repository.ErrSessionNotFound, exception.Fatal)
	}
	if err != nil {
		return nil, exception.NewRetryableError(op, fmt.Sprintf("failed to load session '%s'", sessionID), err)
	}
	return toDomainSession(&entity), nil
}

func (s *SessionStore) List(ctx context.Context, sessionType string, from, to time.Time) ([]*model.Session, error) {
	const op = "SQLSessionStore.List"
	var entities []sessionEntity
	err := s.conn.DB(ctx).
		Where("session_type = ? AND created_at >= ? AND created_at <= ?", sessionType, dbTime(from), dbTime(to)).
		Order("created_at ASC").
		Find(&entities).Error
	if err != nil {
		return nil, exception.NewRetryableError(op, "failed to list sessions", err)
	}
	out := make([]*model.Session, 0, len(entities))
	for i := range entities {
		out = append(out, toDomainSession(&entities[i]))
	}
	return out, nil
}

func (s *SessionStore) ConditionalUpdate(ctx context.Context, sessionID string, update repository.Update) error {
	const op = "SQLSessionStore.ConditionalUpdate"

	// Applying to a scratch session validates every clause before anything is written.
	scratch := &model.Session{}
	if err := repository.Apply(scratch, update); err != nil {
		return exception.NewOnboardingError(op, "invalid update", err, exception.Fatal)
	}
	assignments := sessionAssignments(scratch, update)

	db := s.conn.DB(ctx)
	query := db.Model(&sessionEntity{}).Where("session_id = ?", sessionID)
	if update.Condition != nil {
		clause, args, err := renderCondition(update.Condition)
		if err != nil {
			return exception.NewOnboardingError(op, "invalid condition", err, exception.Fatal)
		}
		query = query.Where(clause, args...)
	}

	var affected int64
	if len(assignments) == 0 {
		if err := query.Count(&affected).Error; err != nil {
			return exception.NewRetryableError(op, fmt.Sprintf("failed to evaluate condition for session '%s'", sessionID), err)
		}
	} else {
		res := query.Updates(assignments)
		if res.Error != nil {
			return exception.NewRetryableError(op, fmt.Sprintf("failed to update session '%s'", sessionID), res.Error)
		}
		affected = res.RowsAffected
	}
	if affected > 0 {
		return nil
	}

	var count int64
	if err := db.Model(&sessionEntity{}).Where("session_id = ?", sessionID).Count(&count).Error; err != nil {
		return exception.NewRetryableError(op, fmt.Sprintf("failed to look up session '%s'", sessionID), err)
	}
	if count == 0 {
		return exception.NewOnboardingError(op, fmt.Sprintf("session '%s' not found", sessionID), repository.ErrSessionNotFound, exception.Fatal)
	}
	return exception.NewOnboardingError(op, fmt.Sprintf("condition %s failed for session '%s'", update.Condition, sessionID), repository.ErrConditionFailed, exception.Fatal)
}

// sessionAssignments turns the clauses of u, already applied to scratch, into column values.
func sessionAssignments(scratch *model.Session, u repository.Update) map[string]interface{} {
	out := make(map[string]interface{})
	for field := range u.Set {
		switch field {
		case repository.FieldStatus:
			out["status"] = string(scratch.Status)
		case repository.FieldUpdatedAt:
			out["updated_at"] = dbTime(scratch.UpdatedAt)
		case repository.FieldDate:
			out["session_date"] = scratch.Date
		case repository.FieldError:
			if scratch.Error == nil {
				out["error_name"], out["error_cause"] = nil, nil
				continue
			}
			out["error_name"] = scratch.Error.Error
			out["error_cause"] = scratch.Error.Cause
		case repository.FieldOutputKey:
			out["output_key"] = *scratch.OutputKey
		case repository.FieldExecutionArn:
			out["execution_arn"] = scratch.ExecutionArn
		}
	}
	for _, field := range u.Remove {
		switch field {
		case repository.FieldError:
			out["error_name"] = nil
			out["error_cause"] = nil
		case repository.FieldOutputKey:
			out["output_key"] = nil
		case repository.FieldExecutionArn:
			out["execution_arn"] = ""
		}
	}
	return out
}
