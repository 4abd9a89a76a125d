// Package sql implements the repository ports on a gorm connection. The schema is created by
// the migration package; see infrastructure/migration/resource.
package sql

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
)

// sessionEntity is the row of onboarding_sessions.
type sessionEntity struct {
	SessionID            string    `gorm:"column:session_id;primaryKey"`
	SessionType          string    `gorm:"column:session_type"`
	Status               string    `gorm:"column:status"`
	CreatedAt            time.Time `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt            time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
	SessionDate          string    `gorm:"column:session_date"`
	ErrorName            *string   `gorm:"column:error_name"`
	ErrorCause           *string   `gorm:"column:error_cause"`
	OutputKey            *string   `gorm:"column:output_key"`
	ExecutionArn         string    `gorm:"column:execution_arn"`
	InputFile            string    `gorm:"column:input_file"`
	CompressedImagesFile string    `gorm:"column:compressed_images_file"`
}

func (sessionEntity) TableName() string { return "onboarding_sessions" }

// attemptCounts stores Execution.Attempts as a JSON object.
type attemptCounts map[string]int

func (a attemptCounts) Value() (driver.Value, error) {
	if a == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]int(a))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (a *attemptCounts) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*a = attemptCounts{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into attempt counts", src)
	}
	m := make(map[string]int)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
	}
	*a = m
	return nil
}

// executionEntity is the row of onboarding_executions.
type executionEntity struct {
	ID           string         `gorm:"column:id;primaryKey"`
	Name         string         `gorm:"column:name"`
	MachineName  string         `gorm:"column:machine_name"`
	SessionID    string         `gorm:"column:session_id"`
	Status       string         `gorm:"column:status"`
	CurrentState string         `gorm:"column:current_state"`
	Input        model.Document `gorm:"column:input"`
	Document     model.Document `gorm:"column:document"`
	Attempts     attemptCounts  `gorm:"column:attempts"`
	WakeAt       *time.Time     `gorm:"column:wake_at"`
	Owner        string         `gorm:"column:owner"`
	ClaimedUntil *time.Time     `gorm:"column:claimed_until"`
	ErrorName    string         `gorm:"column:error_name"`
	ErrorCause   string         `gorm:"column:error_cause"`
	Transitions  int            `gorm:"column:transitions"`
	StartTime    time.Time      `gorm:"column:start_time"`
	EndTime      *time.Time     `gorm:"column:end_time"`
	LastUpdated  time.Time      `gorm:"column:last_updated"`
	Version      int            `gorm:"column:version"`
}

func (executionEntity) TableName() string { return "onboarding_executions" }

// leaseEntity is the row of onboarding_semaphore_leases. Version guards holder changes.
type leaseEntity struct {
	LockName  string `gorm:"column:lock_name;primaryKey"`
	LockLimit int    `gorm:"column:lock_limit"`
	Version   int    `gorm:"column:version"`
}

func (leaseEntity) TableName() string { return "onboarding_semaphore_leases" }

// holderEntity is the row of onboarding_semaphore_holders.
type holderEntity struct {
	LockName  string    `gorm:"column:lock_name;primaryKey"`
	Token     string    `gorm:"column:token;primaryKey"`
	HeldUntil time.Time `gorm:"column:held_until"`
}

func (holderEntity) TableName() string { return "onboarding_semaphore_holders" }

// dbTime normalizes a timestamp to the precision every supported dialect stores.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func dbTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := dbTime(*t)
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func fromDomainSession(s *model.Session) *sessionEntity {
	e := &sessionEntity{
		SessionID:            s.SessionID,
		SessionType:          s.Type,
		Status:               string(s.Status),
		CreatedAt:            dbTime(s.CreatedAt),
		UpdatedAt:            dbTime(s.UpdatedAt),
		SessionDate:          s.Date,
		ExecutionArn:         s.ExecutionArn,
		InputFile:            s.Input.InputFile,
		CompressedImagesFile: s.Input.CompressedImagesFile,
	}
	if s.Error != nil {
		name, cause := s.Error.Error, s.Error.Cause
		e.ErrorName, e.ErrorCause = &name, &cause
	}
	if s.OutputKey != nil {
		k := *s.OutputKey
		e.OutputKey = &k
	}
	return e
}

func toDomainSession(e *sessionEntity) *model.Session {
	s := &model.Session{
		SessionID:    e.SessionID,
		Type:         e.SessionType,
		Status:       model.SessionStatus(e.Status),
		CreatedAt:    e.CreatedAt.UTC(),
		UpdatedAt:    e.UpdatedAt.UTC(),
		Date:         e.SessionDate,
		OutputKey:    e.OutputKey,
		ExecutionArn: e.ExecutionArn,
		Input: model.BatchInput{
			InputFile:            e.InputFile,
			CompressedImagesFile: e.CompressedImagesFile,
		},
	}
	if e.ErrorName != nil {
		info := model.ErrorInfo{Error: *e.ErrorName}
		if e.ErrorCause != nil {
			info.Cause = *e.ErrorCause
		}
		s.Error = &info
	}
	return s
}

func fromDomainExecution(x *model.Execution) *executionEntity {
	return &executionEntity{
		ID:           x.ID,
		Name:         x.Name,
		MachineName:  x.MachineName,
		SessionID:    x.SessionID,
		Status:       string(x.Status),
		CurrentState: x.CurrentState,
		Input:        x.Input,
		Document:     x.Document,
		Attempts:     attemptCounts(x.Attempts),
		WakeAt:       dbTimePtr(x.WakeAt),
		Owner:        x.Owner,
		ClaimedUntil: dbTimePtr(x.ClaimedUntil),
		ErrorName:    x.Error,
		ErrorCause:   x.Cause,
		Transitions:  x.Transitions,
		StartTime:    dbTime(x.StartTime),
		EndTime:      dbTimePtr(x.EndTime),
		LastUpdated:  dbTime(x.LastUpdated),
		Version:      x.Version,
	}
}

func toDomainExecution(e *executionEntity) *model.Execution {
	attempts := map[string]int(e.Attempts)
	if attempts == nil {
		attempts = make(map[string]int)
	}
	input, doc := e.Input, e.Document
	if input == nil {
		input = model.Document{}
	}
	if doc == nil {
		doc = model.Document{}
	}
	return &model.Execution{
		ID:           e.ID,
		Name:         e.Name,
		MachineName:  e.MachineName,
		SessionID:    e.SessionID,
		Status:       model.ExecutionStatus(e.Status),
		CurrentState: e.CurrentState,
		Input:        input,
		Document:     doc,
		Attempts:     attempts,
		WakeAt:       utcPtr(e.WakeAt),
		Owner:        e.Owner,
		ClaimedUntil: utcPtr(e.ClaimedUntil),
		Error:        e.ErrorName,
		Cause:        e.ErrorCause,
		Transitions:  e.Transitions,
		StartTime:    e.StartTime.UTC(),
		EndTime:      utcPtr(e.EndTime),
		LastUpdated:  e.LastUpdated.UTC(),
		Version:      e.Version,
	}
}
