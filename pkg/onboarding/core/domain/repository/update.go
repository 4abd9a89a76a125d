package repository

import (
	"fmt"
	"sort"
	"strings"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
)

// Update is a conditional write against one session: SET clauses, REMOVE clauses and an optional condition.
type Update struct {
	Set       map[string]interface{}
	Remove    []string
	Condition Condition
}

// String renders the update in expression form for logs.
func (u Update) String() string {
	var b strings.Builder
	if len(u.Set) > 0 {
		keys := make([]string, 0, len(u.Set))
		for k := range u.Set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("SET " + strings.Join(keys, ", "))
	}
	if len(u.Remove) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("REMOVE " + strings.Join(u.Remove, ", "))
	}
	if u.Condition != nil {
		b.WriteString(" IF " + u.Condition.String())
	}
	return b.String()
}

// StatusUpdate is SET status, updated_at, date REMOVE error.
func StatusUpdate(status model.SessionStatus, now time.Time) Update {
	now = now.UTC()
	return Update{
		Set: map[string]interface{}{
			FieldStatus:    status,
			FieldUpdatedAt: now,
			FieldDate:      now.Format(model.DateLayout),
		},
		Remove: []string{FieldError},
	}
}

// ErrorStatusUpdate is SET status=ERROR, error, updated_at, date.
func ErrorStatusUpdate(info model.ErrorInfo, now time.Time) Update {
	now = now.UTC()
	return Update{
		Set: map[string]interface{}{
			FieldStatus:    model.SessionError,
			FieldError:     info,
			FieldUpdatedAt: now,
			FieldDate:      now.Format(model.DateLayout),
		},
	}
}

// OutputKeyUpdate sets outputKey only while status is SUCCESS and no different key is stored,
// so a repeated write with the same key succeeds and a stale writer is rejected.
func OutputKeyUpdate(outputKey string) Update {
	return Update{
		Set: map[string]interface{}{FieldOutputKey: outputKey},
		Condition: And(
			Equals(FieldStatus, string(model.SessionSuccess)),
			Or(AttributeNotExists(FieldOutputKey), Equals(FieldOutputKey, outputKey)),
		),
	}
}

// ExecutionArnUpdate records the execution started for a session.
func ExecutionArnUpdate(arn string, now time.Time) Update {
	now = now.UTC()
	return Update{
		Set: map[string]interface{}{
			FieldExecutionArn: arn,
			FieldUpdatedAt:    now,
			FieldDate:         now.Format(model.DateLayout),
		},
	}
}

// Apply mutates s according to u without evaluating the condition.
func Apply(s *model.Session, u Update) error {
	for field, value := range u.Set {
		if err := setField(s, field, value); err != nil {
			return err
		}
	}
	for _, field := range u.Remove {
		switch field {
		case FieldError:
			s.Error = nil
		case FieldOutputKey:
			s.OutputKey = nil
		case FieldExecutionArn:
			s.ExecutionArn = ""
		default:
			return fmt.Errorf("attribute '%s' cannot be removed", field)
		}
	}
	return nil
}

func setField(s *model.Session, field string, value interface{}) error {
	switch field {
	case FieldStatus:
		switch v := value.(type) {
		case model.SessionStatus:
			s.Status = v
		case string:
			status, ok := model.ParseSessionStatus(v)
			if !ok {
				return fmt.Errorf("invalid status '%s'", v)
			}
			s.Status = status
		default:
			return fmt.Errorf("status must be a SessionStatus, got %T", value)
		}
	case FieldUpdatedAt:
		t, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("updated_at must be a time.Time, got %T", value)
		}
		s.UpdatedAt = t.UTC()
	case FieldDate:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("date must be a string, got %T", value)
		}
		s.Date = v
	case FieldError:
		switch v := value.(type) {
		case model.ErrorInfo:
			s.Error = &v
		case *model.ErrorInfo:
			s.Error = v
		default:
			return fmt.Errorf("error must be an ErrorInfo, got %T", value)
		}
	case FieldOutputKey:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("outputKey must be a string, got %T", value)
		}
		s.OutputKey = &v
	case FieldExecutionArn:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("execution_arn must be a string, got %T", value)
		}
		s.ExecutionArn = v
	default:
		return fmt.Errorf("attribute '%s' cannot be set", field)
	}
	return nil
}
