package repository

import (
	"fmt"
	"strings"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
)

// Session attribute names usable in updates and conditions.
const (
	FieldSessionID    = "session_id"
	FieldStatus       = "status"
	FieldUpdatedAt    = "updated_at"
	FieldDate         = "date"
	FieldError        = "error"
	FieldOutputKey    = "outputKey"
	FieldExecutionArn = "execution_arn"
)

// Condition is a predicate over a session evaluated atomically with a conditional write.
type Condition interface {
	// Eval evaluates the condition against the current session.
	Eval(s *model.Session) bool
	// Accept lets a store render the condition in its own query language.
	Accept(v ConditionVisitor) error
	String() string
}

// ConditionVisitor renders conditions.
type ConditionVisitor interface {
	VisitExists(field string, exists bool) error
	VisitEquals(field string, value string) error
	VisitAnd(conds []Condition) error
	VisitOr(conds []Condition) error
}

// fieldValue returns the string form of a session attribute and whether it is present.
func fieldValue(s *model.Session, field string) (string, bool) {
	switch field {
	case FieldSessionID:
		return s.SessionID, s.SessionID != ""
	case FieldStatus:
		return string(s.Status), s.Status != ""
	case FieldDate:
		return s.Date, s.Date != ""
	case FieldError:
		if s.Error == nil {
			return "", false
		}
		return s.Error.Error, true
	case FieldOutputKey:
		if s.OutputKey == nil {
			return "", false
		}
		return *s.OutputKey, true
	case FieldExecutionArn:
		return s.ExecutionArn, s.ExecutionArn != ""
	}
	return "", false
}

type existsCondition struct {
	field  string
	exists bool
}

// AttributeExists holds when field is present.
func AttributeExists(field string) Condition { return existsCondition{field: field, exists: true} }

// AttributeNotExists holds when field is absent.
func AttributeNotExists(field string) Condition { return existsCondition{field: field, exists: false} }

func (c existsCondition) Eval(s *model.Session) bool {
	if s == nil {
		return !c.exists
	}
	_, present := fieldValue(s, c.field)
	return present == c.exists
}

func (c existsCondition) Accept(v ConditionVisitor) error { return v.VisitExists(c.field, c.exists) }

func (c existsCondition) String() string {
	if c.exists {
		return fmt.Sprintf("attribute_exists(%s)", c.field)
	}
	return fmt.Sprintf("attribute_not_exists(%s)", c.field)
}

type equalsCondition struct {
	field string
	value string
}

// Equals holds when field is present and equal to value.
func Equals(field, value string) Condition { return equalsCondition{field: field, value: value} }

func (c equalsCondition) Eval(s *model.Session) bool {
	if s == nil {
		return false
	}
	v, present := fieldValue(s, c.field)
	return present && v == c.value
}

func (c equalsCondition) Accept(v ConditionVisitor) error { return v.VisitEquals(c.field, c.value) }

func (c equalsCondition) String() string { return fmt.Sprintf("%s = '%s'", c.field, c.value) }

type andCondition []Condition

// And holds when every condition holds.
func And(conds ...Condition) Condition { return andCondition(conds) }

func (c andCondition) Eval(s *model.Session) bool {
	for _, cond := range c {
		if !cond.Eval(s) {
			return false
		}
	}
	return true
}

func (c andCondition) Accept(v ConditionVisitor) error { return v.VisitAnd(c) }

func (c andCondition) String() string { return join(c, " AND ") }

type orCondition []Condition

// Or holds when at least one condition holds.
func Or(conds ...Condition) Condition { return orCondition(conds) }

func (c orCondition) Eval(s *model.Session) bool {
	for _, cond := range c {
		if cond.Eval(s) {
			return true
		}
	}
	return false
}

func (c orCondition) Accept(v ConditionVisitor) error { return v.VisitOr(c) }

func (c orCondition) String() string { return join(c, " OR ") }

func join(conds []Condition, sep string) string {
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}
