package sql

import (
	"fmt"
	"strings"

	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
)

// sessionColumns maps session attributes to onboarding_sessions columns.
var sessionColumns = map[string]string{
	repository.FieldSessionID:    "session_id",
	repository.FieldStatus:       "status",
	repository.FieldUpdatedAt:    "updated_at",
	repository.FieldDate:         "session_date",
	repository.FieldError:        "error_name",
	repository.FieldOutputKey:    "output_key",
	repository.FieldExecutionArn: "execution_arn",
}

// nullableColumns are absent when NULL; every other text column is absent when empty.
var nullableColumns = map[string]bool{
	"error_name": true,
	"output_key": true,
}

// whereRenderer renders a repository.Condition into a parameterized WHERE fragment.
type whereRenderer struct {
	b    strings.Builder
	args []interface{}
}

var _ repository.ConditionVisitor = (*whereRenderer)(nil)

// renderCondition returns the SQL fragment and bind arguments of cond.
func renderCondition(cond repository.Condition) (string, []interface{}, error) {
	r := &whereRenderer{}
	if err := cond.Accept(r); err != nil {
		return "", nil, err
	}
	return r.b.String(), r.args, nil
}

func column(field string) (string, error) {
	col, ok := sessionColumns[field]
	if !ok {
		return "", fmt.Errorf("attribute '%s' cannot be used in a condition", field)
	}
	return col, nil
}

func (r *whereRenderer) VisitExists(field string, exists bool) error {
	col, err := column(field)
	if err != nil {
		return err
	}
	switch {
	case nullableColumns[col] && exists:
		fmt.Fprintf(&r.b, "%s IS NOT NULL", col)
	case nullableColumns[col]:
		fmt.Fprintf(&r.b, "%s IS NULL", col)
	case exists:
		fmt.Fprintf(&r.b, "(%s IS NOT NULL AND %s <> '')", col, col)
	default:
		fmt.Fprintf(&r.b, "(%s IS NULL OR %s = '')", col, col)
	}
	return nil
}

func (r *whereRenderer) VisitEquals(field string, value string) error {
	col, err := column(field)
	if err != nil {
		return err
	}
	fmt.Fprintf(&r.b, "%s = ?", col)
	r.args = append(r.args, value)
	return nil
}

func (r *whereRenderer) VisitAnd(conds []repository.Condition) error {
	return r.group(conds, " AND ")
}

func (r *whereRenderer) VisitOr(conds []repository.Condition) error {
	return r.group(conds, " OR ")
}

func (r *whereRenderer) group(conds []repository.Condition, sep string) error {
	if len(conds) == 0 {
		// An empty AND holds and an empty OR does not.
		if sep == " AND " {
			r.b.WriteString("1 = 1")
		} else {
			r.b.WriteString("1 = 0")
		}
		return nil
	}
	r.b.WriteString("(")
	for i, c := range conds {
		if i > 0 {
			r.b.WriteString(sep)
		}
		if err := c.Accept(r); err != nil {
			return err
		}
	}
	r.b.WriteString(")")
	return nil
}
