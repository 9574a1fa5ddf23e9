package queryir

import (
	"fmt"
	"strings"

	"github.com/roach88/tether/internal/ir"
)

// Validate checks a query against its model schema: every referenced field
// exists, comparison values match the field type, operators suit the field
// type, and sort keys are scalar fields. All problems are reported together
// in one INVALID_OPERATION error.
//
// Validate is a pure function with no side effects.
func Validate(schema ir.ModelSchema, q Query) error {
	v := &validator{schema: schema}
	if q.Model != "" && q.Model != schema.Name {
		v.addProblem("query targets model %q, schema is %q", q.Model, schema.Name)
	}
	if q.Predicate != nil {
		v.validatePredicate(q.Predicate)
	}
	for _, s := range q.Sort {
		f, ok := v.field(s.Field)
		if !ok {
			continue
		}
		if f.Type == ir.TypeList || f.Type == ir.TypeObject {
			v.addProblem("cannot sort by %s field %q", f.Type, s.Field)
		}
		if s.Order != "" && s.Order != Ascending && s.Order != Descending {
			v.addProblem("unknown sort order %q", s.Order)
		}
	}
	if p := q.Pagination; p != nil && !p.FirstOnly {
		if p.Page < 0 || p.Limit < 0 {
			v.addProblem("pagination page and limit must not be negative")
		}
		if p.Page > 0 && p.Limit == 0 {
			v.addProblem("pagination page %d requires a limit", p.Page)
		}
	}
	if len(v.problems) == 0 {
		return nil
	}
	err := ir.NewInvalidOperationError("invalid query: " + strings.Join(v.problems, "; "))
	err.Model = schema.Name
	return err
}

// ValidatePredicate checks a standalone predicate, such as a save
// condition or a subscription filter.
func ValidatePredicate(schema ir.ModelSchema, p Predicate) error {
	return Validate(schema, Query{Model: schema.Name, Predicate: p})
}

type validator struct {
	schema   ir.ModelSchema
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) field(name string) (ir.Field, bool) {
	f, ok := v.schema.Field(name)
	if !ok {
		v.addProblem("%s has no field %q", v.schema.Name, name)
	}
	return f, ok
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := Normalize(p).(type) {
	case nil:
		v.addProblem("nil predicate")
	case Equals:
		f, ok := v.field(pred.Field)
		if ok {
			v.checkValue(f, pred.Value, true)
		}
	case Compare:
		v.validateCompare(pred)
	case And:
		for _, child := range pred.Predicates {
			v.validatePredicate(child)
		}
	case Or:
		for _, child := range pred.Predicates {
			v.validatePredicate(child)
		}
	case Not:
		v.validatePredicate(pred.Predicate)
	case Constant:
	default:
		v.addProblem("unknown predicate type %T", p)
	}
}

func (v *validator) validateCompare(c Compare) {
	f, ok := v.field(c.Field)
	if !ok {
		return
	}
	switch c.Op {
	case OpNotEqual:
		v.checkValue(f, c.Value, false)
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		if f.Type != ir.TypeString && f.Type != ir.TypeInt && f.Type != ir.TypeBool {
			v.addProblem("operator %s is not supported on %s field %q", c.Op, f.Type, c.Field)
			return
		}
		v.checkValue(f, c.Value, false)
	case OpBeginsWith, OpContains:
		if f.Type != ir.TypeString {
			v.addProblem("operator %s requires a string field, %q is %s", c.Op, c.Field, f.Type)
			return
		}
		v.checkValue(f, c.Value, false)
	default:
		v.addProblem("unknown operator %q on field %q", c.Op, c.Field)
	}
}

func (v *validator) checkValue(f ir.Field, val ir.Value, allowNull bool) {
	if ir.IsNull(val) {
		if !allowNull {
			v.addProblem("field %q cannot be compared to null with this operator", f.Name)
		}
		return
	}
	if got := ir.KindOf(val); got != f.Type {
		v.addProblem("field %q is %s, compared to %s", f.Name, f.Type, got)
	}
}

// CountPredicates returns the number of leaf comparisons in p. Constants
// are not counted.
func CountPredicates(p Predicate) int {
	switch pred := Normalize(p).(type) {
	case Equals, Compare:
		return 1
	case And:
		n := 0
		for _, child := range pred.Predicates {
			n += CountPredicates(child)
		}
		return n
	case Or:
		n := 0
		for _, child := range pred.Predicates {
			n += CountPredicates(child)
		}
		return n
	case Not:
		return CountPredicates(pred.Predicate)
	}
	return 0
}

// Normalize dereferences pointer variants so callers can switch on values
// only. A nil pointer normalizes to nil.
func Normalize(p Predicate) Predicate {
	switch pred := p.(type) {
	case *Equals:
		if pred != nil {
			return *pred
		}
	case *Compare:
		if pred != nil {
			return *pred
		}
	case *And:
		if pred != nil {
			return *pred
		}
	case *Or:
		if pred != nil {
			return *pred
		}
	case *Not:
		if pred != nil {
			return *pred
		}
	case *Constant:
		if pred != nil {
			return *pred
		}
	default:
		return p
	}
	return nil
}
