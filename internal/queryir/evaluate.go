package queryir

import (
	"strings"

	"github.com/roach88/tether/internal/ir"
)

// truth is a SQL three-valued logic result.
type truth int8

const (
	unknown truth = iota
	falsy
	truthy
)

func truthOf(b bool) truth {
	if b {
		return truthy
	}
	return falsy
}

// Evaluate reports whether record r matches p, with the same result the
// compiled SQL WHERE clause would give for the stored row. key names the
// primary key field of r's model. A nil predicate matches everything.
func Evaluate(p Predicate, key string, r ir.Record) bool {
	if p == nil {
		return true
	}
	return eval(p, key, r) == truthy
}

func eval(p Predicate, key string, r ir.Record) truth {
	switch pred := Normalize(p).(type) {
	case Equals:
		field := r.Lookup(key, pred.Field)
		if ir.IsNull(pred.Value) {
			return truthOf(ir.IsNull(field))
		}
		if ir.IsNull(field) {
			return unknown
		}
		return truthOf(ir.Equal(field, pred.Value))
	case Compare:
		return evalCompare(pred, r.Lookup(key, pred.Field))
	case And:
		result := truthy
		for _, child := range pred.Predicates {
			switch eval(child, key, r) {
			case falsy:
				return falsy
			case unknown:
				result = unknown
			}
		}
		return result
	case Or:
		result := falsy
		for _, child := range pred.Predicates {
			switch eval(child, key, r) {
			case truthy:
				return truthy
			case unknown:
				result = unknown
			}
		}
		return result
	case Not:
		switch eval(pred.Predicate, key, r) {
		case truthy:
			return falsy
		case falsy:
			return truthy
		}
		return unknown
	case Constant:
		return truthOf(pred.Value)
	}
	return falsy
}

func evalCompare(c Compare, field ir.Value) truth {
	if ir.IsNull(field) || ir.IsNull(c.Value) {
		return unknown
	}
	switch c.Op {
	case OpNotEqual:
		return truthOf(!ir.Equal(field, c.Value))
	case OpBeginsWith, OpContains:
		s, ok := field.(ir.String)
		sub, subOK := c.Value.(ir.String)
		if !ok || !subOK {
			return falsy
		}
		if c.Op == OpBeginsWith {
			return truthOf(strings.HasPrefix(string(s), string(sub)))
		}
		return truthOf(strings.Contains(string(s), string(sub)))
	}
	n, ok := ir.Compare(field, c.Value)
	if !ok {
		return falsy
	}
	switch c.Op {
	case OpLess:
		return truthOf(n < 0)
	case OpLessEqual:
		return truthOf(n <= 0)
	case OpGreater:
		return truthOf(n > 0)
	case OpGreaterEqual:
		return truthOf(n >= 0)
	}
	return falsy
}
