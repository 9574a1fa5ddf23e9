// Package querysql compiles queryir queries to parameterized SQLite SQL.
//
// Every value is bound as a ? parameter, never interpolated. Every
// identifier is double-quoted, so model and field names that collide with
// SQL keywords ("Transaction", "order") are safe. Every SELECT carries an
// ORDER BY ending in the primary key, so results are deterministic.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/queryir"
)

// DefaultMaxPredicates is the leaf predicate limit of a compiled query,
// chosen to keep the bound parameter count under SQLite's variable limit.
const DefaultMaxPredicates = 950

// Compiler compiles queries for one storage adapter.
type Compiler struct {
	// MaxPredicates caps the leaf predicates of one statement. Zero means
	// DefaultMaxPredicates.
	MaxPredicates int
}

// NewCompiler returns a compiler with the given predicate limit.
func NewCompiler(maxPredicates int) *Compiler {
	return &Compiler{MaxPredicates: maxPredicates}
}

func (c *Compiler) limit() int {
	if c.MaxPredicates <= 0 {
		return DefaultMaxPredicates
	}
	return c.MaxPredicates
}

// Select compiles q to a SELECT over schema's table, returning the columns
// in Columns(schema) order.
func (c *Compiler) Select(schema ir.ModelSchema, q queryir.Query) (string, []any, error) {
	where, params, err := c.Where(schema, q.Filter())
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE %s ORDER BY %s",
		columnList(schema), Quote(schema.Name), where, orderBy(schema, q.Sort))

	if p := q.Pagination; p != nil {
		switch {
		case p.FirstOnly:
			b.WriteString(" LIMIT 1")
		case p.Limit > 0:
			b.WriteString(" LIMIT ? OFFSET ?")
			params = append(params, int64(p.Limit), int64(p.Page)*int64(p.Limit))
		}
	}
	return b.String(), params, nil
}

// Condition compiles an existence check of record id against cond. The
// statement returns one row when the stored record satisfies cond.
func (c *Compiler) Condition(schema ir.ModelSchema, id string, cond queryir.Predicate) (string, []any, error) {
	if cond == nil {
		cond = queryir.All
	}
	where, params, err := c.Where(schema, cond)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? AND %s LIMIT 1",
		Quote(schema.Name), Quote(schema.Key()), where)
	return sql, append([]any{id}, params...), nil
}

// Where compiles a predicate to a WHERE expression.
func (c *Compiler) Where(schema ir.ModelSchema, p queryir.Predicate) (string, []any, error) {
	if n := queryir.CountPredicates(p); n > c.limit() {
		return "", nil, ir.NewTooManyPredicatesError(n, c.limit()).WithRecord(schema.Name, "")
	}
	w := &whereBuilder{schema: schema}
	sql, err := w.compile(p)
	if err != nil {
		return "", nil, fmt.Errorf("compile predicate for %s: %w", schema.Name, err)
	}
	return sql, w.params, nil
}

type whereBuilder struct {
	schema ir.ModelSchema
	params []any
}

func (w *whereBuilder) compile(p queryir.Predicate) (string, error) {
	switch pred := queryir.Normalize(p).(type) {
	case queryir.Equals:
		f, err := w.field(pred.Field)
		if err != nil {
			return "", err
		}
		if ir.IsNull(pred.Value) {
			return Quote(f.Name) + " IS NULL", nil
		}
		return w.bind(f, "=", pred.Value)
	case queryir.Compare:
		return w.compileCompare(pred)
	case queryir.And:
		return w.join(pred.Predicates, " AND ", "1")
	case queryir.Or:
		return w.join(pred.Predicates, " OR ", "0")
	case queryir.Not:
		inner, err := w.compile(pred.Predicate)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case queryir.Constant:
		if pred.Value {
			return "1", nil
		}
		return "0", nil
	case nil:
		return "", fmt.Errorf("nil predicate")
	default:
		return "", fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (w *whereBuilder) compileCompare(c queryir.Compare) (string, error) {
	f, err := w.field(c.Field)
	if err != nil {
		return "", err
	}
	switch c.Op {
	case queryir.OpNotEqual:
		return w.bind(f, "<>", c.Value)
	case queryir.OpLess:
		return w.bind(f, "<", c.Value)
	case queryir.OpLessEqual:
		return w.bind(f, "<=", c.Value)
	case queryir.OpGreater:
		return w.bind(f, ">", c.Value)
	case queryir.OpGreaterEqual:
		return w.bind(f, ">=", c.Value)
	case queryir.OpBeginsWith, queryir.OpContains:
		param, err := ToParam(f.Type, c.Value)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", f.Name, err)
		}
		w.params = append(w.params, param)
		if c.Op == queryir.OpBeginsWith {
			return "instr(" + Quote(f.Name) + ", ?) = 1", nil
		}
		return "instr(" + Quote(f.Name) + ", ?) > 0", nil
	default:
		return "", fmt.Errorf("unsupported operator %q", c.Op)
	}
}

func (w *whereBuilder) bind(f ir.Field, op string, v ir.Value) (string, error) {
	param, err := ToParam(f.Type, v)
	if err != nil {
		return "", fmt.Errorf("field %q: %w", f.Name, err)
	}
	w.params = append(w.params, param)
	return Quote(f.Name) + " " + op + " ?", nil
}

func (w *whereBuilder) join(children []queryir.Predicate, sep, empty string) (string, error) {
	if len(children) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(children))
	for _, child := range children {
		sql, err := w.compile(child)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (w *whereBuilder) field(name string) (ir.Field, error) {
	if f, ok := w.schema.Field(name); ok {
		return f, nil
	}
	if name == w.schema.Key() {
		return ir.Field{Name: name, Type: ir.TypeString, Required: true}, nil
	}
	return ir.Field{}, fmt.Errorf("unknown field %q", name)
}

// Columns returns the column order of SELECTs over schema's table: the
// primary key first, then the other fields in declaration order.
func Columns(schema ir.ModelSchema) []ir.Field {
	key := schema.Key()
	cols := []ir.Field{{Name: key, Type: ir.TypeString, Required: true}}
	for _, f := range schema.Fields {
		if f.Name != key {
			cols = append(cols, f)
		}
	}
	return cols
}

func columnList(schema ir.ModelSchema) string {
	cols := Columns(schema)
	names := make([]string, len(cols))
	for i, f := range cols {
		names[i] = Quote(f.Name)
	}
	return strings.Join(names, ", ")
}

// orderBy always ends with the primary key so ties break the same way on
// every run. Keys after an explicit primary key sort cannot change the
// order and are dropped.
func orderBy(schema ir.ModelSchema, sort []queryir.SortBy) string {
	key := ir.Field{Name: schema.Key(), Type: ir.TypeString}
	parts := make([]string, 0, len(sort)+1)
	for _, s := range sort {
		if s.Field == key.Name {
			return strings.Join(append(parts, sortTerm(key, s.Order)), ", ")
		}
		if f, ok := schema.Field(s.Field); ok {
			parts = append(parts, sortTerm(f, s.Order))
		}
	}
	parts = append(parts, sortTerm(key, queryir.Ascending))
	return strings.Join(parts, ", ")
}

func sortTerm(f ir.Field, order queryir.SortOrder) string {
	term := Quote(f.Name)
	if f.Type == ir.TypeString {
		term += " COLLATE BINARY"
	}
	if order == queryir.Descending {
		return term + " DESC"
	}
	return term + " ASC"
}

// Quote returns ident as a double-quoted SQL identifier.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// ColumnType returns the SQLite column type for a field type.
func ColumnType(t ir.FieldType) string {
	switch t {
	case ir.TypeInt, ir.TypeBool:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// ToParam converts a value to the driver parameter stored in a column of
// type t. Booleans are stored as 0/1, lists and objects as canonical JSON.
func ToParam(t ir.FieldType, v ir.Value) (any, error) {
	if ir.IsNull(v) {
		return nil, nil
	}
	if ir.KindOf(v) != t {
		return nil, fmt.Errorf("expected %s, got %s", t, ir.KindOf(v))
	}
	switch val := v.(type) {
	case ir.String:
		return string(val), nil
	case ir.Int:
		return int64(val), nil
	case ir.Bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case ir.List, ir.Object:
		b, err := ir.MarshalCanonical(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}
