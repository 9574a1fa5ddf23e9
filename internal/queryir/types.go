package queryir

import "github.com/roach88/tether/internal/ir"

// Predicate is a filter condition. Sealed: only the variants in this
// package implement it, so compilers can switch exhaustively.
type Predicate interface {
	predicateNode()
}

// Operator is a comparison operator for Compare.
type Operator string

const (
	OpNotEqual     Operator = "ne"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "le"
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "ge"
	OpBeginsWith   Operator = "beginsWith"
	OpContains     Operator = "contains"
)

// Equals matches records whose field equals Value. A Null value matches
// records where the field is unset.
type Equals struct {
	Field string
	Value ir.Value
}

func (Equals) predicateNode() {}

// Compare matches records where "field Op Value" holds.
type Compare struct {
	Field string
	Op    Operator
	Value ir.Value
}

func (Compare) predicateNode() {}

// And matches when every child matches. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or matches when any child matches. An empty Or matches nothing.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Not negates a predicate.
type Not struct {
	Predicate Predicate
}

func (Not) predicateNode() {}

// Constant is a predicate with a fixed result.
type Constant struct {
	Value bool
}

func (Constant) predicateNode() {}

var (
	// All matches every record.
	All = Constant{Value: true}

	// None matches no record.
	None = Constant{Value: false}
)

// FieldRef starts a predicate on a field.
//
//	queryir.Field("title").Eq(ir.String("t"))
type FieldRef string

// Field returns a reference to the named field.
func Field(name string) FieldRef {
	return FieldRef(name)
}

// Eq matches records whose field equals v.
func (f FieldRef) Eq(v ir.Value) Predicate {
	return Equals{Field: string(f), Value: v}
}

func (f FieldRef) Ne(v ir.Value) Predicate {
	return Compare{Field: string(f), Op: OpNotEqual, Value: v}
}

func (f FieldRef) Lt(v ir.Value) Predicate {
	return Compare{Field: string(f), Op: OpLess, Value: v}
}

func (f FieldRef) Le(v ir.Value) Predicate {
	return Compare{Field: string(f), Op: OpLessEqual, Value: v}
}

func (f FieldRef) Gt(v ir.Value) Predicate {
	return Compare{Field: string(f), Op: OpGreater, Value: v}
}

func (f FieldRef) Ge(v ir.Value) Predicate {
	return Compare{Field: string(f), Op: OpGreaterEqual, Value: v}
}

// IsNull matches records whose field is null or absent.
func (f FieldRef) IsNull() Predicate {
	return Equals{Field: string(f), Value: ir.Null{}}
}

func (f FieldRef) BeginsWith(prefix string) Predicate {
	return Compare{Field: string(f), Op: OpBeginsWith, Value: ir.String(prefix)}
}

func (f FieldRef) Contains(sub string) Predicate {
	return Compare{Field: string(f), Op: OpContains, Value: ir.String(sub)}
}

// AllOf is the conjunction of ps.
func AllOf(ps ...Predicate) Predicate {
	return And{Predicates: ps}
}

// AnyOf is the disjunction of ps.
func AnyOf(ps ...Predicate) Predicate {
	return Or{Predicates: ps}
}

// Negate is the negation of p.
func Negate(p Predicate) Predicate {
	return Not{Predicate: p}
}

// SortOrder is a sort direction.
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// SortBy is one sort key.
type SortBy struct {
	Field string
	Order SortOrder
}

// Pagination limits a result set. With FirstOnly set, at most one record
// is returned and Page and Limit are ignored. A zero Limit means no limit.
type Pagination struct {
	Page      int
	Limit     int
	FirstOnly bool
}

// FirstResult returns at most one record.
var FirstResult = Pagination{FirstOnly: true}

// Query is an immutable query over one model. Build it with NewQuery so it
// is validated against the model schema.
type Query struct {
	Model      string
	Predicate  Predicate
	Sort       []SortBy
	Pagination *Pagination
}

// Filter returns the query predicate, or All when there is none.
func (q Query) Filter() Predicate {
	if q.Predicate == nil {
		return All
	}
	return q.Predicate
}

// Option configures a query under construction.
type Option func(*Query)

// Where sets the predicate.
func Where(p Predicate) Option {
	return func(q *Query) { q.Predicate = p }
}

// OrderBy appends a sort key.
func OrderBy(field string, order SortOrder) Option {
	return func(q *Query) { q.Sort = append(q.Sort, SortBy{Field: field, Order: order}) }
}

// Paginate selects one page of limit records (page is zero-based).
func Paginate(page, limit int) Option {
	return func(q *Query) { q.Pagination = &Pagination{Page: page, Limit: limit} }
}

// First limits the result to a single record.
func First() Option {
	return func(q *Query) {
		p := FirstResult
		q.Pagination = &p
	}
}

// NewQuery builds and validates a query against schema.
func NewQuery(schema ir.ModelSchema, opts ...Option) (Query, error) {
	q := Query{Model: schema.Name}
	for _, opt := range opts {
		opt(&q)
	}
	if err := Validate(schema, q); err != nil {
		return Query{}, err
	}
	return q, nil
}
