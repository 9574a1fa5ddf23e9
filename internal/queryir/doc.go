// Package queryir is the query representation shared by the storage adapter
// and the in-process subscription filters.
//
// A predicate is a tree of tagged variants:
//
//	Equals    field = value (value Null means IS NULL)
//	Compare   field <op> value for ne, lt, le, gt, ge, beginsWith, contains
//	And, Or   conjunction and disjunction of children
//	Not       negation
//	Constant  always true (All) or always false (None)
//
// The same tree compiles to SQL (package querysql) and evaluates against a
// record in memory (Evaluate). Both use SQL three-valued logic, so a
// comparison against a missing attribute is neither true nor false and a
// record matches in memory exactly when the compiled WHERE clause would
// return it.
//
// Queries are validated against the model schema once, when built with
// NewQuery; execution trusts the validated tree.
package queryir
