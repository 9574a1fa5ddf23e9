package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/queryir"
	"github.com/roach88/tether/internal/querysql"
)

// Save upserts r. When the record already exists and cond is not nil, the
// stored row must satisfy cond or Save fails with INVALID_CONDITION and
// writes nothing. A condition on a record that does not exist yet is
// ignored. Save reports whether the record was created.
func (o ops) Save(ctx context.Context, schema ir.ModelSchema, r ir.Record, cond queryir.Predicate) (bool, error) {
	schema, err := o.checkModel(schema)
	if err != nil {
		return false, err
	}
	if err := ir.ValidateRecord(schema, r); err != nil {
		return false, err
	}
	if cond != nil {
		if err := queryir.ValidatePredicate(schema, cond); err != nil {
			return false, err
		}
	}

	existed, err := o.exists(ctx, schema, r.ID, nil)
	if err != nil {
		return false, err
	}
	if existed && cond != nil {
		ok, err := o.exists(ctx, schema, r.ID, cond)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, ir.NewInvalidConditionError(schema.Name, r.ID)
		}
	}

	params, err := recordParams(schema, r)
	if err != nil {
		return false, ir.NewInvalidOperationError(err.Error())
	}
	if _, err := o.q.ExecContext(ctx, upsertSQL(schema), params...); err != nil {
		return false, withRecord(classify("save "+schema.Name, err), schema.Name, r.ID)
	}
	return !existed, nil
}

// upsertSQL replaces every column of an existing row. ON CONFLICT DO UPDATE
// keeps the row in place, so children referencing it are untouched.
func upsertSQL(schema ir.ModelSchema) string {
	cols := querysql.Columns(schema)
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	var sets []string
	for i, f := range cols {
		names[i] = querysql.Quote(f.Name)
		marks[i] = "?"
		if f.Name != schema.Key() {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", names[i], names[i]))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		querysql.Quote(schema.Name), strings.Join(names, ", "), strings.Join(marks, ", "),
		querysql.Quote(schema.Key()), strings.Join(sets, ", "))
}

// Query returns the records matching q in its sort order.
func (o ops) Query(ctx context.Context, schema ir.ModelSchema, q queryir.Query) ([]ir.Record, error) {
	schema, err := o.checkModel(schema)
	if err != nil {
		return nil, err
	}
	if q.Model == "" {
		q.Model = schema.Name
	}
	if err := queryir.Validate(schema, q); err != nil {
		return nil, err
	}

	query, params, err := o.store.compiler.Select(schema, q)
	if err != nil {
		return nil, err
	}
	rows, err := o.q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, classify("query "+schema.Name, err)
	}
	defer rows.Close()

	records, err := scanRecords(schema, rows)
	if err != nil {
		return nil, classify("query "+schema.Name, err)
	}
	return records, nil
}

// QueryByID returns the record with the given id.
func (o ops) QueryByID(ctx context.Context, schema ir.ModelSchema, id string) (ir.Record, bool, error) {
	records, err := o.Query(ctx, schema, queryir.Query{
		Predicate:  queryir.Field(schema.Key()).Eq(ir.String(id)),
		Pagination: &queryir.Pagination{Limit: 2},
	})
	if err != nil {
		return ir.Record{}, false, err
	}
	switch len(records) {
	case 0:
		return ir.Record{}, false, nil
	case 1:
		return records[0], true, nil
	}
	return ir.Record{}, false, ir.NewInvalidOperationError(
		fmt.Sprintf("%d %s records share id %q", len(records), schema.Name, id))
}

// Exists reports whether record id exists and, when cond is not nil,
// satisfies cond.
func (o ops) Exists(ctx context.Context, schema ir.ModelSchema, id string, cond queryir.Predicate) (bool, error) {
	schema, err := o.checkModel(schema)
	if err != nil {
		return false, err
	}
	if cond != nil {
		if err := queryir.ValidatePredicate(schema, cond); err != nil {
			return false, err
		}
	}
	return o.exists(ctx, schema, id, cond)
}

func (o ops) exists(ctx context.Context, schema ir.ModelSchema, id string, cond queryir.Predicate) (bool, error) {
	query, params, err := o.store.compiler.Condition(schema, id, cond)
	if err != nil {
		return false, err
	}
	rows, err := o.q.QueryContext(ctx, query, params...)
	if err != nil {
		return false, classify("check "+schema.Name, err)
	}
	defer rows.Close()
	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, classify("check "+schema.Name, err)
	}
	return found, nil
}

// DeleteByID deletes record id and its cascaded dependents, returning every
// deleted record parent first. Deleting a missing record returns no records
// and no error. When cond is not nil the stored record must satisfy it or
// DeleteByID fails with INVALID_CONDITION and deletes nothing.
func (o ops) DeleteByID(ctx context.Context, schema ir.ModelSchema, id string, cond queryir.Predicate) ([]ir.Record, error) {
	schema, err := o.checkModel(schema)
	if err != nil {
		return nil, err
	}
	r, found, err := o.QueryByID(ctx, schema, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return []ir.Record{}, nil
	}
	if cond != nil {
		if err := queryir.ValidatePredicate(schema, cond); err != nil {
			return nil, err
		}
		ok, err := o.exists(ctx, schema, id, cond)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ir.NewInvalidConditionError(schema.Name, id)
		}
	}
	return o.deleteRecords(ctx, schema, []ir.Record{r})
}

// DeleteWhere deletes every record matching p and their cascaded
// dependents. queryir.All deletes the whole model.
func (o ops) DeleteWhere(ctx context.Context, schema ir.ModelSchema, p queryir.Predicate) ([]ir.Record, error) {
	records, err := o.Query(ctx, schema, queryir.Query{Predicate: p})
	if err != nil {
		return nil, err
	}
	return o.deleteRecords(ctx, schema, records)
}

// deleteRecords gathers roots and their cascading dependents depth first,
// then deletes children before parents so no foreign key is violated
// mid-way. Dependents without the cascade flag are left in place; if any
// still reference a deleted parent the foreign key fails the delete.
func (o ops) deleteRecords(ctx context.Context, schema ir.ModelSchema, roots []ir.Record) ([]ir.Record, error) {
	reg := o.store.reg.Load()
	seen := map[string]bool{}
	var order []ir.Record

	var collect func(schema ir.ModelSchema, r ir.Record) error
	collect = func(schema ir.ModelSchema, r ir.Record) error {
		k := r.Model + "/" + r.ID
		if seen[k] {
			return nil
		}
		seen[k] = true
		order = append(order, r)

		for _, dep := range reg.Dependents(schema.Name) {
			if !dep.Cascade {
				continue
			}
			child, err := reg.Lookup(dep.Model)
			if err != nil {
				return err
			}
			children, err := o.Query(ctx, child, queryir.Query{
				Predicate: queryir.Field(dep.Field).Eq(ir.String(r.ID)),
			})
			if err != nil {
				return err
			}
			for _, c := range children {
				if err := collect(child, c); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, r := range roots {
		if err := collect(schema, r); err != nil {
			return nil, err
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		r := order[i]
		target, err := reg.Lookup(r.Model)
		if err != nil {
			return nil, err
		}
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", querysql.Quote(target.Name), querysql.Quote(target.Key()))
		if _, err := o.q.ExecContext(ctx, stmt, r.ID); err != nil {
			return nil, withRecord(blockedDelete(target.Name, err), r.Model, r.ID)
		}
	}
	if order == nil {
		order = []ir.Record{}
	}
	return order, nil
}

func withRecord(err error, model, id string) error {
	if e, ok := err.(*ir.Error); ok {
		return e.WithRecord(model, id)
	}
	return err
}

// Store-level operations. Reads use the read-only pool; writes run in their
// own transaction.

// Save runs Tx.Save in its own transaction. It reports whether r was
// created.
func (s *Store) Save(ctx context.Context, schema ir.ModelSchema, r ir.Record, cond queryir.Predicate) (bool, error) {
	return transact(ctx, s, func(tx *Tx) (bool, error) {
		return tx.Save(ctx, schema, r, cond)
	})
}

// Query reads from the reader pool and sees only committed writes.
func (s *Store) Query(ctx context.Context, schema ir.ModelSchema, q queryir.Query) ([]ir.Record, error) {
	return s.read().Query(ctx, schema, q)
}

// QueryByID returns the record with key id, if any.
func (s *Store) QueryByID(ctx context.Context, schema ir.ModelSchema, id string) (ir.Record, bool, error) {
	return s.read().QueryByID(ctx, schema, id)
}

// Exists reports whether record id exists and, when cond is not nil,
// satisfies it.
func (s *Store) Exists(ctx context.Context, schema ir.ModelSchema, id string, cond queryir.Predicate) (bool, error) {
	return s.read().Exists(ctx, schema, id, cond)
}

// DeleteByID runs Tx.DeleteByID in its own transaction.
func (s *Store) DeleteByID(ctx context.Context, schema ir.ModelSchema, id string, cond queryir.Predicate) ([]ir.Record, error) {
	return transact(ctx, s, func(tx *Tx) ([]ir.Record, error) {
		return tx.DeleteByID(ctx, schema, id, cond)
	})
}

// DeleteWhere runs Tx.DeleteWhere in its own transaction.
func (s *Store) DeleteWhere(ctx context.Context, schema ir.ModelSchema, p queryir.Predicate) ([]ir.Record, error) {
	return transact(ctx, s, func(tx *Tx) ([]ir.Record, error) {
		return tx.DeleteWhere(ctx, schema, p)
	})
}
