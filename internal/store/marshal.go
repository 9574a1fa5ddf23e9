package store

import (
	"database/sql"
	"fmt"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/querysql"
)

// recordParams returns the column values of r in querysql.Columns order.
// Unset fields are stored as NULL.
func recordParams(schema ir.ModelSchema, r ir.Record) ([]any, error) {
	cols := querysql.Columns(schema)
	params := make([]any, len(cols))
	for i, f := range cols {
		if f.Name == schema.Key() {
			params[i] = r.ID
			continue
		}
		p, err := querysql.ToParam(f.Type, r.Get(f.Name))
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", schema.Name, f.Name, err)
		}
		params[i] = p
	}
	return params, nil
}

// scanRecords reads rows selected with querysql.Columns. NULL columns are
// left out of the record's fields.
func scanRecords(schema ir.ModelSchema, rows *sql.Rows) ([]ir.Record, error) {
	cols := querysql.Columns(schema)
	records := []ir.Record{}
	for rows.Next() {
		dest := make([]any, len(cols))
		for i, f := range cols {
			switch querysql.ColumnType(f.Type) {
			case "INTEGER":
				dest[i] = new(sql.NullInt64)
			default:
				dest[i] = new(sql.NullString)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", schema.Name, err)
		}

		r := ir.Record{Model: schema.Name, Fields: ir.Object{}}
		for i, f := range cols {
			v, err := columnValue(f, dest[i])
			if err != nil {
				return nil, fmt.Errorf("scan %s.%s: %w", schema.Name, f.Name, err)
			}
			if f.Name == schema.Key() {
				s, _ := v.(ir.String)
				r.ID = string(s)
				continue
			}
			if !ir.IsNull(v) {
				r.Fields[f.Name] = v
			}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", schema.Name, err)
	}
	return records, nil
}

func columnValue(f ir.Field, dest any) (ir.Value, error) {
	switch d := dest.(type) {
	case *sql.NullInt64:
		if !d.Valid {
			return ir.Null{}, nil
		}
		if f.Type == ir.TypeBool {
			return ir.Bool(d.Int64 != 0), nil
		}
		return ir.Int(d.Int64), nil
	case *sql.NullString:
		if !d.Valid {
			return ir.Null{}, nil
		}
		switch f.Type {
		case ir.TypeList, ir.TypeObject:
			v, err := ir.ParseValue([]byte(d.String))
			if err != nil {
				return nil, err
			}
			if ir.KindOf(v) != f.Type {
				return nil, fmt.Errorf("stored %s is not a %s", ir.KindOf(v), f.Type)
			}
			return v, nil
		}
		return ir.String(d.String), nil
	}
	return nil, fmt.Errorf("unexpected scan destination %T", dest)
}
