package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/querysql"
	"github.com/roach88/tether/internal/registry"
)

// SetUp materialises one table per registered schema. It is idempotent:
// tables whose stored layout matches are left alone. A table whose layout
// changed is rebuilt in place, keeping the rows and the columns the old and
// new layouts share. A shared column whose type changed cannot be migrated
// and fails with a CONFIGURATION error; nothing is changed in that case.
func (s *Store) SetUp(ctx context.Context, reg *registry.Registry) error {
	if reg == nil {
		return ir.NewConfigurationError("nil registry", nil)
	}

	conn, err := s.writer.Conn(ctx)
	if err != nil {
		return classify("set up", err)
	}
	defer conn.Close()

	stored, err := loadLayouts(ctx, conn)
	if err != nil {
		return err
	}

	var plans []tablePlan
	migrating := false
	for _, schema := range reg.Schemas() {
		plan, err := planTable(ctx, conn, schema, stored)
		if err != nil {
			return err
		}
		if plan.action == actionMigrate {
			migrating = true
		}
		plans = append(plans, plan)
	}

	// Rebuilding a table drops it while children still reference it, so
	// foreign keys are off for the duration. The pragma is a no-op inside a
	// transaction and must be set on this connection before BeginTx.
	if migrating {
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
			return classify("disable foreign keys", err)
		}
		defer func() {
			if _, err := conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA foreign_keys = ON"); err != nil {
				s.logger.Error("re-enable foreign keys failed", "error", err)
			}
		}()
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("set up", err)
	}
	defer tx.Rollback()

	for _, plan := range plans {
		if err := s.applyPlan(ctx, tx, reg, plan); err != nil {
			return err
		}
	}
	if migrating {
		if err := checkForeignKeys(ctx, tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("set up", err)
	}

	s.reg.Store(reg)
	return nil
}

type planAction int

const (
	actionKeep planAction = iota
	actionCreate
	actionMigrate
)

type tablePlan struct {
	schema ir.ModelSchema
	action planAction

	// existing columns of a table being migrated, by name
	existing map[string]string
}

func planTable(ctx context.Context, q querier, schema ir.ModelSchema, stored map[string]string) (tablePlan, error) {
	plan := tablePlan{schema: schema}
	layout, known := stored[schema.Name]

	cols, err := tableColumns(ctx, q, schema.Name)
	if err != nil {
		return plan, err
	}
	switch {
	case len(cols) == 0:
		plan.action = actionCreate
		return plan, nil
	case known && layout == schema.Layout():
		plan.action = actionKeep
		return plan, nil
	}

	// The table exists with a different (or unrecorded) layout.
	for _, f := range querysql.Columns(schema) {
		oldType, ok := cols[f.Name]
		if !ok {
			continue
		}
		if want := querysql.ColumnType(f.Type); !strings.EqualFold(oldType, want) {
			return plan, ir.NewConfigurationError(
				fmt.Sprintf("cannot migrate %s.%s from %s to %s", schema.Name, f.Name, oldType, want), nil)
		}
	}
	if _, ok := cols[schema.Key()]; !ok {
		return plan, ir.NewConfigurationError(
			fmt.Sprintf("cannot migrate %s: existing table has no %q column", schema.Name, schema.Key()), nil)
	}
	plan.action = actionMigrate
	plan.existing = cols
	return plan, nil
}

func (s *Store) applyPlan(ctx context.Context, q querier, reg *registry.Registry, plan tablePlan) error {
	schema := plan.schema
	switch plan.action {
	case actionCreate:
		if err := createTable(ctx, q, reg, schema.Name, schema); err != nil {
			return err
		}
	case actionMigrate:
		s.logger.Info("migrating table", "model", schema.Name, "layout", schema.Layout())
		if err := migrateTable(ctx, q, reg, schema, plan.existing); err != nil {
			return err
		}
	}
	if err := createIndexes(ctx, q, schema); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO model_layouts (model_name, layout) VALUES (?, ?)
		ON CONFLICT(model_name) DO UPDATE SET layout = excluded.layout
	`, schema.Name, schema.Layout())
	return classify("record layout", err)
}

// migrateTable rebuilds a model table: create the new layout under a
// temporary name, copy the shared columns, remove the old table and rename.
func migrateTable(ctx context.Context, q querier, reg *registry.Registry, schema ir.ModelSchema, existing map[string]string) error {
	tmp := schema.Name + "__migrating"
	if err := removeTable(ctx, q, tmp); err != nil {
		return err
	}
	if err := createTable(ctx, q, reg, tmp, schema); err != nil {
		return err
	}

	var shared []string
	for _, f := range querysql.Columns(schema) {
		if _, ok := existing[f.Name]; ok {
			shared = append(shared, querysql.Quote(f.Name))
		}
	}
	cols := strings.Join(shared, ", ")
	copySQL := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		querysql.Quote(tmp), cols, cols, querysql.Quote(schema.Name))
	if _, err := q.ExecContext(ctx, copySQL); err != nil {
		return classify("migrate "+schema.Name, err)
	}

	if err := removeTable(ctx, q, schema.Name); err != nil {
		return err
	}
	return renameTable(ctx, q, tmp, schema.Name)
}

// createTable creates a model table named name with schema's columns.
// Belongs-to fields reference the parent's primary key.
func createTable(ctx context.Context, q querier, reg *registry.Registry, name string, schema ir.ModelSchema) error {
	refs := map[string]ir.Association{}
	for _, a := range schema.Parents() {
		refs[a.Field] = a
	}

	var defs []string
	for _, f := range querysql.Columns(schema) {
		def := querysql.Quote(f.Name) + " " + querysql.ColumnType(f.Type)
		if f.Name == schema.Key() {
			def += " PRIMARY KEY NOT NULL"
		}
		if a, ok := refs[f.Name]; ok {
			def += fmt.Sprintf(" REFERENCES %s(%s)", querysql.Quote(a.Target), querysql.Quote(targetKey(reg, a.Target)))
		}
		defs = append(defs, def)
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", querysql.Quote(name), strings.Join(defs, ",\n\t"))
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return classify("create table "+name, err)
	}
	return nil
}

func targetKey(reg *registry.Registry, model string) string {
	if s, ok := reg.Schema(model); ok {
		return s.Key()
	}
	return ir.DefaultPrimaryKey
}

func createIndexes(ctx context.Context, q querier, schema ir.ModelSchema) error {
	var stmts []string
	for _, idx := range schema.Indexes {
		cols := make([]string, len(idx.Fields))
		for i, f := range idx.Fields {
			cols[i] = querysql.Quote(f)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			querysql.Quote(indexName(schema.Name, idx.Name)), querysql.Quote(schema.Name), strings.Join(cols, ", ")))
	}
	// Cascading deletes look children up by their belongs-to field.
	for _, a := range schema.Parents() {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			querysql.Quote(indexName(schema.Name, a.Field)), querysql.Quote(schema.Name), querysql.Quote(a.Field)))
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return classify("create index on "+schema.Name, err)
		}
	}
	return nil
}

func indexName(model, name string) string {
	return "idx_" + model + "_" + name
}

func removeTable(ctx context.Context, q querier, name string) error {
	if _, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+querysql.Quote(name)); err != nil {
		return classify("remove table "+name, err)
	}
	return nil
}

func renameTable(ctx context.Context, q querier, from, to string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", querysql.Quote(from), querysql.Quote(to))
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return classify("rename table "+from, err)
	}
	return nil
}

func emptyTable(ctx context.Context, q querier, name string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM "+querysql.Quote(name)); err != nil {
		return classify("empty table "+name, err)
	}
	return nil
}

// tableColumns returns column name to declared type, or an empty map when
// the table does not exist.
func tableColumns(ctx context.Context, q querier, table string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, classify("inspect table "+table, err)
	}
	defer rows.Close()

	cols := map[string]string{}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, classify("inspect table "+table, err)
		}
		cols[name] = typ
	}
	return cols, classify("inspect table "+table, rows.Err())
}

func loadLayouts(ctx context.Context, q querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT model_name, layout FROM model_layouts")
	if err != nil {
		return nil, classify("load layouts", err)
	}
	defer rows.Close()

	layouts := map[string]string{}
	for rows.Next() {
		var name, layout string
		if err := rows.Scan(&name, &layout); err != nil {
			return nil, classify("load layouts", err)
		}
		layouts[name] = layout
	}
	return layouts, classify("load layouts", rows.Err())
}

// checkForeignKeys fails if a rebuilt table left dangling references.
func checkForeignKeys(ctx context.Context, q querier) error {
	rows, err := q.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return classify("check foreign keys", err)
	}
	defer rows.Close()
	if rows.Next() {
		var table string
		var rowid sql.NullInt64
		var parent string
		var fkid int
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return classify("check foreign keys", err)
		}
		return ir.NewConfigurationError(
			fmt.Sprintf("migration left %s rows referencing missing %s rows", table, parent), nil)
	}
	return classify("check foreign keys", rows.Err())
}
