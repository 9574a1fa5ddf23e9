package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/tether/internal/ir"
)

// classify wraps a database error as a STORAGE_IO error. Constraint
// violations (foreign key, unique, not null, check) are ignorable; busy,
// I/O and corruption errors are not. Errors that are already *ir.Error and
// non-SQLite errors such as context cancellation are wrapped unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *ir.Error
	if errors.As(err, &ie) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return ir.NewStorageError(op, se.Code == sqlite3.ErrConstraint, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ShouldIgnoreError reports whether a background pipeline may skip err and
// continue. Only constraint violations qualify; a remote record that
// references a parent not yet synced fails its foreign key and is retried by
// the next sync. A classified error keeps its own verdict, so a delete
// blocked by dependents without cascade is never skipped.
func ShouldIgnoreError(err error) bool {
	var ie *ir.Error
	if errors.As(err, &ie) {
		return ir.IsIgnorable(err)
	}
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// blockedDelete classifies a failed DELETE. A foreign key failure means
// dependents without cascade still reference the record, which is fatal.
func blockedDelete(model string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return ir.NewStorageError("delete "+model+": dependent records without cascade", false, err)
	}
	return classify("delete "+model, err)
}

func errNotSetUp() error {
	return ir.NewConfigurationError("store has not been set up with model schemas", nil)
}

// checkModel returns the registered schema named by s. Callers pass their
// own copy of the schema; it must still be the registered one.
func (o ops) checkModel(s ir.ModelSchema) (ir.ModelSchema, error) {
	reg := o.store.reg.Load()
	if reg == nil {
		return ir.ModelSchema{}, errNotSetUp()
	}
	return reg.Lookup(s.Name)
}
