package store

import (
	"context"
	"database/sql"
)

// Tx is a write transaction. Record and metadata operations run against it
// see its own uncommitted writes.
type Tx struct {
	ops
	hooks []func()
}

// AfterCommit registers fn to run once the transaction has committed and
// before the next write transaction begins, so hooks of successive
// transactions run in commit order. Hooks are dropped on rollback.
func (tx *Tx) AfterCommit(fn func()) {
	tx.hooks = append(tx.hooks, fn)
}

// ops binds record and metadata operations to a connection, transaction or
// pool.
type ops struct {
	q     querier
	store *Store
}

// Transaction runs fn in a write transaction. The transaction commits if fn
// returns nil and rolls back otherwise, including when fn panics; the panic
// is re-raised after rollback. Write transactions run one at a time.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return classify("begin transaction", ctx.Err())
	}
	defer func() { <-s.writeSem }()

	sqlTx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}

	tx := &Tx{ops: ops{q: sqlTx, store: s}}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				s.logger.Warn("rollback failed", "error", rbErr)
			}
			return
		}
		if cerr := sqlTx.Commit(); cerr != nil {
			err = classify("commit transaction", cerr)
			return
		}
		for _, hook := range tx.hooks {
			hook()
		}
	}()

	return fn(tx)
}

// read returns operations bound to the read-only pool.
func (s *Store) read() ops {
	return ops{q: s.reader, store: s}
}

// transact is Transaction for a single operation returning a value.
func transact[T any](ctx context.Context, s *Store, fn func(tx *Tx) (T, error)) (T, error) {
	var out T
	err := s.Transaction(ctx, func(tx *Tx) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
