package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/kv"
)

var systemTables = []string{"mutation_events", "mutation_sync_metadata", "model_sync_metadata"}

// Clear deletes every row of every model table, the mutation queue and all
// sync metadata. Tables and layouts are kept, so the store stays set up.
func (s *Store) Clear(ctx context.Context) error {
	conn, err := s.writer.Conn(ctx)
	if err != nil {
		return classify("clear", err)
	}
	defer conn.Close()

	stored, err := loadLayouts(ctx, conn)
	if err != nil {
		return err
	}

	// Rows are removed without regard to reference order.
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return classify("disable foreign keys", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA foreign_keys = ON"); err != nil {
			s.logger.Error("re-enable foreign keys failed", "error", err)
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("clear", err)
	}
	defer tx.Rollback()

	for model := range stored {
		if err := emptyTable(ctx, tx, model); err != nil {
			return err
		}
	}
	for _, table := range systemTables {
		if err := emptyTable(ctx, tx, table); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("clear", err)
	}
	s.logger.Info("store cleared", "models", len(stored))
	return nil
}

// ClearIfNewVersion removes the database file at path (with its WAL and
// shared-memory files) when the version recorded in kvs differs from
// version, then records version. It must run before Open. It reports
// whether the file was removed.
//
// A first run with no recorded version only records it. A missing file is
// not an error. A file that cannot be removed is a CONFIGURATION error.
func ClearIfNewVersion(path, version string, kvs kv.Store) (bool, error) {
	stored, ok, err := kvs.Get(kv.KeyStoreVersion)
	if err != nil {
		return false, fmt.Errorf("read store version: %w", err)
	}
	if ok && stored == version {
		return false, nil
	}

	removed := false
	if ok {
		for _, p := range []string{path, path + "-wal", path + "-shm"} {
			err := os.Remove(p)
			switch {
			case err == nil:
				removed = removed || p == path
			case errors.Is(err, os.ErrNotExist):
			default:
				return false, ir.NewConfigurationError(
					fmt.Sprintf("invalid database: cannot remove %s for store version %s", p, version), err)
			}
		}
	}

	if err := kvs.Set(kv.KeyStoreVersion, version); err != nil {
		return removed, fmt.Errorf("record store version: %w", err)
	}
	return removed, nil
}
