package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/roach88/tether/internal/ir"
)

const eventColumns = "id, model_name, model_id, kind, payload, created_at, in_process, version"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (ir.MutationEvent, error) {
	var (
		ev        ir.MutationEvent
		kind      string
		inProcess int64
		version   sql.NullInt64
	)
	if err := row.Scan(&ev.ID, &ev.ModelName, &ev.ModelID, &kind, &ev.Payload, &ev.CreatedAt, &inProcess, &version); err != nil {
		return ir.MutationEvent{}, err
	}
	ev.Kind = ir.MutationKind(kind)
	ev.InProcess = inProcess != 0
	if version.Valid {
		v := version.Int64
		ev.Version = &v
	}
	return ev, nil
}

func (o ops) queryEvents(ctx context.Context, where string, args ...any) ([]ir.MutationEvent, error) {
	rows, err := o.q.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM mutation_events "+where, args...)
	if err != nil {
		return nil, classify("query mutation events", err)
	}
	defer rows.Close()

	events := []ir.MutationEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, classify("scan mutation event", err)
		}
		events = append(events, ev)
	}
	return events, classify("query mutation events", rows.Err())
}

func (o ops) queryEvent(ctx context.Context, where string, args ...any) (ir.MutationEvent, bool, error) {
	ev, err := scanEvent(o.q.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM mutation_events "+where+" LIMIT 1", args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.MutationEvent{}, false, nil
	}
	if err != nil {
		return ir.MutationEvent{}, false, classify("query mutation event", err)
	}
	return ev, true, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullableVersion(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// InsertMutationEvent appends ev to the queue.
func (o ops) InsertMutationEvent(ctx context.Context, ev ir.MutationEvent) error {
	if !ev.Kind.Valid() {
		return ir.NewInvalidOperationError("unknown mutation kind " + string(ev.Kind))
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO mutation_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.ModelName, ev.ModelID, string(ev.Kind), ev.Payload, ev.CreatedAt, boolInt(ev.InProcess), nullableVersion(ev.Version))
	return withRecord(classify("insert mutation event", err), ev.ModelName, ev.ModelID)
}

// UpdateMutationEvent rewrites the kind, payload, in-process flag and
// version of an existing event. Its position in the queue is unchanged.
func (o ops) UpdateMutationEvent(ctx context.Context, ev ir.MutationEvent) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE mutation_events SET kind = ?, payload = ?, in_process = ?, version = ?
		WHERE id = ?
	`, string(ev.Kind), ev.Payload, boolInt(ev.InProcess), nullableVersion(ev.Version), ev.ID)
	if err != nil {
		return withRecord(classify("update mutation event", err), ev.ModelName, ev.ModelID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ir.NewNotFoundError("mutation event " + ev.ID + " does not exist")
	}
	return nil
}

// DeleteMutationEvent removes an event. Removing a missing event is not an
// error.
func (o ops) DeleteMutationEvent(ctx context.Context, id string) error {
	_, err := o.q.ExecContext(ctx, "DELETE FROM mutation_events WHERE id = ?", id)
	return classify("delete mutation event", err)
}

// MutationEvents returns every queued event in delivery order.
func (o ops) MutationEvents(ctx context.Context) ([]ir.MutationEvent, error) {
	return o.queryEvents(ctx, "ORDER BY created_at, id")
}

// MutationEventsFor returns the queued events of one record in delivery
// order.
func (o ops) MutationEventsFor(ctx context.Context, model, id string) ([]ir.MutationEvent, error) {
	return o.queryEvents(ctx, "WHERE model_name = ? AND model_id = ? ORDER BY created_at, id", model, id)
}

// PendingMutationEvent returns the newest event of a record that is not in
// process, which is the event new local changes coalesce into.
func (o ops) PendingMutationEvent(ctx context.Context, model, id string) (ir.MutationEvent, bool, error) {
	return o.queryEvent(ctx,
		"WHERE model_name = ? AND model_id = ? AND in_process = 0 ORDER BY created_at DESC, id DESC", model, id)
}

// NextMutationEvent returns the oldest event, in process or not. The
// sender is the only consumer, so an in-process event at the head is one
// it is already delivering or was interrupted delivering.
func (o ops) NextMutationEvent(ctx context.Context) (ir.MutationEvent, bool, error) {
	return o.queryEvent(ctx, "ORDER BY created_at, id")
}

// SetInProcess sets the in-process flag of an event.
func (o ops) SetInProcess(ctx context.Context, id string, inProcess bool) error {
	_, err := o.q.ExecContext(ctx, "UPDATE mutation_events SET in_process = ? WHERE id = ?", boolInt(inProcess), id)
	return classify("mark mutation event", err)
}

// ResetInProcess clears the in-process flag of every event, oldest first,
// and returns how many were reset.
func (o ops) ResetInProcess(ctx context.Context) (int, error) {
	events, err := o.queryEvents(ctx, "WHERE in_process = 1 ORDER BY created_at, id")
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if err := o.SetInProcess(ctx, ev.ID, false); err != nil {
			return 0, err
		}
	}
	return len(events), nil
}

// MaxMutationCreatedAt returns the largest creation timestamp in the
// queue, or 0 when it is empty.
func (o ops) MaxMutationCreatedAt(ctx context.Context) (int64, error) {
	var latest sql.NullInt64
	if err := o.q.QueryRowContext(ctx, "SELECT MAX(created_at) FROM mutation_events").Scan(&latest); err != nil {
		return 0, classify("query mutation events", err)
	}
	return latest.Int64, nil
}

// MutationSyncMetadata returns the sync metadata of one record.
func (o ops) MutationSyncMetadata(ctx context.Context, model, id string) (ir.MutationSyncMetadata, bool, error) {
	found, err := o.QueryMutationSyncMetadata(ctx, model, id)
	if err != nil || len(found) == 0 {
		return ir.MutationSyncMetadata{}, false, err
	}
	return found[0], true, nil
}

// QueryMutationSyncMetadata returns the sync metadata of the given records
// of model, ordered by id. Unknown ids are left out.
func (o ops) QueryMutationSyncMetadata(ctx context.Context, model string, ids ...string) ([]ir.MutationSyncMetadata, error) {
	out := []ir.MutationSyncMetadata{}
	// Stay well under SQLite's bound variable limit.
	const batch = 500
	for start := 0; start < len(ids); start += batch {
		chunk := ids[start:min(start+batch, len(ids))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, model)
		for _, id := range chunk {
			args = append(args, id)
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")

		rows, err := o.q.QueryContext(ctx, `
			SELECT model_name, model_id, version, deleted, last_changed_at
			FROM mutation_sync_metadata
			WHERE model_name = ? AND model_id IN (`+marks+`)
			ORDER BY model_id
		`, args...)
		if err != nil {
			return nil, classify("query sync metadata", err)
		}
		for rows.Next() {
			var m ir.MutationSyncMetadata
			var deleted int64
			if err := rows.Scan(&m.ModelName, &m.ModelID, &m.Version, &deleted, &m.LastChangedAt); err != nil {
				rows.Close()
				return nil, classify("scan sync metadata", err)
			}
			m.Deleted = deleted != 0
			out = append(out, m)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, classify("query sync metadata", err)
		}
	}
	return out, nil
}

// SaveMutationSyncMetadata upserts the sync metadata of one record.
func (o ops) SaveMutationSyncMetadata(ctx context.Context, m ir.MutationSyncMetadata) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO mutation_sync_metadata (model_name, model_id, version, deleted, last_changed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model_name, model_id) DO UPDATE SET
			version = excluded.version,
			deleted = excluded.deleted,
			last_changed_at = excluded.last_changed_at
	`, m.ModelName, m.ModelID, m.Version, boolInt(m.Deleted), m.LastChangedAt)
	return withRecord(classify("save sync metadata", err), m.ModelName, m.ModelID)
}

// QueryModelSyncMetadata returns the sync cursor of model.
func (o ops) QueryModelSyncMetadata(ctx context.Context, model string) (ir.ModelSyncMetadata, bool, error) {
	var m ir.ModelSyncMetadata
	err := o.q.QueryRowContext(ctx,
		"SELECT model_name, cursor, last_sync FROM model_sync_metadata WHERE model_name = ?", model,
	).Scan(&m.ModelName, &m.Cursor, &m.LastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ModelSyncMetadata{}, false, nil
	}
	if err != nil {
		return ir.ModelSyncMetadata{}, false, classify("query model sync metadata", err)
	}
	return m, true, nil
}

// SaveModelSyncMetadata upserts the sync cursor of a model.
func (o ops) SaveModelSyncMetadata(ctx context.Context, m ir.ModelSyncMetadata) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO model_sync_metadata (model_name, cursor, last_sync) VALUES (?, ?, ?)
		ON CONFLICT(model_name) DO UPDATE SET cursor = excluded.cursor, last_sync = excluded.last_sync
	`, m.ModelName, m.Cursor, m.LastSync)
	return classify("save model sync metadata", err)
}

// Read-only metadata access through the read pool.

func (s *Store) MutationEvents(ctx context.Context) ([]ir.MutationEvent, error) {
	return s.read().MutationEvents(ctx)
}

func (s *Store) MutationEventsFor(ctx context.Context, model, id string) ([]ir.MutationEvent, error) {
	return s.read().MutationEventsFor(ctx, model, id)
}

func (s *Store) MutationSyncMetadata(ctx context.Context, model, id string) (ir.MutationSyncMetadata, bool, error) {
	return s.read().MutationSyncMetadata(ctx, model, id)
}

func (s *Store) QueryMutationSyncMetadata(ctx context.Context, model string, ids ...string) ([]ir.MutationSyncMetadata, error) {
	return s.read().QueryMutationSyncMetadata(ctx, model, ids...)
}

func (s *Store) QueryModelSyncMetadata(ctx context.Context, model string) (ir.ModelSyncMetadata, bool, error) {
	return s.read().QueryModelSyncMetadata(ctx, model)
}
