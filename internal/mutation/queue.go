package mutation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/store"
)

// Change is one committed local change to enqueue.
type Change struct {
	Kind   ir.MutationKind
	Record ir.Record
}

// Queue is the durable FIFO of outgoing mutations over the store's
// mutation_events table.
type Queue struct {
	// mu is the write-intent lock. It is held for the whole local
	// transaction, so coalescing always sees the latest queue state.
	mu     sync.Mutex
	store  *store.Store
	clock  *Clock
	ids    IDGenerator
	logger *slog.Logger

	signal chan struct{}
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithClock sets the creation-time clock.
func WithClock(c *Clock) QueueOption {
	return func(q *Queue) { q.clock = c }
}

// WithIDGenerator sets the event id generator.
func WithIDGenerator(g IDGenerator) QueueOption {
	return func(q *Queue) { q.ids = g }
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewQueue creates a queue over st.
func NewQueue(st *store.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:  st,
		clock:  NewClock(nil),
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
		signal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Recover prepares the queue after a restart: the clock is moved past the
// newest stored event and events left in process by a crash are released,
// oldest first. It returns how many events were released.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var released int
	err := q.store.Transaction(ctx, func(tx *store.Tx) error {
		latest, err := tx.MaxMutationCreatedAt(ctx)
		if err != nil {
			return err
		}
		q.clock.Observe(latest)
		released, err = tx.ResetInProcess(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recover mutation queue: %w", err)
	}
	if released > 0 {
		q.logger.Info("released in-process mutations", "count", released)
	}
	q.notify()
	return released, nil
}

// Submit runs fn in a store transaction under the write-intent lock and
// enqueues the changes it returns in the same transaction. If fn or any
// coalescing decision fails, nothing is written. The changes are returned
// once committed.
func (q *Queue) Submit(ctx context.Context, fn func(tx *store.Tx) ([]Change, error)) ([]Change, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var changes []Change
	err := q.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		changes, err = fn(tx)
		if err != nil {
			return err
		}
		for _, c := range changes {
			if err := q.enqueue(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		q.notify()
	}
	return changes, nil
}

// enqueue coalesces c into the record's pending event or appends it.
func (q *Queue) enqueue(ctx context.Context, tx *store.Tx, c Change) error {
	reg := q.store.Registry()
	if reg == nil {
		return ir.NewConfigurationError("mutation queue used before store set up", nil)
	}
	schema, err := reg.Lookup(c.Record.Model)
	if err != nil {
		return err
	}
	payload, err := ir.EncodePayload(c.Record, schema.Key())
	if err != nil {
		return err
	}

	model, id := c.Record.Model, c.Record.ID
	existing, found, err := tx.PendingMutationEvent(ctx, model, id)
	if err != nil {
		return err
	}
	if !found {
		return q.appendEvent(ctx, tx, c, payload)
	}

	switch {
	case c.Kind == ir.MutationCreate:
		return ir.NewMutationAlreadyExistsError(model, id)
	case existing.Kind == ir.MutationDelete && c.Kind == ir.MutationUpdate:
		return ir.NewPendingDeleteError(model, id)
	case existing.Kind == ir.MutationDelete && c.Kind == ir.MutationDelete:
		return nil
	case existing.Kind == ir.MutationCreate && c.Kind == ir.MutationDelete:
		// Never sent, so the remote never needs to hear of it.
		return tx.DeleteMutationEvent(ctx, existing.ID)
	case existing.Kind == ir.MutationCreate && c.Kind == ir.MutationUpdate:
		existing.Payload = payload
	default:
		existing.Kind = c.Kind
		existing.Payload = payload
	}
	return tx.UpdateMutationEvent(ctx, existing)
}

func (q *Queue) appendEvent(ctx context.Context, tx *store.Tx, c Change, payload string) error {
	ev := ir.MutationEvent{
		ID:        q.ids.NewID(),
		ModelName: c.Record.Model,
		ModelID:   c.Record.ID,
		Kind:      c.Kind,
		Payload:   payload,
		CreatedAt: q.clock.Next(),
	}
	meta, found, err := tx.MutationSyncMetadata(ctx, ev.ModelName, ev.ModelID)
	if err != nil {
		return err
	}
	if found {
		v := meta.Version
		ev.Version = &v
	}
	return tx.InsertMutationEvent(ctx, ev)
}

// Next returns the oldest queued event marked in process, or false when
// the queue is empty.
func (q *Queue) Next(ctx context.Context) (ir.MutationEvent, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		ev    ir.MutationEvent
		found bool
	)
	err := q.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		ev, found, err = tx.NextMutationEvent(ctx)
		if err != nil || !found || ev.InProcess {
			return err
		}
		ev.InProcess = true
		return tx.SetInProcess(ctx, ev.ID, true)
	})
	if err != nil {
		return ir.MutationEvent{}, false, err
	}
	return ev, found, nil
}

// Complete removes a delivered event and records the version the remote
// assigned to its record.
func (q *Queue) Complete(ctx context.Context, ev ir.MutationEvent, version int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteMutationEvent(ctx, ev.ID); err != nil {
			return err
		}
		meta, found, err := tx.MutationSyncMetadata(ctx, ev.ModelName, ev.ModelID)
		if err != nil {
			return err
		}
		if found && meta.Version >= version {
			// A remote change newer than this ack was already applied.
			return nil
		}
		return tx.SaveMutationSyncMetadata(ctx, ir.MutationSyncMetadata{
			ModelName:     ev.ModelName,
			ModelID:       ev.ModelID,
			Version:       version,
			Deleted:       ev.Kind == ir.MutationDelete,
			LastChangedAt: q.clock.src.NowMillis(),
		})
	})
}

// Release clears the in-process flag of ev so it is delivered again.
func (q *Queue) Release(ctx context.Context, ev ir.MutationEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Transaction(ctx, func(tx *store.Tx) error {
		return tx.SetInProcess(ctx, ev.ID, false)
	})
}

// Drop removes ev without delivering it.
func (q *Queue) Drop(ctx context.Context, ev ir.MutationEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Transaction(ctx, func(tx *store.Tx) error {
		return tx.DeleteMutationEvent(ctx, ev.ID)
	})
}

// Pending returns every queued event in delivery order.
func (q *Queue) Pending(ctx context.Context) ([]ir.MutationEvent, error) {
	return q.store.MutationEvents(ctx)
}

// Wait returns a channel that receives after new events are enqueued.
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
