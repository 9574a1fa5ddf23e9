package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tether/internal/hub"
	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/kv"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/queryir"
	"github.com/roach88/tether/internal/reconcile"
	"github.com/roach88/tether/internal/registry"
	"github.com/roach88/tether/internal/remote"
	"github.com/roach88/tether/internal/store"
)

// DefaultRestartDelay is the pause before a failed session is replaced.
const DefaultRestartDelay = 5 * time.Second

// DataStore is a local-first record store synchronised with a remote.
//
// Thread-safety model:
//   - record operations and Observe: safe from any goroutine
//   - Start, Stop, Clear, Close: safe from any goroutine, serialised
type DataStore struct {
	path    string
	reg     *registry.Registry
	channel remote.Channel
	kv      kv.Store
	hub     *hub.Hub
	logger  *slog.Logger

	storeVersion string
	restartDelay time.Duration
	storeOpts    []store.Option
	queueOpts    []mutation.QueueOption
	senderOpts   []mutation.SenderOption
	sessionOpts  []reconcile.SessionOption

	// Set once under mu by the first operation needing storage.
	mu     sync.Mutex
	st     *store.Store
	queue  *mutation.Queue
	rec    *reconcile.Reconciler
	closed bool

	lifecycle sync.Mutex
	run       *pipelines
}

// Option configures a DataStore.
type Option func(*DataStore)

// WithRemote sets the remote channel. Without one the DataStore is
// local-only.
func WithRemote(ch remote.Channel) Option {
	return func(d *DataStore) { d.channel = ch }
}

// WithKV sets the scalar store holding the store version and initial-sync
// marker. The default keeps them in memory.
func WithKV(s kv.Store) Option {
	return func(d *DataStore) {
		if s != nil {
			d.kv = s
		}
	}
}

// WithStoreVersion removes the database file on first use when version
// differs from the one recorded in the kv store.
func WithStoreVersion(version string) Option {
	return func(d *DataStore) { d.storeVersion = version }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(d *DataStore) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithRestartDelay sets the pause before a failed session is replaced.
// A negative delay disables restarts.
func WithRestartDelay(delay time.Duration) Option {
	return func(d *DataStore) { d.restartDelay = delay }
}

// WithStoreOptions passes options to store.Open.
func WithStoreOptions(opts ...store.Option) Option {
	return func(d *DataStore) { d.storeOpts = append(d.storeOpts, opts...) }
}

// WithQueueOptions passes options to the mutation queue.
func WithQueueOptions(opts ...mutation.QueueOption) Option {
	return func(d *DataStore) { d.queueOpts = append(d.queueOpts, opts...) }
}

// WithSenderOptions passes options to the mutation sender.
func WithSenderOptions(opts ...mutation.SenderOption) Option {
	return func(d *DataStore) { d.senderOpts = append(d.senderOpts, opts...) }
}

// WithSessionOptions passes options to each reconciliation session.
func WithSessionOptions(opts ...reconcile.SessionOption) Option {
	return func(d *DataStore) { d.sessionOpts = append(d.sessionOpts, opts...) }
}

// New creates a DataStore over the SQLite database at path serving the
// models in reg. Nothing is opened until first use.
func New(path string, reg *registry.Registry, opts ...Option) *DataStore {
	d := &DataStore{
		path:         path,
		reg:          reg,
		kv:           kv.NewMemStore(),
		logger:       slog.Default(),
		restartDelay: DefaultRestartDelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.hub = hub.New(hub.WithLogger(d.logger))
	return d
}

// Registry returns the served models.
func (d *DataStore) Registry() *registry.Registry {
	return d.reg
}

// LocalOnly reports whether the DataStore has no remote.
func (d *DataStore) LocalOnly() bool {
	return d.channel == nil
}

// storage opens and sets up the store on first use.
func (d *DataStore) storage(ctx context.Context) (*store.Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errClosed()
	}
	if d.st != nil {
		return d.st, nil
	}
	if d.reg == nil {
		return nil, ir.NewConfigurationError("no model registry", nil)
	}

	if d.storeVersion != "" {
		cleared, err := store.ClearIfNewVersion(d.path, d.storeVersion, d.kv)
		if err != nil {
			return nil, err
		}
		if cleared {
			d.logger.Info("store version changed, database removed", "path", d.path, "version", d.storeVersion)
		}
	}

	st, err := store.Open(d.path, append([]store.Option{store.WithLogger(d.logger)}, d.storeOpts...)...)
	if err != nil {
		return nil, err
	}
	if err := st.SetUp(ctx, d.reg); err != nil {
		st.Close()
		return nil, err
	}

	q := mutation.NewQueue(st, append([]mutation.QueueOption{mutation.WithQueueLogger(d.logger)}, d.queueOpts...)...)
	if _, err := q.Recover(ctx); err != nil {
		st.Close()
		return nil, err
	}

	d.st = st
	d.queue = q
	d.rec = reconcile.New(st, d.hub, reconcile.WithLogger(d.logger))
	d.logger.Debug("storage ready", "path", d.path, "models", len(d.reg.Names()))
	return st, nil
}

func (d *DataStore) schema(model string) (ir.ModelSchema, error) {
	if d.reg == nil {
		return ir.ModelSchema{}, ir.NewConfigurationError("no model registry", nil)
	}
	return d.reg.Lookup(model)
}

// write commits fn and, when syncing, queues the changes it reports in the
// same transaction. Committed changes are published before the next write
// transaction begins, so subscribers see local and remote changes in commit
// order.
func (d *DataStore) write(ctx context.Context, fn func(tx *store.Tx) ([]mutation.Change, error)) error {
	st, err := d.storage(ctx)
	if err != nil {
		return err
	}

	publishing := func(tx *store.Tx) ([]mutation.Change, error) {
		changes, err := fn(tx)
		if err != nil {
			return nil, err
		}
		events := make([]hub.Event, len(changes))
		for i, c := range changes {
			events[i] = hub.MutationEvent(c.Kind, c.Record, hub.SourceLocal)
		}
		tx.AfterCommit(func() { d.hub.PublishAll(events) })
		return changes, nil
	}

	if d.LocalOnly() {
		return st.Transaction(ctx, func(tx *store.Tx) error {
			_, err := publishing(tx)
			return err
		})
	}
	_, err = d.queue.Submit(ctx, publishing)
	return err
}

// Save creates or updates r. When r already exists and cond is not nil,
// the stored record must satisfy cond or Save fails with
// INVALID_CONDITION. A condition on a new record is ignored.
func (d *DataStore) Save(ctx context.Context, r ir.Record, cond queryir.Predicate) error {
	schema, err := d.schema(r.Model)
	if err != nil {
		return err
	}
	return d.write(ctx, func(tx *store.Tx) ([]mutation.Change, error) {
		created, err := tx.Save(ctx, schema, r, cond)
		if err != nil {
			return nil, err
		}
		kind := ir.MutationUpdate
		if created {
			kind = ir.MutationCreate
		}
		return []mutation.Change{{Kind: kind, Record: r}}, nil
	})
}

// Delete deletes record id of model and its cascaded dependents, returning
// every deleted record parent first. Each deleted record is queued and
// published as its own delete. Deleting a missing record is a no-op.
func (d *DataStore) Delete(ctx context.Context, model, id string, cond queryir.Predicate) ([]ir.Record, error) {
	schema, err := d.schema(model)
	if err != nil {
		return nil, err
	}
	var deleted []ir.Record
	err = d.write(ctx, func(tx *store.Tx) ([]mutation.Change, error) {
		records, err := tx.DeleteByID(ctx, schema, id, cond)
		if err != nil {
			return nil, err
		}
		deleted = records
		return deletions(records), nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// DeleteWhere deletes every record of model matching p, with cascades.
func (d *DataStore) DeleteWhere(ctx context.Context, model string, p queryir.Predicate) ([]ir.Record, error) {
	schema, err := d.schema(model)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = queryir.All
	}
	var deleted []ir.Record
	err = d.write(ctx, func(tx *store.Tx) ([]mutation.Change, error) {
		records, err := tx.DeleteWhere(ctx, schema, p)
		if err != nil {
			return nil, err
		}
		deleted = records
		return deletions(records), nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func deletions(records []ir.Record) []mutation.Change {
	changes := make([]mutation.Change, len(records))
	for i, r := range records {
		changes[i] = mutation.Change{Kind: ir.MutationDelete, Record: r}
	}
	return changes
}

// Query returns records of model selected by opts.
func (d *DataStore) Query(ctx context.Context, model string, opts ...queryir.Option) ([]ir.Record, error) {
	schema, err := d.schema(model)
	if err != nil {
		return nil, err
	}
	q, err := queryir.NewQuery(schema, opts...)
	if err != nil {
		return nil, err
	}
	st, err := d.storage(ctx)
	if err != nil {
		return nil, err
	}
	return st.Query(ctx, schema, q)
}

// QueryByID returns record id of model.
func (d *DataStore) QueryByID(ctx context.Context, model, id string) (ir.Record, bool, error) {
	schema, err := d.schema(model)
	if err != nil {
		return ir.Record{}, false, err
	}
	st, err := d.storage(ctx)
	if err != nil {
		return ir.Record{}, false, err
	}
	return st.QueryByID(ctx, schema, id)
}

// Pending returns queued mutations in delivery order.
func (d *DataStore) Pending(ctx context.Context) ([]ir.MutationEvent, error) {
	if _, err := d.storage(ctx); err != nil {
		return nil, err
	}
	return d.queue.Pending(ctx)
}

// Observe subscribes to changes of the given models, or of every model
// when none are given. Error and session state events are always
// delivered. Subscriptions survive Stop, Start and Clear; they end on
// Close.
func (d *DataStore) Observe(models ...string) *hub.Subscription {
	return d.hub.Subscribe(hub.Filter{Models: models})
}

// ObserveQuery subscribes to changes of model records matching p.
func (d *DataStore) ObserveQuery(model string, p queryir.Predicate) (*hub.Subscription, error) {
	schema, err := d.schema(model)
	if err != nil {
		return nil, err
	}
	if p != nil {
		if err := queryir.ValidatePredicate(schema, p); err != nil {
			return nil, fmt.Errorf("observe %s: %w", model, err)
		}
	}
	return d.hub.Subscribe(hub.Filter{Models: []string{model}, Predicate: p, Key: schema.Key()}), nil
}

// Stats returns reconciliation counters since storage was opened.
func (d *DataStore) Stats() reconcile.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec == nil {
		return reconcile.Stats{}
	}
	return d.rec.Stats()
}
