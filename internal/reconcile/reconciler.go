// Package reconcile applies remote changes to the local store.
//
// A Reconciler decides, per change, whether the remote version is newer
// than what the store last saw and applies it if so. A Session drives the
// Reconciler: it runs the initial sync model by model, then subscribes to
// live changes.
package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/tether/internal/hub"
	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/remote"
	"github.com/roach88/tether/internal/store"
)

// Outcome is what Apply did with one change.
type Outcome string

const (
	// OutcomeApplied means the change was written and its version stored.
	OutcomeApplied Outcome = "applied"
	// OutcomeStale means the stored version was at least as new.
	OutcomeStale Outcome = "stale"
	// OutcomeIgnored means the change failed with an ignorable storage
	// error and was skipped.
	OutcomeIgnored Outcome = "ignored"
)

// Stats counts Apply outcomes. Conflicted counts applied changes to
// records that still had a local mutation pending.
type Stats struct {
	Applied    int `json:"applied"`
	Stale      int `json:"stale"`
	Conflicted int `json:"conflicted"`
	Ignored    int `json:"ignored"`
}

// Reconciler applies remote changes to a store.
type Reconciler struct {
	store  *store.Store
	hub    *hub.Hub
	time   mutation.TimeSource
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTimeSource sets the clock used for LastChangedAt.
func WithTimeSource(ts mutation.TimeSource) Option {
	return func(r *Reconciler) { r.time = ts }
}

// WithLogger sets the reconciler logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Reconciler writing to st and publishing on h.
func New(st *store.Store, h *hub.Hub, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  st,
		hub:    h,
		time:   mutation.SystemTime{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply reconciles one remote change:
//
//   - no stored version: the change is applied (a delete of an absent
//     record only records the version)
//   - version not newer than stored: discarded without events
//   - newer version: applied over any pending local mutation, which stays
//     queued and meets the conflict at delivery
//
// Deletes cascade; every deleted record gets its own event. Events are
// published after the transaction commits. Ignorable storage errors are
// logged and reported as OutcomeIgnored with a nil error.
func (r *Reconciler) Apply(ctx context.Context, n remote.ChangeNotice) (Outcome, error) {
	reg := r.store.Registry()
	if reg == nil {
		return "", ir.NewConfigurationError("reconcile before store set up", nil)
	}
	if !n.Op.Valid() {
		err := ir.NewInvalidOperationError("unknown change op " + string(n.Op))
		return "", err.WithRecord(n.Record.Model, n.Record.ID)
	}
	schema, err := reg.Lookup(n.Record.Model)
	if err != nil {
		return "", err
	}
	model, id := schema.Name, n.Record.ID

	var (
		events     []hub.Event
		conflicted bool
	)
	outcome := OutcomeApplied
	err = r.store.Transaction(ctx, func(tx *store.Tx) error {
		meta, found, err := tx.MutationSyncMetadata(ctx, model, id)
		if err != nil {
			return err
		}
		if found && n.Version <= meta.Version {
			outcome = OutcomeStale
			return nil
		}

		local, err := tx.MutationEventsFor(ctx, model, id)
		if err != nil {
			return err
		}
		conflicted = len(local) > 0

		if n.Op == ir.MutationDelete {
			deleted, err := tx.DeleteByID(ctx, schema, id, nil)
			if err != nil {
				return err
			}
			for _, d := range deleted {
				events = append(events, remoteEvent(ir.MutationDelete, d, 0))
			}
			if len(deleted) > 0 {
				events[0].Version = n.Version
			}
		} else {
			if _, err := tx.Save(ctx, schema, n.Record, nil); err != nil {
				return err
			}
			events = append(events, remoteEvent(n.Op, n.Record, n.Version))
		}
		tx.AfterCommit(func() { r.hub.PublishAll(events) })

		return tx.SaveMutationSyncMetadata(ctx, ir.MutationSyncMetadata{
			ModelName:     model,
			ModelID:       id,
			Version:       n.Version,
			Deleted:       n.Op == ir.MutationDelete,
			LastChangedAt: r.time.NowMillis(),
		})
	})

	log := r.logger.With("model", model, "id", id, "version", n.Version, "op", n.Op)
	if err != nil {
		if store.ShouldIgnoreError(err) {
			log.Warn("remote change skipped", "error", err)
			r.count(func(s *Stats) { s.Ignored++ })
			return OutcomeIgnored, nil
		}
		return "", err
	}

	switch outcome {
	case OutcomeStale:
		log.Debug("stale remote change discarded")
		r.count(func(s *Stats) { s.Stale++ })
	default:
		if conflicted {
			log.Info("remote change applied over pending local mutation")
		} else {
			log.Debug("remote change applied")
		}
		r.count(func(s *Stats) {
			s.Applied++
			if conflicted {
				s.Conflicted++
			}
		})
	}
	return outcome, nil
}

// Stats returns the outcome counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reconciler) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

func remoteEvent(kind ir.MutationKind, rec ir.Record, version int64) hub.Event {
	e := hub.MutationEvent(kind, rec, hub.SourceRemote)
	e.Version = version
	return e
}
