package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tether/internal/hub"
	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/kv"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/remote"
	"github.com/roach88/tether/internal/store"
)

// State is a session state.
type State string

const (
	StateNotStarted            State = "notStarted"
	StatePerformingInitialSync State = "performingInitialSync"
	StateSubscribingToEvents   State = "subscribingToEvents"
	StateProcessingEvents      State = "processingEvents"
	StateFailed                State = "failed"
	StateStopped               State = "stopped"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateStopped
}

// ErrSubscriptionClosed is the failure recorded when the remote closes the
// change subscription.
var ErrSubscriptionClosed = ir.NewNetworkError("change subscription closed by remote", nil)

type action int

const (
	actionStop action = iota
	actionResync
)

// Session runs the reconciliation state machine:
//
//	notStarted → performingInitialSync → subscribingToEvents → processingEvents
//
// Any state may move to failed or stopped, both terminal. All transitions
// happen on the goroutine calling Run; Stop and Resync send actions to it.
type Session struct {
	channel    remote.Channel
	reconciler *Reconciler
	store      *store.Store
	kv         kv.Store
	hub        *hub.Hub
	time       mutation.TimeSource
	maxSyncAge time.Duration
	logger     *slog.Logger

	actions chan action
	done    chan struct{}
	started atomic.Bool

	mu    sync.Mutex
	state State
	err   error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithMaxSyncAge skips the initial sync when the last completed one is
// younger than d.
func WithMaxSyncAge(d time.Duration) SessionOption {
	return func(s *Session) { s.maxSyncAge = d }
}

// WithSessionTimeSource sets the clock for sync timestamps.
func WithSessionTimeSource(ts mutation.TimeSource) SessionOption {
	return func(s *Session) { s.time = ts }
}

// WithSessionLogger sets the session logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSession creates a session pulling from ch into rec's store. kvs holds
// the initial-sync marker; it may be nil, in which case every session
// performs the initial sync.
func NewSession(ch remote.Channel, rec *Reconciler, kvs kv.Store, h *hub.Hub, opts ...SessionOption) *Session {
	s := &Session{
		channel:    ch,
		reconciler: rec,
		store:      rec.store,
		kv:         kvs,
		hub:        h,
		time:       mutation.SystemTime{},
		logger:     slog.Default(),
		actions:    make(chan action, 1),
		done:       make(chan struct{}),
		state:      StateNotStarted,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that moved the session to StateFailed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop asks the session to stop. It does not wait; use Done.
func (s *Session) Stop() {
	s.send(actionStop)
}

// Resync asks a processing session to run the initial sync again, ignoring
// the recorded marker, and resubscribe.
func (s *Session) Resync() {
	s.send(actionResync)
}

func (s *Session) send(a action) {
	select {
	case s.actions <- a:
	case <-s.done:
	}
}

// Run drives the session until it is stopped, ctx is cancelled or it fails.
// Run returns nil when stopped and the failure otherwise. Run must be
// called at most once.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ir.NewInvalidOperationError("session already ran")
	}
	defer close(s.done)
	defer func() {
		st := s.reconciler.Stats()
		s.logger.Info("reconciliation session ended", "state", s.State(),
			"applied", st.Applied, "stale", st.Stale, "conflicted", st.Conflicted, "ignored", st.Ignored)
	}()

	if s.store.Registry() == nil {
		err := ir.NewConfigurationError("session started before store set up", nil)
		s.transition(StateFailed, err)
		return err
	}

	force := false
	for {
		s.transition(StatePerformingInitialSync, nil)
		if err := s.initialSync(ctx, force); err != nil {
			return s.finish(ctx, err)
		}

		s.transition(StateSubscribingToEvents, nil)
		subCtx, cancel := context.WithCancel(ctx)
		notices, err := s.channel.Subscribe(subCtx, s.store.Registry().SyncOrder())
		if err != nil {
			cancel()
			return s.finish(ctx, remote.Classify(err, "", ""))
		}
		// Changes made between the last fetched page and the subscription
		// are only visible to a fetch. Those also delivered live are
		// discarded as stale.
		if err := s.catchUp(ctx); err != nil {
			cancel()
			return s.finish(ctx, err)
		}

		s.transition(StateProcessingEvents, nil)
		next, err := s.process(ctx, notices)
		cancel()
		if next == actionResync {
			force = true
			continue
		}
		return s.finish(ctx, err)
	}
}

// process applies live changes until an action, cancellation or the end of
// the subscription.
func (s *Session) process(ctx context.Context, notices <-chan remote.ChangeNotice) (action, error) {
	for {
		select {
		case <-ctx.Done():
			return actionStop, nil
		case a := <-s.actions:
			return a, nil
		case n, ok := <-notices:
			if !ok {
				return actionStop, ErrSubscriptionClosed
			}
			s.apply(ctx, n)
		}
	}
}

// finish moves to the terminal state matching err.
func (s *Session) finish(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, errStopRequested) || ctx.Err() != nil {
		s.transition(StateStopped, nil)
		return nil
	}
	s.logger.Error("reconciliation session failed", "error", err)
	s.hub.Publish(hub.ErrorEvent(err))
	s.transition(StateFailed, err)
	return err
}

func (s *Session) transition(to State, err error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.err = err
	s.mu.Unlock()

	s.logger.Debug("session state", "from", from, "to", to)
	s.hub.Publish(hub.StateEvent(string(to)))
}

// apply reconciles one change. Failures are published, not returned: one
// bad change does not stop the session.
func (s *Session) apply(ctx context.Context, n remote.ChangeNotice) {
	if _, err := s.reconciler.Apply(ctx, n); err != nil && ctx.Err() == nil {
		s.logger.Warn("remote change failed", "model", n.Record.Model, "id", n.Record.ID, "error", err)
		s.hub.Publish(hub.ErrorEvent(err))
	}
}

var errStopRequested = errors.New("stop requested")

// initialSync fetches every model in parent-first order, resuming each from
// its stored cursor. A stop action is honoured between pages.
func (s *Session) initialSync(ctx context.Context, force bool) error {
	if !force && s.syncIsCurrent() {
		s.logger.Info("initial sync skipped, last sync is recent")
		return nil
	}

	for _, model := range s.store.Registry().SyncOrder() {
		meta, _, err := s.store.QueryModelSyncMetadata(ctx, model)
		if err != nil {
			return err
		}
		if err := s.fetchModel(ctx, model, meta.Cursor); err != nil {
			return err
		}
		if s.stopRequested() {
			return errStopRequested
		}
	}

	return s.markSynced()
}

// catchUp fetches what changed after each stored cursor once the
// subscription is open. Models never fetched wait for a full initial sync.
func (s *Session) catchUp(ctx context.Context) error {
	for _, model := range s.store.Registry().SyncOrder() {
		meta, found, err := s.store.QueryModelSyncMetadata(ctx, model)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := s.fetchModel(ctx, model, meta.Cursor); err != nil {
			return err
		}
	}
	return nil
}

// fetchModel applies every page of model after cursor, storing the cursor
// after each page.
func (s *Session) fetchModel(ctx context.Context, model, cursor string) error {
	pages := 0
	for {
		page, err := s.channel.FetchAll(ctx, model, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return remote.Classify(err, model, "")
		}
		for _, n := range page.Items {
			s.apply(ctx, n)
		}
		cursor = page.Cursor
		pages++

		err = s.store.Transaction(ctx, func(tx *store.Tx) error {
			return tx.SaveModelSyncMetadata(ctx, ir.ModelSyncMetadata{
				ModelName: model,
				Cursor:    cursor,
				LastSync:  s.time.NowMillis(),
			})
		})
		if err != nil {
			return err
		}

		if !page.More {
			break
		}
		if s.stopRequested() {
			return errStopRequested
		}
	}
	s.logger.Debug("model synced", "model", model, "pages", pages)
	return nil
}

// stopRequested drains a pending action without blocking. Only stop
// interrupts the initial sync; a resync request is already satisfied.
func (s *Session) stopRequested() bool {
	select {
	case a := <-s.actions:
		return a == actionStop
	default:
		return false
	}
}

func (s *Session) syncIsCurrent() bool {
	if s.kv == nil || s.maxSyncAge <= 0 {
		return false
	}
	done, ok, err := s.kv.Get(kv.KeyInitialSyncDone)
	if err != nil || !ok || done != "true" {
		return false
	}
	raw, ok, err := s.kv.Get(kv.KeyLastSync)
	if err != nil || !ok {
		return false
	}
	last, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return s.time.NowMillis()-last < s.maxSyncAge.Milliseconds()
}

func (s *Session) markSynced() error {
	if s.kv == nil {
		return nil
	}
	if err := s.kv.Set(kv.KeyLastSync, strconv.FormatInt(s.time.NowMillis(), 10)); err != nil {
		return ir.NewStorageError("record last sync", false, err)
	}
	if err := s.kv.Set(kv.KeyInitialSyncDone, "true"); err != nil {
		return ir.NewStorageError("record initial sync", false, err)
	}
	return nil
}
