package hub

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/queryir"
)

// Hub fans published events out to subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	seq    atomic.Uint64
	logger *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a hub with no subscribers.
func New(opts ...Option) *Hub {
	h := &Hub{subs: map[uint64]*Subscription{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish assigns the next sequence number to e and delivers it to every
// matching subscriber. It never blocks on subscribers.
func (h *Hub) Publish(e Event) Event {
	// The write lock keeps sequence numbers and mailbox order in step when
	// several goroutines publish at once.
	h.mu.Lock()
	defer h.mu.Unlock()

	e.Seq = h.seq.Add(1)
	if h.closed {
		return e
	}
	for _, s := range h.subs {
		if s.filter.Match(e) {
			s.box.push(e)
		}
	}
	if e.Kind == EventError {
		h.logger.Warn("background error", "model", e.Model, "error", e.Err)
	}
	return e
}

// PublishAll publishes events in order.
func (h *Hub) PublishAll(events []Event) {
	for _, e := range events {
		h.Publish(e)
	}
}

// Subscribe registers a subscriber. Events published after Subscribe
// returns are delivered until the subscription is closed.
func (h *Hub) Subscribe(f Filter) *Subscription {
	s := &Subscription{
		hub:    h,
		filter: f,
		box:    newMailbox(),
		out:    make(chan Event),
		stop:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.shutdown()
		close(s.out)
		return s
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	h.mu.Unlock()

	go s.pump()
	return s
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription. Later publishes are dropped and later
// subscriptions are closed on creation.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = map[uint64]*Subscription{}
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Filter selects which events a subscriber receives. Error and session
// state events are delivered to every subscriber.
type Filter struct {
	// Models restricts record events to these models. Empty means all.
	Models []string

	// Predicate further restricts record events to records it matches.
	// Key names the primary key field it may reference; empty means "id".
	Predicate queryir.Predicate
	Key       string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	switch e.Kind {
	case EventError, EventSessionState:
		return true
	}
	if len(f.Models) > 0 && !slices.Contains(f.Models, e.Model) {
		return false
	}
	if f.Predicate == nil {
		return true
	}
	key := f.Key
	if key == "" {
		key = ir.DefaultPrimaryKey
	}
	return queryir.Evaluate(f.Predicate, key, e.Record)
}

// Subscription receives events from a Hub.
type Subscription struct {
	id     uint64
	hub    *Hub
	filter Filter
	box    *mailbox

	out      chan Event
	stop     chan struct{}
	stopOnce sync.Once
}

// pump moves events from the mailbox to out, one at a time.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		e, ok, done := s.box.pop()
		if done {
			return
		}
		if !ok {
			select {
			case <-s.box.wait():
				continue
			case <-s.stop:
				return
			}
		}
		select {
		case s.out <- e:
		case <-s.stop:
			return
		}
	}
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Seq returns an iterator over events until the subscription is closed or
// ctx is done.
func (s *Subscription) Seq(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-s.out:
				if !ok || !yield(e) {
					return
				}
			}
		}
	}
}

// Each calls fn for every event until fn fails, the subscription is closed
// or ctx is done. A panic in fn is returned as an error; it never reaches
// the publisher or other subscribers.
func (s *Subscription) Each(ctx context.Context, fn func(Event) error) error {
	for e := range s.Seq(ctx) {
		if err := safeCall(fn, e); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func safeCall(fn func(Event) error, e Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("subscriber panicked on event %d: %v", e.Seq, p)
		}
	}()
	return fn(e)
}

// Pending returns the number of events buffered for this subscriber.
func (s *Subscription) Pending() int {
	return s.box.len()
}

// Close unsubscribes. Buffered events are dropped.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.stopOnce.Do(func() {
		s.box.close()
		close(s.stop)
	})
}
