// Package memremote is an in-memory remote backend. It versions records,
// fans changes out to subscribers and serves paginated fetches, and can be
// told to fail calls. It backs tests, scenarios and `tether serve`.
package memremote

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/remote"
)

type entry struct {
	record  ir.Record
	version int64
	deleted bool
	seq     int64
}

// Backend is an in-memory remote.Channel.
type Backend struct {
	mu      sync.Mutex
	models  map[string]map[string]*entry
	seq     int64
	subs    map[int]*subscriber
	nextSub int

	faults   []error
	requests []remote.MutationRequest

	pageSize int
	strict   bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithPageSize sets the FetchAll page size.
func WithPageSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.pageSize = n
		}
	}
}

// WithStrictVersions makes SendMutation reject requests whose version is
// not the record's current version with a conflict.
func WithStrictVersions() Option {
	return func(b *Backend) { b.strict = true }
}

// New creates an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		models:   map[string]map[string]*entry{},
		subs:     map[int]*subscriber{},
		pageSize: 100,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ remote.Channel = (*Backend)(nil)

// FailNext makes the next len(errs) SendMutation calls fail with errs in
// order.
func (b *Backend) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, errs...)
}

// Requests returns every mutation request received, including failed ones.
func (b *Backend) Requests() []remote.MutationRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.requests)
}

// SendMutation implements remote.Channel.
func (b *Backend) SendMutation(ctx context.Context, req remote.MutationRequest) (remote.MutationResponse, error) {
	if err := ctx.Err(); err != nil {
		return remote.MutationResponse{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests = append(b.requests, req)
	if len(b.faults) > 0 {
		err := b.faults[0]
		b.faults = b.faults[1:]
		if err != nil {
			return remote.MutationResponse{}, err
		}
	}
	if !req.Kind.Valid() || req.Record.ID == "" || req.Model != req.Record.Model {
		return remote.MutationResponse{}, remote.NewError(remote.KindValidation, "malformed mutation request")
	}

	cur := b.lookup(req.Model, req.Record.ID)
	if b.strict && cur != nil {
		if req.Version == nil || *req.Version != cur.version {
			return remote.MutationResponse{}, remote.NewError(remote.KindConflict,
				fmt.Sprintf("%s/%s is at version %d", req.Model, req.Record.ID, cur.version))
		}
	}
	if req.Kind == ir.MutationCreate && cur != nil && !cur.deleted && b.strict {
		return remote.MutationResponse{}, remote.NewError(remote.KindConflict, "record already exists")
	}

	e := b.apply(req.Record, req.Kind)
	return remote.MutationResponse{Record: e.record.Clone(), Version: e.version}, nil
}

// Put writes a record as if another client changed it, returning its new
// version. Subscribers are notified.
func (b *Backend) Put(r ir.Record) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind := ir.MutationUpdate
	if b.lookup(r.Model, r.ID) == nil {
		kind = ir.MutationCreate
	}
	return b.apply(r, kind).version
}

// Remove deletes a record as if another client did, returning the
// tombstone version.
func (b *Backend) Remove(model, id string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.apply(ir.Record{Model: model, ID: id, Fields: ir.Object{}}, ir.MutationDelete).version
}

// Get returns the stored record and version; deleted records are absent.
func (b *Backend) Get(model, id string) (ir.Record, int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.lookup(model, id)
	if e == nil || e.deleted {
		return ir.Record{}, 0, false
	}
	return e.record.Clone(), e.version, true
}

func (b *Backend) lookup(model, id string) *entry {
	if m := b.models[model]; m != nil {
		return m[id]
	}
	return nil
}

// apply must be called with b.mu held.
func (b *Backend) apply(r ir.Record, kind ir.MutationKind) *entry {
	m := b.models[r.Model]
	if m == nil {
		m = map[string]*entry{}
		b.models[r.Model] = m
	}
	e := m[r.ID]
	if e == nil {
		e = &entry{}
		m[r.ID] = e
	}
	b.seq++
	e.version++
	e.seq = b.seq
	e.deleted = kind == ir.MutationDelete
	if e.deleted {
		if e.record.ID == "" {
			e.record = ir.Record{Model: r.Model, ID: r.ID, Fields: ir.Object{}}
		}
	} else {
		e.record = r.Clone()
	}

	notice := remote.ChangeNotice{Record: e.record.Clone(), Version: e.version, Op: kind}
	for _, s := range b.subs {
		if s.wants(r.Model) {
			s.push(notice)
		}
	}
	return e
}

// FetchAll implements remote.Channel. Records changed after cursor are
// returned in change order, each once at its latest version. Deleted
// records are returned as delete notices.
func (b *Backend) FetchAll(ctx context.Context, model, cursor string) (remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return remote.Page{}, err
	}
	after := int64(0)
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return remote.Page{}, remote.NewError(remote.KindValidation, "invalid cursor "+strconv.Quote(cursor))
		}
		after = n
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var changed []*entry
	for _, e := range b.models[model] {
		if e.seq > after {
			changed = append(changed, e)
		}
	}
	slices.SortFunc(changed, func(x, y *entry) int { return int(x.seq - y.seq) })

	page := remote.Page{Items: []remote.ChangeNotice{}, Cursor: strconv.FormatInt(after, 10)}
	for i, e := range changed {
		if i == b.pageSize {
			page.More = true
			break
		}
		op := ir.MutationUpdate
		if e.deleted {
			op = ir.MutationDelete
		}
		page.Items = append(page.Items, remote.ChangeNotice{Record: e.record.Clone(), Version: e.version, Op: op})
		page.Cursor = strconv.FormatInt(e.seq, 10)
	}
	return page, nil
}

// Subscribe implements remote.Channel.
func (b *Backend) Subscribe(ctx context.Context, models []string) (<-chan remote.ChangeNotice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newSubscriber(models)

	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stop:
		}
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.close()
	}()
	go s.pump()
	return s.out, nil
}

// DropSubscriptions ends every open subscription, as a lost connection
// would.
func (b *Backend) DropSubscriptions() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Backend) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
