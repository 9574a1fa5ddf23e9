package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/tether/internal/compiler"
	"github.com/roach88/tether/internal/engine"
	"github.com/roach88/tether/internal/hub"
	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/queryir"
	"github.com/roach88/tether/internal/registry"
	"github.com/roach88/tether/internal/remote/memremote"
	"github.com/roach88/tether/internal/testutil"
)

// DefaultAwaitTimeout bounds await steps that set no timeout.
const DefaultAwaitTimeout = 5 * time.Second

// Harness executes one scenario.
type Harness struct {
	store   *engine.DataStore
	backend *memremote.Backend
	reg     *registry.Registry
	sub     *hub.Subscription
	logger  *slog.Logger
	result  *Result

	// Marks of states and remote events already consumed by await steps.
	stateMark  int
	remoteSeen int
	remoteMark int
}

// Option configures a scenario run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes datastore and harness logs to l. Logs are discarded
// by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Run executes a scenario and returns the result. An error means the
// scenario could not be executed at all; failed expectations and
// assertions are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	reg, err := buildRegistry(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}

	h := &Harness{reg: reg, logger: o.logger, result: NewResult()}
	dsOpts := []engine.Option{engine.WithLogger(o.logger)}
	if scenario.Remote {
		h.backend = memremote.New()
		dsOpts = append(dsOpts,
			engine.WithRemote(h.backend),
			engine.WithQueueOptions(mutation.WithIDGenerator(testutil.NewSequentialIDs("evt"))),
			engine.WithSenderOptions(mutation.WithBackoff(mutation.Backoff{
				Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 3,
			})),
			engine.WithRestartDelay(10*time.Millisecond),
		)
	}
	h.store = engine.New(":memory:", reg, dsOpts...)
	defer h.store.Close()
	h.sub = h.store.Observe()

	ctx := context.Background()
	for i, seed := range scenario.Seed {
		rec, err := h.record(seed.Model, seed.Record)
		if err != nil {
			return nil, fmt.Errorf("seed[%d]: %w", i, err)
		}
		h.backend.Put(rec)
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			h.result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
			return h.result, nil
		}
	}
	h.store.Stop()

	actx := &AssertionContext{Ctx: ctx, Store: h.store, Remote: h.backend, Registry: reg}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func buildRegistry(s *Scenario) (*registry.Registry, error) {
	schemas, err := compiler.LoadFiles(s.Schemas...)
	if err != nil {
		return nil, err
	}
	if s.Models != "" {
		inline, err := compiler.LoadSource(s.Models)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, inline...)
	}
	return registry.New(schemas...)
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Save != nil:
		return h.save(ctx, step)
	case step.Delete != nil:
		return h.delete(ctx, step)
	case step.RemotePut != nil:
		rec, err := h.record(step.RemotePut.Model, step.RemotePut.Record)
		if err != nil {
			return err
		}
		version := h.backend.Put(rec)
		h.logger.Debug("remote put", "model", rec.Model, "id", rec.ID, "version", version)
		return nil
	case step.RemoteRemove != nil:
		version := h.backend.Remove(step.RemoteRemove.Model, step.RemoteRemove.ID)
		h.logger.Debug("remote remove", "model", step.RemoteRemove.Model, "id", step.RemoteRemove.ID, "version", version)
		return nil
	case step.Start:
		return h.store.Start(ctx)
	case step.Stop:
		h.store.Stop()
		return nil
	case step.Await != nil:
		return h.await(ctx, *step.Await)
	}
	return fmt.Errorf("no action")
}

func (h *Harness) save(ctx context.Context, step Step) error {
	s := step.Save
	rec, err := h.record(s.Model, s.Record)
	if err != nil {
		return err
	}
	cond, err := condition(s.Where)
	if err != nil {
		return err
	}
	err = h.store.Save(ctx, rec, cond)
	if done, err := expectError(step, err); done {
		return err
	}
	return h.collectLocal(1)
}

func (h *Harness) delete(ctx context.Context, step Step) error {
	d := step.Delete
	cond, err := condition(d.Where)
	if err != nil {
		return err
	}
	var deleted []ir.Record
	if d.ID != "" {
		deleted, err = h.store.Delete(ctx, d.Model, d.ID, cond)
	} else {
		deleted, err = h.store.DeleteWhere(ctx, d.Model, cond)
	}
	if done, err := expectError(step, err); done {
		return err
	}
	if d.Deleted != nil && len(deleted) != *d.Deleted {
		return fmt.Errorf("expected %d deleted records, got %d", *d.Deleted, len(deleted))
	}
	return h.collectLocal(len(deleted))
}

// expectError checks err against the step's expected error code. done is
// true when the step is finished, with err reporting any mismatch.
func expectError(step Step, err error) (done bool, _ error) {
	switch {
	case step.ExpectError == "" && err != nil:
		return true, err
	case step.ExpectError == "":
		return false, nil
	case err == nil:
		return true, fmt.Errorf("expected error %s, got success", step.ExpectError)
	case string(ir.CodeOf(err)) != step.ExpectError:
		return true, fmt.Errorf("expected error %s, got %s: %v", step.ExpectError, ir.CodeOf(err), err)
	}
	return true, nil
}

// collectLocal reads events until n more local record changes are seen.
// Local changes are published before the write returns, so they are
// already buffered.
func (h *Harness) collectLocal(n int) error {
	return h.readUntil(time.Now().Add(DefaultAwaitTimeout), func(e hub.Event) bool {
		if e.Kind == hub.EventMutation && e.Source == hub.SourceLocal {
			n--
		}
		return n <= 0
	}, n <= 0)
}

func (h *Harness) await(ctx context.Context, a AwaitStep) error {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	deadline := time.Now().Add(timeout)

	if a.State != "" {
		idx := slices.Index(h.result.States[h.stateMark:], a.State)
		if idx < 0 {
			err := h.readUntil(deadline, func(e hub.Event) bool {
				return e.Kind == hub.EventSessionState && e.State == a.State
			}, false)
			if err != nil {
				return fmt.Errorf("await state %s: %w", a.State, err)
			}
			idx = len(h.result.States[h.stateMark:]) - 1
		}
		h.stateMark += idx + 1
	}

	if a.RemoteEvents > 0 {
		want := h.remoteMark + a.RemoteEvents
		err := h.readUntil(deadline, func(hub.Event) bool {
			return h.remoteSeen >= want
		}, h.remoteSeen >= want)
		if err != nil {
			return fmt.Errorf("await %d remote events: %w", a.RemoteEvents, err)
		}
		h.remoteMark = want
	}

	if a.Pending != nil {
		for {
			pending, err := h.store.Pending(ctx)
			if err != nil {
				return err
			}
			if len(pending) == *a.Pending {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("await pending %d: still %d queued", *a.Pending, len(pending))
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	return nil
}

// readUntil records events until stop reports true for one of them. With
// satisfied already true it returns immediately.
func (h *Harness) readUntil(deadline time.Time, stop func(hub.Event) bool, satisfied bool) error {
	if satisfied {
		return nil
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case e, ok := <-h.sub.Events():
			if !ok {
				return fmt.Errorf("subscription closed")
			}
			h.observe(e)
			if stop(e) {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timed out")
		}
	}
}

func (h *Harness) observe(e hub.Event) {
	h.result.record(e)
	switch {
	case e.Kind == hub.EventMutation && e.Source == hub.SourceRemote:
		h.remoteSeen++
	case e.Kind == hub.EventError:
		h.logger.Debug("background error", "error", e.Err)
	}
}

// record converts YAML fields, primary key included, into a record.
func (h *Harness) record(model string, fields map[string]any) (ir.Record, error) {
	schema, err := h.reg.Lookup(model)
	if err != nil {
		return ir.Record{}, err
	}
	obj, err := toObject(fields)
	if err != nil {
		return ir.Record{}, fmt.Errorf("%s record: %w", model, err)
	}
	return ir.RecordFromPayload(model, schema.Key(), obj)
}

// condition turns a where map into a conjunction of equalities, or nil.
func condition(where map[string]any) (queryir.Predicate, error) {
	if len(where) == 0 {
		return nil, nil
	}
	obj, err := toObject(where)
	if err != nil {
		return nil, fmt.Errorf("where: %w", err)
	}
	var ps []queryir.Predicate
	for _, k := range obj.SortedKeys() {
		ps = append(ps, queryir.Field(k).Eq(obj[k]))
	}
	return queryir.AllOf(ps...), nil
}

func toObject(m map[string]any) (ir.Object, error) {
	if m == nil {
		return ir.Object{}, nil
	}
	v, err := ir.FromGo(m)
	if err != nil {
		return nil, err
	}
	return v.(ir.Object), nil
}
