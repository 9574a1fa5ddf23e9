package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/queryir"
)

func post(id, title string) ir.Record {
	return ir.NewRecord("Post", id, ir.P("title", ir.String(title)))
}

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.Events():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublish_OrderAndSeq(t *testing.T) {
	h := New()
	sub := h.Subscribe(Filter{})
	defer sub.Close()

	for i := 0; i < 100; i++ {
		h.Publish(MutationEvent(ir.MutationCreate, post("p", "t"), SourceLocal))
	}
	for i := 1; i <= 100; i++ {
		assert.Equal(t, uint64(i), receive(t, sub).Seq)
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := New()
	slow := h.Subscribe(Filter{})
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			h.Publish(MutationEvent(ir.MutationUpdate, post("p", "t"), SourceRemote))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a subscriber that never reads")
	}
	assert.Equal(t, uint64(1), receive(t, slow).Seq)
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"no filter", Filter{}, MutationEvent(ir.MutationCreate, post("p1", "a"), SourceLocal), true},
		{"model match", Filter{Models: []string{"Post"}}, MutationEvent(ir.MutationCreate, post("p1", "a"), SourceLocal), true},
		{"model mismatch", Filter{Models: []string{"Comment"}}, MutationEvent(ir.MutationCreate, post("p1", "a"), SourceLocal), false},
		{"errors reach everyone", Filter{Models: []string{"Comment"}}, ErrorEvent(errors.New("x")), true},
		{"state reaches everyone", Filter{Models: []string{"Comment"}}, StateEvent("processingEvents"), true},
		{"predicate match", Filter{Predicate: queryir.Field("title").BeginsWith("Go")},
			MutationEvent(ir.MutationUpdate, post("p1", "Gophers"), SourceLocal), true},
		{"predicate mismatch", Filter{Predicate: queryir.Field("title").BeginsWith("Go")},
			MutationEvent(ir.MutationUpdate, post("p1", "Rust"), SourceLocal), false},
		{"predicate on key", Filter{Predicate: queryir.Field("id").Eq(ir.String("p1"))},
			MutationEvent(ir.MutationDelete, post("p1", ""), SourceLocal), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.event))
		})
	}
}

func TestErrorEventCarriesRecord(t *testing.T) {
	e := ErrorEvent(ir.NewConflictError("Post", "p1", nil))
	assert.Equal(t, "Post", e.Model)
	assert.Equal(t, "p1", e.Record.ID)
}

func TestEach_IsolatesPanics(t *testing.T) {
	h := New()
	bad := h.Subscribe(Filter{})
	good := h.Subscribe(Filter{})
	defer good.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var eachErr error
	go func() {
		defer wg.Done()
		eachErr = bad.Each(context.Background(), func(Event) error { panic("boom") })
	}()

	h.Publish(StateEvent("processingEvents"))
	wg.Wait()
	require.Error(t, eachErr)
	assert.Contains(t, eachErr.Error(), "panicked")

	assert.Equal(t, "processingEvents", receive(t, good).State)
	bad.Close()
}

func TestSeq_StopsOnClose(t *testing.T) {
	h := New()
	sub := h.Subscribe(Filter{})
	h.Publish(StateEvent("a"))

	var got []string
	for e := range sub.Seq(context.Background()) {
		got = append(got, e.State)
		sub.Close()
	}
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 0, h.Len())
}

func TestSeq_StopsOnContext(t *testing.T) {
	h := New()
	sub := h.Subscribe(Filter{})
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range sub.Seq(ctx) {
		t.Fatal("no events expected")
	}
}

func TestClose(t *testing.T) {
	h := New()
	sub := h.Subscribe(Filter{})
	h.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	late := h.Subscribe(Filter{})
	_, ok = <-late.Events()
	assert.False(t, ok)
	late.Close()

	// Publishing after close is a no-op.
	h.Publish(StateEvent("stopped"))
}
