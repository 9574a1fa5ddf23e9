package mutation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/hub"
	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/remote"
	"github.com/roach88/tether/internal/remote/memremote"
	"github.com/roach88/tether/internal/testutil"
)

var fastBackoff = Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 3}

// runSender starts s and returns a function that stops it and waits.
func runSender(t *testing.T, s *Sender) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	stop := func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("sender did not stop")
		}
	}
	t.Cleanup(func() {
		select {
		case <-ctx.Done():
		default:
			stop()
		}
	})
	return stop
}

func waitEmpty(t *testing.T, q *Queue) {
	t.Helper()
	assert.Eventually(t, func() bool { return len(pending(t, q)) == 0 }, 5*time.Second, 5*time.Millisecond)
}

func nextOfKind(t *testing.T, sub *hub.Subscription, kind hub.EventKind) hub.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-sub.Events():
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return hub.Event{}
		}
	}
}

func TestSender_DeliversInOrder(t *testing.T) {
	q, st, _ := createTestQueue(t)
	backend := memremote.New()
	h := hub.New()
	sub := h.Subscribe(hub.Filter{})
	defer sub.Close()

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, submit(t, q, ir.MutationCreate, testutil.Post(id, "t", "")))
	}
	runSender(t, NewSender(q, backend, h, WithBackoff(fastBackoff)))
	waitEmpty(t, q)

	reqs := backend.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"p1", "p2", "p3"}, []string{reqs[0].Record.ID, reqs[1].Record.ID, reqs[2].Record.ID})
	assert.Nil(t, reqs[0].Version)

	e := nextOfKind(t, sub, hub.EventOutboxProcessed)
	assert.Equal(t, "p1", e.Record.ID)
	assert.Equal(t, int64(1), e.Version)

	meta, found, err := st.MutationSyncMetadata(context.Background(), "Post", "p3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), meta.Version)
}

func TestSender_RetriesNetworkFailures(t *testing.T) {
	q, _, _ := createTestQueue(t)
	backend := memremote.New()
	backend.FailNext(
		remote.NewError(remote.KindNetwork, "unreachable"),
		remote.NewError(remote.KindTimeout, "slow"),
	)

	require.NoError(t, submit(t, q, ir.MutationCreate, testutil.Post("p1", "t", "")))
	runSender(t, NewSender(q, backend, hub.New(), WithBackoff(fastBackoff)))
	waitEmpty(t, q)
	assert.Len(t, backend.Requests(), 3)
}

func TestSender_ExhaustedRetriesKeepEvent(t *testing.T) {
	q, _, _ := createTestQueue(t)
	backend := memremote.New()
	fail := remote.NewError(remote.KindNetwork, "unreachable")
	backend.FailNext(fail, fail, fail, fail)
	h := hub.New()
	sub := h.Subscribe(hub.Filter{})
	defer sub.Close()

	require.NoError(t, submit(t, q, ir.MutationCreate, testutil.Post("p1", "t", "")))
	stop := runSender(t, NewSender(q, backend, h, WithBackoff(fastBackoff), WithCooldown(time.Hour)))

	e := nextOfKind(t, sub, hub.EventError)
	assert.True(t, ir.IsCode(e.Err, ir.ErrCodeNetwork))
	stop()

	events := pending(t, q)
	require.Len(t, events, 1)
	assert.False(t, events[0].InProcess, "exhausted event is released")
	assert.Len(t, backend.Requests(), 4)
}

func TestSender_DropsConflicts(t *testing.T) {
	q, _, _ := createTestQueue(t)
	backend := memremote.New()
	backend.FailNext(remote.NewError(remote.KindConflict, "stale"))
	h := hub.New()
	sub := h.Subscribe(hub.Filter{})
	defer sub.Close()

	require.NoError(t, submit(t, q, ir.MutationUpdate, testutil.Post("p1", "t", "")))
	require.NoError(t, submit(t, q, ir.MutationCreate, testutil.Post("p2", "t", "")))
	runSender(t, NewSender(q, backend, h, WithBackoff(fastBackoff)))

	e := nextOfKind(t, sub, hub.EventError)
	assert.True(t, ir.IsCode(e.Err, ir.ErrCodeConflict))
	assert.Equal(t, "p1", e.Record.ID)

	waitEmpty(t, q)
	_, _, ok := backend.Get("Post", "p2")
	assert.True(t, ok, "later events still deliver")
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRefresher) WaitForRefresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func TestSender_WaitsForCredentialRefresh(t *testing.T) {
	q, _, _ := createTestQueue(t)
	backend := memremote.New()
	auth := remote.NewError(remote.KindAuth, "expired")
	// More auth failures than backoff attempts: only the refresher path
	// gets through all of them.
	backend.FailNext(auth, auth, auth, auth, auth)
	refresher := &fakeRefresher{}

	require.NoError(t, submit(t, q, ir.MutationCreate, testutil.Post("p1", "t", "")))
	runSender(t, NewSender(q, backend, hub.New(), WithBackoff(fastBackoff), WithRefresher(refresher)))
	waitEmpty(t, q)

	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	assert.Equal(t, 5, refresher.calls)
}

// blockingChannel blocks SendMutation until the call context ends.
type blockingChannel struct {
	remote.Channel
	started chan struct{}
}

func (b *blockingChannel) SendMutation(ctx context.Context, _ remote.MutationRequest) (remote.MutationResponse, error) {
	close(b.started)
	<-ctx.Done()
	return remote.MutationResponse{}, ctx.Err()
}

func TestSender_StopReleasesInFlightEvent(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ch := &blockingChannel{started: make(chan struct{})}

	require.NoError(t, submit(t, q, ir.MutationCreate, testutil.Post("p1", "t", "")))
	stop := runSender(t, NewSender(q, ch, hub.New()))

	select {
	case <-ch.started:
	case <-time.After(5 * time.Second):
		t.Fatal("send never started")
	}
	stop()

	events := pending(t, q)
	require.Len(t, events, 1)
	assert.False(t, events[0].InProcess)
}

func TestSender_RateLimit(t *testing.T) {
	q, _, _ := createTestQueue(t)
	backend := memremote.New()
	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, submit(t, q, ir.MutationCreate, testutil.Post(id, "t", "")))
	}

	start := time.Now()
	runSender(t, NewSender(q, backend, hub.New(), WithRateLimit(20, 1)))
	waitEmpty(t, q)
	// Burst of one, then one every 50ms.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
