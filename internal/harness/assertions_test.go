package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/hub"
	"github.com/roach88/tether/internal/ir"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Source: hub.SourceLocal, Op: ir.MutationCreate, Model: "Post", ID: "p1", Fields: ir.Object{"title": ir.String("a")}},
		{Source: hub.SourceRemote, Op: ir.MutationUpdate, Model: "Post", ID: "p2", Fields: ir.Object{"title": ir.String("b")}},
		{Source: hub.SourceLocal, Op: ir.MutationUpdate, Model: "Post", ID: "p1", Fields: ir.Object{"title": ir.String("c"), "rating": ir.Int(4)}},
		{Source: hub.SourceLocal, Op: ir.MutationDelete, Model: "Comment", ID: "c1", Fields: ir.Object{"postID": ir.String("p1")}},
	}
}

func TestAssertTraceContains(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   bool
	}{
		{"by model", Assertion{Model: "Comment"}, false},
		{"by source and id", Assertion{Model: "Post", Source: "remote", ID: "p2"}, false},
		{"fields subset", Assertion{Model: "Post", Fields: map[string]any{"rating": 4}}, false},
		{"fields mismatch", Assertion{Model: "Post", Fields: map[string]any{"rating": 5}}, true},
		{"absent field matches null", Assertion{Model: "Post", ID: "p2", Fields: map[string]any{"rating": nil}}, false},
		{"wrong op", Assertion{Model: "Comment", Op: "create"}, true},
		{"wrong source", Assertion{Model: "Post", ID: "p2", Source: "local"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.assertion.Type = AssertTraceContains
			err := assertTraceContains(sampleTrace(), tt.assertion)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "not found in trace")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAssertTraceCount(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   bool
	}{
		{"all events", Assertion{Count: 4}, false},
		{"local only", Assertion{Source: "local", Count: 3}, false},
		{"updates of p1", Assertion{Op: "update", ID: "p1", Count: 1}, false},
		{"zero deletes of Post", Assertion{Op: "delete", Model: "Post", Count: 0}, false},
		{"wrong count", Assertion{Model: "Post", Count: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceCount(sampleTrace(), tt.assertion)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "3 events")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	tests := []struct {
		name    string
		events  []string
		wantErr string
	}{
		{"in order", []string{"create Post/p1", "update Post/p1", "delete Comment/c1"}, ""},
		{"gaps allowed", []string{"create Post/p1", "delete Comment/c1"}, ""},
		{"wrong order", []string{"delete Comment/c1", "create Post/p1"}, "should be before"},
		{"missing", []string{"create Post/p1", "delete Post/p1"}, "missing event: delete Post/p1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceOrder(sampleTrace(), Assertion{Type: AssertTraceOrder, Events: tt.events})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCheckRecord(t *testing.T) {
	rec := ir.NewRecord("Post", "p1", ir.P("title", ir.String("a")))

	assert.NoError(t, checkRecord(AssertFinalState, Assertion{Model: "Post", ID: "p1", Fields: map[string]any{"title": "a"}}, rec, true))
	assert.NoError(t, checkRecord(AssertFinalState, Assertion{Model: "Post", ID: "p9", Absent: true}, ir.Record{}, false))

	err := checkRecord(AssertFinalState, Assertion{Model: "Post", ID: "p1", Absent: true}, rec, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Post/p1 to be absent")

	err = checkRecord(AssertRemoteState, Assertion{Model: "Post", ID: "p9"}, ir.Record{}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Assertion failed: remote_state")
	assert.Contains(t, err.Error(), "record not found")
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := assertTraceCount(sampleTrace(), Assertion{Type: AssertTraceCount, Model: "Comment", Count: 2})
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "Expected: 2 events matching model=Comment")
	assert.Contains(t, msg, "Actual: 1 events")
	assert.Contains(t, msg, "[2] remote update Post/p2")
	assert.Contains(t, msg, "[4] local delete Comment/c1")
}

func TestEvaluateAssertions_RequiresContext(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertFinalState, Model: "Post", ID: "p1"},
		{Type: AssertRemoteRequests, Count: 0},
		{Type: "bogus"},
		{Type: AssertTraceCount, Count: 0},
	}, nil)

	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "final_state requires a datastore")
	assert.Contains(t, errs[1], "remote_requests requires a remote")
	assert.Contains(t, errs[2], `unknown assertion type "bogus"`)
}
