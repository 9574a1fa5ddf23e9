package harness

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/hub"
	"github.com/roach88/tether/internal/ir"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func requirePass(t *testing.T, result *Result) {
	t.Helper()
	require.True(t, result.Pass, "scenario failed:\n%v", result.Errors)
	assert.Empty(t, result.Errors)
}

func TestRunScenarios_Golden(t *testing.T) {
	for _, name := range []string{
		"post_conditional_save",
		"cascade_delete",
		"initial_sync",
		"live_remote_changes",
	} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			requirePass(t, result)
		})
	}
}

func TestRun_OutboxDelivery(t *testing.T) {
	result, err := Run(loadTestScenario(t, "outbox_delivery"))
	require.NoError(t, err)
	requirePass(t, result)

	local := 0
	for _, e := range result.Trace {
		if e.Source == hub.SourceLocal {
			local++
			assert.Equal(t, ir.MutationCreate, e.Op)
		}
	}
	assert.Equal(t, 2, local)
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	s := &Scenario{
		Name:   "wrong_title",
		Models: `model: Post: fields: title: string`,
		Steps: []Step{
			{Save: &SaveStep{Model: "Post", Record: map[string]any{"id": "p1", "title": "hello"}}},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Model: "Post", ID: "p1", Fields: map[string]any{"title": "bye"}},
			{Type: AssertRecordCount, Model: "Post", Count: 2},
			{Type: AssertTraceCount, Source: "local", Count: 1},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `field "title" = "hello", want "bye"`)
	assert.Contains(t, result.Errors[1], "2 Post records")
}

func TestRun_ExpectError(t *testing.T) {
	base := func(expect string, where map[string]any) *Scenario {
		return &Scenario{
			Name:   "expect_error",
			Models: `model: Post: fields: title: string`,
			Steps: []Step{
				{Save: &SaveStep{Model: "Post", Record: map[string]any{"id": "p1", "title": "a"}}},
				{Save: &SaveStep{Model: "Post", Record: map[string]any{"id": "p1", "title": "b"}, Where: where}, ExpectError: expect},
			},
			Assertions: []Assertion{{Type: AssertPendingCount, Count: 0}},
		}
	}

	tests := []struct {
		name    string
		expect  string
		where   map[string]any
		wantErr string
	}{
		{"matching code", "INVALID_CONDITION", map[string]any{"title": "x"}, ""},
		{"unexpected success", "INVALID_CONDITION", nil, "got success"},
		{"wrong code", "NOT_FOUND", map[string]any{"title": "x"}, "got INVALID_CONDITION"},
		{"unexpected failure", "", map[string]any{"title": "x"}, "steps[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Run(base(tt.expect, tt.where))
			require.NoError(t, err)
			if tt.wantErr == "" {
				requirePass(t, result)
				return
			}
			assert.False(t, result.Pass)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], tt.wantErr)
		})
	}
}

func TestRun_DeleteWhere(t *testing.T) {
	deleted := 2
	s := &Scenario{
		Name:   "delete_where",
		Models: "model: Post: fields: {\n\ttitle: string\n\tdraft?: bool\n}",
		Steps: []Step{
			{Save: &SaveStep{Model: "Post", Record: map[string]any{"id": "p1", "title": "a", "draft": true}}},
			{Save: &SaveStep{Model: "Post", Record: map[string]any{"id": "p2", "title": "b", "draft": true}}},
			{Save: &SaveStep{Model: "Post", Record: map[string]any{"id": "p3", "title": "c"}}},
			{Delete: &DeleteStep{Model: "Post", Where: map[string]any{"draft": true}, Deleted: &deleted}},
		},
		Assertions: []Assertion{
			{Type: AssertRecordCount, Model: "Post", Count: 1},
			{Type: AssertFinalState, Model: "Post", ID: "p3", Fields: map[string]any{"title": "c"}},
			{Type: AssertTraceContains, Op: "delete", Model: "Post", ID: "p2", Fields: map[string]any{"draft": true}},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_BadSchema(t *testing.T) {
	_, err := Run(&Scenario{Name: "bad", Models: `model: Post: fields: score: float`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load schemas")
}

func TestRun_AwaitTimeout(t *testing.T) {
	s := &Scenario{
		Name:   "await_timeout",
		Models: `model: Post: fields: title: string`,
		Remote: true,
		Steps: []Step{
			{Start: true},
			{Await: &AwaitStep{RemoteEvents: 1, Timeout: 20 * time.Millisecond}},
		},
		Assertions: []Assertion{{Type: AssertPendingCount, Count: 0}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "await 1 remote events: timed out")
}
