package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshot(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()[:3]
	result.States = []string{"performingInitialSync", "processingEvents"}

	want := `scenario: sample
1 local create Post/p1 {"title":"a"}
2 remote update Post/p2 {"title":"b"}
3 local update Post/p1 {"rating":4,"title":"c"}
states: performingInitialSync processingEvents
`
	assert.Equal(t, want, string(Snapshot("sample", result)))
}

func TestSnapshot_EmptyFields(t *testing.T) {
	result := NewResult()
	result.Trace = []TraceEvent{{Source: "remote", Op: "delete", Model: "Post", ID: "p1"}}

	assert.Equal(t, "scenario: empty\n1 remote delete Post/p1 {}\n", string(Snapshot("empty", result)))
}
