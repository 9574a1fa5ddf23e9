package harness

import (
	"github.com/roach88/tether/internal/hub"
	"github.com/roach88/tether/internal/ir"
)

// TraceEvent is one committed record change observed on the datastore hub.
type TraceEvent struct {
	Source hub.Source      `json:"source"`
	Op     ir.MutationKind `json:"op"`
	Model  string          `json:"model"`
	ID     string          `json:"id"`
	Fields ir.Object       `json:"fields,omitempty"`
}

// Ref is the "op Model/id" form used by trace_order assertions.
func (e TraceEvent) Ref() string {
	return string(e.Op) + " " + e.Model + "/" + e.ID
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains record changes in publish order.
	Trace []TraceEvent `json:"trace"`

	// States lists session state transitions in order.
	States []string `json:"states,omitempty"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(e hub.Event) {
	switch e.Kind {
	case hub.EventMutation:
		r.Trace = append(r.Trace, TraceEvent{
			Source: e.Source,
			Op:     e.Mutation,
			Model:  e.Model,
			ID:     e.Record.ID,
			Fields: e.Record.Fields,
		})
	case hub.EventSessionState:
		r.States = append(r.States, e.State)
	}
}
