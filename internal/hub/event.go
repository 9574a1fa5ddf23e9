// Package hub is the publish side of the engine: committed local and remote
// changes, background errors and session state changes are published here
// and fanned out to subscribers.
//
// Publish never blocks. Each subscriber has its own unbounded mailbox, so a
// slow subscriber delays only itself and sees events in publish order.
package hub

import (
	"errors"

	"github.com/roach88/tether/internal/ir"
)

// EventKind distinguishes published events.
type EventKind string

const (
	// EventMutation is a committed change to one record.
	EventMutation EventKind = "mutation"
	// EventOutboxProcessed is a local mutation acknowledged by the remote.
	EventOutboxProcessed EventKind = "outbox_processed"
	// EventError is a failure in a background pipeline.
	EventError EventKind = "error"
	// EventSessionState is a reconciliation session state transition.
	EventSessionState EventKind = "session_state"
)

// Source says where a change came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Event is one published notification.
type Event struct {
	// Seq is assigned by the hub and increases by one per published event.
	Seq uint64 `json:"seq"`

	Kind     EventKind       `json:"kind"`
	Model    string          `json:"model,omitempty"`
	Mutation ir.MutationKind `json:"mutation,omitempty"`
	Record   ir.Record       `json:"record"`
	Source   Source          `json:"source,omitempty"`
	Version  int64           `json:"version,omitempty"`
	Err      error           `json:"-"`
	State    string          `json:"state,omitempty"`
}

// MutationEvent builds an EventMutation for a committed change.
func MutationEvent(kind ir.MutationKind, r ir.Record, src Source) Event {
	return Event{Kind: EventMutation, Model: r.Model, Mutation: kind, Record: r, Source: src}
}

// ErrorEvent builds an EventError. The model is taken from err when it is
// an *ir.Error naming one.
func ErrorEvent(err error) Event {
	ev := Event{Kind: EventError, Err: err}
	var e *ir.Error
	if errors.As(err, &e) {
		ev.Model = e.Model
		ev.Record = ir.Record{Model: e.Model, ID: e.ID}
	}
	return ev
}

// StateEvent builds an EventSessionState.
func StateEvent(state string) Event {
	return Event{Kind: EventSessionState, State: state}
}
