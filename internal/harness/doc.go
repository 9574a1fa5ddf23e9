// Package harness runs YAML scenarios end to end against a datastore.
//
// Each scenario gets a fresh in-memory SQLite database and, when it asks
// for one, an in-memory remote. Steps drive the datastore through its
// public API; every published record change is recorded as the trace.
//
// # Scenario Format
//
//	name: post_conditional_save
//	description: "What this scenario validates"
//	schemas:
//	  - ../schemas/blog.cue
//	remote: true
//	seed:
//	  - {model: Blog, record: {id: b1, name: tech}}
//	steps:
//	  - save: {model: Post, record: {id: p1, title: hello}}
//	  - save:
//	      model: Post
//	      record: {id: p1, title: nope}
//	      where: {title: other}
//	    expect_error: INVALID_CONDITION
//	  - delete: {model: Blog, id: b1, deleted: 2}
//	  - remote_put: {model: Post, record: {id: p2, title: remote}}
//	  - remote_remove: {model: Post, id: p2}
//	  - start: true
//	  - await: {state: processingEvents, remote_events: 2, pending: 0}
//	  - stop: true
//	assertions:
//	  - type: final_state
//	    model: Post
//	    id: p1
//	    fields: {title: hello}
//
// # Assertion Types
//
//   - trace_contains: some trace event matches source, op, model, id and fields
//   - trace_order: the first occurrences of "op Model/id" refs are in order
//   - trace_count: exactly count trace events match the filters
//   - final_state: a local record exists with the fields, or is absent
//   - record_count: the local model holds exactly count records
//   - pending_count: the outbox holds exactly count mutations
//   - remote_state: a remote record exists with the fields and version, or is absent
//   - remote_requests: the remote received exactly count mutation requests
//
// # Determinism
//
// Local changes are published before the write returns, and a session
// applies remote changes one at a time, so a trace is reproducible as long
// as remote events are not interleaved with local writes. While local
// mutations are delivered the remote echoes them back, and whether the
// echo is applied depends on timing; such scenarios should assert on
// state and on local events only. Reproducible traces can be compared to
// golden files with RunWithGolden.
package harness
