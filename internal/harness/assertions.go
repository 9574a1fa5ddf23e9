package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/tether/internal/engine"
	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/registry"
	"github.com/roach88/tether/internal/remote/memremote"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for trace assertions
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s\n", i+1, event.Source, event.Ref())
		}
	}
	return buf.String()
}

// AssertionContext provides the state assertions read.
type AssertionContext struct {
	Ctx      context.Context
	Store    *engine.DataStore
	Remote   *memremote.Backend
	Registry *registry.Registry
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState, AssertRecordCount, AssertPendingCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a datastore", i, a.Type)
				break
			}
			switch a.Type {
			case AssertFinalState:
				err = assertFinalState(actx, a)
			case AssertRecordCount:
				err = assertRecordCount(actx, a)
			default:
				err = assertPendingCount(actx, a)
			}
		case AssertRemoteState, AssertRemoteRequests:
			if actx == nil || actx.Remote == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a remote", i, a.Type)
				break
			}
			if a.Type == AssertRemoteState {
				err = assertRemoteState(actx, a)
			} else {
				err = assertRemoteRequests(actx, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

// matchEvent reports whether e passes the assertion's source, op, model,
// id and fields filters. Unset filters match anything.
func matchEvent(e TraceEvent, a Assertion) bool {
	if a.Source != "" && string(e.Source) != a.Source {
		return false
	}
	if a.Op != "" && string(e.Op) != a.Op {
		return false
	}
	if a.Model != "" && e.Model != a.Model {
		return false
	}
	if a.ID != "" && e.ID != a.ID {
		return false
	}
	ok, _ := matchFields(e.Fields, a.Fields)
	return ok
}

// matchFields checks that actual holds every expected field (subset match).
// The returned string describes the first mismatch.
func matchFields(actual ir.Object, expected map[string]any) (bool, string) {
	if len(expected) == 0 {
		return true, ""
	}
	want, err := toObject(expected)
	if err != nil {
		return false, err.Error()
	}
	for _, k := range want.SortedKeys() {
		got, ok := actual[k]
		if !ok {
			got = ir.Null{}
		}
		if !ir.Equal(got, want[k]) {
			return false, fmt.Sprintf("field %q = %s, want %s", k, render(got), render(want[k]))
		}
	}
	return true, ""
}

func render(v ir.Value) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func describe(a Assertion) string {
	parts := []string{}
	for _, p := range [][2]string{{"source", a.Source}, {"op", a.Op}, {"model", a.Model}, {"id", a.ID}} {
		if p[1] != "" {
			parts = append(parts, p[0]+"="+p[1])
		}
	}
	if len(a.Fields) > 0 {
		parts = append(parts, fmt.Sprintf("fields=%v", a.Fields))
	}
	if len(parts) == 0 {
		return "any event"
	}
	return strings.Join(parts, " ")
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, e := range trace {
		if matchEvent(e, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks the first occurrence of each ref appears in the
// given order. Other events may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, e := range trace {
		ref := e.Ref()
		if _, seen := positions[ref]; !seen {
			positions[ref] = i + 1
		}
	}

	for _, ref := range a.Events {
		if positions[ref] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event: %s", ref),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, e := range trace {
		if matchEvent(e, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d events matching %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertFinalState(actx *AssertionContext, a Assertion) error {
	rec, found, err := actx.Store.QueryByID(actx.Ctx, a.Model, a.ID)
	if err != nil {
		return fmt.Errorf("final_state %s/%s: %w", a.Model, a.ID, err)
	}
	return checkRecord(AssertFinalState, a, rec, found)
}

func assertRemoteState(actx *AssertionContext, a Assertion) error {
	rec, version, found := actx.Remote.Get(a.Model, a.ID)
	if err := checkRecord(AssertRemoteState, a, rec, found); err != nil {
		return err
	}
	if found && a.Version != 0 && version != a.Version {
		return &AssertionError{
			Type:     AssertRemoteState,
			Expected: fmt.Sprintf("%s/%s at version %d", a.Model, a.ID, a.Version),
			Actual:   fmt.Sprintf("version %d", version),
		}
	}
	return nil
}

func checkRecord(kind string, a Assertion, rec ir.Record, found bool) error {
	ref := a.Model + "/" + a.ID
	switch {
	case a.Absent && found:
		return &AssertionError{Type: kind, Expected: ref + " to be absent", Actual: "record exists"}
	case a.Absent:
		return nil
	case !found:
		return &AssertionError{Type: kind, Expected: ref + " to exist", Actual: "record not found"}
	}
	if ok, mismatch := matchFields(rec.Fields, a.Fields); !ok {
		return &AssertionError{Type: kind, Expected: fmt.Sprintf("%s with %v", ref, a.Fields), Actual: mismatch}
	}
	return nil
}

func assertRecordCount(actx *AssertionContext, a Assertion) error {
	records, err := actx.Store.Query(actx.Ctx, a.Model)
	if err != nil {
		return fmt.Errorf("record_count %s: %w", a.Model, err)
	}
	if len(records) != a.Count {
		return &AssertionError{
			Type:     AssertRecordCount,
			Expected: fmt.Sprintf("%d %s records", a.Count, a.Model),
			Actual:   fmt.Sprintf("%d records", len(records)),
		}
	}
	return nil
}

func assertPendingCount(actx *AssertionContext, a Assertion) error {
	pending, err := actx.Store.Pending(actx.Ctx)
	if err != nil {
		return fmt.Errorf("pending_count: %w", err)
	}
	if len(pending) != a.Count {
		return &AssertionError{
			Type:     AssertPendingCount,
			Expected: fmt.Sprintf("%d pending mutations", a.Count),
			Actual:   fmt.Sprintf("%d pending", len(pending)),
		}
	}
	return nil
}

func assertRemoteRequests(actx *AssertionContext, a Assertion) error {
	n := len(actx.Remote.Requests())
	if n != a.Count {
		return &AssertionError{
			Type:     AssertRemoteRequests,
			Expected: fmt.Sprintf("%d mutation requests", a.Count),
			Actual:   fmt.Sprintf("%d requests", n),
		}
	}
	return nil
}
