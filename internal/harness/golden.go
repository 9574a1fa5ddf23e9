package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders a trace one event per line:
//
//	<n> <source> <op> <Model>/<id> <canonical fields>
//
// followed by the session states, if any, on a final "states:" line.
func Snapshot(name string, result *Result) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario: %s\n", name)
	for i, e := range result.Trace {
		fmt.Fprintf(&buf, "%d %s %s %s\n", i+1, e.Source, e.Ref(), render(e.Fields))
	}
	if len(result.States) > 0 {
		fmt.Fprintf(&buf, "states: %s\n", strings.Join(result.States, " "))
	}
	return []byte(buf.String())
}

// RunWithGolden executes a scenario and compares its trace snapshot with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's snapshot with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Snapshot(name, result))
}
