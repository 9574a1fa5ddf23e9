package registry

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/tether/internal/ir"
)

// CycleWarning reports models whose belongs-to references form a cycle.
//
// Cycles are warnings, not errors: SQLite accepts circular foreign keys
// when the referencing fields are optional. Within a cycle no order
// guarantees parents are stored before children, so a remote record may
// arrive before its parent and be skipped as an ignorable constraint error
// until the next sync.
type CycleWarning struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

// dependencyGraph maps a model to the models it belongs to.
type dependencyGraph map[string][]string

func buildDependencyGraph(schemas []ir.ModelSchema) dependencyGraph {
	graph := make(dependencyGraph, len(schemas))
	for _, s := range schemas {
		if graph[s.Name] == nil {
			graph[s.Name] = []string{}
		}
		for _, a := range s.Parents() {
			graph[s.Name] = append(graph[s.Name], a.Target)
		}
	}
	return graph
}

// syncOrder orders models so every model comes after the models it belongs
// to. Tarjan's algorithm emits strongly connected components sinks first,
// and with edges pointing child to parent the sinks are the parents.
// Nodes are visited in registration order so the result is deterministic.
func syncOrder(schemas []ir.ModelSchema) ([]string, []CycleWarning) {
	graph := buildDependencyGraph(schemas)
	nodes := make([]string, len(schemas))
	for i, s := range schemas {
		nodes[i] = s.Name
	}

	order := []string{}
	warnings := []CycleWarning{}
	for _, scc := range tarjanSCC(nodes, graph) {
		slices.SortStableFunc(scc, func(a, b string) int {
			return slices.Index(nodes, a) - slices.Index(nodes, b)
		})
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			warnings = append(warnings, cycleWarning(scc, graph))
		}
		order = append(order, scc...)
	}
	return order, warnings
}

func hasSelfLoop(node string, graph dependencyGraph) bool {
	return slices.Contains(graph[node], node)
}

func tarjanSCC(nodes []string, graph dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func cycleWarning(scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		return CycleWarning{
			Path:    []string{scc[0], scc[0]},
			Message: fmt.Sprintf("model %s belongs to itself", scc[0]),
		}
	}
	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("belongs-to cycle: %s", strings.Join(path, " → ")),
	}
}

// reconstructCyclePath follows edges inside the SCC from its first node
// until it returns to the start.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	start := scc[0]
	current := start
	path := []string{current}
	visited := map[string]bool{}
	for {
		visited[current] = true
		next := ""
		for _, w := range graph[current] {
			if members[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		current = next
	}
}
