package compiler

import (
	"fmt"
	"slices"
	"strings"
)

// Cycle is a loop in the config dependency graph.
type Cycle struct {
	Path    []string `json:"path"` // ["a", "b", "a"]
	Message string   `json:"message"`
}

// AnalyzeCycles reports every dependency cycle among configs. Tasks in a
// cycle could never leave MISSING_DEPENDENCY, so callers treat cycles as
// errors. An acyclic set returns an empty slice.
//
// Strongly connected components are found with Tarjan's algorithm; each
// component of size > 1, or with a self-loop, is one cycle.
func AnalyzeCycles(configs []ConfigSpec) []Cycle {
	graph := buildDependencyGraph(configs)
	cycles := []Cycle{}
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			cycles = append(cycles, sccToCycle(scc, graph))
		}
	}
	slices.SortFunc(cycles, func(a, b Cycle) int { return strings.Compare(a.Path[0], b.Path[0]) })
	return cycles
}

// dependencyGraph maps config id to the config ids it depends on.
type dependencyGraph map[string][]string

func buildDependencyGraph(configs []ConfigSpec) dependencyGraph {
	graph := make(dependencyGraph, len(configs))
	for _, c := range configs {
		if graph[c.ID] == nil {
			graph[c.ID] = []string{}
		}
		graph[c.ID] = append(graph[c.ID], c.DependsOn...)
	}
	return graph
}

func hasSelfLoop(node string, graph dependencyGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC returns the strongly connected components of graph. Nodes are
// visited in sorted order so the output is deterministic.
func tarjanSCC(graph dependencyGraph) [][]string {
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

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func sccToCycle(scc []string, graph dependencyGraph) Cycle {
	slices.Sort(scc)
	if len(scc) == 1 {
		id := scc[0]
		return Cycle{
			Path:    []string{id, id},
			Message: fmt.Sprintf("config %s depends on itself", id),
		}
	}
	path := reconstructCyclePath(scc, graph)
	return Cycle{
		Path:    path,
		Message: fmt.Sprintf("dependency cycle: %s", strings.Join(path, " -> ")),
	}
}

// reconstructCyclePath walks edges inside the component from its smallest
// member until it returns to the start.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if members[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
