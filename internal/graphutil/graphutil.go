// Package graphutil detects cycles in any directed graph labelled with
// comparable node identifiers. Both the Queue Manager (job dependency
// edges, integer node ids) and the Orchestrator (workflow step names,
// string node ids) share this routine verbatim.
package graphutil

import (
	"fmt"
	"sort"
)

// CircularDependencyError is raised when AssertAcyclic finds a back-edge.
// CyclePath lists the concrete cycle, starting and ending on the same node.
// Which node starts the cycle depends on sortNodes' deterministic but
// caller-independent visitation order, not on insertion order — e.g. a
// back-edge between A and B is reported as [A, B, A], never [B, A, B],
// because nodes are visited in sorted order.
type CircularDependencyError[N comparable] struct {
	CyclePath []N
	Context   string
}

func (e *CircularDependencyError[N]) Error() string {
	return fmt.Sprintf("circular dependency in %s: %v", e.Context, e.CyclePath)
}

// colour tracks DFS visitation state per node.
type colour int

const (
	white colour = iota // unvisited
	grey                // on the current recursion stack
	black               // fully explored
)

// AssertAcyclic walks adjacency with depth-first search, maintaining an
// active ("grey") set and a fully-explored ("black") set. When it finds an
// edge back to a grey node it unwinds the current recursion path to produce
// the concrete cycle, and returns a *CircularDependencyError. Complexity is
// O(V + E). Iteration order over the node set is sorted by sortNodes (for
// int, int64 and string node ids) only for determinism of which cycle is
// reported first when several exist; the graph itself may have any shape.
func AssertAcyclic[N comparable](adjacency map[N][]N, context string) error {
	colours := make(map[N]colour, len(adjacency))
	// stack of nodes currently on the DFS path, used to reconstruct the
	// cycle when a back-edge is found.
	var path []N

	nodes := make([]N, 0, len(adjacency))
	for n := range adjacency {
		nodes = append(nodes, n)
	}
	sortNodes(nodes)

	var visit func(n N) error
	visit = func(n N) error {
		colours[n] = grey
		path = append(path, n)

		for _, next := range adjacency[n] {
			switch colours[next] {
			case white:
				if err := visit(next); err != nil {
					return err
				}
			case grey:
				// Back-edge: unwind path from the first occurrence of
				// `next` to build the concrete cycle.
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := append([]N{}, path[start:]...)
				cycle = append(cycle, next)
				return &CircularDependencyError[N]{CyclePath: cycle, Context: context}
			case black:
				// already fully explored, no cycle through here
			}
		}

		colours[n] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, n := range nodes {
		if colours[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// sortNodes orders nodes deterministically when possible (int, int64,
// string); other comparable types are left in the map iteration order
// AssertAcyclic collected them in, which is not deterministic.
func sortNodes[N comparable](nodes []N) {
	switch any(nodes).(type) {
	case []int:
		s := any(nodes).([]int)
		sort.Ints(s)
	case []string:
		s := any(nodes).([]string)
		sort.Strings(s)
	case []int64:
		s := any(nodes).([]int64)
		sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	}
}
