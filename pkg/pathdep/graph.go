package pathdep

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Dicklesworthstone/rchd/pkg/errs"
)

// Package is one local crate in the dependency graph.
type Package struct {
	Name          string
	CanonicalPath string
	ManifestPath  string
}

// Edge is one path dependency between two local crates.
type Edge struct {
	From           string // canonical path of the depending package
	To             string // canonical path of the dependency
	DependencyName string
}

// Graph is the resolved path-dependency graph. All orderings are
// deterministic: packages by canonical path, edges lexicographically by
// (from, to, dependency name), root packages sorted.
type Graph struct {
	Packages     []Package
	Edges        []Edge
	RootPackages []string
}

// normalize sorts every graph collection into its canonical order.
func (g *Graph) normalize() {
	sort.Slice(g.Packages, func(i, j int) bool {
		return g.Packages[i].CanonicalPath < g.Packages[j].CanonicalPath
	})
	sort.Slice(g.Edges, func(i, j int) bool {
		a, b := g.Edges[i], g.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.DependencyName < b.DependencyName
	})
	sort.Strings(g.RootPackages)
}

// CyclicDependencyError reports a dependency cycle, ordered from the first
// revisited node around to its repetition.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic path dependency: %s", strings.Join(e.Cycle, " -> "))
}

// Unwrap exposes the stable error code.
func (e *CyclicDependencyError) Unwrap() error {
	return errs.New(errs.CodePathDepCyclic, nil)
}

// visitMark is a DFS visit state.
type visitMark int

const (
	unvisited visitMark = iota
	visiting
	visited
)

// detectCycle runs a DFS over the graph's adjacency and returns the first
// cycle found, reconstructed from the DFS stack including the repeated
// terminal node. Iteration order is deterministic because edges are sorted
// before the walk.
func (g *Graph) detectCycle() *CyclicDependencyError {
	adjacency := make(map[string][]string)
	for _, e := range g.Edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	marks := make(map[string]visitMark, len(g.Packages))
	stack := make([]string, 0, len(g.Packages))

	var walk func(node string) *CyclicDependencyError
	walk = func(node string) *CyclicDependencyError {
		marks[node] = visiting
		stack = append(stack, node)

		for _, next := range adjacency[node] {
			switch marks[next] {
			case visiting:
				// Back edge: slice the stack from the revisited node and
				// close the loop.
				start := 0
				for i, n := range stack {
					if n == next {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, stack[start:]...), next)
				return &CyclicDependencyError{Cycle: cycle}
			case unvisited:
				if err := walk(next); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		marks[node] = visited
		return nil
	}

	for _, p := range g.Packages {
		if marks[p.CanonicalPath] == unvisited {
			if err := walk(p.CanonicalPath); err != nil {
				return err
			}
		}
	}
	return nil
}
