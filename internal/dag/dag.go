// Package dag provides the directed dependency graph, topological sort, and
// cycle detection shared by the pipeline planner and the scheduler.
//
// Adapted from the teacher's pkg/service/dag (Kahn's-algorithm topological
// sort with deterministic re-sort of the ready queue, and 3-state DFS cycle
// detection with parent-map path reconstruction), generalized from a single
// untyped dependency list per node into edge-kind-tagged dependencies so the
// pipeline planner can compute scope-aware closures (build-only vs
// runtime-only vs all, per spec.md §4.6) instead of one flat edge kind.
package dag

import (
	"fmt"
	"sort"
)

// EdgeKind is the dependency type carried by an edge, matching the element
// dependency model's {build, runtime, all}.
type EdgeKind int

const (
	Build EdgeKind = iota
	Runtime
	All
)

// Edge is one dependency of a Node on another named node.
type Edge struct {
	Target string
	Kind   EdgeKind
	Strict bool
}

// Node is one element in the dependency graph.
type Node struct {
	Name  string
	Edges []Edge
}

// Graph is a directed graph of Nodes keyed by name.
type Graph struct {
	nodes map[string]*Node
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// AddNode adds a node to the graph. Returns an error on duplicate names.
func (g *Graph) AddNode(name string, edges []Edge) error {
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("duplicate element: %s", name)
	}
	g.nodes[name] = &Node{Name: name, Edges: edges}
	return nil
}

// GetNode returns a node by name, or nil if absent.
func (g *Graph) GetNode(name string) *Node {
	return g.nodes[name]
}

// Nodes returns all nodes in the graph in no particular order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int { return len(g.nodes) }

// deps returns the in-graph dependency names of n whose edge kind is
// compatible with want (scope All follows every edge; Build/Runtime scopes
// follow edges of their own kind plus edges declared All).
func (g *Graph) deps(n *Node, want EdgeKind) []string {
	var out []string
	for _, e := range n.Edges {
		if _, exists := g.nodes[e.Target]; !exists {
			continue
		}
		if want == All || e.Kind == All || e.Kind == want {
			out = append(out, e.Target)
		}
	}
	return out
}

// TopologicalSort returns nodes in dependency order using Kahn's algorithm,
// restricted to edges compatible with scope. Dependencies are returned
// before dependents. Ties are broken by sorted name for determinism.
func (g *Graph) TopologicalSort(scope EdgeKind) ([]Node, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		inDegree[name] = 0
	}
	for _, node := range g.nodes {
		for range g.deps(node, scope) {
			inDegree[node.Name]++
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var result []Node
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		node := g.nodes[name]
		if node == nil {
			continue
		}
		result = append(result, *node)

		for _, other := range g.nodes {
			for _, dep := range g.deps(other, scope) {
				if dep == name {
					inDegree[other.Name]--
					if inDegree[other.Name] == 0 {
						queue = append(queue, other.Name)
						sort.Strings(queue)
					}
					break
				}
			}
		}
	}

	if len(result) != len(g.nodes) {
		cycle, _ := g.DetectCycle(scope)
		return nil, fmt.Errorf("cycle detected in dependency graph: %v", cycle)
	}
	return result, nil
}

// DetectCycle runs a 3-state DFS over edges compatible with scope and
// returns the cycle path if one exists.
func (g *Graph) DetectCycle(scope EdgeKind) ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.nodes))
	parent := make(map[string]string)
	var cyclePath []string

	var dfs func(name string) bool
	dfs = func(name string) bool {
		state[name] = visiting
		node := g.nodes[name]
		for _, dep := range g.deps(node, scope) {
			if state[dep] == visiting {
				cyclePath = []string{dep, name}
				for cur := name; cur != dep; {
					p, ok := parent[cur]
					if !ok {
						break
					}
					cyclePath = append([]string{p}, cyclePath...)
					cur = p
				}
				return true
			}
			if state[dep] == unvisited {
				parent[dep] = name
				if dfs(dep) {
					return true
				}
			}
		}
		state[name] = done
		return false
	}

	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if state[name] == unvisited {
			if dfs(name) {
				return cyclePath, fmt.Errorf("cycle detected: %v", cyclePath)
			}
		}
	}
	return nil, nil
}

// Closure returns the transitive closure of roots under scope, including
// the roots themselves, in topological (dependency-first) order. This
// implements the pipeline planner's build-closure/runtime-closure/all-closure
// computation (spec.md §4.6).
func (g *Graph) Closure(roots []string, scope EdgeKind) ([]string, error) {
	visited := make(map[string]bool)
	var visit func(name string) error
	order, err := g.TopologicalSort(scope)
	if err != nil {
		return nil, err
	}
	position := make(map[string]int, len(order))
	for i, n := range order {
		position[n.Name] = i
	}

	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		node := g.nodes[name]
		if node == nil {
			return fmt.Errorf("unknown element %q in closure root set", name)
		}
		visited[name] = true
		for _, dep := range g.deps(node, scope) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, r := range roots {
		if err := visit(r); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(visited))
	for name := range visited {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return position[out[i]] < position[out[j]] })
	return out, nil
}

// FilterInGraphDeps returns only the names in deps that exist in the graph.
func (g *Graph) FilterInGraphDeps(deps []string) []string {
	var filtered []string
	for _, d := range deps {
		if _, exists := g.nodes[d]; exists {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// Ready returns node names whose scope-compatible dependencies are all
// absent from the pending set, i.e. nodes immediately buildable given that
// everything in done has already completed.
func (g *Graph) Ready(scope EdgeKind, done map[string]bool) []string {
	var ready []string
	for _, node := range g.nodes {
		if done[node.Name] {
			continue
		}
		ok := true
		for _, dep := range g.deps(node, scope) {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, node.Name)
		}
	}
	sort.Strings(ready)
	return ready
}
