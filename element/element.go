// Package element implements the element/source factory of spec.md §4.3:
// the five-layer composition (builtin defaults → project defaults → plugin
// defaults → project plugin overrides → element declaration), the plugin
// capability contract, and the structurally-essential built-in element
// kinds (manual, import, compose, script, filter, stack, junction, link).
//
// Grounded on the teacher's pkg/config.Pipeline's uses-keyed dispatch and
// Configuration composition, generalized from "named pipeline steps sharing
// one global config" into "named elements, each independently composed
// across five layers" since BuildStream elements carry per-project defaults
// and per-kind overrides the teacher's single-config model does not need.
package element

import (
	"github.com/buildstream-sub000/engine/cachekey"
	"github.com/buildstream-sub000/engine/internal/dag"
	"github.com/buildstream-sub000/engine/internal/ynode"
)

// Kind names a built-in element plugin. Third-party kinds are looked up
// through the project's plugin origins instead of this constant set, per
// the plugin-contract non-goal in spec.md §1.
type Kind string

const (
	KindManual   Kind = "manual"
	KindImport   Kind = "import"
	KindCompose  Kind = "compose"
	KindScript   Kind = "script"
	KindFilter   Kind = "filter"
	KindStack    Kind = "stack"
	KindJunction Kind = "junction"
	KindLink     Kind = "link"
)

// ConsistencyState is a Source's lifecycle position.
type ConsistencyState int

const (
	Inconsistent ConsistencyState = iota
	Resolved
	Cached
)

// Source is one input fragment to an element.
type Source struct {
	Kind                    string
	Alias                   string
	Directory               string
	Config                  *ynode.Node
	UniqueKey               string
	Consistency             ConsistencyState
	RequiresPreviousSources bool
}

// Dependency is one edge of an element's dependency graph, with the
// optional per-edge dependency configuration spec.md §3 names.
type Dependency struct {
	Target            string
	Type              dag.EdgeKind
	Strict            bool
	Location          string
	DigestEnvironment bool
}

// Sandbox is the element's {build-uid, build-gid, build-os, build-arch,
// remote-apis-socket} declaration.
type Sandbox struct {
	BuildUID         int
	BuildGID         int
	BuildOS          string
	BuildArch        string
	RemoteAPIsSocket string
}

// CacheState is the element's current position in the build/cache lifecycle.
type CacheState int

const (
	Waiting CacheState = iota
	Buildable
	CachedState
	Failed
	FetchNeeded
)

// Public holds free-form public data, plus the reserved "bst" domain
// (integration-commands, split-rules, overlap-whitelist).
type Public struct {
	Domains map[string]*ynode.Node

	IntegrationCommands []string
	SplitRules          map[string][]string
	OverlapWhitelist    []string
}

// Element is one fully-composed, not-yet-variable-resolved buildable node.
type Element struct {
	ProjectName string
	Name        string // stable element path, e.g. "base/gcc.bst"
	Kind        Kind

	Sources      []*Source
	Dependencies []Dependency

	Variables          map[string]string
	Environment        map[string]string
	EnvironmentNocache []string
	Config             *ynode.Node // kind-specific, resolved config subtree
	Public             Public
	Sandbox            Sandbox
	Workspace          string

	WeakCacheKey   cachekey.Key
	StrictCacheKey cachekey.Key
	CacheState     CacheState
}

// BuildDependencies returns the names of direct build-scope dependencies,
// i.e. dependencies whose Type is Build or All.
func (e *Element) BuildDependencies() []string {
	var out []string
	for _, d := range e.Dependencies {
		if d.Type == dag.Build || d.Type == dag.All {
			out = append(out, d.Target)
		}
	}
	return out
}

// RuntimeDependencies returns the names of direct runtime-scope dependencies.
func (e *Element) RuntimeDependencies() []string {
	var out []string
	for _, d := range e.Dependencies {
		if d.Type == dag.Runtime || d.Type == dag.All {
			out = append(out, d.Target)
		}
	}
	return out
}

// Edges adapts Dependencies into internal/dag.Edge values for graph
// construction by the pipeline planner.
func (e *Element) Edges() []dag.Edge {
	edges := make([]dag.Edge, 0, len(e.Dependencies))
	for _, d := range e.Dependencies {
		edges = append(edges, dag.Edge{Target: d.Target, Kind: d.Type, Strict: d.Strict})
	}
	return edges
}

// IsGraphParticipant reports whether this kind participates as a normal
// build/runtime dependency node. Junctions never do (spec.md §4.3); links
// forward to their target instead of appearing directly.
func (e *Element) IsGraphParticipant() bool {
	return e.Kind != KindJunction
}
