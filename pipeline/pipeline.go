// Package pipeline implements the pipeline planner of spec.md §4.6: given a
// command intent and a set of target elements, it computes the element
// closure under the intent's scope and emits the ordered task list the
// scheduler runs.
//
// Grounded on internal/dag's scope-aware Closure/TopologicalSort (itself
// adapted from the teacher's pkg/service/dag), generalized one level up:
// dag operates on bare graphs, pipeline binds the intent→scope table
// spec.md §4.6 names on top of it.
package pipeline

import (
	"sort"

	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/internal/dag"
)

// Intent is a command the pipeline planner can be asked to plan for.
type Intent string

const (
	IntentBuild    Intent = "build"
	IntentFetch    Intent = "fetch"
	IntentTrack    Intent = "track"
	IntentPull     Intent = "pull"
	IntentPush     Intent = "push"
	IntentShow     Intent = "show"
	IntentCheckout Intent = "checkout"
)

// TrackDeps selects the --deps all/none/plan scope for a track intent.
type TrackDeps string

const (
	TrackDepsNone TrackDeps = "none"
	TrackDepsPlan TrackDeps = "plan"
	TrackDepsAll  TrackDeps = "all"
)

// TaskKind is the unit of scheduler work a planned element contributes.
type TaskKind string

const (
	TaskTrack TaskKind = "track"
	TaskFetch TaskKind = "fetch"
	TaskPull  TaskKind = "pull"
	TaskBuild TaskKind = "build"
	TaskPush  TaskKind = "push"
)

// Task is one scheduler-bound unit of work against a single element.
type Task struct {
	Kind    TaskKind
	Element string
}

// Plan is the result of planning an intent: the elements kept in scope (in
// dependency-first order) and the tasks to run against them.
type Plan struct {
	Intent  Intent
	Scope   []string
	Tasks   []Task
}

// Options configures intent-specific planner behaviour that cannot be
// derived from the graph alone.
type Options struct {
	// TrackDeps selects the scope for a track intent. Defaults to
	// TrackDepsPlan (spec.md §4.6: "as selected (--deps all/none/plan)").
	TrackDeps TrackDeps

	// IsCached reports whether an element's artifact is already cached
	// locally, used by the push intent to restrict its scope to cached
	// elements only (spec.md §4.6: "push: cached elements in closure").
	// A nil IsCached treats every element as cached.
	IsCached func(element string) bool
}

// Plan computes the element scope and task list for intent over targets in
// g, following the intent→scope table spec.md §4.6 defines.
func Plan(g *dag.Graph, targets []string, intent Intent, opts Options) (*Plan, error) {
	if len(targets) == 0 {
		return nil, bserrors.Newf(bserrors.ClassUser, "NO_TARGETS", "pipeline planner requires at least one target element")
	}

	switch intent {
	case IntentBuild:
		return planBuild(g, targets)
	case IntentFetch:
		return planFetch(g, targets)
	case IntentTrack:
		return planTrack(g, targets, opts)
	case IntentPull:
		return planPull(g, targets)
	case IntentPush:
		return planPush(g, targets, opts)
	case IntentShow:
		return planShow(g)
	case IntentCheckout:
		return planCheckout(targets)
	default:
		return nil, bserrors.Newf(bserrors.ClassUser, "UNKNOWN_INTENT", "unknown pipeline intent %q", intent)
	}
}

// buildScope returns the build-closure of targets, plus the runtime-closure
// of each build dependency found in that closure, matching the build row of
// spec.md §4.6's intent table.
func buildScope(g *dag.Graph, targets []string) ([]string, error) {
	buildClosure, err := g.Closure(targets, dag.Build)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(buildClosure))
	var scope []string
	add := func(names []string) error {
		for _, n := range names {
			if seen[n] {
				continue
			}
			seen[n] = true
			scope = append(scope, n)
		}
		return nil
	}
	if err := add(buildClosure); err != nil {
		return nil, err
	}
	for _, name := range buildClosure {
		runtimeClosure, err := g.Closure([]string{name}, dag.Runtime)
		if err != nil {
			return nil, err
		}
		if err := add(runtimeClosure); err != nil {
			return nil, err
		}
	}
	return topologicalFilter(g, scope), nil
}

// topologicalFilter re-orders names into the graph's overall (scope=All)
// topological order, so a scope assembled by unioning several closures
// still comes out dependency-first.
func topologicalFilter(g *dag.Graph, names []string) []string {
	order, err := g.TopologicalSort(dag.All)
	if err != nil {
		return names
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	out := make([]string, 0, len(names))
	for _, n := range order {
		if keep[n.Name] {
			out = append(out, n.Name)
		}
	}
	return out
}

func planBuild(g *dag.Graph, targets []string) (*Plan, error) {
	scope, err := buildScope(g, targets)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	for _, name := range scope {
		tasks = append(tasks,
			Task{Kind: TaskTrack, Element: name},
			Task{Kind: TaskFetch, Element: name},
			Task{Kind: TaskPull, Element: name},
			Task{Kind: TaskBuild, Element: name},
			Task{Kind: TaskPush, Element: name},
		)
	}
	return &Plan{Intent: IntentBuild, Scope: scope, Tasks: tasks}, nil
}

func planFetch(g *dag.Graph, targets []string) (*Plan, error) {
	scope, err := g.Closure(targets, dag.Build)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	for _, name := range scope {
		tasks = append(tasks, Task{Kind: TaskTrack, Element: name}, Task{Kind: TaskFetch, Element: name})
	}
	return &Plan{Intent: IntentFetch, Scope: scope, Tasks: tasks}, nil
}

func planTrack(g *dag.Graph, targets []string, opts Options) (*Plan, error) {
	deps := opts.TrackDeps
	if deps == "" {
		deps = TrackDepsPlan
	}
	var scope []string
	var err error
	switch deps {
	case TrackDepsNone:
		scope = append([]string{}, targets...)
		sort.Strings(scope)
	case TrackDepsPlan:
		scope, err = g.Closure(targets, dag.Build)
	case TrackDepsAll:
		scope, err = buildScope(g, targets)
	default:
		return nil, bserrors.Newf(bserrors.ClassUser, "UNKNOWN_INTENT", "unknown track deps mode %q", deps)
	}
	if err != nil {
		return nil, err
	}
	var tasks []Task
	for _, name := range scope {
		tasks = append(tasks, Task{Kind: TaskTrack, Element: name})
	}
	return &Plan{Intent: IntentTrack, Scope: scope, Tasks: tasks}, nil
}

func planPull(g *dag.Graph, targets []string) (*Plan, error) {
	scope, err := g.Closure(targets, dag.Build)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	for _, name := range scope {
		tasks = append(tasks, Task{Kind: TaskPull, Element: name})
	}
	return &Plan{Intent: IntentPull, Scope: scope, Tasks: tasks}, nil
}

func planPush(g *dag.Graph, targets []string, opts Options) (*Plan, error) {
	closure, err := g.Closure(targets, dag.Build)
	if err != nil {
		return nil, err
	}
	isCached := opts.IsCached
	if isCached == nil {
		isCached = func(string) bool { return true }
	}
	var scope []string
	for _, name := range closure {
		if isCached(name) {
			scope = append(scope, name)
		}
	}
	var tasks []Task
	for _, name := range scope {
		tasks = append(tasks, Task{Kind: TaskPush, Element: name})
	}
	return &Plan{Intent: IntentPush, Scope: scope, Tasks: tasks}, nil
}

func planShow(g *dag.Graph) (*Plan, error) {
	order, err := g.TopologicalSort(dag.All)
	if err != nil {
		return nil, err
	}
	scope := make([]string, 0, len(order))
	for _, n := range order {
		scope = append(scope, n.Name)
	}
	return &Plan{Intent: IntentShow, Scope: scope}, nil
}

func planCheckout(targets []string) (*Plan, error) {
	if len(targets) != 1 {
		return nil, bserrors.Newf(bserrors.ClassUser, "NO_TARGETS", "checkout requires exactly one target element, got %d", len(targets))
	}
	return &Plan{Intent: IntentCheckout, Scope: targets}, nil
}
