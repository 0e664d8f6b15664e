package pipeline

import (
	"testing"

	"github.com/buildstream-sub000/engine/internal/dag"
	"github.com/stretchr/testify/require"
)

// buildGraph wires: app.bst --build--> lib.bst --build--> toolchain.bst
// and app.bst --runtime--> runtime-only.bst, matching a typical build-vs-
// runtime split used across the seed scenarios in spec.md §9.
func buildGraph(t *testing.T) *dag.Graph {
	t.Helper()
	g := dag.NewGraph()
	require.NoError(t, g.AddNode("toolchain.bst", nil))
	require.NoError(t, g.AddNode("runtime-only.bst", nil))
	require.NoError(t, g.AddNode("lib.bst", []dag.Edge{{Target: "toolchain.bst", Kind: dag.Build}}))
	require.NoError(t, g.AddNode("app.bst", []dag.Edge{
		{Target: "lib.bst", Kind: dag.Build},
		{Target: "runtime-only.bst", Kind: dag.Runtime},
	}))
	return g
}

func TestPlanBuildIncludesRuntimeClosureOfBuildDeps(t *testing.T) {
	g := buildGraph(t)
	plan, err := Plan(g, []string{"app.bst"}, IntentBuild, Options{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"app.bst", "lib.bst", "toolchain.bst", "runtime-only.bst"}, plan.Scope)
	require.Len(t, plan.Tasks, 5*4)
}

func TestPlanFetchOnlyTracksAndFetches(t *testing.T) {
	g := buildGraph(t)
	plan, err := Plan(g, []string{"app.bst"}, IntentFetch, Options{})
	require.NoError(t, err)
	for _, task := range plan.Tasks {
		require.Contains(t, []TaskKind{TaskTrack, TaskFetch}, task.Kind)
	}
}

func TestPlanPushRestrictsToCachedElements(t *testing.T) {
	g := buildGraph(t)
	cached := map[string]bool{"toolchain.bst": true}
	plan, err := Plan(g, []string{"app.bst"}, IntentPush, Options{IsCached: func(e string) bool { return cached[e] }})
	require.NoError(t, err)
	require.Equal(t, []string{"toolchain.bst"}, plan.Scope)
}

func TestPlanShowKeepsEverything(t *testing.T) {
	g := buildGraph(t)
	plan, err := Plan(g, []string{"app.bst"}, IntentShow, Options{})
	require.NoError(t, err)
	require.Len(t, plan.Scope, 4)
	require.Empty(t, plan.Tasks)
}

func TestPlanCheckoutRequiresSingleTarget(t *testing.T) {
	g := buildGraph(t)
	_, err := Plan(g, []string{"app.bst", "lib.bst"}, IntentCheckout, Options{})
	require.Error(t, err)

	plan, err := Plan(g, []string{"app.bst"}, IntentCheckout, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"app.bst"}, plan.Scope)
}

func TestPlanTrackDepsNoneOnlyTracksTargets(t *testing.T) {
	g := buildGraph(t)
	plan, err := Plan(g, []string{"app.bst"}, IntentTrack, Options{TrackDeps: TrackDepsNone})
	require.NoError(t, err)
	require.Equal(t, []string{"app.bst"}, plan.Scope)
}
