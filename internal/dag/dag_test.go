package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopologicalSortOrdersDepsFirst(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("base", nil))
	require.NoError(t, g.AddNode("lib", []Edge{{Target: "base", Kind: Build}}))
	require.NoError(t, g.AddNode("app", []Edge{{Target: "lib", Kind: Build}}))

	order, err := g.TopologicalSort(Build)
	require.NoError(t, err)
	names := namesOf(order)
	require.Equal(t, []string{"base", "lib", "app"}, names)
}

func TestTopologicalSortDeterministicTiebreak(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("zeta", nil))
	require.NoError(t, g.AddNode("alpha", nil))
	require.NoError(t, g.AddNode("mid", nil))

	order, err := g.TopologicalSort(Build)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, namesOf(order))
}

func TestDetectCycle(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("a", []Edge{{Target: "b", Kind: Build}}))
	require.NoError(t, g.AddNode("b", []Edge{{Target: "a", Kind: Build}}))

	_, err := g.TopologicalSort(Build)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle detected")
}

func TestClosureScopeMonotonicity(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("base", nil))
	require.NoError(t, g.AddNode("lib", []Edge{{Target: "base", Kind: Build}}))
	require.NoError(t, g.AddNode("app", []Edge{{Target: "lib", Kind: Build}}))

	before, err := g.Closure([]string{"app"}, Build)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"app", "lib", "base"}, before)

	g2 := NewGraph()
	require.NoError(t, g2.AddNode("base", nil))
	require.NoError(t, g2.AddNode("lib", []Edge{{Target: "base", Kind: Build}}))
	require.NoError(t, g2.AddNode("extra", nil))
	require.NoError(t, g2.AddNode("app", []Edge{{Target: "lib", Kind: Build}, {Target: "extra", Kind: Build}}))

	after, err := g2.Closure([]string{"app"}, Build)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(after), len(before), "adding a dependency never decreases build-closure")
}

func TestRuntimeScopeExcludesBuildOnlyEdges(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("compiler", nil))
	require.NoError(t, g.AddNode("libc", nil))
	require.NoError(t, g.AddNode("app", []Edge{
		{Target: "compiler", Kind: Build},
		{Target: "libc", Kind: Runtime},
	}))

	closure, err := g.Closure([]string{"app"}, Runtime)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"app", "libc"}, closure)
}

func TestReady(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("base", nil))
	require.NoError(t, g.AddNode("lib", []Edge{{Target: "base", Kind: Build}}))

	require.Equal(t, []string{"base"}, g.Ready(Build, map[string]bool{}))
	require.Equal(t, []string{"lib"}, g.Ready(Build, map[string]bool{"base": true}))
}

func namesOf(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}
