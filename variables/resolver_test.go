package variables

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveAllSimple(t *testing.T) {
	r := New(map[string]string{
		"prefix":  "/usr",
		"bindir":  "%{prefix}/bin",
		"libexec": "%{bindir}/libexec",
	})
	out, err := r.ResolveAll(false)
	require.NoError(t, err)
	require.Equal(t, "/usr", out["prefix"])
	require.Equal(t, "/usr/bin", out["bindir"])
	require.Equal(t, "/usr/bin/libexec", out["libexec"])
}

func TestResolveAllCycleDetected(t *testing.T) {
	r := New(map[string]string{
		"a": "%{b}",
		"b": "%{a}",
	})
	_, err := r.ResolveAll(false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "CYCLIC_VARIABLE")
}

func TestResolveAllUndefinedVariable(t *testing.T) {
	r := New(map[string]string{
		"a": "%{missing}",
	})
	_, err := r.ResolveAll(false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "UNDEFINED_VARIABLE")
}

func TestRootVariablesRejectedOutsideAliases(t *testing.T) {
	r := New(map[string]string{
		"project-root": "/srv/project",
		"bad":          "%{project-root}/x",
	})
	_, err := r.ResolveAll(false)
	require.Error(t, err)

	_, err = r.ResolveAll(true)
	require.NoError(t, err)
}

func TestResolveIdempotent(t *testing.T) {
	r := New(map[string]string{"prefix": "/usr"})
	first, err := r.Resolve("%{prefix}/bin")
	require.NoError(t, err)
	require.Equal(t, "/usr/bin", first)
	second, err := r.Resolve("%{prefix}/bin")
	require.NoError(t, err)
	require.Equal(t, first, second)
}
