// Package variables implements the late-binding %{name} string
// interpolation described in spec.md §4.4: resolution over an element's
// variables map, with cycle detection and idempotent re-resolution.
//
// Grounded on the teacher's pkg/config/substitution.go, which performs a
// single flat strings.Replacer pass over a fixed variable set built by
// buildConfigMap. This module generalizes that into resolution of an
// arbitrary directed variable-reference graph (a variable's value may itself
// reference other variables), using the same cycle-detection approach as
// internal/dag.DetectCycle (3-state DFS), since spec.md requires detecting
// CYCLIC_VARIABLE rather than assuming a single substitution pass suffices.
package variables

import (
	"regexp"
	"sort"

	"github.com/buildstream-sub000/engine/internal/bserrors"
)

var tokenPattern = regexp.MustCompile(`%\{([A-Za-z][A-Za-z0-9_-]*)\}`)

// Reserved read-only variable names the core populates; referencing
// project-root/toplevel-root variants outside alias/mirror declarations is
// a load error per spec.md §4.4.
const (
	ElementName     = "element-name"
	ProjectName     = "project-name"
	ProjectRoot     = "project-root"
	ProjectRootURI  = "project-root-uri"
	ToplevelRoot    = "toplevel-root"
	ToplevelRootURI = "toplevel-root-uri"
	MaxJobs         = "max-jobs"
)

var rootOnlyInAliases = map[string]bool{
	ProjectRoot:     true,
	ProjectRootURI:  true,
	ToplevelRoot:    true,
	ToplevelRootURI: true,
}

// Resolver resolves %{name} tokens over a flat variable map.
type Resolver struct {
	vars map[string]string
}

// New builds a Resolver from the element's composed variables map.
func New(vars map[string]string) *Resolver {
	cp := make(map[string]string, len(vars))
	for k, v := range vars {
		cp[k] = v
	}
	return &Resolver{vars: cp}
}

// ResolveAll resolves every variable in the map, returning a new map with no
// unresolved tokens remaining. It fails on cyclic references, undefined
// references, and on project-root/toplevel-root variants referenced outside
// an alias/mirror value (callers pass allowRoots=true only when resolving
// alias/mirror values).
func (r *Resolver) ResolveAll(allowRoots bool) (map[string]string, error) {
	resolved := make(map[string]string, len(r.vars))
	state := make(map[string]int) // 0 unvisited, 1 in-progress, 2 done

	names := make([]string, 0, len(r.vars))
	for name := range r.vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var resolve func(name string, path []string) (string, error)
	resolve = func(name string, path []string) (string, error) {
		if state[name] == 2 {
			return resolved[name], nil
		}
		if state[name] == 1 {
			return "", bserrors.Newf(bserrors.ClassVariable, "CYCLIC_VARIABLE", "cyclic variable reference: %v", append(path, name))
		}
		raw, ok := r.vars[name]
		if !ok {
			return "", bserrors.Newf(bserrors.ClassVariable, "UNDEFINED_VARIABLE", "undefined variable %q", name)
		}
		state[name] = 1
		out, err := r.substitute(raw, allowRoots, func(ref string) (string, error) {
			return resolve(ref, append(path, name))
		})
		if err != nil {
			return "", err
		}
		state[name] = 2
		resolved[name] = out
		return out, nil
	}

	for _, name := range names {
		if _, err := resolve(name, nil); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// Resolve expands %{name} tokens in a single ad-hoc string (e.g. a command
// line or a path) against the resolver's variables. Referenced variables
// are resolved transitively and their resolved values are kept for later
// calls. It errors on an undefined reference, a cycle, or a
// project-root/toplevel-root variant.
func (r *Resolver) Resolve(s string) (string, error) {
	state := make(map[string]int)
	var resolve func(name string, path []string) (string, error)
	resolve = func(name string, path []string) (string, error) {
		if state[name] == 2 {
			return r.vars[name], nil
		}
		if state[name] == 1 {
			return "", bserrors.Newf(bserrors.ClassVariable, "CYCLIC_VARIABLE", "cyclic variable reference: %v", append(path, name))
		}
		raw, ok := r.vars[name]
		if !ok {
			return "", bserrors.Newf(bserrors.ClassVariable, "UNDEFINED_VARIABLE", "undefined variable %q", name)
		}
		state[name] = 1
		out, err := r.substitute(raw, false, func(ref string) (string, error) {
			return resolve(ref, append(path, name))
		})
		if err != nil {
			return "", err
		}
		state[name] = 2
		r.vars[name] = out
		return out, nil
	}
	return r.substitute(s, false, func(ref string) (string, error) {
		return resolve(ref, nil)
	})
}

func (r *Resolver) substitute(s string, allowRoots bool, lookup func(string) (string, error)) (string, error) {
	var outerErr error
	out := tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		if outerErr != nil {
			return match
		}
		name := tokenPattern.FindStringSubmatch(match)[1]
		if rootOnlyInAliases[name] && !allowRoots {
			outerErr = bserrors.Newf(bserrors.ClassVariable, "UNDEFINED_VARIABLE", "%q is only legal inside alias/mirror declarations", name)
			return match
		}
		val, err := lookup(name)
		if err != nil {
			outerErr = err
			return match
		}
		return val
	})
	if outerErr != nil {
		return "", outerErr
	}
	return out, nil
}
