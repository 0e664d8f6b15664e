package element

import (
	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/internal/ynode"
)

// CommandGroups holds the ordered shell command groups spec.md §4.3 names
// for the manual/BuildElement base: configure, build, install, strip
// in that order under %{command-subdir} inside %{build-root}. The sandbox
// orchestrator is the one that actually invokes a shell driver over these;
// this package only extracts and orders them from the composed config.
type CommandGroups struct {
	Configure []string
	Build     []string
	Install   []string
	Strip     []string
}

// All returns the four groups concatenated in the fixed execution order
// spec.md §7 step 6 names, for building the shell driver's argv.
func (g CommandGroups) All() []string {
	var out []string
	out = append(out, g.Configure...)
	out = append(out, g.Build...)
	out = append(out, g.Install...)
	out = append(out, g.Strip...)
	return out
}

// ImportSpec is the import kind's subtree-copy contract: copy Source
// (relative to the staged sources) to Target inside the artifact root.
type ImportSpec struct {
	Source string
	Target string
}

// DomainFilter is the include/exclude split-rule domain selection compose
// and filter use to cut down a dependency closure's artifact tree.
type DomainFilter struct {
	Include []string
	Exclude []string
}

// Matches reports whether domain passes this filter: present in Include (or
// Include empty, meaning "all"), and absent from Exclude.
func (f DomainFilter) Matches(domain string) bool {
	excluded := false
	for _, d := range f.Exclude {
		if d == domain {
			excluded = true
			break
		}
	}
	if excluded {
		return false
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, d := range f.Include {
		if d == domain {
			return true
		}
	}
	return false
}

// ScriptLocation is one script-kind dependency's mount point, taken from
// Dependency.Location ("/" when empty). The element factory does not decode
// a per-dependency "location" key, so loaded elements always get "/".
type ScriptLocation struct {
	Target   string
	Location string
}

// Behavior is the structural contract the sandbox orchestrator and pipeline
// planner drive an Element through, dispatched by Kind. Only the
// structurally essential kinds spec.md §4.3 lists implement non-trivial
// behaviour; everything else (stack, junction, link) is graph-only.
type Behavior struct {
	Kind Kind

	// Commands is populated for manual and script-derived kinds that run a
	// build process (empty for import/compose/filter/stack/junction/link).
	Commands CommandGroups

	// Import is populated for the import kind.
	Import *ImportSpec

	// Filter is populated for compose and filter: the domain selection
	// applied to the dependency closure's artifact tree.
	Filter *DomainFilter

	// ScriptLocations is populated for script: per-dependency staging
	// locations under the constructed install-root layout.
	ScriptLocations []ScriptLocation

	// FilterDependency is the filter kind's single build dependency name;
	// filter requires exactly one (spec.md §4.3).
	FilterDependency string

	// ProducesArtifact is false for stack (spec.md: "the stack's artifact
	// is empty; its purpose is graph composition") and for junction/link,
	// which never stage/assemble at all.
	ProducesArtifact bool

	// Participates starts from Element.IsGraphParticipant (false for
	// junctions) and is also false for link.
	Participates bool
}

// Resolve builds the kind-specific Behavior for el from its already-composed
// Config subtree, implementing the structural semantics spec.md §4.3 fixes
// for each built-in kind. Third-party kinds are out of scope (spec.md §1)
// and resolve to a zero-value command-only Behavior, matching "manual" as
// the base BuildElement every plugin kind extends.
func Resolve(el *Element) (Behavior, error) {
	b := Behavior{Kind: el.Kind, Participates: el.IsGraphParticipant()}

	switch el.Kind {
	case KindManual:
		b.ProducesArtifact = true
		b.Commands = extractCommandGroups(el.Config)

	case KindImport:
		b.ProducesArtifact = true
		b.Import = extractImportSpec(el.Config)

	case KindCompose:
		b.ProducesArtifact = true
		b.Filter = extractDomainFilter(el.Config)

	case KindFilter:
		b.ProducesArtifact = true
		b.Filter = extractDomainFilter(el.Config)
		dep, err := requireSingleBuildDependency(el)
		if err != nil {
			return Behavior{}, err
		}
		b.FilterDependency = dep

	case KindScript:
		b.ProducesArtifact = true
		b.Commands = extractCommandGroups(el.Config)
		b.ScriptLocations = extractScriptLocations(el)

	case KindStack:
		b.ProducesArtifact = false

	case KindJunction, KindLink:
		b.ProducesArtifact = false
		b.Participates = false

	default:
		// Unrecognized kinds are third-party plugins: treat them as a bare
		// BuildElement, the base every plugin extends per spec.md §4.3.
		b.ProducesArtifact = true
		b.Commands = extractCommandGroups(el.Config)
	}

	return b, nil
}

func extractCommandGroups(cfg *ynode.Node) CommandGroups {
	if cfg == nil {
		return CommandGroups{}
	}
	return CommandGroups{
		Configure: stringSeq(cfg.Get("configure-commands")),
		Build:     stringSeq(cfg.Get("build-commands")),
		Install:   stringSeq(cfg.Get("install-commands")),
		Strip:     stringSeq(cfg.Get("strip-commands")),
	}
}

func extractImportSpec(cfg *ynode.Node) *ImportSpec {
	spec := &ImportSpec{Source: ".", Target: "/"}
	if cfg == nil {
		return spec
	}
	if s := cfg.Get("source"); s != nil {
		if v, err := ynode.RequireScalar(s, "source"); err == nil {
			spec.Source = v
		}
	}
	if t := cfg.Get("target"); t != nil {
		if v, err := ynode.RequireScalar(t, "target"); err == nil {
			spec.Target = v
		}
	}
	return spec
}

func extractDomainFilter(cfg *ynode.Node) *DomainFilter {
	f := &DomainFilter{}
	if cfg == nil {
		return f
	}
	f.Include = stringSeq(cfg.Get("include"))
	f.Exclude = stringSeq(cfg.Get("exclude"))
	return f
}

func extractScriptLocations(el *Element) []ScriptLocation {
	var out []ScriptLocation
	for _, d := range el.Dependencies {
		loc := d.Location
		if loc == "" {
			loc = "/"
		}
		out = append(out, ScriptLocation{Target: d.Target, Location: loc})
	}
	return out
}

func requireSingleBuildDependency(el *Element) (string, error) {
	deps := el.BuildDependencies()
	if len(deps) != 1 {
		return "", bserrors.Newf(bserrors.ClassLoad, "INVALID_YAML",
			"filter element %q must have exactly one build dependency, found %d", el.Name, len(deps)).WithElement(el.Name)
	}
	return deps[0], nil
}

func stringSeq(n *ynode.Node) []string {
	if n == nil {
		return nil
	}
	seq, err := ynode.RequireSequence(n, "command list")
	if err != nil {
		return nil
	}
	var out []string
	for _, item := range seq.Seq {
		if v, err := ynode.RequireScalar(item, "command"); err == nil {
			out = append(out, v)
		}
	}
	return out
}
