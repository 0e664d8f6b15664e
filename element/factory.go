package element

import (
	"fmt"

	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/internal/dag"
	"github.com/buildstream-sub000/engine/internal/ynode"
)

// ProjectView is the subset of project.Project the factory needs, kept as
// an interface so element does not import project directly (project
// composes elements transitively through junctions, so the dependency runs
// one way: project → element, never the reverse).
type ProjectView interface {
	ProjectName() string
	ElementOverride(kind string) *ynode.Node
	SourceOverride(kind string) *ynode.Node
	Vars() map[string]string
	Env() map[string]string
	EnvNocache() []string
	SplitRules() map[string][]string
	EvalOption(expr string) (bool, error)
	Include(ref string) (*ynode.Node, error)
}

// declaration is the strict-decode target for a composed element Node,
// matching the element file keys table in spec.md §6.
type declaration struct {
	Kind               string            `yaml:"kind"`
	Depends            []depEntry        `yaml:"depends"`
	BuildDepends       []depEntry        `yaml:"build-depends"`
	RuntimeDepends     []depEntry        `yaml:"runtime-depends"`
	Sources            []sourceEntry     `yaml:"sources"`
	Variables          map[string]string `yaml:"variables"`
	Environment        map[string]string `yaml:"environment"`
	EnvironmentNocache []string          `yaml:"environment-nocache"`
	Config             map[string]any    `yaml:"config"`
	Public             map[string]any    `yaml:"public"`
	Sandbox            sandboxEntry      `yaml:"sandbox"`
}

type depEntry struct {
	Filename string `yaml:"filename"`
	Junction string `yaml:"junction"`
	Type     string `yaml:"type"`
	Strict   *bool  `yaml:"strict"`
}

type sourceEntry struct {
	Kind      string `yaml:"kind"`
	Directory string `yaml:"directory"`
}

type sandboxEntry struct {
	BuildUID         *int   `yaml:"build-uid"`
	BuildGID         *int   `yaml:"build-gid"`
	BuildOS          string `yaml:"build-os"`
	BuildArch        string `yaml:"build-arch"`
	RemoteAPIsSocket string `yaml:"remote-apis-socket"`
}

// BuiltinDefaults returns the core's built-in default YAML for a kind (the
// lowest-priority composition layer). Only the structurally essential kinds
// named in spec.md §4.3 are recognized here; third-party kinds look up
// their defaults through the plugin origin instead (outside this module's
// scope per spec.md §1).
func BuiltinDefaults(kind string) *ynode.Node {
	n := ynode.NewMapping(bserrors.Provenance{File: "<builtin>"})
	vars := ynode.NewMapping(bserrors.Provenance{File: "<builtin>"})
	switch Kind(kind) {
	case KindManual:
		vars.Set("command-subdir", ynode.NewScalar(".", bserrors.Provenance{}))
	case KindScript, KindCompose, KindFilter, KindImport, KindStack, KindJunction, KindLink:
		// no builtin variable defaults beyond the common ones.
	}
	n.Set("variables", vars)
	return n
}

// Factory composes and decodes one element declaration into an Element.
type Factory struct {
	Project ProjectView
}

// NewFactory builds a Factory bound to a project view.
func NewFactory(p ProjectView) *Factory {
	return &Factory{Project: p}
}

// Load performs the five-layer composition (spec.md §4.3/§4.1) on a parsed
// but not-yet-composed element Node and returns the resulting Element.
func (f *Factory) Load(elementName string, raw *ynode.Node) (*Element, error) {
	composer := ynode.NewComposer(f.Project.Include, optionContext{f.Project})
	declResolved, err := composer.Resolve(raw)
	if err != nil {
		return nil, bserrors.New(bserrors.ClassLoad, "INVALID_YAML", err).WithElement(elementName)
	}

	kindNode := declResolved.Get("kind")
	if kindNode == nil {
		return nil, bserrors.Newf(bserrors.ClassLoad, "MISSING_REQUIRED_KEY", "element %q missing required key \"kind\"", elementName).WithElement(elementName)
	}
	kind, err := ynode.RequireScalar(kindNode, "kind")
	if err != nil {
		return nil, err
	}

	layer1 := BuiltinDefaults(kind)
	layer2 := projectDefaultsNode(f.Project)
	layer3 := pluginDefaultsNode(kind)
	layer4 := f.Project.ElementOverride(kind)

	composed := layer1
	for _, layer := range []*ynode.Node{layer2, layer3, layer4} {
		if layer == nil {
			continue
		}
		composed, err = ynode.Merge(composed, layer)
		if err != nil {
			return nil, bserrors.New(bserrors.ClassLoad, "INVALID_YAML", err).WithElement(elementName)
		}
	}
	composed, err = ynode.Merge(composed, declResolved)
	if err != nil {
		return nil, bserrors.New(bserrors.ClassLoad, "INVALID_YAML", err).WithElement(elementName)
	}

	var decl declaration
	if err := ynode.DecodeStrict(composed, &decl); err != nil {
		return nil, bserrors.New(bserrors.ClassLoad, "UNKNOWN_KEY", err).WithElement(elementName)
	}
	if decl.Kind == "" {
		decl.Kind = kind
	}

	el := &Element{
		ProjectName:        f.Project.ProjectName(),
		Name:               elementName,
		Kind:               Kind(decl.Kind),
		Variables:          mergeStrMap(f.Project.Vars(), decl.Variables),
		Environment:        mergeStrMap(f.Project.Env(), decl.Environment),
		EnvironmentNocache: append(append([]string{}, f.Project.EnvNocache()...), decl.EnvironmentNocache...),
		Config:             composed.Get("config"),
	}

	if err := f.bindDependencies(el, decl); err != nil {
		return nil, err
	}
	if err := f.bindSources(el, decl, composed); err != nil {
		return nil, err
	}
	f.bindPublic(el, composed)
	f.bindSandbox(el, decl)

	return el, nil
}

func (f *Factory) bindDependencies(el *Element, decl declaration) error {
	add := func(entries []depEntry, forcedType dag.EdgeKind) error {
		for _, d := range entries {
			typ := forcedType
			if d.Type != "" {
				switch d.Type {
				case "build":
					typ = dag.Build
				case "runtime":
					typ = dag.Runtime
				case "all":
					typ = dag.All
				default:
					return bserrors.Newf(bserrors.ClassLoad, "INVALID_YAML", "dependency %q: unknown type %q", d.Filename, d.Type).WithElement(el.Name)
				}
			}
			strict := false
			if d.Strict != nil {
				strict = *d.Strict
			}
			name := d.Filename
			if d.Junction != "" {
				name = d.Junction + ":" + d.Filename
			}
			el.Dependencies = append(el.Dependencies, Dependency{Target: name, Type: typ, Strict: strict})
		}
		return nil
	}
	if err := add(decl.Depends, dag.All); err != nil {
		return err
	}
	if err := add(decl.BuildDepends, dag.Build); err != nil {
		return err
	}
	if err := add(decl.RuntimeDepends, dag.Runtime); err != nil {
		return err
	}

	// stack promotes every "depends" entry to both build and runtime.
	if el.Kind == KindStack {
		for i := range el.Dependencies {
			el.Dependencies[i].Type = dag.All
		}
	}
	return nil
}

func (f *Factory) bindSources(el *Element, decl declaration, composed *ynode.Node) error {
	sourcesNode := composed.Get("sources")
	if sourcesNode == nil {
		return nil
	}
	seq, err := ynode.RequireSequence(sourcesNode, "sources")
	if err != nil {
		return err
	}
	for i, entry := range seq.Seq {
		m, err := ynode.RequireMapping(entry, fmt.Sprintf("sources[%d]", i))
		if err != nil {
			return err
		}
		kindNode := m.Get("kind")
		if kindNode == nil {
			return bserrors.Newf(bserrors.ClassLoad, "MISSING_REQUIRED_KEY", "sources[%d] missing required key \"kind\"", i).WithElement(el.Name)
		}
		kind, err := ynode.RequireScalar(kindNode, "sources.kind")
		if err != nil {
			return err
		}
		directory := ""
		if d := m.Get("directory"); d != nil {
			directory, err = ynode.RequireScalar(d, "sources.directory")
			if err != nil {
				return err
			}
		}
		override := f.Project.SourceOverride(kind)
		cfg := m
		if override != nil {
			merged, err := ynode.Merge(override, m)
			if err != nil {
				return err
			}
			cfg = merged
		}
		el.Sources = append(el.Sources, &Source{
			Kind:      kind,
			Directory: directory,
			Config:    cfg,
		})
	}
	return nil
}

func (f *Factory) bindPublic(el *Element, composed *ynode.Node) {
	el.Public = Public{Domains: map[string]*ynode.Node{}, SplitRules: map[string][]string{}}
	// Inherit project default split rules first; the element's own "bst"
	// domain entries (handled below) may extend them via (>) / override them.
	for k, v := range f.Project.SplitRules() {
		el.Public.SplitRules[k] = append([]string{}, v...)
	}
	pub := composed.Get("public")
	if pub == nil {
		return
	}
	m, err := ynode.RequireMapping(pub, "public")
	if err != nil {
		return
	}
	for _, domain := range m.Keys {
		el.Public.Domains[domain] = m.Map[domain]
	}
	if bst, ok := m.Map["bst"]; ok {
		bm, err := ynode.RequireMapping(bst, "public.bst")
		if err == nil {
			if ic := bm.Get("integration-commands"); ic != nil {
				if seq, err := ynode.RequireSequence(ic, "integration-commands"); err == nil {
					for _, c := range seq.Seq {
						if v, err := ynode.RequireScalar(c, "integration-commands entry"); err == nil {
							el.Public.IntegrationCommands = append(el.Public.IntegrationCommands, v)
						}
					}
				}
			}
			if ow := bm.Get("overlap-whitelist"); ow != nil {
				if seq, err := ynode.RequireSequence(ow, "overlap-whitelist"); err == nil {
					for _, c := range seq.Seq {
						if v, err := ynode.RequireScalar(c, "overlap-whitelist entry"); err == nil {
							el.Public.OverlapWhitelist = append(el.Public.OverlapWhitelist, v)
						}
					}
				}
			}
			if sr := bm.Get("split-rules"); sr != nil {
				if srm, err := ynode.RequireMapping(sr, "split-rules"); err == nil {
					for _, key := range srm.Keys {
						domain, extend := key, false
						if len(key) > 3 && key[len(key)-3:] == "(>)" {
							domain, extend = key[:len(key)-3], true
						}
						if seq, err := ynode.RequireSequence(srm.Map[key], "split-rules."+domain); err == nil {
							var globs []string
							for _, g := range seq.Seq {
								if v, err := ynode.RequireScalar(g, "split-rules entry"); err == nil {
									globs = append(globs, v)
								}
							}
							if extend {
								globs = append(append([]string{}, el.Public.SplitRules[domain]...), globs...)
							}
							el.Public.SplitRules[domain] = globs
						}
					}
				}
			}
		}
	}
}

func (f *Factory) bindSandbox(el *Element, decl declaration) {
	el.Sandbox = Sandbox{BuildOS: decl.Sandbox.BuildOS, BuildArch: decl.Sandbox.BuildArch, RemoteAPIsSocket: decl.Sandbox.RemoteAPIsSocket}
	if decl.Sandbox.BuildUID != nil {
		el.Sandbox.BuildUID = *decl.Sandbox.BuildUID
	}
	if decl.Sandbox.BuildGID != nil {
		el.Sandbox.BuildGID = *decl.Sandbox.BuildGID
	}
}

func projectDefaultsNode(p ProjectView) *ynode.Node {
	n := ynode.NewMapping(bserrors.Provenance{})
	vars := ynode.NewMapping(bserrors.Provenance{})
	for k, v := range p.Vars() {
		vars.Set(k, ynode.NewScalar(v, bserrors.Provenance{}))
	}
	n.Set("variables", vars)
	env := ynode.NewMapping(bserrors.Provenance{})
	for k, v := range p.Env() {
		env.Set(k, ynode.NewScalar(v, bserrors.Provenance{}))
	}
	n.Set("environment", env)
	return n
}

func pluginDefaultsNode(kind string) *ynode.Node {
	// Structurally essential built-in kinds carry no extra plugin-level
	// default config beyond BuiltinDefaults; third-party kinds resolve
	// their defaults through the project's plugin origin (outside scope).
	return nil
}

func mergeStrMap(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

type optionContext struct {
	p ProjectView
}

func (o optionContext) Eval(expr string) (bool, error) {
	return o.p.EvalOption(expr)
}
