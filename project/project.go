// Package project implements the project loader of spec.md §4.2: parsing
// project.conf into a fully configured Project usable by the element
// loader, including options, aliases, plugin origins, and junction
// deferral.
//
// Grounded on the teacher's pkg/config.ParseConfiguration (functional
// options for parsing, a Node-based strict-decode pass, and environment/var
// file merging) generalized from "one package's build configuration" into
// "the namespace an entire project's elements compose within."
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/internal/ynode"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// MinVersion is a (major, minor) core version pair.
type MinVersion struct {
	Major int
	Minor int
}

// OptionKind distinguishes the typed option kinds project.conf supports.
type OptionKind string

const (
	OptionBool        OptionKind = "bool"
	OptionEnum        OptionKind = "enum"
	OptionFlags       OptionKind = "flags"
	OptionArch        OptionKind = "arch"
	OptionOS          OptionKind = "os"
	OptionElementMask OptionKind = "element-mask"
)

// Option is one declared project option together with its resolved value.
type Option struct {
	Name    string
	Kind    OptionKind
	Values  []string // legal values for enum/flags/arch/os
	Default string
	Value   string // after applying user overrides
}

// PluginOrigin is one entry of the ordered plugin-origin list.
type PluginOrigin struct {
	Origin         string // "local", "pip", "junction"
	Identifier     string // directory path, package name, or junction element
	Names          []string
	AllowDeprecated bool
}

// JunctionConfig controls cross-project subproject composition.
type JunctionConfig struct {
	Duplicates             []string
	Internal               []string
	DisallowSubprojectURIs bool
}

// Project is the fully configured namespace elements of this project
// compose within.
type Project struct {
	Root        string
	Name        string
	MinVersion  MinVersion
	ElementPath string
	Aliases     map[string]string
	Options     map[string]*Option
	PluginOrigins []PluginOrigin
	DefaultVariables    map[string]string
	DefaultEnvironment  map[string]string
	EnvironmentNocache  []string
	DefaultSplitRules   map[string][]string
	ElementOverrides    map[string]*ynode.Node // per-kind project.conf "elements:" overrides
	SourceOverrides     map[string]*ynode.Node // per-kind project.conf "sources:" overrides
	Mirrors             map[string][]string
	Junction            JunctionConfig
	RecommendedArtifactCaches []string
	RecommendedSourceCaches  []string

	raw *ynode.Node
}

// CoreMinVersion is the version this engine implements, used to reject
// projects whose min-version exceeds it.
var CoreMinVersion = MinVersion{Major: 2, Minor: 0}

var namePattern = regexp.MustCompile(`^[^\d].*$`)

// Options is a set of name→value overrides from the CLI or user config,
// applied on top of project.conf's option defaults.
type Options map[string]string

// Load reads project.conf from root, merges the supplied override files
// (matching the teacher's godotenv-based env merge in pkg/config), and
// produces a Project. Every section is read from the tree as parsed: (@)
// include and (?) conditional directives in project.conf are not composed.
func Load(root string, overrides Options, overrideFiles ...string) (*Project, error) {
	confPath := filepath.Join(root, "project.conf")
	data, err := os.ReadFile(confPath)
	if err != nil {
		return nil, bserrors.New(bserrors.ClassLoad, "INVALID_YAML", errors.Wrap(err, "reading project.conf"))
	}

	merged, err := mergeOverrideFiles(overrideFiles)
	if err != nil {
		return nil, err
	}
	for k, v := range overrides {
		merged[k] = v
	}

	root0, err := ynode.Parse(confPath, data)
	if err != nil {
		return nil, err
	}

	p := &Project{
		Root:               root,
		Aliases:            map[string]string{},
		Options:            map[string]*Option{},
		DefaultVariables:   map[string]string{},
		DefaultEnvironment: map[string]string{},
		DefaultSplitRules:  map[string][]string{},
		ElementOverrides:   map[string]*ynode.Node{},
		SourceOverrides:    map[string]*ynode.Node{},
		Mirrors:            map[string][]string{},
		raw:                root0,
	}

	// name, element-path, min-version, plugins are not subject to (@)
	// include per spec.md §4.2/§6 — read them directly off the unresolved tree.
	if err := p.loadIdentity(root0); err != nil {
		return nil, err
	}
	if err := p.loadOptions(root0, merged); err != nil {
		return nil, err
	}
	if err := p.loadAliasesAndMirrors(root0); err != nil {
		return nil, err
	}
	if err := p.loadDefaults(root0); err != nil {
		return nil, err
	}
	if err := p.loadOverrides(root0); err != nil {
		return nil, err
	}
	if err := p.loadJunctionConfig(root0); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Project) loadIdentity(root *ynode.Node) error {
	nameNode := root.Get("name")
	if nameNode == nil {
		return bserrors.Newf(bserrors.ClassLoad, "MISSING_REQUIRED_KEY", "project.conf missing required key \"name\"").WithProvenance(root.Provenance)
	}
	name, err := ynode.RequireScalar(nameNode, "name")
	if err != nil {
		return err
	}
	if name == "" || !namePattern.MatchString(name) {
		return bserrors.Newf(bserrors.ClassLoad, "BAD_ELEMENT_NAME", "project name %q must be non-empty and not start with a digit", name).WithProvenance(nameNode.Provenance)
	}
	p.Name = name

	p.ElementPath = "."
	if ep := root.Get("element-path"); ep != nil {
		v, err := ynode.RequireScalar(ep, "element-path")
		if err != nil {
			return err
		}
		p.ElementPath = v
	}

	if mv := root.Get("min-version"); mv != nil {
		v, err := ynode.RequireScalar(mv, "min-version")
		if err != nil {
			return err
		}
		var maj, min int
		if _, err := fmt.Sscanf(v, "%d.%d", &maj, &min); err != nil {
			return bserrors.Newf(bserrors.ClassLoad, "UNSUPPORTED_PROJECT", "invalid min-version %q", v).WithProvenance(mv.Provenance)
		}
		p.MinVersion = MinVersion{Major: maj, Minor: min}
		if p.MinVersion.Major > CoreMinVersion.Major ||
			(p.MinVersion.Major == CoreMinVersion.Major && p.MinVersion.Minor > CoreMinVersion.Minor) {
			return bserrors.Newf(bserrors.ClassLoad, "UNSUPPORTED_PROJECT", "project requires min-version %d.%d, core supports up to %d.%d",
				p.MinVersion.Major, p.MinVersion.Minor, CoreMinVersion.Major, CoreMinVersion.Minor).WithProvenance(mv.Provenance)
		}
	}

	if plugins := root.Get("plugins"); plugins != nil {
		seq, err := ynode.RequireSequence(plugins, "plugins")
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, entry := range seq.Seq {
			m, err := ynode.RequireMapping(entry, "plugins entry")
			if err != nil {
				return err
			}
			originVal, err := ynode.RequireScalar(m.Get("origin"), "plugins.origin")
			if err != nil {
				return err
			}
			idNode := m.Get("identifier")
			ident := ""
			if idNode != nil {
				ident, _ = ynode.RequireScalar(idNode, "plugins.identifier")
			}
			var names []string
			if namesNode := m.Get("names"); namesNode != nil {
				ns, err := ynode.RequireSequence(namesNode, "plugins.names")
				if err != nil {
					return err
				}
				for _, n := range ns.Seq {
					v, err := ynode.RequireScalar(n, "plugins.names entry")
					if err != nil {
						return err
					}
					if seen[v] {
						return bserrors.Newf(bserrors.ClassLoad, "PLUGIN_NAME_CONFLICT", "plugin name %q declared by more than one origin", v).WithProvenance(n.Provenance)
					}
					seen[v] = true
					names = append(names, v)
				}
			}
			allowDeprecated := false
			if ad := m.Get("allow-deprecated"); ad != nil {
				v, _ := ynode.RequireScalar(ad, "allow-deprecated")
				allowDeprecated = v == "true"
			}
			p.PluginOrigins = append(p.PluginOrigins, PluginOrigin{
				Origin: originVal, Identifier: ident, Names: names, AllowDeprecated: allowDeprecated,
			})
		}
	}
	return nil
}

func (p *Project) loadOptions(root *ynode.Node, overrides Options) error {
	opts := root.Get("options")
	if opts == nil {
		p.setRuntimeOptions(overrides)
		return nil
	}
	m, err := ynode.RequireMapping(opts, "options")
	if err != nil {
		return err
	}
	for _, name := range m.Keys {
		spec, err := ynode.RequireMapping(m.Map[name], fmt.Sprintf("options.%s", name))
		if err != nil {
			return err
		}
		kindStr, err := ynode.RequireScalar(spec.Get("type"), fmt.Sprintf("options.%s.type", name))
		if err != nil {
			return err
		}
		kind := OptionKind(kindStr)
		if kind == OptionArch || kind == OptionOS {
			return bserrors.Newf(bserrors.ClassLoad, "UNSUPPORTED_DIRECTIVE", "option %q: arch/os options always default to runtime-detected values and cannot be defaulted in the project file", name).WithProvenance(spec.Provenance)
		}
		def := ""
		if d := spec.Get("default"); d != nil {
			def, _ = ynode.RequireScalar(d, "default")
		}
		var values []string
		if v := spec.Get("values"); v != nil {
			seq, err := ynode.RequireSequence(v, fmt.Sprintf("options.%s.values", name))
			if err != nil {
				return err
			}
			for _, e := range seq.Seq {
				s, err := ynode.RequireScalar(e, "values entry")
				if err != nil {
					return err
				}
				values = append(values, s)
			}
		}
		value := def
		if ov, ok := overrides[name]; ok {
			value = ov
		}
		p.Options[name] = &Option{Name: name, Kind: kind, Values: values, Default: def, Value: value}
	}
	p.setRuntimeOptions(overrides)
	return nil
}

func (p *Project) setRuntimeOptions(overrides Options) {
	arch := runtime.GOARCH
	if v, ok := overrides["arch"]; ok {
		arch = v
	}
	osName := runtime.GOOS
	if v, ok := overrides["os"]; ok {
		osName = v
	}
	p.Options["arch"] = &Option{Name: "arch", Kind: OptionArch, Value: arch, Default: runtime.GOARCH}
	p.Options["os"] = &Option{Name: "os", Kind: OptionOS, Value: osName, Default: runtime.GOOS}
}

func (p *Project) loadAliasesAndMirrors(root *ynode.Node) error {
	if aliases := root.Get("aliases"); aliases != nil {
		m, err := ynode.RequireMapping(aliases, "aliases")
		if err != nil {
			return err
		}
		for _, k := range m.Keys {
			v, err := ynode.RequireScalar(m.Map[k], fmt.Sprintf("aliases.%s", k))
			if err != nil {
				return err
			}
			p.Aliases[k] = v
		}
	}
	if mirrors := root.Get("mirrors"); mirrors != nil {
		seq, err := ynode.RequireSequence(mirrors, "mirrors")
		if err != nil {
			return err
		}
		for _, entry := range seq.Seq {
			m, err := ynode.RequireMapping(entry, "mirrors entry")
			if err != nil {
				return err
			}
			nameNode, err := ynode.RequireScalar(m.Get("name"), "mirrors.name")
			if err != nil {
				return err
			}
			aliasesNode := m.Get("aliases")
			if aliasesNode == nil {
				continue
			}
			am, err := ynode.RequireMapping(aliasesNode, "mirrors.aliases")
			if err != nil {
				return err
			}
			for _, alias := range am.Keys {
				seqN, err := ynode.RequireSequence(am.Map[alias], "mirror alias urls")
				if err != nil {
					return err
				}
				for _, u := range seqN.Seq {
					uv, err := ynode.RequireScalar(u, "mirror url")
					if err != nil {
						return err
					}
					key := nameNode + ":" + alias
					p.Mirrors[key] = append(p.Mirrors[key], uv)
				}
			}
		}
	}
	return nil
}

func (p *Project) loadDefaults(root *ynode.Node) error {
	if v := root.Get("variables"); v != nil {
		m, err := ynode.RequireMapping(v, "variables")
		if err != nil {
			return err
		}
		for _, k := range m.Keys {
			sv, err := ynode.RequireScalar(m.Map[k], "variables."+k)
			if err != nil {
				return err
			}
			p.DefaultVariables[k] = sv
		}
	}
	if v := root.Get("environment"); v != nil {
		m, err := ynode.RequireMapping(v, "environment")
		if err != nil {
			return err
		}
		for _, k := range m.Keys {
			sv, err := ynode.RequireScalar(m.Map[k], "environment."+k)
			if err != nil {
				return err
			}
			p.DefaultEnvironment[k] = sv
		}
	}
	if v := root.Get("environment-nocache"); v != nil {
		seq, err := ynode.RequireSequence(v, "environment-nocache")
		if err != nil {
			return err
		}
		for _, e := range seq.Seq {
			sv, err := ynode.RequireScalar(e, "environment-nocache entry")
			if err != nil {
				return err
			}
			p.EnvironmentNocache = append(p.EnvironmentNocache, sv)
		}
	}
	if v := root.Get("split-rules"); v != nil {
		m, err := ynode.RequireMapping(v, "split-rules")
		if err != nil {
			return err
		}
		for _, k := range m.Keys {
			seq, err := ynode.RequireSequence(m.Map[k], "split-rules."+k)
			if err != nil {
				return err
			}
			for _, e := range seq.Seq {
				sv, err := ynode.RequireScalar(e, "split-rules entry")
				if err != nil {
					return err
				}
				p.DefaultSplitRules[k] = append(p.DefaultSplitRules[k], sv)
			}
		}
	}
	return nil
}

func (p *Project) loadOverrides(root *ynode.Node) error {
	if v := root.Get("elements"); v != nil {
		m, err := ynode.RequireMapping(v, "elements")
		if err != nil {
			return err
		}
		for _, k := range m.Keys {
			p.ElementOverrides[k] = m.Map[k]
		}
	}
	if v := root.Get("sources"); v != nil {
		m, err := ynode.RequireMapping(v, "sources")
		if err != nil {
			return err
		}
		for _, k := range m.Keys {
			p.SourceOverrides[k] = m.Map[k]
		}
	}
	return nil
}

func (p *Project) loadJunctionConfig(root *ynode.Node) error {
	j := root.Get("junctions")
	if j == nil {
		return nil
	}
	m, err := ynode.RequireMapping(j, "junctions")
	if err != nil {
		return err
	}
	if d := m.Get("duplicates"); d != nil {
		seq, err := ynode.RequireSequence(d, "junctions.duplicates")
		if err != nil {
			return err
		}
		for _, e := range seq.Seq {
			v, _ := ynode.RequireScalar(e, "duplicates entry")
			p.Junction.Duplicates = append(p.Junction.Duplicates, v)
		}
	}
	if d := m.Get("internal"); d != nil {
		seq, err := ynode.RequireSequence(d, "junctions.internal")
		if err != nil {
			return err
		}
		for _, e := range seq.Seq {
			v, _ := ynode.RequireScalar(e, "internal entry")
			p.Junction.Internal = append(p.Junction.Internal, v)
		}
	}
	if d := m.Get("disallow-subproject-uris"); d != nil {
		v, _ := ynode.RequireScalar(d, "disallow-subproject-uris")
		p.Junction.DisallowSubprojectURIs = v == "true"
	}
	return nil
}

// mergeOverrideFiles merges a sequence of .env-style user configuration
// override files, matching the teacher's godotenv-based merge (later files
// win), returning a flat string map ready to be layered over project.conf's
// option defaults.
func mergeOverrideFiles(paths []string) (Options, error) {
	out := Options{}
	for _, path := range paths {
		if path == "" {
			continue
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, bserrors.New(bserrors.ClassUser, "BAD_OVERRIDE_FILE", errors.Wrapf(err, "reading override file %s", path))
		}
		for k, v := range vars {
			out[k] = v
		}
	}
	return out, nil
}

// EvalOption (see view.go) is adapted to internal/ynode.OptionContext by the
// element factory's optionContext wrapper.
