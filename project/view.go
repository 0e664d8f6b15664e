package project

import (
	"os"
	"path/filepath"

	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/internal/ynode"
	"github.com/pkg/errors"
)

// The methods in this file satisfy element.ProjectView, letting the element
// factory compose against a Project without element importing project
// directly (project composes elements, never the reverse).

func (p *Project) ProjectName() string                     { return p.Name }
func (p *Project) ElementOverride(kind string) *ynode.Node  { return p.ElementOverrides[kind] }
func (p *Project) SourceOverride(kind string) *ynode.Node   { return p.SourceOverrides[kind] }
func (p *Project) Vars() map[string]string                  { return p.DefaultVariables }
func (p *Project) Env() map[string]string                   { return p.DefaultEnvironment }
func (p *Project) EnvNocache() []string                     { return p.EnvironmentNocache }
func (p *Project) SplitRules() map[string][]string          { return p.DefaultSplitRules }

func (p *Project) EvalOption(expr string) (bool, error) {
	return EvalExpr(expr, p.Options)
}

// Include resolves an (@) include reference to its parsed Node tree.
// References are resolved relative to the project root; a "junction:path"
// prefix (cross-project include) is left to the junction loader, which is
// outside this module's scope beyond the structural `junction` element kind.
func (p *Project) Include(ref string) (*ynode.Node, error) {
	full := filepath.Join(p.Root, ref)
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, bserrors.New(bserrors.ClassLoad, "INCLUDE_NOT_FOUND", errors.Wrapf(err, "include %q", ref))
	}
	return ynode.Parse(full, data)
}
