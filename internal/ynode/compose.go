package ynode

import (
	"github.com/buildstream-sub000/engine/internal/bserrors"
)

// IncludeLoader resolves an (@) include reference (a project-relative,
// possibly junction-prefixed path) to its parsed Node tree. The project
// loader supplies the concrete implementation; ynode only drives the
// recursion and cycle detection.
type IncludeLoader func(ref string) (*Node, error)

// OptionContext evaluates a (?) conditional's boolean expression against a
// project's current option values. The project loader supplies the
// concrete implementation.
type OptionContext interface {
	Eval(expr string) (bool, error)
}

const (
	keyInclude     = "(@)"
	keyConditional = "(?)"
	keyAssertion   = "(!)"
	prefixPrepend  = "(<)"
	prefixAppend   = "(>)"
	prefixOverwrite = "(=)"
)

// Composer drives (@)/(?)/(!)/(<)/(>)/(=) resolution over a parsed Node
// tree, matching the composition order spec.md §4.1 mandates: builtin
// defaults, project defaults, plugin defaults, project overrides, element
// declaration are composed by repeated calls to Merge in ascending priority,
// each call itself running Resolve first.
type Composer struct {
	Includes IncludeLoader
	Options  OptionContext

	includeStack map[string]bool
}

// NewComposer builds a Composer ready to Resolve/Merge nodes.
func NewComposer(includes IncludeLoader, options OptionContext) *Composer {
	return &Composer{Includes: includes, Options: options, includeStack: map[string]bool{}}
}

// Resolve realises (@) includes and (?) conditionals (firing (!) assertions
// along the way) on n, returning a new mapping with no directive keys left.
// Directive idempotence (testable property 3) follows because Resolve on an
// already-resolved tree finds no (@)/(?) keys and returns an equivalent copy.
func (c *Composer) Resolve(n *Node) (*Node, error) {
	if n == nil {
		return nil, nil
	}
	if n.Kind != Mapping {
		return resolveNonMapping(c, n)
	}

	out := NewMapping(n.Provenance)

	if inc, ok := n.Map[keyInclude]; ok {
		included, err := c.resolveInclude(inc)
		if err != nil {
			return nil, err
		}
		if err := mergeInto(out, included); err != nil {
			return nil, err
		}
	}

	for _, key := range n.Keys {
		if key == keyInclude || key == keyConditional {
			continue
		}
		child := n.Map[key]
		resolvedChild, err := c.Resolve(child)
		if err != nil {
			return nil, err
		}
		if existing := out.Map[key]; existing != nil && existing.Kind == Mapping && resolvedChild != nil && resolvedChild.Kind == Mapping {
			merged := Clone(existing)
			if err := mergeInto(merged, resolvedChild); err != nil {
				return nil, err
			}
			resolvedChild = merged
		}
		out.Set(key, resolvedChild)
	}

	if cond, ok := n.Map[keyConditional]; ok {
		if err := c.applyConditional(out, cond); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func resolveNonMapping(c *Composer, n *Node) (*Node, error) {
	switch n.Kind {
	case Sequence:
		out := NewSequence(n.Provenance)
		for _, child := range n.Seq {
			rc, err := c.Resolve(child)
			if err != nil {
				return nil, err
			}
			out.Seq = append(out.Seq, rc)
		}
		return out, nil
	default:
		return Clone(n), nil
	}
}

func (c *Composer) resolveInclude(spec *Node) (*Node, error) {
	var refs []string
	switch spec.Kind {
	case Scalar:
		refs = []string{spec.Value}
	case Sequence:
		for _, item := range spec.Seq {
			v, err := RequireScalar(item, "(@) include entry")
			if err != nil {
				return nil, err
			}
			refs = append(refs, v)
		}
	default:
		return nil, bserrors.Newf(bserrors.ClassLoad, "EXPECTED_SCALAR", "(@) must be a scalar or list of scalars").WithProvenance(spec.Provenance)
	}

	merged := NewMapping(spec.Provenance)
	for _, ref := range refs {
		if c.includeStack[ref] {
			return nil, bserrors.Newf(bserrors.ClassLoad, "INCLUDE_CYCLE", "include cycle detected at %q", ref).WithProvenance(spec.Provenance)
		}
		c.includeStack[ref] = true
		included, err := c.Includes(ref)
		if err != nil {
			delete(c.includeStack, ref)
			return nil, bserrors.New(bserrors.ClassLoad, "INCLUDE_NOT_FOUND", err).WithProvenance(spec.Provenance)
		}
		resolved, err := c.Resolve(included)
		delete(c.includeStack, ref)
		if err != nil {
			return nil, err
		}
		if err := mergeInto(merged, resolved); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// applyConditional evaluates each (?) branch in declaration order, merging
// every truthful branch onto out immediately so later branches can react to
// earlier composites (spec.md §4.1: "every truthful branch is composited
// onto the containing mapping immediately").
func (c *Composer) applyConditional(out *Node, cond *Node) error {
	seq, err := RequireSequence(cond, "(?)")
	if err != nil {
		return err
	}
	for _, branch := range seq.Seq {
		bm, err := RequireMapping(branch, "(?) branch")
		if err != nil {
			return err
		}
		if len(bm.Keys) != 1 {
			return bserrors.Newf(bserrors.ClassLoad, "UNSUPPORTED_DIRECTIVE", "(?) branch must have exactly one key").WithProvenance(bm.Provenance)
		}
		expr := bm.Keys[0]
		truthy, err := c.Options.Eval(expr)
		if err != nil {
			return bserrors.New(bserrors.ClassLoad, "UNDEFINED_OPTION", err).WithProvenance(bm.Provenance)
		}
		if !truthy {
			continue
		}
		body := bm.Map[expr]
		if assertion, ok := detectAssertion(body); ok {
			msg, err := RequireScalar(assertion, keyAssertion)
			if err != nil {
				return err
			}
			return bserrors.Newf(bserrors.ClassLoad, "ASSERTION_FIRED", "%s", msg).WithProvenance(assertion.Provenance)
		}
		resolvedBody, err := c.Resolve(body)
		if err != nil {
			return err
		}
		if err := mergeInto(out, resolvedBody); err != nil {
			return err
		}
	}
	return nil
}

func detectAssertion(body *Node) (*Node, bool) {
	if body == nil || body.Kind != Mapping {
		return nil, false
	}
	a, ok := body.Map[keyAssertion]
	return a, ok
}

// Merge composes src onto a clone of dst and returns the result, applying
// the same last-writer-wins/list-directive rules mergeInto uses internally.
// Exported for callers (the element factory's five-layer composition) that
// need to merge already-directive-free Node trees without re-running
// Resolve on either side.
func Merge(dst, src *Node) (*Node, error) {
	if dst == nil {
		return Clone(src), nil
	}
	out := Clone(dst)
	if err := mergeInto(out, src); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeInto merges src onto dst following the composition rule: the
// includer/overriding mapping wins per-key (testable property 2:
// commutativity over disjoint key sets, last-writer-wins provenance
// otherwise), and list-valued keys replace by default unless the
// list-directive prefixed key variants are present.
func mergeInto(dst, src *Node) error {
	if src == nil {
		return nil
	}
	if src.Kind != Mapping {
		return bserrors.Newf(bserrors.ClassLoad, "EXPECTED_MAPPING", "cannot merge non-mapping content").WithProvenance(src.Provenance)
	}
	for _, key := range src.Keys {
		if key == keyInclude || key == keyConditional || key == keyAssertion {
			continue
		}
		val := src.Map[key]
		if err := mergeKey(dst, key, val); err != nil {
			return err
		}
	}
	return nil
}

func mergeKey(dst *Node, key string, val *Node) error {
	plain, directive := splitDirective(key)
	existing := dst.Map[plain]

	switch directive {
	case prefixPrepend:
		return mergeList(dst, plain, existing, val, true)
	case prefixAppend:
		return mergeList(dst, plain, existing, val, false)
	case prefixOverwrite:
		if existing == nil || existing.Kind != Sequence {
			return bserrors.Newf(bserrors.ClassLoad, "UNSUPPORTED_DIRECTIVE", "(=) overwrite on %q with no underlying list", plain).WithProvenance(val.Provenance)
		}
		dst.Set(plain, val)
		return nil
	default:
		// Default behaviour for mappings is recursive merge (child wins
		// per-key, same rule applied one level down); for everything else,
		// including lists, default behaviour is outright replace.
		if existing != nil && existing.Kind == Mapping && val.Kind == Mapping {
			merged := Clone(existing)
			if err := mergeInto(merged, val); err != nil {
				return err
			}
			dst.Set(plain, merged)
			return nil
		}
		dst.Set(plain, val)
		return nil
	}
}

func mergeList(dst *Node, plain string, existing, val *Node, prepend bool) error {
	addSeq, err := RequireSequence(val, "list directive value")
	if err != nil {
		return err
	}
	var base []*Node
	if existing != nil {
		existingSeq, err := RequireSequence(existing, "list directive target")
		if err != nil {
			return err
		}
		base = existingSeq.Seq
	}
	out := NewSequence(val.Provenance)
	if prepend {
		out.Seq = append(append([]*Node{}, addSeq.Seq...), base...)
	} else {
		out.Seq = append(append([]*Node{}, base...), addSeq.Seq...)
	}
	dst.Set(plain, out)
	return nil
}

func splitDirective(key string) (plain string, directive string) {
	if len(key) > 3 {
		suffix := key[len(key)-3:]
		if suffix == prefixPrepend || suffix == prefixAppend || suffix == prefixOverwrite {
			return key[:len(key)-3], suffix
		}
	}
	return key, ""
}
