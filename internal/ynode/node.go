// Package ynode implements the provenance-tracking YAML node tree and the
// composition directives ((@), (?), (!), (<), (>), (=)) that the project and
// element loaders compose before any semantic interpretation happens.
//
// The approach generalizes the teacher's (eslerm-melange2 pkg/config)
// double-decode trick: parse once into *yaml.Node for structure and
// provenance, then, after composition, strict-decode into typed Go structs
// with KnownFields(true) so unrecognized keys are load errors.
package ynode

import (
	"fmt"
	"sort"

	"github.com/buildstream-sub000/engine/internal/bserrors"
	"gopkg.in/yaml.v3"
)

// Kind discriminates the three node variants.
type Kind int

const (
	Scalar Kind = iota
	Sequence
	Mapping
)

// Node is a YAML value carrying provenance. Equality is structural over
// Value/Seq/Map; Provenance is metadata only and never participates in
// cache-key hashing or composition-result comparisons.
type Node struct {
	Kind       Kind
	Value      string // valid when Kind == Scalar
	Seq        []*Node
	Map        map[string]*Node
	Keys       []string // insertion order, mirrors the teacher's deterministic re-sort discipline
	Provenance bserrors.Provenance
}

// NewScalar builds a scalar node with the given provenance.
func NewScalar(value string, p bserrors.Provenance) *Node {
	return &Node{Kind: Scalar, Value: value, Provenance: p}
}

// NewMapping builds an empty mapping node with the given provenance.
func NewMapping(p bserrors.Provenance) *Node {
	return &Node{Kind: Mapping, Map: map[string]*Node{}, Provenance: p}
}

// NewSequence builds an empty sequence node with the given provenance.
func NewSequence(p bserrors.Provenance) *Node {
	return &Node{Kind: Sequence, Provenance: p}
}

// Set inserts or replaces a key in a mapping node, recording key order.
func (n *Node) Set(key string, value *Node) {
	if n.Map == nil {
		n.Map = map[string]*Node{}
	}
	if _, exists := n.Map[key]; !exists {
		n.Keys = append(n.Keys, key)
	}
	n.Map[key] = value
}

// Get returns the child of a mapping node, or nil if absent.
func (n *Node) Get(key string) *Node {
	if n == nil || n.Kind != Mapping {
		return nil
	}
	return n.Map[key]
}

// SortedKeys returns the mapping's keys in lexicographic order, which is the
// order the cache-key engine's canonical encoding requires.
func (n *Node) SortedKeys() []string {
	keys := make([]string, 0, len(n.Map))
	for k := range n.Map {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Parse reads a YAML document into a provenance-tracking Node tree.
func Parse(filename string, data []byte) (*Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, bserrors.New(bserrors.ClassLoad, "INVALID_YAML", err).WithProvenance(bserrors.Provenance{File: filename})
	}
	if len(doc.Content) == 0 {
		return NewMapping(bserrors.Provenance{File: filename, Line: 1, Column: 1}), nil
	}
	return fromYAMLNode(filename, doc.Content[0])
}

func fromYAMLNode(filename string, y *yaml.Node) (*Node, error) {
	prov := bserrors.Provenance{File: filename, Line: y.Line, Column: y.Column}
	switch y.Kind {
	case yaml.ScalarNode:
		return NewScalar(y.Value, prov), nil
	case yaml.SequenceNode:
		n := NewSequence(prov)
		for _, c := range y.Content {
			cn, err := fromYAMLNode(filename, c)
			if err != nil {
				return nil, err
			}
			n.Seq = append(n.Seq, cn)
		}
		return n, nil
	case yaml.MappingNode:
		n := NewMapping(prov)
		for i := 0; i+1 < len(y.Content); i += 2 {
			key := y.Content[i].Value
			val, err := fromYAMLNode(filename, y.Content[i+1])
			if err != nil {
				return nil, err
			}
			n.Set(key, val)
		}
		return n, nil
	case yaml.AliasNode:
		return fromYAMLNode(filename, y.Alias)
	case yaml.DocumentNode:
		if len(y.Content) > 0 {
			return fromYAMLNode(filename, y.Content[0])
		}
		return NewMapping(prov), nil
	default:
		return nil, bserrors.Newf(bserrors.ClassLoad, "INVALID_YAML", "unsupported yaml node kind %v", y.Kind).WithProvenance(prov)
	}
}

// RequireMapping validates n is a mapping, producing EXPECTED_MAPPING otherwise.
func RequireMapping(n *Node, context string) (*Node, error) {
	if n == nil || n.Kind != Mapping {
		return nil, bserrors.Newf(bserrors.ClassLoad, "EXPECTED_MAPPING", "%s: expected a mapping", context).WithProvenance(provOf(n))
	}
	return n, nil
}

// RequireSequence validates n is a sequence, producing EXPECTED_SEQUENCE otherwise.
func RequireSequence(n *Node, context string) (*Node, error) {
	if n == nil || n.Kind != Sequence {
		return nil, bserrors.Newf(bserrors.ClassLoad, "EXPECTED_SEQUENCE", "%s: expected a sequence", context).WithProvenance(provOf(n))
	}
	return n, nil
}

// RequireScalar validates n is a scalar, producing EXPECTED_SCALAR otherwise.
func RequireScalar(n *Node, context string) (string, error) {
	if n == nil || n.Kind != Scalar {
		return "", bserrors.Newf(bserrors.ClassLoad, "EXPECTED_SCALAR", "%s: expected a scalar", context).WithProvenance(provOf(n))
	}
	return n.Value, nil
}

func provOf(n *Node) bserrors.Provenance {
	if n == nil {
		return bserrors.Provenance{}
	}
	return n.Provenance
}

// Clone deep-copies a Node tree. Used before mutation by composition so the
// original parsed document (useful for diagnostics and directive
// idempotence checks) is never mutated in place.
func Clone(n *Node) *Node {
	if n == nil {
		return nil
	}
	cp := &Node{Kind: n.Kind, Value: n.Value, Provenance: n.Provenance}
	switch n.Kind {
	case Sequence:
		cp.Seq = make([]*Node, len(n.Seq))
		for i, c := range n.Seq {
			cp.Seq[i] = Clone(c)
		}
	case Mapping:
		cp.Map = make(map[string]*Node, len(n.Map))
		cp.Keys = append([]string(nil), n.Keys...)
		for k, v := range n.Map {
			cp.Map[k] = Clone(v)
		}
	}
	return cp
}

// String renders a scalar-ish debug form, used only in error messages.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	switch n.Kind {
	case Scalar:
		return n.Value
	case Sequence:
		return fmt.Sprintf("<sequence len=%d>", len(n.Seq))
	default:
		return fmt.Sprintf("<mapping keys=%d>", len(n.Map))
	}
}
