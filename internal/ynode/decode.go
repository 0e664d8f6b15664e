package ynode

import (
	"bytes"

	"github.com/buildstream-sub000/engine/internal/bserrors"
	"gopkg.in/yaml.v3"
)

// Encode renders a Node tree back into YAML bytes, used to hand a fully
// composed (but not yet variable-expanded) Node tree to a strict typed
// decode pass, mirroring the teacher's ParseConfiguration double-decode:
// first pass for structure/provenance, second pass with KnownFields(true)
// against a concrete Go type.
func Encode(n *Node) ([]byte, error) {
	y, err := toYAMLNode(n)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(y)
}

func toYAMLNode(n *Node) (*yaml.Node, error) {
	if n == nil {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"}, nil
	}
	switch n.Kind {
	case Scalar:
		return &yaml.Node{Kind: yaml.ScalarNode, Value: n.Value}, nil
	case Sequence:
		y := &yaml.Node{Kind: yaml.SequenceNode}
		for _, c := range n.Seq {
			cy, err := toYAMLNode(c)
			if err != nil {
				return nil, err
			}
			y.Content = append(y.Content, cy)
		}
		return y, nil
	case Mapping:
		y := &yaml.Node{Kind: yaml.MappingNode}
		for _, k := range n.Keys {
			ky := &yaml.Node{Kind: yaml.ScalarNode, Value: k}
			vy, err := toYAMLNode(n.Map[k])
			if err != nil {
				return nil, err
			}
			y.Content = append(y.Content, ky, vy)
		}
		return y, nil
	default:
		return nil, bserrors.Newf(bserrors.ClassInternal, "INVALID_NODE", "unknown node kind %v", n.Kind)
	}
}

// DecodeStrict marshals n and strict-decodes it into out, rejecting unknown
// fields exactly as the teacher's ParseConfiguration does with
// decoder.KnownFields(true).
func DecodeStrict(n *Node, out any) error {
	raw, err := Encode(n)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return bserrors.New(bserrors.ClassLoad, "UNKNOWN_KEY", err).WithProvenance(n.Provenance)
	}
	return nil
}
