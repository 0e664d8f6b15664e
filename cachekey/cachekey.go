// Package cachekey implements the cache-key engine of spec.md §4.5: weak and
// strong cache keys computed from a canonical serialisation of an element's
// resolved kind, configuration, variables, environment, sources, and
// dependency names or dependency strong keys.
//
// Grounded on the teacher's pkg/buildkit/determinism.go (content-determinism
// hashing discipline: canonicalize before hashing, never hash
// non-deterministic incidental detail) and pkg/config's sorted-key
// canonicalization conventions. The encode step is plain
// crypto/sha256 + explicit key-sorted encoding on purpose (see DESIGN.md):
// the teacher's own determinism hashing is stdlib-sha256-based with no
// canonical-encoding library anywhere in the pack, so this module follows
// suit rather than reaching for an out-of-pack canonical-JSON/CBOR library.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Key is a hex-encoded SHA-256 digest.
type Key string

// Input is the fully-resolved data an element contributes to its own
// unique(E) computation, independent of its dependencies.
type Input struct {
	Kind          string
	PluginVersion int
	Config        map[string]string
	Variables     map[string]string
	Environment   map[string]string // already filtered by environment-nocache
	SourceKeys    []string          // source_unique(s) for s in sources(E), in declared order
	Public        map[string]string
	Sandbox       map[string]string
}

// Unique computes unique(E): the hash of everything the element itself
// contributes to its cache key, before dependencies are folded in.
func Unique(in Input) Key {
	h := sha256.New()
	writeField(h, "kind", in.Kind)
	writeField(h, "plugin_version", fmt.Sprintf("%d", in.PluginVersion))
	writeCanonicalMap(h, "config", in.Config)
	writeCanonicalMap(h, "variables", in.Variables)
	writeCanonicalMap(h, "environment", in.Environment)
	writeSeq(h, "sources", in.SourceKeys)
	writeCanonicalMap(h, "public", in.Public)
	writeCanonicalMap(h, "sandbox", in.Sandbox)
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Weak computes weak(E) = H(unique(E), [name(d) for d in B(E)]): dependency
// contents are ignored, only dependency names participate.
func Weak(unique Key, buildDepNames []string) Key {
	h := sha256.New()
	writeField(h, "unique", string(unique))
	names := append([]string(nil), buildDepNames...)
	sort.Strings(names)
	writeSeq(h, "dep_names", names)
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Strong computes strong(E) = H(unique(E), [strong(d) for d in B(E)]): each
// build dependency contributes its own strong key, so changes propagate.
// Strong keys are kept in declared-dependency order (not sorted) because two
// elements with the same dependency set in a different declared order are
// legitimately allowed to produce different strong keys only if that order
// is itself part of "config"; in practice callers pass a stable order (e.g.
// the topological order of the build-scope closure) so Strong is stable run
// to run, matching the determinism invariant.
func Strong(unique Key, buildDepStrongKeys []string) Key {
	h := sha256.New()
	writeField(h, "unique", string(unique))
	writeSeq(h, "dep_strong_keys", buildDepStrongKeys)
	return Key(hex.EncodeToString(h.Sum(nil)))
}

type writer interface {
	Write([]byte) (int, error)
}

func writeField(h writer, name, value string) {
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(value))
	_, _ = h.Write([]byte{0})
}

func writeCanonicalMap(h writer, name string, m map[string]string) {
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(m[k]))
		_, _ = h.Write([]byte{0})
	}
}

func writeSeq(h writer, name string, values []string) {
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.Join(values, "\x1f")))
	_, _ = h.Write([]byte{0})
}
