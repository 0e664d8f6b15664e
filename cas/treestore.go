package cas

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/sourcecache"
)

// treeManifest is a directory snapshot: every regular file's relative path,
// content digest, and permission bits, sorted by path so two semantically
// identical trees produce the same manifest blob regardless of walk order —
// the same determinism testable property (§8.1) cache keys rely on.
type treeManifest struct {
	Entries []treeManifestEntry `json:"entries"`
}

type treeManifestEntry struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Mode   uint32 `json:"mode"`
}

// treeRefStore ingests and checks out whole directory trees against an
// ObjectStore: every file becomes its own blob, and the tree itself is
// addressed by a manifest blob referenced from a small ref file under
// refDir. This is the shared engine behind both SourceTreeStore (keyed by
// source kind/unique-key) and the artifact cache (keyed by
// project/element/strong-key).
type treeRefStore struct {
	objects *ObjectStore
	refDir  string
}

func newTreeRefStore(objects *ObjectStore, refDir string) *treeRefStore {
	return &treeRefStore{objects: objects, refDir: refDir}
}

func (t *treeRefStore) refPath(rel string) string {
	return filepath.Join(t.refDir, rel)
}

func (t *treeRefStore) ingest(ctx context.Context, rel, dir string) (string, error) {
	var entries []treeManifestEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		digest, err := t.objects.PutFile(ctx, path)
		if err != nil {
			return err
		}
		entries = append(entries, treeManifestEntry{
			Path:   filepath.ToSlash(relPath),
			Digest: digest,
			Mode:   uint32(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return "", bserrors.New(bserrors.ClassCache, "INGEST_FAILED", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	manifestBytes, err := json.Marshal(treeManifest{Entries: entries})
	if err != nil {
		return "", err
	}
	manifestDigest, err := t.objects.Put(ctx, manifestBytes)
	if err != nil {
		return "", err
	}

	refFile := t.refPath(rel)
	if err := os.MkdirAll(filepath.Dir(refFile), 0o755); err != nil {
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	if err := os.WriteFile(refFile, []byte(manifestDigest), 0o644); err != nil {
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	return manifestDigest, nil
}

func (t *treeRefStore) has(rel string) (string, bool, error) {
	b, err := os.ReadFile(t.refPath(rel)) // #nosec G304 -- rel is built from validated kind/key components
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(b), true, nil
}

func (t *treeRefStore) checkout(ctx context.Context, rel, destDir string) (bool, error) {
	manifestDigest, found, err := t.has(rel)
	if err != nil || !found {
		return false, err
	}
	manifestBytes, err := t.objects.Get(ctx, manifestDigest)
	if err != nil {
		return false, bserrors.New(bserrors.ClassCache, "CACHE_READ_FAILED", err)
	}
	var manifest treeManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return false, bserrors.Newf(bserrors.ClassCache, "BLOB_CORRUPT", "manifest %s: %v", manifestDigest, err)
	}
	for _, e := range manifest.Entries {
		data, err := t.objects.Get(ctx, e.Digest)
		if err != nil {
			return false, err
		}
		target := filepath.Join(destDir, filepath.FromSlash(e.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return false, err
		}
		if err := os.WriteFile(target, data, fs.FileMode(e.Mode)); err != nil {
			return false, err
		}
	}
	return true, nil
}

// reachableDigests returns every blob digest (file content + manifest)
// referenced by rel's current manifest, for GC/quota sweeps.
func (t *treeRefStore) reachableDigests(ctx context.Context, rel string) ([]string, error) {
	manifestDigest, found, err := t.has(rel)
	if err != nil || !found {
		return nil, err
	}
	manifestBytes, err := t.objects.Get(ctx, manifestDigest)
	if err != nil {
		return nil, err
	}
	var manifest treeManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, err
	}
	digests := []string{manifestDigest}
	for _, e := range manifest.Entries {
		digests = append(digests, e.Digest)
	}
	return digests, nil
}

func (t *treeRefStore) remove(rel string) error {
	err := os.Remove(t.refPath(rel))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SourceTreeStore adapts treeRefStore to sourcecache.TreeStore, so a *Cache
// backed by this package can satisfy sourcecache.Cache's Store field
// without sourcecache needing to know anything about this package's
// manifest format.
type SourceTreeStore struct {
	core *treeRefStore
}

// NewSourceTreeStore roots source tree refs at baseDir
// (`<cachedir>/sources/refs`, spec.md §6).
func NewSourceTreeStore(objects *ObjectStore, baseDir string) *SourceTreeStore {
	return &SourceTreeStore{core: newTreeRefStore(objects, baseDir)}
}

func sourceRel(key sourcecache.Key) string { return filepath.Join(key.Kind, key.UniqueKey) }

func (s *SourceTreeStore) Ingest(ctx context.Context, key sourcecache.Key, dir string) (string, error) {
	return s.core.ingest(ctx, sourceRel(key), dir)
}

func (s *SourceTreeStore) Has(_ context.Context, key sourcecache.Key) (string, bool, error) {
	return s.core.has(sourceRel(key))
}

func (s *SourceTreeStore) Checkout(ctx context.Context, key sourcecache.Key, destDir string) (bool, error) {
	return s.core.checkout(ctx, sourceRel(key), destDir)
}
