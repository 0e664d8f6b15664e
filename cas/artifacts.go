package cas

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/buildstream-sub000/engine/cachekey"
	"github.com/buildstream-sub000/engine/internal/bserrors"
	"github.com/buildstream-sub000/engine/sandbox"
)

// artifactRef identifies one cached artifact by the addressable name
// spec.md §6 defines: `project_name/element_name_without_bst/hex_strong_key`.
type artifactRef struct {
	Project string
	Element string
	Key     cachekey.Key
}

func (r artifactRef) rel() string {
	return filepath.ToSlash(filepath.Join(r.Project, r.Element, string(r.Key)))
}

// ArtifactCache is the artifact half of the local CAS: a tree store for
// install roots keyed by (project, element, strong-key), refcounted pinning
// so a running build's dependencies can't be evicted out from under it, and
// quota enforcement on every write. It satisfies sandbox.ArtifactProvider
// and sandbox.BlobStore directly, so the orchestrator depends on it only
// through those two narrow interfaces.
type ArtifactCache struct {
	objects *ObjectStore
	trees   *treeRefStore
	quota   *QuotaManager

	mu       sync.Mutex
	resolved map[string]artifactRef // dependency element name -> ref, bound for the in-flight build
	pins     map[string]int         // ref.rel() -> refcount
}

// NewArtifactCache roots artifact refs at refsDir
// (`<cachedir>/artifacts/refs`, spec.md §6).
func NewArtifactCache(objects *ObjectStore, refsDir string, quota *QuotaManager) *ArtifactCache {
	return &ArtifactCache{
		objects:  objects,
		trees:    newTreeRefStore(objects, refsDir),
		quota:    quota,
		resolved: map[string]artifactRef{},
		pins:     map[string]int{},
	}
}

// Bind records which artifact ref a dependency element name resolves to for
// the build about to run. sandbox.ArtifactProvider.CheckoutArtifact
// (spec.md §4.8 step 3) receives only a bare element name — the scheduler
// has already computed each dependency's strong key by that point, so the
// driver binds it here before invoking the orchestrator.
func (c *ArtifactCache) Bind(elementName, project string, key cachekey.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved[elementName] = artifactRef{Project: project, Element: elementName, Key: key}
}

// CheckoutArtifact satisfies sandbox.ArtifactProvider: it resolves
// elementName via Bind and checks out its cached install tree into destDir.
func (c *ArtifactCache) CheckoutArtifact(ctx context.Context, elementName string, destDir string) error {
	c.mu.Lock()
	ref, ok := c.resolved[elementName]
	c.mu.Unlock()
	if !ok {
		return bserrors.Newf(bserrors.ClassCache, "ARTIFACT_NOT_BOUND", "no artifact ref bound for dependency %q", elementName)
	}
	found, err := c.trees.checkout(ctx, ref.rel(), destDir)
	if err != nil {
		return bserrors.New(bserrors.ClassCache, "CHECKOUT_FAILED", err)
	}
	if !found {
		return bserrors.Newf(bserrors.ClassCache, "ARTIFACT_MISSING", "artifact %s not present in the local cache", ref.rel())
	}
	c.touch(ref)
	return nil
}

// Put satisfies sandbox.BlobStore, storing a single blob (e.g. a failure
// artifact's log) directly in the object store.
func (c *ArtifactCache) Put(ctx context.Context, data []byte) (string, error) {
	return c.objects.Put(ctx, data)
}

// Has reports whether (project, element, key) is already cached —
// testable property 5 ("artifact uniqueness": at most one indexed artifact
// per (project, element, strong_key)) is enforced by this being the single
// lookup path callers use before deciding to build.
func (c *ArtifactCache) Has(project, element string, key cachekey.Key) (bool, error) {
	ref := artifactRef{Project: project, Element: element, Key: key}
	_, found, err := c.trees.has(ref.rel())
	return found, err
}

// PutArtifact ingests a built install tree and its metadata record into the
// cache under (project, element, key), then enforces the local cache quota.
func (c *ArtifactCache) PutArtifact(ctx context.Context, project, element string, key cachekey.Key, installDir string, meta *sandbox.Artifact) error {
	ref := artifactRef{Project: project, Element: element, Key: key}
	if _, err := c.trees.ingest(ctx, ref.rel(), installDir); err != nil {
		return err
	}
	if meta != nil {
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		metaPath := c.trees.refPath(ref.rel()) + ".meta.json"
		if err := os.WriteFile(metaPath, metaBytes, 0o644); err != nil {
			return bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
		}
	}
	c.touch(ref)
	if c.quota != nil {
		return c.quota.Enforce(c.objects, c.trees, c.pinnedSnapshot())
	}
	return nil
}

// Metadata reads back the sandbox.Artifact record stored alongside
// (project, element, key)'s tree, for `artifact show`/`artifact log`.
func (c *ArtifactCache) Metadata(project, element string, key cachekey.Key) (*sandbox.Artifact, error) {
	ref := artifactRef{Project: project, Element: element, Key: key}
	metaPath := c.trees.refPath(ref.rel()) + ".meta.json"
	b, err := os.ReadFile(metaPath) // #nosec G304 -- ref built from validated project/element/key components
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bserrors.Newf(bserrors.ClassCache, "ARTIFACT_MISSING", "artifact %s not present in the local cache", ref.rel())
		}
		return nil, err
	}
	var meta sandbox.Artifact
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, bserrors.Newf(bserrors.ClassCache, "BLOB_CORRUPT", "artifact metadata for %s: %v", ref.rel(), err)
	}
	return &meta, nil
}

// Pin keeps (project, element, key) from being evicted by quota
// enforcement — the scheduler pins every element of the in-flight build's
// dependency closure before staging begins, and unpins once the build
// finishes.
func (c *ArtifactCache) Pin(project, element string, key cachekey.Key) {
	ref := artifactRef{Project: project, Element: element, Key: key}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[ref.rel()]++
}

// Unpin releases one Pin reference.
func (c *ArtifactCache) Unpin(project, element string, key cachekey.Key) {
	ref := artifactRef{Project: project, Element: element, Key: key}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[ref.rel()] > 0 {
		c.pins[ref.rel()]--
		if c.pins[ref.rel()] == 0 {
			delete(c.pins, ref.rel())
		}
	}
}

func (c *ArtifactCache) pinnedSnapshot() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.pins))
	for rel := range c.pins {
		out[rel] = true
	}
	return out
}

// touch records an access by updating the ref file's mtime, the signal
// QuotaManager's LRU sort reads.
func (c *ArtifactCache) touch(ref artifactRef) {
	now := time.Now()
	_ = os.Chtimes(c.trees.refPath(ref.rel()), now, now)
}
