package cas

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/buildstream-sub000/engine/internal/bserrors"
)

// QuotaManager enforces spec.md §5's local cache quota: "enforced under an
// advisory exclusive lock; if usage exceeds quota the driver evicts
// least-recently-used artifact refs until under quota, and the evicted
// artifact trees' blobs become candidates for GC." Grounded on the
// teacher's pkg/service/storage/local.go layout (plain os.* filesystem
// calls, no database), with gofrs/flock supplying the advisory lock itself
// — the teacher already carries it as an indirect dependency (pulled in by
// its own build tooling), so this promotes an already-present library to a
// direct one rather than introducing something foreign to the stack.
type QuotaManager struct {
	refsDir    string
	lockPath   string
	quotaBytes int64
}

// NewQuotaManager enforces quotaBytes across refsDir's artifact refs.
// quotaBytes <= 0 means unlimited, matching the user configuration's
// cache.quota default.
func NewQuotaManager(refsDir string, quotaBytes int64) *QuotaManager {
	return &QuotaManager{refsDir: refsDir, lockPath: filepath.Join(refsDir, ".quota.lock"), quotaBytes: quotaBytes}
}

type refUsage struct {
	rel   string
	size  int64
	atime time.Time
}

// Enforce walks refsDir's (project, element, key) ref tree, and — while
// holding an exclusive advisory lock, so concurrent BuildStream instances
// sharing a cache don't race on eviction — removes least-recently-accessed
// unpinned refs until total usage is under quota. It never blocks: if
// another process already holds the lock, eviction is simply deferred to
// that process or a later call.
func (q *QuotaManager) Enforce(objects *ObjectStore, trees *treeRefStore, pinned map[string]bool) error {
	if q.quotaBytes <= 0 {
		return nil
	}
	lock := flock.New(q.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return bserrors.New(bserrors.ClassCache, "QUOTA_LOCK_FAILED", err)
	}
	if !locked {
		return nil
	}
	defer lock.Unlock() //nolint:errcheck

	usages, total, err := q.scan(objects, trees)
	if err != nil {
		return err
	}
	if total <= q.quotaBytes {
		return nil
	}
	sort.Slice(usages, func(i, j int) bool { return usages[i].atime.Before(usages[j].atime) })

	for _, u := range usages {
		if total <= q.quotaBytes {
			break
		}
		if pinned[u.rel] {
			continue
		}
		if err := trees.remove(u.rel); err != nil {
			return bserrors.New(bserrors.ClassCache, "QUOTA_EVICT_FAILED", err)
		}
		_ = os.Remove(filepath.Join(q.refsDir, u.rel) + ".meta.json")
		total -= u.size
	}
	return nil
}

func (q *QuotaManager) scan(objects *ObjectStore, trees *treeRefStore) ([]refUsage, int64, error) {
	var usages []refUsage
	var total int64
	err := filepath.WalkDir(q.refsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Base(path) == ".quota.lock" || filepath.Ext(path) == ".json" {
			return nil
		}
		rel, err := filepath.Rel(q.refsDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		digests, err := trees.reachableDigests(context.Background(), filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		var size int64
		for _, digest := range digests {
			s, err := objects.Size(digest)
			if err == nil {
				size += s
			}
		}
		usages = append(usages, refUsage{rel: filepath.ToSlash(rel), size: size, atime: info.ModTime()})
		total += size
		return nil
	})
	return usages, total, err
}
