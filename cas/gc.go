package cas

import (
	"context"
	"os"
	"path/filepath"
)

// GC deletes every blob in objects not reachable from any ref under the
// given ref directories (typically the artifact and source ref roots),
// implementing spec.md §5's "evicted artifact trees' blobs become
// candidates for garbage collection." It is intentionally a separate pass
// from quota eviction rather than folded into it: eviction only needs to
// decide which refs to drop; reachability over the survivors is cheaper to
// compute in one sweep afterward than incrementally during eviction.
func GC(objects *ObjectStore, refDirs ...string) (removed int, err error) {
	live := map[string]bool{}
	for _, dir := range refDirs {
		store := newTreeRefStore(objects, dir)
		walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() || filepath.Ext(path) == ".json" || filepath.Base(path) == ".quota.lock" {
				return nil
			}
			rel, relErr := filepath.Rel(dir, path)
			if relErr != nil {
				return relErr
			}
			digests, digestsErr := store.reachableDigests(context.Background(), filepath.ToSlash(rel))
			if digestsErr != nil {
				return digestsErr
			}
			for _, digest := range digests {
				live[digest] = true
			}
			return nil
		})
		if walkErr != nil {
			return 0, walkErr
		}
	}

	var toRemove []string
	err = objects.Walk(func(digest string, _ int64) error {
		if !live[digest] {
			toRemove = append(toRemove, digest)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, digest := range toRemove {
		if err := objects.Remove(digest); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
