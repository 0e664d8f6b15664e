package sourcecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/buildstream-sub000/engine/internal/bserrors"
)

// LocalTreeStore is a filesystem-backed TreeStore, one directory per
// (kind, unique-key), grounded on the teacher's pkg/service/storage/local.go
// (os.MkdirAll + os.Create + io.Copy, no database or index beyond the
// directory layout itself).
type LocalTreeStore struct {
	baseDir string
}

// NewLocalTreeStore creates baseDir if needed and returns a store rooted
// there.
func NewLocalTreeStore(baseDir string) (*LocalTreeStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, bserrors.New(bserrors.ClassCache, "CACHE_DIR_FAILED", err)
	}
	return &LocalTreeStore{baseDir: baseDir}, nil
}

func (s *LocalTreeStore) dir(key Key) string {
	return filepath.Join(s.baseDir, key.Kind, key.UniqueKey)
}

// Ingest copies dir's regular files into the store's entry for key and
// records its digest in a sidecar file, so Has/Checkout never need to
// rehash the tree.
func (s *LocalTreeStore) Ingest(_ context.Context, key Key, dir string) (string, error) {
	dest := s.dir(key)
	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := copyTree(dir, dest); err != nil {
		return "", err
	}
	digest, err := hashTree(dest)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest+".digest", []byte(digest), 0o644); err != nil {
		return "", err
	}
	return digest, nil
}

// Has reports whether key is already cached, reading the sidecar digest
// written by Ingest.
func (s *LocalTreeStore) Has(_ context.Context, key Key) (string, bool, error) {
	b, err := os.ReadFile(s.dir(key) + ".digest")
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(b), true, nil
}

// Checkout copies key's cached tree into destDir.
func (s *LocalTreeStore) Checkout(_ context.Context, key Key, destDir string) (bool, error) {
	src := s.dir(key)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := copyTree(src, destDir); err != nil {
		return false, err
	}
	return true, nil
}

// copyTree copies every regular file under src to the matching path under
// dst, preserving permission bits only (not ownership), matching the
// teacher's copyFile in pkg/build/build.go.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path) // #nosec G304 -- reading from our own staged tree
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}

// hashTree computes the same canonical sorted (path, content-hash) digest
// as sandbox.TreeDigest, applied here to fetched source trees rather than
// install roots; duplicated rather than imported to keep sourcecache free
// of a dependency on the sandbox package for an unrelated concern.
func hashTree(root string) (string, error) {
	type entry struct {
		path string
		hash string
	}
	var entries []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path) // #nosec G304 -- reading from our own staged tree
		if err != nil {
			return err
		}
		defer f.Close()
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		entries = append(entries, entry{path: filepath.ToSlash(rel), hash: hex.EncodeToString(h.Sum(nil))})
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	h := sha256.New()
	for _, e := range entries {
		io.WriteString(h, e.path) //nolint:errcheck
		h.Write([]byte{0})
		io.WriteString(h, e.hash) //nolint:errcheck
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
