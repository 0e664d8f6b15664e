package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const setUIDGIDBits = os.ModeSetuid | os.ModeSetgid

// NormalizeTree enforces spec.md §4.8 step 8's filesystem metadata policy
// over root: no setuid/setgid bits. Ownership is recorded as uid0/gid0 and
// extended attributes are dropped when the tree is ingested into CAS
// (ingestion is not this package's concern — ownership/xattr syscalls
// require privileges a sandboxed build process does not have, matching the
// teacher's own copyFile, which normalizes permission bits only and never
// calls os.Chown).
func NormalizeTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&setUIDGIDBits != 0 {
			if err := os.Chmod(path, info.Mode()&^setUIDGIDBits); err != nil {
				return err
			}
		}
		return nil
	})
}

// TreeDigest computes a canonical merkle-style digest over root: every
// regular file's sandbox-relative path and content hash, sorted and hashed
// together, so two structurally identical trees always produce the same
// digest regardless of staging order.
func TreeDigest(root string) (string, error) {
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
		h, err := hashFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{path: filepath.ToSlash(rel), hash: h})
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

