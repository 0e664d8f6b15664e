// Package cas implements the local content-addressable store of spec.md
// §5/§6: a sharded blob store ("writes are atomic (temp file → rename by
// digest)"), a tree store layering directory snapshots on top of it, and an
// artifact ref index with refcounted pinning and advisory-locked quota
// eviction.
//
// Grounded on the teacher's pkg/service/storage/local.go (os.MkdirAll +
// os.Create + io.Copy, file://-addressed local layout), generalized from a
// per-job directory tree into a sharded content-addressed one. Blobs are
// stored zstd-compressed on disk (github.com/klauspost/compress/zstd, the
// same compressor remotecache uses over the wire) but addressed and
// verified by the sha256 digest of their plaintext, so a digest computed
// once by a caller (cachekey, the artifact index, a remote cache push) stays
// valid regardless of how a blob happens to be stored locally.
package cas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/buildstream-sub000/engine/internal/bserrors"
)

func compressBlob(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBlob(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ObjectStore is the blob half of the CAS: content-addressed by the sha256
// of their bytes, sharded two hex characters deep
// (`<cachedir>/cas/objects/<hh>/<hex>`, spec.md §6's on-disk layout).
type ObjectStore struct {
	baseDir string
}

// NewObjectStore creates baseDir (the "objects" directory itself, not its
// cachedir parent) if needed.
func NewObjectStore(baseDir string) (*ObjectStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, bserrors.New(bserrors.ClassCache, "CACHE_DIR_FAILED", err)
	}
	return &ObjectStore{baseDir: baseDir}, nil
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *ObjectStore) path(digest string) string {
	if len(digest) < 2 {
		return filepath.Join(s.baseDir, "short", digest)
	}
	return filepath.Join(s.baseDir, digest[:2], digest)
}

// Put stores data under its sha256 digest, satisfying sandbox.BlobStore.
// Writes go to a temp file in the same shard directory and are renamed into
// place, so a reader never observes a partially written blob (spec.md §5:
// "Writes are atomic (temp file → rename by digest)").
func (s *ObjectStore) Put(_ context.Context, data []byte) (string, error) {
	digest := digestOf(data)
	dest := s.path(digest)
	if _, err := os.Stat(dest); err == nil {
		return digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	compressed, err := compressBlob(data)
	if err != nil {
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	return digest, nil
}

// PutFile streams src's content into the store without buffering it all in
// memory, for large install-tree files; the returned digest is the sha256
// computed while copying, and the written blob is not read back.
func (s *ObjectStore) PutFile(_ context.Context, path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- caller-controlled staging path
	if err != nil {
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	defer f.Close()

	tmp, err := os.CreateTemp(s.baseDir, ".tmp-*")
	if err != nil {
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	tmpName := tmp.Name()
	h := sha256.New()
	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	if _, err := io.Copy(io.MultiWriter(zw, h), f); err != nil {
		zw.Close()
		tmp.Close()
		os.Remove(tmpName)
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))
	dest := s.path(digest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		os.Remove(tmpName)
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	if _, err := os.Stat(dest); err == nil {
		os.Remove(tmpName)
		return digest, nil
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", bserrors.New(bserrors.ClassCache, "CACHE_WRITE_FAILED", err)
	}
	return digest, nil
}

// Get reads back a stored blob, verifying its digest — testable property 10
// ("CAS integrity: for every stored blob b, sha256(bytes(b)) == digest(b)").
// A mismatch is reported as cache corruption, which spec.md §7 treats as
// fatal ("cache considered untrusted until recovery").
func (s *ObjectStore) Get(_ context.Context, digest string) ([]byte, error) {
	compressed, err := os.ReadFile(s.path(digest)) // #nosec G304 -- digest is validated below
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bserrors.Newf(bserrors.ClassCache, "BLOB_MISSING", "blob %s not present", digest)
		}
		return nil, bserrors.New(bserrors.ClassCache, "CACHE_READ_FAILED", err)
	}
	data, err := decompressBlob(compressed)
	if err != nil {
		return nil, bserrors.Newf(bserrors.ClassCache, "BLOB_CORRUPT", "blob %s failed to decompress: %v", digest, err)
	}
	if got := digestOf(data); got != digest {
		return nil, bserrors.Newf(bserrors.ClassCache, "BLOB_CORRUPT", "blob %s has digest %s", digest, got)
	}
	return data, nil
}

// Has reports whether digest is present without reading it.
func (s *ObjectStore) Has(_ context.Context, digest string) (bool, error) {
	_, err := os.Stat(s.path(digest))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Size reports a stored blob's size in bytes, used by quota accounting.
func (s *ObjectStore) Size(digest string) (int64, error) {
	info, err := os.Stat(s.path(digest))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove deletes a blob outright; callers are responsible for having
// already established it is unreferenced (garbage collection, quota
// eviction).
func (s *ObjectStore) Remove(digest string) error {
	err := os.Remove(s.path(digest))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Walk visits every stored blob's digest and size, for GC and quota
// accounting.
func (s *ObjectStore) Walk(fn func(digest string, size int64) error) error {
	return filepath.WalkDir(s.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) == "short" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(d.Name(), info.Size())
	})
}
