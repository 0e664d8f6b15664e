package remotecache

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/buildstream-sub000/engine/sourcecache"
)

// SourceClient adapts Client to sourcecache.RemoteSourceCache: each cached
// source tree is tarred into a single blob, pushed to the storage servers,
// and indexed under its (source-kind, source-unique-key) string per
// spec.md §4.9/§4.10's shared index/storage design.
type SourceClient struct {
	*Client
}

// NewSourceClient adapts client for use as a sourcecache.RemoteSourceCache.
func NewSourceClient(client *Client) SourceClient {
	return SourceClient{Client: client}
}

var _ sourcecache.RemoteSourceCache = SourceClient{}

// Pull implements sourcecache.RemoteSourceCache. It walks the index servers
// in priority order for key's root digest, then the storage servers for
// that digest's blob, stopping at the first success of each. A miss at the
// index (key never pushed) is reported as (false, nil), not an error.
func (c SourceClient) Pull(ctx context.Context, key sourcecache.Key, local sourcecache.TreeStore) (bool, error) {
	ref := key.String()

	var digest string
	for _, s := range c.indexServers() {
		var found bool
		err := c.withServer(s, func() error {
			var rerr error
			found, digest, rerr = c.resolveIndex(s, ref)
			return rerr
		})
		if err != nil {
			continue
		}
		if found {
			break
		}
	}
	if digest == "" {
		return false, nil
	}

	var data []byte
	var pulled bool
	for _, s := range c.storageServers(false) {
		err := c.withServer(s, func() error {
			var gerr error
			data, gerr = c.getBlob(s, digest)
			return gerr
		})
		if err == nil {
			pulled = true
			break
		}
	}
	if !pulled {
		return false, fmt.Errorf("remotecache: index has %s but no storage server served blob %s", ref, digest)
	}

	stageDir, err := os.MkdirTemp("", "bst-remote-source-*")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(stageDir)
	if err := untarDir(data, stageDir); err != nil {
		return false, fmt.Errorf("unpacking pulled source tree: %w", err)
	}
	if _, err := local.Ingest(ctx, key, stageDir); err != nil {
		return false, err
	}
	return true, nil
}

// Push implements sourcecache.RemoteSourceCache. It tars key's locally
// cached tree and uploads it to every push=true storage server, then
// publishes the mapping on every index server.
func (c SourceClient) Push(ctx context.Context, key sourcecache.Key, local sourcecache.TreeStore) error {
	stageDir, err := os.MkdirTemp("", "bst-push-source-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stageDir)

	found, err := local.Checkout(ctx, key, stageDir)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("remotecache: source %s not present locally, nothing to push", key)
	}

	data, err := tarDir(stageDir)
	if err != nil {
		return fmt.Errorf("packing source tree for push: %w", err)
	}
	digest := blobDigest(data)

	storageServers := c.storageServers(true)
	var pushed bool
	var lastErr error
	for _, s := range storageServers {
		if err := c.withServer(s, func() error { return c.putBlob(s, digest, data) }); err != nil {
			lastErr = err
			continue
		}
		pushed = true
	}
	if len(storageServers) > 0 && !pushed {
		return fmt.Errorf("remotecache: push failed on every storage server: %w", lastErr)
	}

	ref := key.String()
	var indexed bool
	for _, s := range c.indexServers() {
		if err := c.withServer(s, func() error { return c.publishIndex(s, ref, digest) }); err != nil {
			lastErr = err
			continue
		}
		indexed = true
	}
	if len(c.indexServers()) > 0 && !indexed {
		return fmt.Errorf("remotecache: index publish failed on every index server: %w", lastErr)
	}
	return nil
}

func tarDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path) // #nosec G304 -- path walked from a caller-owned staging directory
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(tw, f)
			closeErr := f.Close()
			if copyErr != nil {
				return copyErr
			}
			if closeErr != nil {
				return closeErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func untarDir(data []byte, destDir string) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, hdr.Name) // #nosec G305 -- source tarred by this package's own Push, not attacker-controlled
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777) // #nosec G302,G304 -- destination is a caller-owned staging directory
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(f, tr) // #nosec G110 -- tree size bounded by project policy
			closeErr := f.Close()
			if copyErr != nil {
				return copyErr
			}
			if closeErr != nil {
				return closeErr
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}
