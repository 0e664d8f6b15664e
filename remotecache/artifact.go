package remotecache

import (
	"context"
	"fmt"
	"os"
)

// ArtifactClient adapts Client to directory-based artifact push/pull, for
// spec.md §4.10's artifact-cache half of the shared index/storage remote
// cache design. It is deliberately independent of the cas package: callers
// check an artifact out of the local CAS to a temp directory and call
// PushFromDir, or call PullToDir and hand the resulting directory to the
// local CAS's ingest path — the same "stage to a directory, then let the
// caller decide what to do with it" shape sourcecache.RemoteSourceCache
// uses.
type ArtifactClient struct {
	*Client
}

// NewArtifactClient adapts client for artifact-directory push/pull.
func NewArtifactClient(client *Client) ArtifactClient {
	return ArtifactClient{Client: client}
}

// PullToDir resolves ref (an artifact cache key, e.g. an element's cache
// key) to its root digest on the index servers, downloads the blob from the
// storage servers, and unpacks it into destDir. found is false, err nil if
// ref has never been pushed.
func (c ArtifactClient) PullToDir(ctx context.Context, ref string, destDir string) (bool, error) {
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
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return false, err
	}
	if err := untarDir(data, destDir); err != nil {
		return false, fmt.Errorf("unpacking pulled artifact %s: %w", ref, err)
	}
	return true, nil
}

// PushFromDir tars srcDir and uploads it as ref's artifact, publishing the
// index mapping on every configured index server.
func (c ArtifactClient) PushFromDir(ctx context.Context, ref string, srcDir string) error {
	data, err := tarDir(srcDir)
	if err != nil {
		return fmt.Errorf("packing artifact %s for push: %w", ref, err)
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
