package remotecache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"
)

const blobMediaType types.MediaType = "application/vnd.buildstream.blob.v1+zstd"

func blobDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func compress(data []byte) ([]byte, error) {
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

func decompress(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// blobTag is the per-digest tag a blob is addressed by within repo.
func blobTag(repo string, digest string) string {
	return fmt.Sprintf("%s:blob-%s", repo, digest)
}

// hasBlob probes one storage server for digest's presence, the
// FindMissingBlobs-style check spec.md §4.10 describes for push.
func (c *Client) hasBlob(s Server, digest string) (bool, error) {
	repo, err := c.repository(s)
	if err != nil {
		return false, err
	}
	opts, err := c.remoteOptions(s)
	if err != nil {
		return false, err
	}
	ref, err := name.NewTag(blobTag(repo.Name(), digest))
	if err != nil {
		return false, err
	}
	_, err = remote.Head(ref, opts...)
	if err != nil {
		return false, nil // absent or unreachable; caller treats both as "not found here"
	}
	return true, nil
}

// putBlob uploads data (addressed by its own sha256 digest, not the OCI
// layer digest computed over the compressed bytes) to one storage server.
func (c *Client) putBlob(s Server, digest string, data []byte) error {
	repo, err := c.repository(s)
	if err != nil {
		return err
	}
	opts, err := c.remoteOptions(s)
	if err != nil {
		return err
	}
	compressed, err := compress(data)
	if err != nil {
		return fmt.Errorf("compressing blob: %w", err)
	}
	layer := static.NewLayer(compressed, blobMediaType)
	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return fmt.Errorf("building blob image: %w", err)
	}
	ref, err := name.NewTag(blobTag(repo.Name(), digest))
	if err != nil {
		return err
	}
	return remote.Write(ref, img, opts...)
}

// getBlob downloads and decompresses the blob addressed by digest from one
// storage server, verifying its content against digest before returning.
func (c *Client) getBlob(s Server, digest string) ([]byte, error) {
	repo, err := c.repository(s)
	if err != nil {
		return nil, err
	}
	opts, err := c.remoteOptions(s)
	if err != nil {
		return nil, err
	}
	ref, err := name.NewTag(blobTag(repo.Name(), digest))
	if err != nil {
		return nil, err
	}
	img, err := remote.Image(ref, opts...)
	if err != nil {
		return nil, err
	}
	layers, err := img.Layers()
	if err != nil || len(layers) == 0 {
		return nil, fmt.Errorf("remotecache: blob %s has no layers", digest)
	}
	rc, err := layers[0].Compressed()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	compressed, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	data, err := decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompressing blob: %w", err)
	}
	if blobDigest(data) != digest {
		return nil, fmt.Errorf("remotecache: blob %s failed digest verification", digest)
	}
	return data, nil
}
