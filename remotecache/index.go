package remotecache

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
)

const indexMediaType = "application/vnd.buildstream.index.v1+json"

var indexSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// sanitizeRef turns a symbolic cache key (which may contain '/' and other
// characters a tag disallows) into a valid OCI tag component.
func sanitizeRef(ref string) string {
	return indexSanitizer.ReplaceAllString(ref, "_")
}

func indexTag(repo string, ref string) string {
	return fmt.Sprintf("%s:idx-%s", repo, sanitizeRef(ref))
}

// resolveIndex looks up ref's root digest on one index server. A missing
// entry is reported as (false, "", nil), not an error, mirroring a
// FindMissingBlobs-style "not present here" response.
func (c *Client) resolveIndex(s Server, ref string) (found bool, digest string, err error) {
	repo, err := c.repository(s)
	if err != nil {
		return false, "", err
	}
	opts, err := c.remoteOptions(s)
	if err != nil {
		return false, "", err
	}
	tag, err := name.NewTag(indexTag(repo.Name(), ref))
	if err != nil {
		return false, "", err
	}
	img, err := remote.Image(tag, opts...)
	if err != nil {
		return false, "", nil
	}
	layers, lerr := img.Layers()
	if lerr != nil || len(layers) == 0 {
		return false, "", nil
	}
	rc, rerr := layers[0].Uncompressed()
	if rerr != nil {
		return false, "", nil
	}
	defer rc.Close()
	raw := make([]byte, 64)
	n, _ := rc.Read(raw)
	digest = strings.TrimSpace(string(raw[:n]))
	if _, derr := hex.DecodeString(digest); derr != nil {
		return false, "", nil
	}
	return true, digest, nil
}

// publishIndex records ref → digest on one index server.
func (c *Client) publishIndex(s Server, ref string, digest string) error {
	repo, err := c.repository(s)
	if err != nil {
		return err
	}
	opts, err := c.remoteOptions(s)
	if err != nil {
		return err
	}
	layer := static.NewLayer([]byte(digest), indexMediaType)
	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return fmt.Errorf("building index image: %w", err)
	}
	tag, err := name.NewTag(indexTag(repo.Name(), ref))
	if err != nil {
		return err
	}
	return remote.Write(tag, img, opts...)
}
