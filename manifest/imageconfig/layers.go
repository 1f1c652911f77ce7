package imageconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/distribution/digestutil"
	"github.com/quay/distribution/manifest"
)

// LayerRef is a layer descriptor of an image manifest.
type LayerRef struct {
	Descriptor v1.Descriptor
	// Remote layers are fetched by clients from their URLs.
	Remote bool
}

// Layer is a linearized layer together with the history entry it came from.
type Layer struct {
	manifest.ImageLayer
	History HistoryEntry
}

// Linearize walks the history base first, pairing non-empty entries with
// layer blobs and assigning each entry a synthetic v1 id. The id chains a
// sha256 over every entry so far: canonical entry JSON, "|", the entry
// index, "|", the blob digest (the empty layer for empty entries) and "||".
func Linearize(cfg *Config, layers []LayerRef) ([]Layer, error) {
	history := cfg.EffectiveHistory(len(layers))
	if len(history) < len(layers) {
		return nil, manifest.Errorf(manifest.InvalidManifest,
			"config has %d history entries for %d layers", len(history), len(layers))
	}

	var (
		h        = sha256.New()
		out      = make([]Layer, 0, len(history))
		parentID string
		blob     int
	)
	for i, entry := range history {
		if !entry.EmptyLayer && blob >= len(layers) {
			return nil, manifest.Errorf(manifest.InvalidManifest, "missing layer for history entry %d", i)
		}

		il := manifest.ImageLayer{
			Command: entry.CreatedBy,
			Author:  entry.Author,
			Comment: entry.Comment,
			IsEmpty: entry.EmptyLayer,
		}
		if entry.Created != "" {
			if t, err := time.Parse(time.RFC3339Nano, entry.Created); err == nil {
				il.Created = t
			}
		}
		if entry.EmptyLayer {
			size := int64(len(digestutil.EmptyLayerBytes))
			il.BlobDigest = digestutil.EmptyLayerDigest
			il.CompressedSize = &size
		} else {
			ref := layers[blob]
			size := ref.Descriptor.Size
			il.BlobDigest = ref.Descriptor.Digest
			il.CompressedSize = &size
			il.IsRemote = ref.Remote
			il.URLs = ref.Descriptor.URLs
			blob++
		}

		c, err := entry.canonical()
		if err != nil {
			return nil, manifest.Wrap(manifest.InvalidManifest, err, "history entry")
		}
		h.Write(c)
		fmt.Fprintf(h, "|%d|%s||", i, il.BlobDigest)

		il.ID = hex.EncodeToString(h.Sum(nil))
		il.ParentID = parentID
		parentID = il.ID

		out = append(out, Layer{ImageLayer: il, History: entry})
	}
	if blob != len(layers) {
		return nil, manifest.Errorf(manifest.InvalidManifest,
			"history covers %d of %d layers", blob, len(layers))
	}
	return out, nil
}

// ImageLayers returns the linearized layers without their history.
func ImageLayers(cfg *Config, layers []LayerRef) ([]manifest.ImageLayer, error) {
	linear, err := Linearize(cfg, layers)
	if err != nil {
		return nil, err
	}
	out := make([]manifest.ImageLayer, len(linear))
	for i, l := range linear {
		out[i] = l.ImageLayer
	}
	return out, nil
}
