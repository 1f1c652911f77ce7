package schema1

import (
	"encoding/json"
	"errors"

	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	"github.com/quay/distribution/manifest"
)

// Builder assembles a schema 1 manifest. Layers are kept in manifest order,
// leaf first.
type Builder struct {
	m Manifest
}

// NewBuilder starts a manifest for namespace/repoName:tag.
func NewBuilder(namespace, repoName, tag, architecture string) *Builder {
	return &Builder{
		m: Manifest{
			Versioned:    manifest.Versioned{SchemaVersion: 1},
			Name:         namespace + "/" + repoName,
			Tag:          tag,
			Architecture: architecture,
		},
	}
}

// AddLayer appends a layer below the ones already added.
func (b *Builder) AddLayer(blobSum digest.Digest, v1Compatibility string) *Builder {
	b.m.FSLayers = append(b.m.FSLayers, FSLayer{BlobSum: blobSum})
	b.m.History = append(b.m.History, History{V1Compatibility: v1Compatibility})
	return b
}

// InsertLayer puts a layer above the ones already added.
func (b *Builder) InsertLayer(blobSum digest.Digest, v1Compatibility string) *Builder {
	b.m.FSLayers = append([]FSLayer{{BlobSum: blobSum}}, b.m.FSLayers...)
	b.m.History = append([]History{{V1Compatibility: v1Compatibility}}, b.m.History...)
	return b
}

// Build produces the manifest, signed when key is not nil.
func (b *Builder) Build(key libtrust.PrivateKey) (*SignedManifest, error) {
	if len(b.m.FSLayers) == 0 {
		return nil, errors.New("cannot build manifest with zero layers or history")
	}

	m := b.m
	m.FSLayers = append([]FSLayer(nil), b.m.FSLayers...)
	m.History = append([]History(nil), b.m.History...)

	if key == nil {
		p, err := json.MarshalIndent(&m, "", "   ")
		if err != nil {
			return nil, err
		}
		return Parse(p)
	}

	signed, err := Sign(&m, key)
	if err != nil {
		return nil, err
	}
	return Parse(signed)
}
