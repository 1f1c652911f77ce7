package schema2

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/distribution/manifest"
)

// Builder is a type for constructing manifests.
type Builder struct {
	config v1.Descriptor
	layers []v1.Descriptor
}

// NewBuilder is used to build new manifests for the current schema version.
func NewBuilder() *Builder {
	return &Builder{}
}

// SetConfig sets the image config blob.
func (mb *Builder) SetConfig(dgst digest.Digest, size int64) *Builder {
	mb.config = v1.Descriptor{MediaType: MediaTypeImageConfig, Digest: dgst, Size: size}
	return mb
}

// AddLayer appends a gzipped layer.
func (mb *Builder) AddLayer(dgst digest.Digest, size int64) *Builder {
	mb.layers = append(mb.layers, v1.Descriptor{MediaType: MediaTypeLayer, Digest: dgst, Size: size})
	return mb
}

// AddForeignLayer appends a layer clients fetch from urls.
func (mb *Builder) AddForeignLayer(dgst digest.Digest, size int64, urls ...string) *Builder {
	mb.layers = append(mb.layers, v1.Descriptor{MediaType: MediaTypeForeignLayer, Digest: dgst, Size: size, URLs: urls})
	return mb
}

// Build produces the manifest.
func (mb *Builder) Build() (*DeserializedManifest, error) {
	m := Manifest{
		Versioned: manifest.Versioned{SchemaVersion: 2, MediaType: MediaTypeManifest},
		Config:    mb.config,
		Layers:    make([]v1.Descriptor, len(mb.layers)),
	}
	copy(m.Layers, mb.layers)

	b, err := json.MarshalIndent(&m, "", "   ")
	if err != nil {
		return nil, err
	}
	return Parse(b)
}
