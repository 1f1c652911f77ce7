package ocischema

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/distribution/manifest"
)

// Builder is a type for constructing OCI manifests.
type Builder struct {
	artifactType string
	config       v1.Descriptor
	layers       []v1.Descriptor
	subject      *v1.Descriptor
	annotations  map[string]string
}

// NewBuilder returns a builder with no config set.
func NewBuilder() *Builder {
	return &Builder{}
}

// SetConfig sets an image config blob.
func (mb *Builder) SetConfig(dgst digest.Digest, size int64) *Builder {
	return mb.SetConfigDescriptor(v1.Descriptor{MediaType: v1.MediaTypeImageConfig, Digest: dgst, Size: size})
}

// SetConfigDescriptor sets the config descriptor, for artifacts.
func (mb *Builder) SetConfigDescriptor(d v1.Descriptor) *Builder {
	mb.config = d
	return mb
}

// SetArtifactType sets the artifactType field.
func (mb *Builder) SetArtifactType(t string) *Builder {
	mb.artifactType = t
	return mb
}

// AddLayer appends a gzipped layer.
func (mb *Builder) AddLayer(dgst digest.Digest, size int64) *Builder {
	return mb.AddDescriptor(v1.Descriptor{MediaType: v1.MediaTypeImageLayerGzip, Digest: dgst, Size: size})
}

// AddDescriptor appends an arbitrary layer descriptor.
func (mb *Builder) AddDescriptor(d v1.Descriptor) *Builder {
	mb.layers = append(mb.layers, d)
	return mb
}

// SetSubject makes the manifest refer to another one.
func (mb *Builder) SetSubject(d v1.Descriptor) *Builder {
	mb.subject = &d
	return mb
}

// SetAnnotation sets one annotation.
func (mb *Builder) SetAnnotation(key, value string) *Builder {
	if mb.annotations == nil {
		mb.annotations = make(map[string]string)
	}
	mb.annotations[key] = value
	return mb
}

// Build produces the manifest.
func (mb *Builder) Build() (*DeserializedManifest, error) {
	m := Manifest{
		Versioned:    manifest.Versioned{SchemaVersion: 2, MediaType: v1.MediaTypeImageManifest},
		ArtifactType: mb.artifactType,
		Config:       mb.config,
		Layers:       make([]v1.Descriptor, len(mb.layers)),
		Subject:      mb.subject,
		Annotations:  mb.annotations,
	}
	copy(m.Layers, mb.layers)

	b, err := json.MarshalIndent(&m, "", "   ")
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// IndexBuilder is a type for constructing OCI indexes.
type IndexBuilder struct {
	index ImageIndex
}

// NewIndexBuilder returns an empty index builder.
func NewIndexBuilder() *IndexBuilder {
	return &IndexBuilder{index: ImageIndex{
		Versioned: manifest.Versioned{SchemaVersion: 2, MediaType: v1.MediaTypeImageIndex},
	}}
}

// AddManifest adds a child for the given platform.
func (ib *IndexBuilder) AddManifest(m manifest.Manifest, platform *v1.Platform) *IndexBuilder {
	ib.index.Manifests = append(ib.index.Manifests, v1.Descriptor{
		MediaType: m.MediaType(),
		Digest:    m.Digest(),
		Size:      int64(len(m.Bytes())),
		Platform:  platform,
	})
	return ib
}

// Build produces the index.
func (ib *IndexBuilder) Build() (*DeserializedImageIndex, error) {
	b, err := json.MarshalIndent(&ib.index, "", "   ")
	if err != nil {
		return nil, err
	}
	return ParseIndex(b)
}
