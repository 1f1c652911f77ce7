package manifestlist

import (
	"encoding/json"

	"github.com/quay/distribution/manifest"
)

// Builder assembles a manifest list.
type Builder struct {
	descriptors []ManifestDescriptor
}

// NewBuilder returns an empty list builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddManifest adds a child for the given platform.
func (b *Builder) AddManifest(m manifest.Manifest, architecture, os string) *Builder {
	d := ManifestDescriptor{Platform: PlatformSpec{Architecture: architecture, OS: os}}
	d.MediaType = m.MediaType()
	d.Digest = m.Digest()
	d.Size = int64(len(m.Bytes()))
	b.descriptors = append(b.descriptors, d)
	return b
}

// AddDescriptor adds a child that need not be available.
func (b *Builder) AddDescriptor(d ManifestDescriptor) *Builder {
	b.descriptors = append(b.descriptors, d)
	return b
}

// Build produces the list.
func (b *Builder) Build() (*DeserializedManifestList, error) {
	l := ManifestList{
		Versioned: manifest.Versioned{SchemaVersion: 2, MediaType: MediaTypeManifestList},
		Manifests: make([]ManifestDescriptor, len(b.descriptors)),
	}
	copy(l.Manifests, b.descriptors)

	p, err := json.MarshalIndent(&l, "", "   ")
	if err != nil {
		return nil, err
	}
	return Parse(p)
}
