package ociartifact

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/distribution/manifest"
)

// MediaTypeArtifactManifest is the media type of OCI artifact manifests.
const MediaTypeArtifactManifest = manifest.MediaTypeOCIArtifactManifest

func init() {
	manifest.Register(MediaTypeArtifactManifest, func(b []byte) (manifest.Manifest, error) {
		return Parse(b)
	})
}

// Manifest defines an oci artifact manifest.
type Manifest struct {
	// MediaType is the media type of this schema.
	MediaType string `json:"mediaType"`

	// ArtifactType is the media type of the artifact referenced by this
	// artifact manifest.
	ArtifactType string `json:"artifactType"`

	// Blobs lists the descriptors for the files making up the artifact
	// referenced by this this artifact manifest.
	Blobs []v1.Descriptor `json:"blobs,omitempty"`

	// Subject is the descriptor of a manifest referred to by this artifact.
	Subject *v1.Descriptor `json:"subject,omitempty"`

	// Annotations contain arbitrary metadata for the artifact manifest.
	Annotations map[string]string `json:"annotations,omitempty"`
}

// DeserializedManifest wraps Manifest with a copy of the original JSON.
type DeserializedManifest struct {
	manifest.Payload
	doc Manifest
}

// Parse parses an artifact manifest.
func Parse(b []byte) (*DeserializedManifest, error) {
	var doc Manifest
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed artifact manifest")
	}
	if doc.MediaType != MediaTypeArtifactManifest {
		return nil, manifest.Errorf(manifest.InvalidManifest, "mediaType in manifest must be '%s' not '%s'",
			MediaTypeArtifactManifest, doc.MediaType)
	}
	if doc.ArtifactType == "" {
		return nil, manifest.Errorf(manifest.InvalidManifest, "artifact manifest has no artifactType")
	}
	for i, blob := range doc.Blobs {
		if err := blob.Digest.Validate(); err != nil {
			return nil, manifest.Wrap(manifest.InvalidManifest, err, "artifact blob digest")
		}
		if blob.MediaType == "" {
			return nil, manifest.Errorf(manifest.InvalidManifest, "artifact blob %d has no mediaType", i)
		}
	}

	// The subject need not exist, so only its shape is checked here.
	if doc.Subject != nil {
		if err := doc.Subject.Digest.Validate(); err != nil {
			return nil, manifest.Wrap(manifest.InvalidManifest, err, "subject digest")
		}
		if doc.Subject.MediaType == manifest.MediaTypeSchema1Manifest || doc.Subject.MediaType == "" {
			return nil, manifest.Errorf(manifest.InvalidManifest, "subject.mediaType must be a manifest, not '%s'", doc.Subject.MediaType)
		}
	}

	raw := make([]byte, len(b))
	copy(raw, b)
	return &DeserializedManifest{
		Payload: manifest.NewPayload(MediaTypeArtifactManifest, raw, ""),
		doc:     doc,
	}, nil
}

// Manifest returns the decoded document.
func (m *DeserializedManifest) Manifest() Manifest { return m.doc }

func (m *DeserializedManifest) Kind() manifest.Kind { return manifest.KindOCIArtifact }

// SchemaVersion is zero: artifact manifests carry no schemaVersion.
func (m *DeserializedManifest) SchemaVersion() int { return 0 }

func (m *DeserializedManifest) IsList() bool { return false }
func (m *DeserializedManifest) ConfigMediaType() string { return "" }
func (m *DeserializedManifest) Subject() *v1.Descriptor { return m.doc.Subject }
func (m *DeserializedManifest) ArtifactType() string { return m.doc.ArtifactType }

func (m *DeserializedManifest) BlobDigests() []digest.Digest {
	ds := make([]digest.Digest, 0, len(m.doc.Blobs))
	for _, b := range m.doc.Blobs {
		ds = append(ds, b.Digest)
	}
	return manifest.UniqueDigests(ds...)
}

func (m *DeserializedManifest) LocalBlobDigests() []digest.Digest {
	ds := make([]digest.Digest, 0, len(m.doc.Blobs))
	for _, b := range m.doc.Blobs {
		if len(b.URLs) == 0 {
			ds = append(ds, b.Digest)
		}
	}
	return manifest.UniqueDigests(ds...)
}

func (m *DeserializedManifest) LayersCompressedSize() (int64, bool) {
	var total int64
	for _, b := range m.doc.Blobs {
		total += b.Size
	}
	return total, true
}

func (m *DeserializedManifest) ChildManifests(manifest.ContentRetriever) ([]*manifest.LazyManifest, error) {
	return nil, nil
}

func (m *DeserializedManifest) GetLayers(manifest.ContentRetriever) ([]manifest.ImageLayer, error) {
	return nil, nil
}

func (m *DeserializedManifest) Validate(manifest.ContentRetriever) error { return nil }

func (m *DeserializedManifest) Labels(manifest.ContentRetriever) (map[string]string, error) {
	labels := make(map[string]string, len(m.doc.Annotations))
	for k, v := range m.doc.Annotations {
		labels[k] = v
	}
	return labels, nil
}

func (m *DeserializedManifest) ConvertManifest(opts manifest.ConvertOptions) (manifest.Manifest, error) {
	if opts.Accepts(MediaTypeArtifactManifest) {
		return m, nil
	}
	return nil, nil
}
