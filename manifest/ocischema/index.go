package ocischema

import (
	"encoding/json"
	"errors"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/distribution/manifest"
)

var (
	errInvalidManifest = errors.New("ocischema: expected manifest but found index")
	errInvalidIndex    = errors.New("ocischema: expected index but found manifest")
)

func init() {
	manifest.Register(v1.MediaTypeImageIndex, func(b []byte) (manifest.Manifest, error) {
		return ParseIndex(b)
	})
}

// ImageIndex references manifests for various platforms.
type ImageIndex struct {
	manifest.Versioned

	// ArtifactType is the type of an artifact when the index is used for
	// one.
	ArtifactType string `json:"artifactType,omitempty"`

	// Manifests references a list of manifests
	Manifests []v1.Descriptor `json:"manifests"`

	// Subject is the descriptor of a manifest referred to by this index.
	Subject *v1.Descriptor `json:"subject,omitempty"`

	// Annotations is an optional field that contains arbitrary metadata for
	// the image index
	Annotations map[string]string `json:"annotations,omitempty"`
}

// DeserializedImageIndex wraps ImageIndex with a copy of the original JSON.
type DeserializedImageIndex struct {
	manifest.Payload
	doc ImageIndex
}

// ParseIndex parses and structurally validates an OCI image index.
func ParseIndex(b []byte) (*DeserializedImageIndex, error) {
	if err := validateIndex(b); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed OCI index")
	}
	var doc ImageIndex
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed OCI index")
	}
	if doc.SchemaVersion != 2 {
		return nil, manifest.Errorf(manifest.InvalidManifest, "OCI index has schemaVersion %d", doc.SchemaVersion)
	}
	if doc.MediaType != "" && doc.MediaType != v1.MediaTypeImageIndex {
		return nil, manifest.Errorf(manifest.InvalidManifest, "if present, mediaType in image index should be '%s' not '%s'",
			v1.MediaTypeImageIndex, doc.MediaType)
	}
	for i, d := range doc.Manifests {
		if err := d.Digest.Validate(); err != nil {
			return nil, manifest.Wrap(manifest.InvalidManifest, err, "index entry digest")
		}
		if d.MediaType == "" {
			return nil, manifest.Errorf(manifest.InvalidManifest, "index entry %d has no mediaType", i)
		}
	}
	if err := validateSubject(doc.Subject); err != nil {
		return nil, err
	}

	raw := make([]byte, len(b))
	copy(raw, b)
	return &DeserializedImageIndex{
		Payload: manifest.NewPayload(v1.MediaTypeImageIndex, raw, ""),
		doc:     doc,
	}, nil
}

// validateIndex returns an error if the byte slice is invalid JSON or if it
// contains fields that belong to a manifest
func validateIndex(b []byte) error {
	var doc struct {
		Config interface{} `json:"config,omitempty"`
		Layers interface{} `json:"layers,omitempty"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc.Config != nil || doc.Layers != nil {
		return errInvalidIndex
	}
	return nil
}

// Index returns the decoded document.
func (m *DeserializedImageIndex) Index() ImageIndex { return m.doc }

// Annotations returns the index annotations.
func (m *DeserializedImageIndex) Annotations() map[string]string { return m.doc.Annotations }

func (m *DeserializedImageIndex) Kind() manifest.Kind { return manifest.KindOCIIndex }
func (m *DeserializedImageIndex) SchemaVersion() int { return 2 }
func (m *DeserializedImageIndex) IsList() bool { return true }
func (m *DeserializedImageIndex) ConfigMediaType() string { return "" }
func (m *DeserializedImageIndex) BlobDigests() []digest.Digest { return nil }
func (m *DeserializedImageIndex) LocalBlobDigests() []digest.Digest { return nil }
func (m *DeserializedImageIndex) LayersCompressedSize() (int64, bool) { return 0, false }
func (m *DeserializedImageIndex) Subject() *v1.Descriptor { return m.doc.Subject }
func (m *DeserializedImageIndex) ArtifactType() string { return m.doc.ArtifactType }

func (m *DeserializedImageIndex) GetLayers(manifest.ContentRetriever) ([]manifest.ImageLayer, error) {
	return nil, nil
}

func (m *DeserializedImageIndex) ChildManifests(r manifest.ContentRetriever) ([]*manifest.LazyManifest, error) {
	children := make([]*manifest.LazyManifest, len(m.doc.Manifests))
	for i, d := range m.doc.Manifests {
		children[i] = manifest.NewLazyManifest(d, r)
	}
	return children, nil
}

func (m *DeserializedImageIndex) Validate(r manifest.ContentRetriever) error {
	children, err := m.ChildManifests(r)
	if err != nil {
		return err
	}
	return manifest.ValidateSchema1Children(children)
}

func (m *DeserializedImageIndex) Labels(manifest.ContentRetriever) (map[string]string, error) {
	labels := make(map[string]string, len(m.doc.Annotations))
	for k, v := range m.doc.Annotations {
		labels[k] = v
	}
	return labels, nil
}

// ConvertManifest returns the index itself when accepted, and otherwise the
// conversion of its linux/amd64 child.
func (m *DeserializedImageIndex) ConvertManifest(opts manifest.ConvertOptions) (manifest.Manifest, error) {
	if opts.Accepts(v1.MediaTypeImageIndex) {
		return m, nil
	}
	children, err := m.ChildManifests(opts.Retriever)
	if err != nil {
		return nil, err
	}
	return manifest.ConvertViaChild(children, opts)
}
