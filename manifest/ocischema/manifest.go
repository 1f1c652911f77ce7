package ocischema

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/distribution/manifest"
	"github.com/quay/distribution/manifest/imageconfig"
	"github.com/quay/distribution/manifest/schema1"
)

func init() {
	manifest.Register(v1.MediaTypeImageManifest, func(b []byte) (manifest.Manifest, error) {
		return Parse(b)
	})
}

var layerRules = imageconfig.LayerRules{Allowed: AllowedLayerType}

// Manifest defines an ocischema manifest.
type Manifest struct {
	manifest.Versioned

	// ArtifactType is the type of an artifact when the manifest is used
	// for one.
	ArtifactType string `json:"artifactType,omitempty"`

	// Config references the image configuration as a blob.
	Config v1.Descriptor `json:"config"`

	// Layers lists descriptors for the layers referenced by the
	// configuration.
	Layers []v1.Descriptor `json:"layers"`

	// Subject is the descriptor of a manifest referred to by this manifest.
	Subject *v1.Descriptor `json:"subject,omitempty"`

	// Annotations contain arbitrary metadata for the image manifest.
	Annotations map[string]string `json:"annotations,omitempty"`
}

// DeserializedManifest wraps Manifest with a copy of the original JSON.
type DeserializedManifest struct {
	manifest.Payload
	doc Manifest
}

// Parse parses and structurally validates an OCI image manifest.
func Parse(b []byte) (*DeserializedManifest, error) {
	if err := validateManifest(b); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed OCI manifest")
	}
	var doc Manifest
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed OCI manifest")
	}
	if doc.SchemaVersion != 2 {
		return nil, manifest.Errorf(manifest.InvalidManifest, "OCI manifest has schemaVersion %d", doc.SchemaVersion)
	}
	if doc.MediaType != "" && doc.MediaType != v1.MediaTypeImageManifest {
		return nil, manifest.Errorf(manifest.InvalidManifest, "if present, mediaType in manifest should be '%s' not '%s'",
			v1.MediaTypeImageManifest, doc.MediaType)
	}
	if err := imageconfig.ValidateDescriptors(b, layerRules); err != nil {
		return nil, err
	}
	if !AllowedConfigType(doc.Config.MediaType) {
		return nil, manifest.Errorf(manifest.InvalidManifest, "config media type %q is not an allowed artifact type", doc.Config.MediaType)
	}
	if err := validateSubject(doc.Subject); err != nil {
		return nil, err
	}

	raw := make([]byte, len(b))
	copy(raw, b)
	return &DeserializedManifest{
		Payload: manifest.NewPayload(v1.MediaTypeImageManifest, raw, ""),
		doc:     doc,
	}, nil
}

// validateManifest returns an error if the byte slice is invalid JSON or if it
// contains fields that belong to a index
func validateManifest(b []byte) error {
	var doc struct {
		Manifests interface{} `json:"manifests,omitempty"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc.Manifests != nil {
		return errInvalidManifest
	}
	return nil
}

func validateSubject(s *v1.Descriptor) error {
	if s == nil {
		return nil
	}
	if err := s.Digest.Validate(); err != nil {
		return manifest.Wrap(manifest.InvalidManifest, err, "subject digest")
	}
	return nil
}

// Manifest returns the decoded document.
func (m *DeserializedManifest) Manifest() Manifest { return m.doc }

// Config returns the config descriptor.
func (m *DeserializedManifest) Config() v1.Descriptor { return m.doc.Config }

// Annotations returns the manifest annotations.
func (m *DeserializedManifest) Annotations() map[string]string { return m.doc.Annotations }

// IsImage reports whether the config is an image config rather than an
// artifact's.
func (m *DeserializedManifest) IsImage() bool {
	return m.doc.Config.MediaType == v1.MediaTypeImageConfig
}

func (m *DeserializedManifest) Kind() manifest.Kind { return manifest.KindOCIImage }
func (m *DeserializedManifest) SchemaVersion() int { return 2 }
func (m *DeserializedManifest) IsList() bool { return false }
func (m *DeserializedManifest) ConfigMediaType() string { return m.doc.Config.MediaType }
func (m *DeserializedManifest) Subject() *v1.Descriptor { return m.doc.Subject }

// ArtifactType is the declared artifact type, or the config media type when
// none is declared.
func (m *DeserializedManifest) ArtifactType() string {
	if m.doc.ArtifactType != "" {
		return m.doc.ArtifactType
	}
	return m.doc.Config.MediaType
}

func (m *DeserializedManifest) ChildManifests(manifest.ContentRetriever) ([]*manifest.LazyManifest, error) {
	return nil, nil
}

func isRemote(d v1.Descriptor) bool {
	return IsNonDistributable(d.MediaType) || len(d.URLs) > 0
}

func (m *DeserializedManifest) layerRefs() []imageconfig.LayerRef {
	refs := make([]imageconfig.LayerRef, len(m.doc.Layers))
	for i, l := range m.doc.Layers {
		refs[i] = imageconfig.LayerRef{Descriptor: l, Remote: isRemote(l)}
	}
	return refs
}

// HasRemoteLayer reports whether any layer lives outside the registry.
func (m *DeserializedManifest) HasRemoteLayer() bool {
	for _, l := range m.doc.Layers {
		if isRemote(l) {
			return true
		}
	}
	return false
}

func (m *DeserializedManifest) BlobDigests() []digest.Digest {
	ds := make([]digest.Digest, 0, len(m.doc.Layers)+1)
	for _, l := range m.doc.Layers {
		ds = append(ds, l.Digest)
	}
	return manifest.UniqueDigests(append(ds, m.doc.Config.Digest)...)
}

func (m *DeserializedManifest) LocalBlobDigests() []digest.Digest {
	ds := make([]digest.Digest, 0, len(m.doc.Layers)+1)
	for _, l := range m.doc.Layers {
		if !isRemote(l) {
			ds = append(ds, l.Digest)
		}
	}
	return manifest.UniqueDigests(append(ds, m.doc.Config.Digest)...)
}

func (m *DeserializedManifest) LayersCompressedSize() (int64, bool) {
	var total int64
	for _, l := range m.doc.Layers {
		total += l.Size
	}
	return total, true
}

// GetLayers linearizes image layers. Artifacts have none.
func (m *DeserializedManifest) GetLayers(r manifest.ContentRetriever) ([]manifest.ImageLayer, error) {
	if !m.IsImage() {
		return nil, nil
	}
	cfg, err := imageconfig.Load(r, m.doc.Config)
	if err != nil {
		return nil, err
	}
	return imageconfig.ImageLayers(cfg, m.layerRefs())
}

// Validate checks an image config against the layers. Artifact configs are
// opaque and are not loaded.
func (m *DeserializedManifest) Validate(r manifest.ContentRetriever) error {
	_, err := m.GetLayers(r)
	return err
}

// Labels is the union of the annotations and, for images, the config
// labels. Config labels win on conflict.
func (m *DeserializedManifest) Labels(r manifest.ContentRetriever) (map[string]string, error) {
	labels := make(map[string]string, len(m.doc.Annotations))
	for k, v := range m.doc.Annotations {
		labels[k] = v
	}
	if !m.IsImage() {
		return labels, nil
	}
	cfg, err := imageconfig.Load(r, m.doc.Config)
	if err != nil {
		return nil, err
	}
	for k, v := range cfg.Labels() {
		labels[k] = v
	}
	return labels, nil
}

func (m *DeserializedManifest) ConvertManifest(opts manifest.ConvertOptions) (manifest.Manifest, error) {
	if opts.Accepts(v1.MediaTypeImageManifest) {
		return m, nil
	}
	if !opts.Accepts(schema1.MediaTypeManifest) && !opts.Accepts(schema1.MediaTypeSignedManifest) {
		return nil, nil
	}
	sm, err := m.GetSchema1Manifest(opts)
	if err != nil || sm == nil {
		return nil, err
	}
	return sm.ConvertManifest(opts)
}

// GetSchema1Manifest down-converts an image to schema 1. It returns nil for
// artifacts and for images with non-distributable layers.
func (m *DeserializedManifest) GetSchema1Manifest(opts manifest.ConvertOptions) (*schema1.SignedManifest, error) {
	if !m.IsImage() || m.HasRemoteLayer() {
		return nil, nil
	}
	cfg, err := imageconfig.Load(opts.Retriever, m.doc.Config)
	if err != nil {
		return nil, err
	}
	return imageconfig.BuildSchema1(cfg, m.layerRefs(), opts)
}
