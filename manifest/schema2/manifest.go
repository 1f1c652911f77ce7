package schema2

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/distribution/manifest"
	"github.com/quay/distribution/manifest/imageconfig"
	"github.com/quay/distribution/manifest/schema1"
)

const (
	// MediaTypeManifest specifies the mediaType for the current version.
	MediaTypeManifest = manifest.MediaTypeSchema2Manifest

	// MediaTypeImageConfig specifies the mediaType for the image configuration.
	MediaTypeImageConfig = imageconfig.MediaTypeDockerConfig

	// MediaTypePluginConfig specifies the mediaType for plugin configuration.
	MediaTypePluginConfig = "application/vnd.docker.plugin.v1+json"

	// MediaTypeLayer is the mediaType used for layers referenced by the
	// manifest.
	MediaTypeLayer = "application/vnd.docker.image.rootfs.diff.tar.gzip"

	// MediaTypeForeignLayer is the mediaType used for layers that must be
	// downloaded from foreign URLs.
	MediaTypeForeignLayer = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"

	// MediaTypeUncompressedLayer is the mediaType used for layers which
	// are not compressed.
	MediaTypeUncompressedLayer = "application/vnd.docker.image.rootfs.diff.tar"
)

func init() {
	manifest.Register(MediaTypeManifest, func(b []byte) (manifest.Manifest, error) {
		return Parse(b)
	})
}

var layerRules = imageconfig.LayerRules{
	Allowed: func(mt string) bool {
		switch mt {
		case MediaTypeLayer, MediaTypeForeignLayer, MediaTypeUncompressedLayer,
			v1.MediaTypeImageLayer, v1.MediaTypeImageLayerGzip:
			return true
		}
		return false
	},
	RequiresURLs: func(mt string) bool { return mt == MediaTypeForeignLayer },
}

// Manifest defines a schema2 manifest.
type Manifest struct {
	manifest.Versioned

	// Config references the image configuration as a blob.
	Config v1.Descriptor `json:"config"`

	// Layers lists descriptors for the layers referenced by the
	// configuration.
	Layers []v1.Descriptor `json:"layers"`
}

// DeserializedManifest wraps Manifest with a copy of the original JSON.
type DeserializedManifest struct {
	manifest.Payload
	doc Manifest
}

// Parse parses and structurally validates a schema 2 image manifest.
func Parse(b []byte) (*DeserializedManifest, error) {
	var doc Manifest
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed schema 2 manifest")
	}
	if doc.SchemaVersion != 2 {
		return nil, manifest.Errorf(manifest.InvalidManifest, "schema 2 manifest has schemaVersion %d", doc.SchemaVersion)
	}
	if doc.MediaType != MediaTypeManifest {
		return nil, manifest.Errorf(manifest.InvalidManifest, "mediaType in manifest should be '%s' not '%s'",
			MediaTypeManifest, doc.MediaType)
	}
	if err := imageconfig.ValidateDescriptors(b, layerRules); err != nil {
		return nil, err
	}
	if doc.Config.MediaType != MediaTypeImageConfig && doc.Config.MediaType != MediaTypePluginConfig {
		return nil, manifest.Errorf(manifest.InvalidManifest, "unsupported config media type %q", doc.Config.MediaType)
	}

	raw := make([]byte, len(b))
	copy(raw, b)
	return &DeserializedManifest{
		Payload: manifest.NewPayload(MediaTypeManifest, raw, ""),
		doc:     doc,
	}, nil
}

// Manifest returns the decoded document.
func (m *DeserializedManifest) Manifest() Manifest { return m.doc }

// Config returns the config descriptor.
func (m *DeserializedManifest) Config() v1.Descriptor { return m.doc.Config }

func (m *DeserializedManifest) Kind() manifest.Kind { return manifest.KindSchema2Image }
func (m *DeserializedManifest) SchemaVersion() int { return 2 }
func (m *DeserializedManifest) IsList() bool { return false }
func (m *DeserializedManifest) ConfigMediaType() string { return m.doc.Config.MediaType }
func (m *DeserializedManifest) Subject() *v1.Descriptor { return nil }
func (m *DeserializedManifest) ArtifactType() string { return "" }

func (m *DeserializedManifest) ChildManifests(manifest.ContentRetriever) ([]*manifest.LazyManifest, error) {
	return nil, nil
}

func isRemote(d v1.Descriptor) bool {
	return d.MediaType == MediaTypeForeignLayer || len(d.URLs) > 0
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

func (m *DeserializedManifest) GetLayers(r manifest.ContentRetriever) ([]manifest.ImageLayer, error) {
	cfg, err := imageconfig.Load(r, m.doc.Config)
	if err != nil {
		return nil, err
	}
	return imageconfig.ImageLayers(cfg, m.layerRefs())
}

// Validate loads the config blob and checks it against the layers.
func (m *DeserializedManifest) Validate(r manifest.ContentRetriever) error {
	if m.doc.Config.MediaType == MediaTypePluginConfig {
		_, err := imageconfig.Load(r, m.doc.Config)
		return err
	}
	_, err := m.GetLayers(r)
	return err
}

func (m *DeserializedManifest) Labels(r manifest.ContentRetriever) (map[string]string, error) {
	cfg, err := imageconfig.Load(r, m.doc.Config)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string)
	for k, v := range cfg.Labels() {
		labels[k] = v
	}
	return labels, nil
}

func (m *DeserializedManifest) ConvertManifest(opts manifest.ConvertOptions) (manifest.Manifest, error) {
	if opts.Accepts(MediaTypeManifest) {
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

// GetSchema1Manifest down-converts the image to schema 1, signed with
// opts.SigningKey when one is set. It returns nil for images with remote
// layers.
func (m *DeserializedManifest) GetSchema1Manifest(opts manifest.ConvertOptions) (*schema1.SignedManifest, error) {
	if m.HasRemoteLayer() || m.doc.Config.MediaType != MediaTypeImageConfig {
		return nil, nil
	}
	cfg, err := imageconfig.Load(opts.Retriever, m.doc.Config)
	if err != nil {
		return nil, err
	}
	return imageconfig.BuildSchema1(cfg, m.layerRefs(), opts)
}
