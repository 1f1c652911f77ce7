package manifestlist

import (
	"encoding/json"
	"errors"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/distribution/manifest"
)

const (
	// MediaTypeManifestList specifies the mediaType for manifest lists.
	MediaTypeManifestList = manifest.MediaTypeSchema2ManifestList
)

func init() {
	manifest.Register(MediaTypeManifestList, func(b []byte) (manifest.Manifest, error) {
		return Parse(b)
	})
}

// PlatformSpec specifies a platform where a particular image manifest is
// applicable.
type PlatformSpec struct {
	// Architecture field specifies the CPU architecture, for example
	// `amd64` or `ppc64`.
	Architecture string `json:"architecture"`

	// OS specifies the operating system, for example `linux` or `windows`.
	OS string `json:"os"`

	// OSVersion is an optional field specifying the operating system
	// version, for example `10.0.10586`.
	OSVersion string `json:"os.version,omitempty"`

	// OSFeatures is an optional field specifying an array of strings,
	// each listing a required OS feature (for example on Windows `win32k`).
	OSFeatures []string `json:"os.features,omitempty"`

	// Variant is an optional field specifying a variant of the CPU, for
	// example `ppc64le` to specify a little-endian version of a PowerPC CPU.
	Variant string `json:"variant,omitempty"`

	// Features is an optional field specifying an array of strings, each
	// listing a required CPU feature (for example `sse4` or `aes`).
	Features []string `json:"features,omitempty"`
}

// A ManifestDescriptor references a platform-specific manifest.
type ManifestDescriptor struct {
	v1.Descriptor

	// Platform specifies which platform the manifest pointed to by the
	// descriptor runs on.
	Platform PlatformSpec `json:"platform"`
}

// ManifestList references manifests for various platforms.
type ManifestList struct {
	manifest.Versioned

	// Manifests references a list of manifests
	Manifests []ManifestDescriptor `json:"manifests"`
}

// References returns the descriptors of the platform manifests.
func (m ManifestList) References() []v1.Descriptor {
	dependencies := make([]v1.Descriptor, len(m.Manifests))
	for i := range m.Manifests {
		dependencies[i] = m.Manifests[i].Descriptor
		dependencies[i].Platform = &v1.Platform{
			Architecture: m.Manifests[i].Platform.Architecture,
			OS:           m.Manifests[i].Platform.OS,
			OSVersion:    m.Manifests[i].Platform.OSVersion,
			OSFeatures:   m.Manifests[i].Platform.OSFeatures,
			Variant:      m.Manifests[i].Platform.Variant,
		}
	}

	return dependencies
}

// DeserializedManifestList wraps ManifestList with a copy of the original
// JSON.
type DeserializedManifestList struct {
	manifest.Payload
	doc ManifestList
}

// Parse parses and structurally validates a manifest list.
func Parse(b []byte) (*DeserializedManifestList, error) {
	if err := validateManifestList(b); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed manifest list")
	}
	var doc ManifestList
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed manifest list")
	}
	if doc.SchemaVersion != 2 {
		return nil, manifest.Errorf(manifest.InvalidManifest, "manifest list has schemaVersion %d", doc.SchemaVersion)
	}
	if doc.MediaType != MediaTypeManifestList {
		return nil, manifest.Errorf(manifest.InvalidManifest, "mediaType in manifest list should be '%s' not '%s'",
			MediaTypeManifestList, doc.MediaType)
	}
	for i, d := range doc.Manifests {
		if err := d.Digest.Validate(); err != nil {
			return nil, manifest.Wrap(manifest.InvalidManifest, err, "manifest list entry digest")
		}
		if d.MediaType == "" {
			return nil, manifest.Errorf(manifest.InvalidManifest, "manifest list entry %d has no mediaType", i)
		}
		if d.Platform.Architecture == "" || d.Platform.OS == "" {
			return nil, manifest.Errorf(manifest.InvalidManifest, "manifest list entry %d has no platform", i)
		}
	}

	raw := make([]byte, len(b))
	copy(raw, b)
	return &DeserializedManifestList{
		Payload: manifest.NewPayload(MediaTypeManifestList, raw, ""),
		doc:     doc,
	}, nil
}

// validateManifestList returns an error if the byte slice is invalid JSON or if it
// contains fields that belong to a manifest
func validateManifestList(b []byte) error {
	var doc struct {
		Config interface{} `json:"config,omitempty"`
		Layers interface{} `json:"layers,omitempty"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc.Config != nil || doc.Layers != nil {
		return errors.New("manifestlist: expected list but found manifest")
	}
	return nil
}

// ManifestList returns the decoded document.
func (m *DeserializedManifestList) ManifestList() ManifestList { return m.doc }

func (m *DeserializedManifestList) Kind() manifest.Kind { return manifest.KindSchema2List }
func (m *DeserializedManifestList) SchemaVersion() int { return 2 }
func (m *DeserializedManifestList) IsList() bool { return true }
func (m *DeserializedManifestList) ConfigMediaType() string { return "" }
func (m *DeserializedManifestList) BlobDigests() []digest.Digest { return nil }
func (m *DeserializedManifestList) LocalBlobDigests() []digest.Digest { return nil }
func (m *DeserializedManifestList) LayersCompressedSize() (int64, bool) { return 0, false }
func (m *DeserializedManifestList) Subject() *v1.Descriptor { return nil }
func (m *DeserializedManifestList) ArtifactType() string { return "" }

func (m *DeserializedManifestList) GetLayers(manifest.ContentRetriever) ([]manifest.ImageLayer, error) {
	return nil, nil
}

func (m *DeserializedManifestList) ChildManifests(r manifest.ContentRetriever) ([]*manifest.LazyManifest, error) {
	refs := m.doc.References()
	children := make([]*manifest.LazyManifest, len(refs))
	for i, d := range refs {
		children[i] = manifest.NewLazyManifest(d, r)
	}
	return children, nil
}

// Validate checks that schema 1 children exist and match the architecture
// the list declares for them.
func (m *DeserializedManifestList) Validate(r manifest.ContentRetriever) error {
	children, err := m.ChildManifests(r)
	if err != nil {
		return err
	}
	return manifest.ValidateSchema1Children(children)
}

func (m *DeserializedManifestList) Labels(manifest.ContentRetriever) (map[string]string, error) {
	return map[string]string{}, nil
}

// ConvertManifest returns the list itself when accepted, and otherwise the
// conversion of its linux/amd64 child.
func (m *DeserializedManifestList) ConvertManifest(opts manifest.ConvertOptions) (manifest.Manifest, error) {
	if opts.Accepts(MediaTypeManifestList) {
		return m, nil
	}
	children, err := m.ChildManifests(opts.Retriever)
	if err != nil {
		return nil, err
	}
	return manifest.ConvertViaChild(children, opts)
}
