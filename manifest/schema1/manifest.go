package schema1

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/distribution/manifest"
)

const (
	// MediaTypeManifest specifies the mediaType for the current version. Note
	// that for schema version 1, the the media is optionally "application/json".
	MediaTypeManifest = manifest.MediaTypeSchema1Manifest
	// MediaTypeSignedManifest specifies the mediatype for current SignedManifest version
	MediaTypeSignedManifest = manifest.MediaTypeSchema1SignedManifest
)

func init() {
	unmarshal := func(b []byte) (manifest.Manifest, error) {
		return Parse(b)
	}
	manifest.Register(MediaTypeManifest, unmarshal)
	manifest.Register(MediaTypeSignedManifest, unmarshal)
}

// FSLayer is a container struct for BlobSums defined in an image manifest
type FSLayer struct {
	// BlobSum is the tarsum of the referenced filesystem image layer
	BlobSum digest.Digest `json:"blobSum"`
}

// History stores unstructured v1 compatibility information
type History struct {
	// V1Compatibility is the raw v1 compatibility information
	V1Compatibility string `json:"v1Compatibility"`
}

// Manifest provides the base accessible fields for working with V2 image
// format in the registry. Layers are ordered leaf first.
type Manifest struct {
	manifest.Versioned

	// Name is the name of the image's repository
	Name string `json:"name"`

	// Tag is the tag of the image specified by this manifest
	Tag string `json:"tag"`

	// Architecture is the host architecture on which this image is intended to
	// run
	Architecture string `json:"architecture"`

	// FSLayers is a list of filesystem layer blobSums contained in this image
	FSLayers []FSLayer `json:"fsLayers"`

	// History is a list of unstructured historical data for v1 compatibility
	History []History `json:"history"`
}

// V1Compatibility is the part of a layer's v1 image JSON the registry reads.
type V1Compatibility struct {
	ID              string           `json:"id"`
	Parent          string           `json:"parent,omitempty"`
	Created         string           `json:"created,omitempty"`
	Author          string           `json:"author,omitempty"`
	Comment         string           `json:"comment,omitempty"`
	Size            *int64           `json:"Size,omitempty"`
	ThrowAway       bool             `json:"throwaway,omitempty"`
	ContainerConfig *ContainerConfig `json:"container_config,omitempty"`
	Config          *ContainerConfig `json:"config,omitempty"`
}

// ContainerConfig holds the container configuration fields of a v1 image.
type ContainerConfig struct {
	Cmd    []string          `json:"Cmd,omitempty"`
	Labels map[string]string `json:"Labels,omitempty"`
}

// Layer pairs a blob with its parsed v1 metadata.
type Layer struct {
	BlobSum digest.Digest
	V1      V1Compatibility
	// Raw is the v1Compatibility string exactly as it appeared.
	Raw string
}

// SignedManifest is a parsed schema 1 manifest, signed or not. Bytes are
// kept verbatim; the digest is computed over the canonical payload.
type SignedManifest struct {
	manifest.Payload

	doc       Manifest
	canonical []byte
	signed    bool

	// layers is ordered base first.
	layers []Layer
}

// Parse parses a schema 1 manifest. Signed manifests must carry signatures
// that verify against their embedded keys.
func Parse(b []byte) (*SignedManifest, error) {
	var probe struct {
		Signatures json.RawMessage `json:"signatures"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "schema 1 manifest is not valid JSON")
	}

	all := make([]byte, len(b))
	copy(all, b)

	sm := &SignedManifest{canonical: all}
	mediaType := MediaTypeManifest
	if probe.Signatures != nil {
		jsig, err := libtrust.ParsePrettySignature(all, "signatures")
		if err != nil {
			return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed schema 1 signature")
		}
		if _, err := jsig.Verify(); err != nil {
			return nil, manifest.Wrap(manifest.UnverifiedManifest, err, "schema 1 signature does not verify")
		}
		payload, err := jsig.Payload()
		if err != nil {
			return nil, manifest.Wrap(manifest.InvalidManifest, err, "schema 1 payload")
		}
		sm.canonical = payload
		sm.signed = true
		mediaType = MediaTypeSignedManifest
	}

	if err := json.Unmarshal(sm.canonical, &sm.doc); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed schema 1 manifest")
	}
	if err := sm.validateStructure(); err != nil {
		return nil, err
	}
	sm.Payload = manifest.NewPayload(mediaType, all, digest.FromBytes(sm.canonical))
	return sm, nil
}

func (sm *SignedManifest) validateStructure() error {
	doc := sm.doc
	if doc.SchemaVersion != 1 {
		return manifest.Errorf(manifest.InvalidManifest, "schema 1 manifest has schemaVersion %d", doc.SchemaVersion)
	}
	if doc.Name == "" {
		return manifest.Errorf(manifest.InvalidManifest, "schema 1 manifest has no name")
	}
	if len(doc.FSLayers) == 0 {
		return manifest.Errorf(manifest.InvalidManifest, "schema 1 manifest has no layers")
	}
	if len(doc.FSLayers) != len(doc.History) {
		return manifest.Errorf(manifest.InvalidManifest, "schema 1 manifest has %d layers and %d history entries",
			len(doc.FSLayers), len(doc.History))
	}

	sm.layers = make([]Layer, 0, len(doc.FSLayers))
	for i := len(doc.FSLayers) - 1; i >= 0; i-- {
		raw := doc.History[i].V1Compatibility
		var v1c V1Compatibility
		if err := json.Unmarshal([]byte(raw), &v1c); err != nil {
			return manifest.Wrap(manifest.InvalidManifest, err, "malformed v1Compatibility")
		}
		if v1c.ID == "" {
			return manifest.Errorf(manifest.InvalidManifest, "v1Compatibility entry %d has no id", i)
		}
		if err := doc.FSLayers[i].BlobSum.Validate(); err != nil {
			return manifest.Wrap(manifest.InvalidManifest, err, "invalid blobSum")
		}
		sm.layers = append(sm.layers, Layer{BlobSum: doc.FSLayers[i].BlobSum, V1: v1c, Raw: raw})
	}
	return nil
}

func (sm *SignedManifest) Kind() manifest.Kind { return manifest.KindSchema1 }
func (sm *SignedManifest) SchemaVersion() int { return 1 }
func (sm *SignedManifest) IsList() bool { return false }
func (sm *SignedManifest) ConfigMediaType() string { return "" }
func (sm *SignedManifest) Subject() *v1.Descriptor { return nil }
func (sm *SignedManifest) ArtifactType() string { return "" }
func (sm *SignedManifest) Validate(manifest.ContentRetriever) error { return nil }

// Signed reports whether the manifest carried a JWS envelope.
func (sm *SignedManifest) Signed() bool { return sm.signed }

// Canonical returns the payload the digest and signatures cover.
func (sm *SignedManifest) Canonical() []byte { return sm.canonical }

// Manifest returns the decoded document.
func (sm *SignedManifest) Manifest() Manifest { return sm.doc }

func (sm *SignedManifest) Name() string { return sm.doc.Name }
func (sm *SignedManifest) Tag() string { return sm.doc.Tag }
func (sm *SignedManifest) Architecture() string { return sm.doc.Architecture }

// Namespace returns the part of the name before the first slash, or
// "library" when the name has none.
func (sm *SignedManifest) Namespace() string {
	ns, _ := splitName(sm.doc.Name)
	return ns
}

// RepoName returns the name without its namespace.
func (sm *SignedManifest) RepoName() string {
	_, repo := splitName(sm.doc.Name)
	return repo
}

func splitName(name string) (string, string) {
	ns, repo, ok := strings.Cut(name, "/")
	if !ok {
		return "library", name
	}
	return ns, repo
}

// Layers returns the layers base first.
func (sm *SignedManifest) Layers() []Layer { return sm.layers }

// Leaf returns the topmost layer.
func (sm *SignedManifest) Leaf() Layer { return sm.layers[len(sm.layers)-1] }

func (sm *SignedManifest) BlobDigests() []digest.Digest {
	ds := make([]digest.Digest, 0, len(sm.layers))
	for _, l := range sm.layers {
		ds = append(ds, l.BlobSum)
	}
	return manifest.UniqueDigests(ds...)
}

func (sm *SignedManifest) LocalBlobDigests() []digest.Digest {
	return sm.BlobDigests()
}

func (sm *SignedManifest) LayersCompressedSize() (int64, bool) {
	var total int64
	for _, l := range sm.layers {
		if l.V1.Size == nil {
			return 0, false
		}
		total += *l.V1.Size
	}
	return total, true
}

func (sm *SignedManifest) ChildManifests(manifest.ContentRetriever) ([]*manifest.LazyManifest, error) {
	return nil, nil
}

func (sm *SignedManifest) GetLayers(manifest.ContentRetriever) ([]manifest.ImageLayer, error) {
	out := make([]manifest.ImageLayer, 0, len(sm.layers))
	for _, l := range sm.layers {
		il := manifest.ImageLayer{
			ID:             l.V1.ID,
			ParentID:       l.V1.Parent,
			BlobDigest:     l.BlobSum,
			Author:         l.V1.Author,
			Comment:        l.V1.Comment,
			CompressedSize: l.V1.Size,
			IsEmpty:        l.V1.ThrowAway,
		}
		if l.V1.Created != "" {
			if t, err := time.Parse(time.RFC3339Nano, l.V1.Created); err == nil {
				il.Created = t
			}
		}
		if l.V1.ContainerConfig != nil && l.V1.ContainerConfig.Cmd != nil {
			cmd, err := json.Marshal(l.V1.ContainerConfig.Cmd)
			if err != nil {
				return nil, err
			}
			il.Command = string(cmd)
		}
		out = append(out, il)
	}
	return out, nil
}

func (sm *SignedManifest) Labels(manifest.ContentRetriever) (map[string]string, error) {
	labels := make(map[string]string)
	if cfg := sm.Leaf().V1.Config; cfg != nil {
		for k, v := range cfg.Labels {
			labels[k] = v
		}
	}
	return labels, nil
}

// ConvertManifest returns the manifest itself when its media type is
// accepted, and otherwise its signed or unsigned twin.
func (sm *SignedManifest) ConvertManifest(opts manifest.ConvertOptions) (manifest.Manifest, error) {
	if opts.Accepts(sm.MediaType()) {
		return sm, nil
	}
	if sm.signed && opts.Accepts(MediaTypeManifest) {
		return sm.Unsigned()
	}
	if !sm.signed && opts.SigningKey != nil && opts.Accepts(MediaTypeSignedManifest) {
		return sm.SignWith(opts.SigningKey)
	}
	return nil, nil
}

// GetSchema1Manifest returns the manifest itself.
func (sm *SignedManifest) GetSchema1Manifest(manifest.ConvertOptions) (*SignedManifest, error) {
	return sm, nil
}

// Unsigned returns the manifest without its signatures.
func (sm *SignedManifest) Unsigned() (*SignedManifest, error) {
	if !sm.signed {
		return sm, nil
	}
	return Parse(sm.canonical)
}

// SignWith returns the manifest re-signed with key.
func (sm *SignedManifest) SignWith(key libtrust.PrivateKey) (*SignedManifest, error) {
	doc := sm.doc
	b, err := Sign(&doc, key)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Signatures returns the JWS signatures in the manifest.
func (sm *SignedManifest) Signatures() ([][]byte, error) {
	if !sm.signed {
		return nil, nil
	}
	jsig, err := libtrust.ParsePrettySignature(sm.Bytes(), "signatures")
	if err != nil {
		return nil, err
	}
	return jsig.Signatures()
}
