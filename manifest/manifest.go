package manifest

import (
	"time"

	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Kind identifies one of the manifest variants understood by the registry.
type Kind int

const (
	KindSchema1 Kind = iota + 1
	KindSchema2Image
	KindSchema2List
	KindOCIImage
	KindOCIIndex
	KindOCIArtifact
)

func (k Kind) String() string {
	switch k {
	case KindSchema1:
		return "schema1"
	case KindSchema2Image:
		return "schema2"
	case KindSchema2List:
		return "schema2-list"
	case KindOCIImage:
		return "oci-image"
	case KindOCIIndex:
		return "oci-index"
	case KindOCIArtifact:
		return "oci-artifact"
	}
	return "unknown"
}

// Manifest is the common surface of every parsed manifest. The set of
// implementations is closed: each one embeds Payload, which carries the
// unexported marker method.
type Manifest interface {
	Kind() Kind

	// Digest is the content digest of the manifest. For everything but
	// signed schema 1 manifests it is computed over Bytes.
	Digest() digest.Digest

	// Bytes returns the exact bytes the manifest was parsed from.
	Bytes() []byte

	MediaType() string
	SchemaVersion() int
	IsList() bool

	// ConfigMediaType returns the empty string when the manifest has no
	// config blob.
	ConfigMediaType() string

	// BlobDigests returns every blob referenced by the manifest, config
	// included.
	BlobDigests() []digest.Digest

	// LocalBlobDigests is BlobDigests minus remote layers.
	LocalBlobDigests() []digest.Digest

	// LayersCompressedSize reports false when the size cannot be computed
	// from the manifest alone.
	LayersCompressedSize() (int64, bool)

	// ChildManifests returns nil for anything but lists and indexes.
	ChildManifests(r ContentRetriever) ([]*LazyManifest, error)

	// GetLayers returns nil for lists, indexes and artifacts.
	GetLayers(r ContentRetriever) ([]ImageLayer, error)

	Validate(r ContentRetriever) error

	// ConvertManifest returns a manifest in one of the accepted media types
	// or nil when there is no conversion path.
	ConvertManifest(opts ConvertOptions) (Manifest, error)

	Labels(r ContentRetriever) (map[string]string, error)

	// Subject is the manifest this one refers to, if any.
	Subject() *v1.Descriptor

	// ArtifactType is the artifact type advertised in a referrers index.
	ArtifactType() string

	isManifest()
}

// ImageLayer is one linearized layer of an image, base first.
type ImageLayer struct {
	// ID is the v1 image id, synthesized for schema 2 and OCI images.
	ID       string
	ParentID string

	BlobDigest digest.Digest
	Command    string
	Author     string
	Comment    string
	Created    time.Time

	// CompressedSize is nil when the manifest does not state it.
	CompressedSize *int64

	IsRemote bool
	URLs     []string

	// IsEmpty marks history entries that do not carry a layer blob.
	IsEmpty bool
}

// ConvertOptions describes what a client accepts and how a converted
// schema 1 manifest is named and signed.
type ConvertOptions struct {
	AcceptedMediaTypes []string

	Namespace string
	RepoName  string
	TagName   string

	Retriever ContentRetriever

	// SigningKey signs generated schema 1 manifests. Without it they are
	// produced unsigned.
	SigningKey libtrust.PrivateKey
}

// Accepts reports whether mediaType is in AcceptedMediaTypes.
func (o ConvertOptions) Accepts(mediaType string) bool {
	for _, mt := range o.AcceptedMediaTypes {
		if mt == mediaType {
			return true
		}
	}
	return false
}

// Payload holds the immutable identity shared by every manifest kind.
type Payload struct {
	mediaType string
	raw       []byte
	digest    digest.Digest
}

// NewPayload records raw as the manifest bytes. An empty dgst means the
// digest is computed from raw.
func NewPayload(mediaType string, raw []byte, dgst digest.Digest) Payload {
	if dgst == "" {
		dgst = digest.FromBytes(raw)
	}
	return Payload{mediaType: mediaType, raw: raw, digest: dgst}
}

func (p Payload) Digest() digest.Digest { return p.digest }
func (p Payload) Bytes() []byte { return p.raw }
func (p Payload) MediaType() string { return p.mediaType }
func (Payload) isManifest() {}

// UniqueDigests returns ds with duplicates removed, keeping the first
// occurrence.
func UniqueDigests(ds ...digest.Digest) []digest.Digest {
	seen := make(map[digest.Digest]struct{}, len(ds))
	out := make([]digest.Digest, 0, len(ds))
	for _, d := range ds {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
