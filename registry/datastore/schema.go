package datastore

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution"
)

// Rows stored in the database. Digests are kept as plain strings and
// optional numbers as a value plus a presence flag, which keeps every field
// filterable.

// Namespace is a user or organization owning repositories.
type Namespace struct {
	ID       int64
	Name     string `bstore:"nonzero,unique"`
	Disabled bool

	RemovedTagExpirationS int64
	GeoBlockedCountries   []string
	QuotaBytes            int64
}

// ProxyCache turns a namespace into a pull-through cache.
type ProxyCache struct {
	ID               int64
	NamespaceID      int64  `bstore:"nonzero,ref Namespace,unique"`
	UpstreamRegistry string `bstore:"nonzero"`
	Username         string
	Password         string
	ExpirationS      int64
	Insecure         bool
}

// Repository belongs to a namespace.
type Repository struct {
	ID          int64
	NamespaceID int64  `bstore:"nonzero,ref Namespace,unique NamespaceID+Name"`
	Name        string `bstore:"nonzero"`
	Visibility  string `bstore:"nonzero"`
	Kind        string `bstore:"nonzero"`
	State       int
	MirrorRobot string
	Creator     string
	Created     time.Time `bstore:"default now"`
}

// Manifest holds the exact bytes a manifest was pushed with. Placeholders
// have no bytes.
type Manifest struct {
	ID              int64
	RepositoryID    int64  `bstore:"nonzero,ref Repository,unique RepositoryID+Digest"`
	Digest          string `bstore:"nonzero,index"`
	MediaType       string
	ConfigMediaType string
	Bytes           []byte

	LayersSize      int64
	LayersSizeKnown bool

	ArtifactType  string
	SubjectDigest string `bstore:"index"`
}

// ManifestBlob links an image manifest to each of its local blobs.
type ManifestBlob struct {
	ID           int64
	RepositoryID int64 `bstore:"nonzero,index"`
	ManifestID   int64 `bstore:"nonzero,ref Manifest,unique ManifestID+BlobID"`
	BlobID       int64 `bstore:"nonzero,ref Blob,index"`
}

// ManifestChild links a list or index to a child manifest in the same
// repository.
type ManifestChild struct {
	ID              int64
	RepositoryID    int64 `bstore:"nonzero,index"`
	ManifestID      int64 `bstore:"nonzero,ref Manifest,unique ManifestID+ChildManifestID"`
	ChildManifestID int64 `bstore:"nonzero,ref Manifest,index"`
}

// Tag is one row of a tag's history. LifetimeEndMs is zero while the row
// has no end.
type Tag struct {
	ID              int64
	RepositoryID    int64  `bstore:"nonzero,ref Repository,index RepositoryID+Name"`
	Name            string `bstore:"nonzero"`
	ManifestID      int64  `bstore:"nonzero,ref Manifest,index"`
	ManifestDigest  string `bstore:"nonzero"`
	LifetimeStartMs int64
	LifetimeEndMs   int64
	Hidden          bool
	Reversion       bool
}

func (t Tag) activeAt(nowMs int64) bool {
	return t.LifetimeEndMs == 0 || t.LifetimeEndMs > nowMs
}

// Blob is a stored blob. Several rows may share a digest; the backend file
// is shared by all of them.
type Blob struct {
	ID             int64
	Digest         string `bstore:"nonzero,index"`
	CompressedSize int64

	UncompressedSize  int64
	UncompressedKnown bool

	Locations []string
	Uploading bool
	Created   time.Time `bstore:"default now"`
}

// UploadedBlob keeps a blob linked to a repository until it expires, so a
// push can reference it from a manifest.
type UploadedBlob struct {
	ID           int64
	RepositoryID int64     `bstore:"nonzero,ref Repository,index"`
	BlobID       int64     `bstore:"nonzero,ref Blob,index"`
	Expires      time.Time `bstore:"nonzero"`
}

// BlobUpload is an upload session.
type BlobUpload struct {
	ID           int64
	RepositoryID int64  `bstore:"nonzero,ref Repository,index"`
	UploadID     string `bstore:"nonzero,unique"`
	Location     string `bstore:"nonzero"`

	ByteCount         int64
	UncompressedCount int64
	UncompressedKnown bool
	ChunkCount        int
	ShaState          []byte
	StorageMetadata   map[string]string
	Created           time.Time `bstore:"default now"`
}

// Label is a key/value attached to manifests through ManifestLabel.
type Label struct {
	ID         int64
	Key        string `bstore:"nonzero"`
	Value      string
	MediaType  string
	SourceType string `bstore:"nonzero"`
}

// ManifestLabel attaches a label to a manifest.
type ManifestLabel struct {
	ID           int64
	RepositoryID int64 `bstore:"nonzero,index"`
	ManifestID   int64 `bstore:"nonzero,ref Manifest,unique ManifestID+LabelID"`
	LabelID      int64 `bstore:"nonzero,ref Label,index"`
}

// LegacyImage records the v1 id a schema 1 layer is stored under.
type LegacyImage struct {
	ID            int64
	RepositoryID  int64  `bstore:"nonzero,ref Repository,unique RepositoryID+DockerImageID"`
	DockerImageID string `bstore:"nonzero"`
	ParentID      string
	BlobID        int64 `bstore:"nonzero,ref Blob,index"`
	V1Metadata    string
}

// ManifestLegacyImage links a schema 1 manifest to the legacy image rows of
// its layers.
type ManifestLegacyImage struct {
	ID           int64
	RepositoryID int64 `bstore:"nonzero,index"`
	ManifestID   int64 `bstore:"nonzero,ref Manifest,unique ManifestID+ImageID"`
	ImageID      int64 `bstore:"nonzero,ref LegacyImage,index"`
}

// tables lists every row type, in the order bstore opens them.
var tables = []any{
	Namespace{},
	ProxyCache{},
	Repository{},
	Blob{},
	Manifest{},
	ManifestBlob{},
	ManifestChild{},
	Tag{},
	UploadedBlob{},
	BlobUpload{},
	Label{},
	ManifestLabel{},
	LegacyImage{},
	ManifestLegacyImage{},
}

func optionalInt(v int64, known bool) *int64 {
	if !known {
		return nil
	}
	return &v
}

func fromOptional(p *int64) (int64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

func (r Repository) reference(ns string) *distribution.RepositoryReference {
	return &distribution.RepositoryReference{
		ID:            r.ID,
		NamespaceName: ns,
		Name:          r.Name,
		Visibility:    distribution.Visibility(r.Visibility),
		Kind:          distribution.RepositoryKind(r.Kind),
		State:         distribution.RepositoryState(r.State),
		MirrorRobot:   r.MirrorRobot,
	}
}

func (t Tag) reference() *distribution.Tag {
	tag := &distribution.Tag{
		ID:              t.ID,
		RepositoryID:    t.RepositoryID,
		Name:            t.Name,
		ManifestID:      t.ManifestID,
		ManifestDigest:  digest.Digest(t.ManifestDigest),
		LifetimeStartMs: t.LifetimeStartMs,
		Hidden:          t.Hidden,
		Reversion:       t.Reversion,
	}
	if t.LifetimeEndMs != 0 {
		end := t.LifetimeEndMs
		tag.LifetimeEndMs = &end
	}
	return tag
}

func (m Manifest) reference() *distribution.ManifestReference {
	return &distribution.ManifestReference{
		ID:                   m.ID,
		RepositoryID:         m.RepositoryID,
		Digest:               digest.Digest(m.Digest),
		MediaType:            m.MediaType,
		ConfigMediaType:      m.ConfigMediaType,
		Bytes:                m.Bytes,
		LayersCompressedSize: optionalInt(m.LayersSize, m.LayersSizeKnown),
		ArtifactType:         m.ArtifactType,
		SubjectDigest:        digest.Digest(m.SubjectDigest),
	}
}

func (b Blob) reference() *distribution.Blob {
	return &distribution.Blob{
		ID:               b.ID,
		Digest:           digest.Digest(b.Digest),
		CompressedSize:   b.CompressedSize,
		UncompressedSize: optionalInt(b.UncompressedSize, b.UncompressedKnown),
		Locations:        append([]string(nil), b.Locations...),
		Uploading:        b.Uploading,
	}
}

func (u BlobUpload) reference() *distribution.BlobUpload {
	md := make(map[string]string, len(u.StorageMetadata))
	for k, v := range u.StorageMetadata {
		md[k] = v
	}
	return &distribution.BlobUpload{
		ID:                    u.ID,
		RepositoryID:          u.RepositoryID,
		UploadID:              u.UploadID,
		Location:              u.Location,
		ByteCount:             u.ByteCount,
		UncompressedByteCount: optionalInt(u.UncompressedCount, u.UncompressedKnown),
		ChunkCount:            u.ChunkCount,
		ShaState:              append([]byte(nil), u.ShaState...),
		StorageMetadata:       md,
		Created:               u.Created,
	}
}

func (l Label) reference() distribution.Label {
	return distribution.Label{
		ID:         l.ID,
		Key:        l.Key,
		Value:      l.Value,
		MediaType:  l.MediaType,
		SourceType: distribution.LabelSource(l.SourceType),
	}
}
