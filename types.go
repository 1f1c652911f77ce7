package distribution

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution/manifest"
)

// Visibility of a repository.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// RepositoryKind distinguishes container repositories from application
// repositories.
type RepositoryKind string

const (
	RepositoryKindImage       RepositoryKind = "image"
	RepositoryKindApplication RepositoryKind = "application"
)

// RepositoryState controls which writes a repository accepts.
type RepositoryState int

const (
	RepositoryStateNormal RepositoryState = iota
	RepositoryStateReadOnly
	RepositoryStateMirror
)

func (s RepositoryState) String() string {
	switch s {
	case RepositoryStateReadOnly:
		return "READ_ONLY"
	case RepositoryStateMirror:
		return "MIRROR"
	}
	return "NORMAL"
}

// RepositoryReference identifies a repository row.
type RepositoryReference struct {
	ID            int64
	NamespaceName string
	Name          string
	Visibility    Visibility
	Kind          RepositoryKind
	State         RepositoryState

	// MirrorRobot is the only user allowed to write into a repository in
	// the mirror state.
	MirrorRobot string
}

// FullName returns namespace/name.
func (r *RepositoryReference) FullName() string {
	return r.NamespaceName + "/" + r.Name
}

func (r *RepositoryReference) IsPublic() bool { return r.Visibility == VisibilityPublic }

// Namespace carries the per-namespace policy the engine consults.
type Namespace struct {
	ID       int64
	Name     string
	Disabled bool

	// RemovedTagExpiration is the time machine window: how long ended tags
	// keep their manifests alive.
	RemovedTagExpiration time.Duration

	// GeoBlockedCountries holds ISO country codes whose clients may not
	// pull blobs from the namespace.
	GeoBlockedCountries []string

	// QuotaBytes is zero when the namespace has no quota.
	QuotaBytes int64

	ProxyCache *ProxyCacheConfig
}

// IsGeoBlocked reports whether clients from country are blocked.
func (n *Namespace) IsGeoBlocked(country string) bool {
	if country == "" {
		return false
	}
	for _, c := range n.GeoBlockedCountries {
		if c == country {
			return true
		}
	}
	return false
}

// ProxyCacheConfig turns a namespace into a pull-through cache of an
// upstream registry.
type ProxyCacheConfig struct {
	Namespace        string
	UpstreamRegistry string
	Username         string
	Password         string
	Expiration       time.Duration
	Insecure         bool
}

// Tag is one row of a tag's history.
type Tag struct {
	ID             int64
	RepositoryID   int64
	Name           string
	ManifestID     int64
	ManifestDigest digest.Digest

	LifetimeStartMs int64
	// LifetimeEndMs is nil for tags without an end.
	LifetimeEndMs *int64

	Hidden    bool
	Reversion bool
}

// IsActive reports whether the tag is live at nowMs.
func (t *Tag) IsActive(nowMs int64) bool {
	return t.LifetimeEndMs == nil || *t.LifetimeEndMs > nowMs
}

// Expiration returns the end of the tag's lifetime, if any.
func (t *Tag) Expiration() (time.Time, bool) {
	if t.LifetimeEndMs == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*t.LifetimeEndMs), true
}

// TagHistoryEntry is a tag row with the manifest data a history listing
// shows.
type TagHistoryEntry struct {
	Tag
	MediaType            string
	LayersCompressedSize *int64
}

// ManifestReference is a manifest row.
type ManifestReference struct {
	ID              int64
	RepositoryID    int64
	Digest          digest.Digest
	MediaType       string
	ConfigMediaType string

	// Bytes are the exact bytes the manifest was pushed with. They are
	// empty for placeholders.
	Bytes []byte

	LayersCompressedSize *int64

	ArtifactType  string
	SubjectDigest digest.Digest
}

// IsPlaceholder reports whether the manifest was only seen as a child of a
// list and its bytes were never stored.
func (m *ManifestReference) IsPlaceholder() bool { return len(m.Bytes) == 0 }

// Parse returns the parsed manifest for the stored bytes.
func (m *ManifestReference) Parse() (manifest.Manifest, error) {
	if m.IsPlaceholder() {
		return nil, ErrManifestUnknown
	}
	return manifest.Parse(m.MediaType, m.Bytes)
}

// Blob is a stored blob.
type Blob struct {
	ID               int64
	Digest           digest.Digest
	CompressedSize   int64
	UncompressedSize *int64

	// Locations names the storage locations that hold the blob's bytes.
	Locations []string
	Uploading bool
}

// BlobUpload is the state of an upload session.
type BlobUpload struct {
	ID           int64
	RepositoryID int64
	UploadID     string
	Location     string

	ByteCount             int64
	UncompressedByteCount *int64
	ChunkCount            int

	// ShaState is the marshaled state of the running sha256.
	ShaState []byte

	StorageMetadata map[string]string
	Created         time.Time
}

// LabelSource records where a label came from.
type LabelSource string

const (
	LabelSourceManifest LabelSource = "manifest"
	LabelSourceAPI      LabelSource = "api"
)

// Label is a key/value attached to a manifest.
type Label struct {
	ID         int64
	Key        string
	Value      string
	MediaType  string
	SourceType LabelSource
}
