package distribution

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution/manifest"
)

// RegistryModel is the registry data model consumed by the protocol
// engine. Lookups report missing rows with the sentinel errors of this
// package.
type RegistryModel interface {
	NamespaceService
	RepositoryService
	TagService
	ManifestService
	BlobService

	// Retriever returns a content retriever over the manifests and blobs
	// visible in repo.
	Retriever(ctx context.Context, repo *RepositoryReference) manifest.ContentRetriever
}

// NamespaceService reads namespace policy.
type NamespaceService interface {
	LookupNamespace(ctx context.Context, name string) (*Namespace, error)
}

// RepositoryService creates, finds and enumerates repositories.
type RepositoryService interface {
	LookupRepository(ctx context.Context, namespace, name string) (*RepositoryReference, error)
	CreateRepository(ctx context.Context, namespace, name, creator string, visibility Visibility, kind RepositoryKind) (*RepositoryReference, error)

	// ListRepositories returns up to n full repository names sorted after
	// last for which filter returns true. The boolean reports whether more
	// names follow.
	ListRepositories(ctx context.Context, last string, n int, filter func(*RepositoryReference) bool) ([]string, bool, error)
}

// TagService manages tag rows.
type TagService interface {
	GetRepoTag(ctx context.Context, repo *RepositoryReference, name string) (*Tag, error)

	// ListActiveTags pages through active, non-hidden tags by row id. next
	// is zero on the last page.
	ListActiveTags(ctx context.Context, repo *RepositoryReference, startID int64, limit int) (tags []Tag, next int64, err error)

	// ListTagNames returns active tag names in lexical order after last.
	ListTagNames(ctx context.Context, repo *RepositoryReference, last string, n int) ([]string, bool, error)

	// ListRepositoryTagHistory includes ended tags, newest first. An empty
	// specificTag lists every tag.
	ListRepositoryTagHistory(ctx context.Context, repo *RepositoryReference, page, limit int, specificTag string) ([]TagHistoryEntry, bool, error)

	TagNamesForManifest(ctx context.Context, m *ManifestReference, max int) ([]string, error)

	// RetargetTag points name at m, ending the current row.
	RetargetTag(ctx context.Context, repo *RepositoryReference, name string, m *ManifestReference, expiration time.Duration) (*Tag, error)

	DeleteTag(ctx context.Context, repo *RepositoryReference, name string) (*Tag, error)

	// DeleteTagsForManifest ends every active tag pointing at m.
	DeleteTagsForManifest(ctx context.Context, m *ManifestReference) ([]Tag, error)
}

// ManifestService finds and creates manifests.
type ManifestService interface {
	GetManifestForTag(ctx context.Context, tag *Tag) (*ManifestReference, error)

	// LookupManifestByDigest returns a manifest kept alive by an active
	// tag, hidden tags included, on itself or on a list containing it.
	// allowDead returns the row regardless of tags.
	LookupManifestByDigest(ctx context.Context, repo *RepositoryReference, dgst digest.Digest, allowDead bool) (*ManifestReference, error)

	// CreateManifestAndRetargetTag stores m, reusing an existing row with
	// the same digest, and points tagName at it.
	CreateManifestAndRetargetTag(ctx context.Context, repo *RepositoryReference, m manifest.Manifest, tagName string) (*ManifestReference, *Tag, error)

	// CreateManifestWithTempTag stores m behind a hidden tag that expires
	// after expiry.
	CreateManifestWithTempTag(ctx context.Context, repo *RepositoryReference, m manifest.Manifest, expiry time.Duration) (*ManifestReference, error)

	// ListReferrers returns the manifests in repo whose subject is dgst,
	// optionally restricted to one artifact type.
	ListReferrers(ctx context.Context, repo *RepositoryReference, dgst digest.Digest, artifactType string) ([]ManifestReference, error)

	ListManifestLabels(ctx context.Context, m *ManifestReference) ([]Label, error)
}

// BlobService manages blob rows and upload sessions.
type BlobService interface {
	CreateBlobUpload(ctx context.Context, repo *RepositoryReference, uploadID, location string, metadata map[string]string) (*BlobUpload, error)
	LookupBlobUpload(ctx context.Context, repo *RepositoryReference, uploadID string) (*BlobUpload, error)
	UpdateBlobUpload(ctx context.Context, upload *BlobUpload) error
	DeleteBlobUpload(ctx context.Context, upload *BlobUpload) error

	// CommitBlobUpload records the finished blob and links it into the
	// upload's repository for expiry so it survives until a manifest
	// references it.
	CommitBlobUpload(ctx context.Context, upload *BlobUpload, dgst digest.Digest, expiry time.Duration) (*Blob, error)

	// MountBlobIntoRepository links an existing blob into target. It
	// returns false when the blob does not exist.
	MountBlobIntoRepository(ctx context.Context, blob *Blob, target *RepositoryReference, expiry time.Duration) (bool, error)

	GetRepoBlobByDigest(ctx context.Context, repo *RepositoryReference, dgst digest.Digest) (*Blob, error)

	// GetCachedRepoBlob is GetRepoBlobByDigest behind a short lived cache
	// keyed by namespace, repository name and digest.
	GetCachedRepoBlob(ctx context.Context, namespace, name string, dgst digest.Digest) (*Blob, error)
}
