// Package proxy turns namespaces with a proxy cache configuration into
// pull-through caches of an upstream registry. Tags and manifests are
// checked against the upstream on every read and cached with an
// expiration; blobs are fetched on first read under the namespace quota.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/manifest"
	"github.com/quay/distribution/registry/datastore"
	"github.com/quay/distribution/registry/storage"
)

// DefaultTagExpiration is used when neither the namespace nor the registry
// configure one.
const DefaultTagExpiration = 24 * time.Hour

// fetchHold keeps a manifest fetched for a tag alive until the tag points
// at it.
const fetchHold = 5 * time.Minute

// Options configures a Registry.
type Options struct {
	// CreatePrivateRepos makes repositories created on first pull private.
	CreatePrivateRepos bool

	// DefaultTagExpiration applies to namespaces without an expiration of
	// their own.
	DefaultTagExpiration time.Duration

	Upstream UpstreamOptions

	// NewUpstream overrides NewUpstream.
	NewUpstream func(ctx context.Context, cfg distribution.ProxyCacheConfig, opts UpstreamOptions) (Upstream, error)
}

// Registry hands out the pull-through models of proxy namespaces. It keeps
// one upstream client per namespace configuration.
type Registry struct {
	store    *datastore.Store
	uploader *storage.BlobUploader
	opts     Options

	mu        sync.Mutex
	upstreams map[distribution.ProxyCacheConfig]Upstream

	// fetches dedupes concurrent pulls of one blob into one repository.
	fetches singleflight.Group

	// admission serializes quota pruning per namespace.
	admission sync.Map
}

// NewRegistry returns a Registry caching into store.
func NewRegistry(store *datastore.Store, uploader *storage.BlobUploader, opts Options) *Registry {
	if opts.NewUpstream == nil {
		opts.NewUpstream = NewUpstream
	}
	if opts.DefaultTagExpiration <= 0 {
		opts.DefaultTagExpiration = DefaultTagExpiration
	}
	return &Registry{
		store:     store,
		uploader:  uploader,
		opts:      opts,
		upstreams: make(map[distribution.ProxyCacheConfig]Upstream),
	}
}

func (r *Registry) upstream(ctx context.Context, cfg distribution.ProxyCacheConfig) (Upstream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.upstreams[cfg]; ok {
		return u, nil
	}
	u, err := r.opts.NewUpstream(ctx, cfg, r.opts.Upstream)
	if err != nil {
		return nil, err
	}
	r.upstreams[cfg] = u
	return u, nil
}

// Model returns the pull-through model of ns, which must carry a proxy
// cache configuration.
func (r *Registry) Model(ctx context.Context, ns *distribution.Namespace) (*Model, error) {
	if ns.ProxyCache == nil {
		return nil, fmt.Errorf("namespace %s is not a proxy cache", ns.Name)
	}
	u, err := r.upstream(ctx, *ns.ProxyCache)
	if err != nil {
		return nil, err
	}
	expiration := ns.ProxyCache.Expiration
	if expiration <= 0 {
		expiration = r.opts.DefaultTagExpiration
	}
	return &Model{
		Store:      r.store,
		registry:   r,
		ns:         ns,
		upstream:   u,
		expiration: expiration,
	}, nil
}

// Model is the registry model of one proxy namespace. Reads consult the
// upstream and fall back to the cache while it is valid; everything else
// is served by the embedded store.
type Model struct {
	*datastore.Store

	registry   *Registry
	ns         *distribution.Namespace
	upstream   Upstream
	expiration time.Duration
}

var _ distribution.RegistryModel = (*Model)(nil)

// Expiration is the lifetime given to cached tags.
func (m *Model) Expiration() time.Duration { return m.expiration }

// LookupRepository creates the repository on first use.
func (m *Model) LookupRepository(ctx context.Context, namespace, name string) (*distribution.RepositoryReference, error) {
	repo, err := m.Store.LookupRepository(ctx, namespace, name)
	if !errors.Is(err, distribution.ErrRepositoryUnknown) {
		return repo, err
	}
	visibility := distribution.VisibilityPublic
	if m.registry.opts.CreatePrivateRepos {
		visibility = distribution.VisibilityPrivate
	}
	dcontext.GetLogger(ctx).Infof("creating proxied repository %s/%s", namespace, name)
	return m.Store.CreateRepository(ctx, namespace, name, "", visibility, distribution.RepositoryKindImage)
}

// GetRepoTag resolves name upstream. A tag still pointing at the cached
// manifest is renewed; a moved tag is fetched and retargeted. When the
// upstream cannot answer, the cached tag is served until it expires.
func (m *Model) GetRepoTag(ctx context.Context, repo *distribution.RepositoryReference, name string) (*distribution.Tag, error) {
	local, err := m.Store.GetRepoTag(ctx, repo, name)
	if err != nil && !errors.Is(err, distribution.ErrTagUnknown) {
		return nil, err
	}

	desc, err := m.upstream.Resolve(ctx, repo.Name, name)
	if err != nil {
		proxyMetrics.UpstreamError("manifest")
		if local != nil {
			dcontext.GetLogger(ctx).WithError(err).Warnf("serving cached tag %s of %s", name, repo.FullName())
			proxyMetrics.Hit("manifest")
			return local, nil
		}
		return nil, upstreamError(err, distribution.ErrTagUnknown)
	}

	if local != nil && local.ManifestDigest == desc.Digest {
		mref, err := m.Store.GetManifestForTag(ctx, local)
		if err != nil {
			return nil, err
		}
		if !mref.IsPlaceholder() {
			proxyMetrics.Hit("manifest")
			return m.Store.RenewTag(ctx, local, m.expiration)
		}
	}

	_, tag, err := m.fetchManifest(ctx, repo, name, name)
	return tag, err
}

// LookupManifestByDigest checks dgst upstream. A cached manifest is
// renewed along with the lists containing it, a placeholder is filled in
// and a missing manifest is fetched. When the upstream cannot answer, a
// live cached manifest is served.
func (m *Model) LookupManifestByDigest(ctx context.Context, repo *distribution.RepositoryReference, dgst digest.Digest, allowDead bool) (*distribution.ManifestReference, error) {
	cached, err := m.Store.LookupManifestByDigest(ctx, repo, dgst, false)
	if err != nil && !errors.Is(err, distribution.ErrManifestUnknown) {
		return nil, err
	}

	if _, err := m.upstream.Resolve(ctx, repo.Name, dgst.String()); err != nil {
		proxyMetrics.UpstreamError("manifest")
		if cached != nil && !cached.IsPlaceholder() {
			proxyMetrics.Hit("manifest")
			return cached, nil
		}
		if allowDead {
			if dead, err := m.Store.LookupManifestByDigest(ctx, repo, dgst, true); err == nil {
				return dead, nil
			}
		}
		return nil, upstreamError(err, distribution.ErrManifestUnknown)
	}

	if cached != nil && !cached.IsPlaceholder() {
		if _, err := m.Store.RenewTagsForManifest(ctx, cached, m.expiration); err != nil {
			return nil, err
		}
		proxyMetrics.Hit("manifest")
		return cached, nil
	}

	mref, _, err := m.fetchManifest(ctx, repo, dgst.String(), "")
	return mref, err
}

// fetchManifest pulls reference from the upstream and stores it behind a
// temporary tag, then points tagName at it when one is given.
func (m *Model) fetchManifest(ctx context.Context, repo *distribution.RepositoryReference, reference, tagName string) (*distribution.ManifestReference, *distribution.Tag, error) {
	desc, body, err := m.upstream.FetchManifest(ctx, repo.Name, reference)
	if err != nil {
		proxyMetrics.UpstreamError("manifest")
		return nil, nil, upstreamError(err, distribution.ErrManifestUnknown)
	}
	parsed, err := manifest.Parse(desc.MediaType, body)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing upstream manifest %s: %w", reference, err)
	}
	if parsed.Digest() != desc.Digest {
		return nil, nil, fmt.Errorf("%w: upstream manifest %s has digest %s, expected %s", distribution.ErrUpstreamUnavailable, reference, parsed.Digest(), desc.Digest)
	}
	proxyMetrics.Miss("manifest", uint64(len(body)))

	store := m.Store.WithPlaceholders()
	if tagName == "" {
		mref, err := store.CreateManifestWithTempTag(ctx, repo, parsed, m.expiration)
		return mref, nil, err
	}
	mref, err := store.CreateManifestWithTempTag(ctx, repo, parsed, fetchHold)
	if err != nil {
		return nil, nil, err
	}
	tag, err := store.RetargetTag(ctx, repo, tagName, mref, m.expiration)
	if err != nil {
		return nil, nil, err
	}
	dcontext.GetLoggerWithFields(ctx, map[any]any{
		"repository": repo.FullName(),
		"tag":        tagName,
		"digest":     mref.Digest,
	}).Info("cached upstream tag")
	return mref, tag, nil
}

// GetRepoBlobByDigest serves cached blobs and fetches the rest from the
// upstream, admitting them under the namespace quota.
func (m *Model) GetRepoBlobByDigest(ctx context.Context, repo *distribution.RepositoryReference, dgst digest.Digest) (*distribution.Blob, error) {
	b, err := m.Store.GetRepoBlobByDigest(ctx, repo, dgst)
	if err == nil {
		proxyMetrics.Hit("blob")
		return b, nil
	} else if !errors.Is(err, distribution.ErrBlobUnknown) {
		return nil, err
	}

	v, err, _ := m.registry.fetches.Do(repo.FullName()+"@"+dgst.String(), func() (interface{}, error) {
		return m.fetchBlob(dcontext.DetachedContext(ctx), repo, dgst)
	})
	if err != nil {
		return nil, err
	}
	return v.(*distribution.Blob), nil
}

// GetCachedRepoBlob falls through to GetRepoBlobByDigest so misses reach
// the upstream.
func (m *Model) GetCachedRepoBlob(ctx context.Context, namespace, name string, dgst digest.Digest) (*distribution.Blob, error) {
	b, err := m.Store.GetCachedRepoBlob(ctx, namespace, name, dgst)
	if !errors.Is(err, distribution.ErrBlobUnknown) {
		return b, err
	}
	repo, err := m.Store.LookupRepository(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	return m.GetRepoBlobByDigest(ctx, repo, dgst)
}

func (m *Model) fetchBlob(ctx context.Context, repo *distribution.RepositoryReference, dgst digest.Digest) (*distribution.Blob, error) {
	desc, rc, err := m.upstream.FetchBlob(ctx, repo.Name, dgst)
	if err != nil {
		proxyMetrics.UpstreamError("blob")
		return nil, upstreamError(err, distribution.ErrBlobUnknown)
	}
	defer rc.Close()

	if err := m.admit(ctx, desc.Size); err != nil {
		return nil, err
	}

	uploader := m.registry.uploader
	id, location, md := uploader.StartUpload(ctx)
	upload := &distribution.BlobUpload{
		RepositoryID:    repo.ID,
		UploadID:        id,
		Location:        location,
		StorageMetadata: md,
	}
	n, err := uploader.WriteChunk(ctx, upload, 0, rc)
	if err != nil {
		uploader.Cancel(ctx, upload)
		return nil, fmt.Errorf("%w: fetching blob %s: %v", distribution.ErrUpstreamUnavailable, dgst, err)
	}
	unlock := m.Store.LockBlob(dgst)
	defer unlock()
	committed, err := uploader.Commit(ctx, upload, dgst)
	if err != nil {
		uploader.Cancel(ctx, upload)
		return nil, fmt.Errorf("storing upstream blob %s: %w", dgst, err)
	}
	proxyMetrics.Miss("blob", uint64(n))

	return m.Store.CompleteProxiedBlob(ctx, repo, dgst, committed.Size, committed.UncompressedSize, committed.Location, m.expiration)
}

// admit makes room for size bytes in the namespace by purging its least
// recently used tags.
func (m *Model) admit(ctx context.Context, size int64) error {
	limit := m.ns.QuotaBytes
	if limit <= 0 {
		return nil
	}
	exceeded := distribution.ErrQuotaExceeded{Namespace: m.ns.Name, Limit: limit, Requested: size}
	if size > limit {
		return exceeded
	}

	mu, _ := m.registry.admission.LoadOrStore(m.ns.Name, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	log := dcontext.GetLoggerWithField(ctx, "namespace", m.ns.Name)
	for {
		used, err := m.Store.NamespaceSize(ctx, m.ns.Name)
		if err != nil {
			return err
		}
		if used+size <= limit {
			return nil
		}
		repo, tag, err := m.Store.LeastRecentlyUsedTag(ctx, m.ns.Name)
		if errors.Is(err, distribution.ErrTagUnknown) {
			return exceeded
		} else if err != nil {
			return err
		}
		result, err := m.Store.PurgeTag(ctx, repo, tag)
		if err != nil && !errors.Is(err, distribution.ErrTagUnknown) {
			return err
		}
		evictions.Inc(1)
		if result != nil {
			log.WithField("blobs", len(result.Blobs)).Infof("pruned tag %s of %s to admit %d bytes", tag.Name, repo.FullName(), size)
		}
	}
}

func upstreamError(err, notFound error) error {
	if errors.Is(err, ErrNotFound) {
		return notFound
	}
	if errors.Is(err, distribution.ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", distribution.ErrUpstreamUnavailable, err)
}
