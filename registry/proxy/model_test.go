package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quay/distribution"
	"github.com/quay/distribution/manifest/schema2"
	"github.com/quay/distribution/registry/datastore"
	"github.com/quay/distribution/registry/storage"
	storagedriver "github.com/quay/distribution/registry/storage/driver"
	"github.com/quay/distribution/registry/storage/driver/inmemory"
)

type fakeManifest struct {
	mediaType string
	body      []byte
}

// fakeUpstream is an in-memory upstream registry counting its calls.
type fakeUpstream struct {
	mu        sync.Mutex
	down      bool
	tags      map[string]digest.Digest
	manifests map[digest.Digest]fakeManifest
	blobs     map[digest.Digest][]byte

	resolves     int
	manifestGets int
	blobGets     int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		tags:      make(map[string]digest.Digest),
		manifests: make(map[digest.Digest]fakeManifest),
		blobs:     make(map[digest.Digest][]byte),
	}
}

func (u *fakeUpstream) setDown(down bool) {
	u.mu.Lock()
	u.down = down
	u.mu.Unlock()
}

func (u *fakeUpstream) counts() (resolves, manifestGets, blobGets int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.resolves, u.manifestGets, u.blobGets
}

// image publishes a schema 2 image with one layer under name:tag.
func (u *fakeUpstream) image(t *testing.T, name, tag, layer string) *schema2.DeserializedManifest {
	t.Helper()
	config := []byte(fmt.Sprintf(`{"architecture":"amd64","os":"linux","config":{"Labels":{"tag":%q}}}`, tag))
	m, err := schema2.NewBuilder().
		SetConfig(digest.FromBytes(config), int64(len(config))).
		AddLayer(digest.FromString(layer), int64(len(layer))).
		Build()
	require.NoError(t, err)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.blobs[digest.FromBytes(config)] = config
	u.blobs[digest.FromString(layer)] = []byte(layer)
	u.manifests[m.Digest()] = fakeManifest{mediaType: m.MediaType(), body: m.Bytes()}
	u.tags[name+":"+tag] = m.Digest()
	return m
}

func (u *fakeUpstream) lookup(name, ref string) (v1.Descriptor, fakeManifest, error) {
	if u.down {
		return v1.Descriptor{}, fakeManifest{}, fmt.Errorf("%w: connection refused", distribution.ErrUpstreamUnavailable)
	}
	dgst, err := digest.Parse(ref)
	if err != nil {
		var ok bool
		if dgst, ok = u.tags[name+":"+ref]; !ok {
			return v1.Descriptor{}, fakeManifest{}, ErrNotFound
		}
	}
	m, ok := u.manifests[dgst]
	if !ok {
		return v1.Descriptor{}, fakeManifest{}, ErrNotFound
	}
	return v1.Descriptor{MediaType: m.mediaType, Digest: dgst, Size: int64(len(m.body))}, m, nil
}

func (u *fakeUpstream) Resolve(_ context.Context, name, ref string) (v1.Descriptor, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resolves++
	desc, _, err := u.lookup(name, ref)
	return desc, err
}

func (u *fakeUpstream) FetchManifest(_ context.Context, name, ref string) (v1.Descriptor, []byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.manifestGets++
	desc, m, err := u.lookup(name, ref)
	return desc, m.body, err
}

func (u *fakeUpstream) FetchBlob(_ context.Context, _ string, dgst digest.Digest) (v1.Descriptor, io.ReadCloser, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blobGets++
	if u.down {
		return v1.Descriptor{}, nil, fmt.Errorf("%w: connection refused", distribution.ErrUpstreamUnavailable)
	}
	b, ok := u.blobs[dgst]
	if !ok {
		return v1.Descriptor{}, nil, ErrNotFound
	}
	return v1.Descriptor{Digest: dgst, Size: int64(len(b))}, io.NopCloser(bytes.NewReader(b)), nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *datastore.Store
	driver   storagedriver.StorageDriver
	clock    *clock
	upstream *fakeUpstream
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	driver := inmemory.New()
	st, err := storage.NewDistributedStorage(map[string]storagedriver.StorageDriver{"local_us": driver}, nil)
	require.NoError(t, err)

	f := &fixture{
		t:        t,
		ctx:      ctx,
		driver:   driver,
		clock:    &clock{now: time.UnixMilli(1_700_000_000_000)},
		upstream: newFakeUpstream(),
	}
	f.store, err = datastore.Open(ctx, filepath.Join(t.TempDir(), "registry.db"), datastore.Options{
		Storage: st,
		Clock:   f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.store.Close() })

	f.registry = NewRegistry(f.store, storage.NewBlobUploader(st), Options{
		NewUpstream: func(context.Context, distribution.ProxyCacheConfig, UpstreamOptions) (Upstream, error) {
			return f.upstream, nil
		},
	})
	return f
}

func (f *fixture) model(quota int64, expiration time.Duration) *Model {
	f.t.Helper()
	ns, err := f.store.EnsureNamespace(f.ctx, distribution.Namespace{
		Name:       "cache",
		QuotaBytes: quota,
		ProxyCache: &distribution.ProxyCacheConfig{
			Namespace:        "cache",
			UpstreamRegistry: "quay.io/someorg",
			Expiration:       expiration,
		},
	})
	require.NoError(f.t, err)
	m, err := f.registry.Model(f.ctx, ns)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) repo(m *Model, name string) *distribution.RepositoryReference {
	f.t.Helper()
	repo, err := m.LookupRepository(f.ctx, "cache", name)
	require.NoError(f.t, err)
	return repo
}

func TestModelRequiresProxyNamespace(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Model(f.ctx, &distribution.Namespace{Name: "plain"})
	assert.Error(t, err)
}

func TestLookupRepositoryCreatesOnFirstPull(t *testing.T) {
	f := newFixture(t)
	m := f.model(0, 0)
	assert.Equal(t, DefaultTagExpiration, m.Expiration())

	repo := f.repo(m, "busybox")
	assert.True(t, repo.IsPublic())
	again := f.repo(m, "busybox")
	assert.Equal(t, repo.ID, again.ID)

	f.registry.opts.CreatePrivateRepos = true
	private := f.repo(m, "alpine")
	assert.False(t, private.IsPublic())
}

func TestTagPullThrough(t *testing.T) {
	f := newFixture(t)
	m := f.model(0, time.Hour)
	repo := f.repo(m, "busybox")
	first := f.upstream.image(t, "busybox", "latest", "layer one")

	tag, err := m.GetRepoTag(f.ctx, repo, "latest")
	require.NoError(t, err)
	assert.Equal(t, first.Digest(), tag.ManifestDigest)
	end, ok := tag.Expiration()
	require.True(t, ok)
	assert.WithinDuration(t, f.clock.Now().Add(time.Hour), end, time.Millisecond)
	resolves, gets, _ := f.upstream.counts()
	assert.Equal(t, 1, resolves)
	assert.Equal(t, 1, gets)

	mref, err := m.GetManifestForTag(f.ctx, tag)
	require.NoError(t, err)
	assert.Equal(t, first.Bytes(), mref.Bytes)

	// An unchanged tag is renewed with a HEAD only.
	f.clock.Advance(30 * time.Minute)
	tag, err = m.GetRepoTag(f.ctx, repo, "latest")
	require.NoError(t, err)
	end, _ = tag.Expiration()
	assert.WithinDuration(t, f.clock.Now().Add(time.Hour), end, time.Millisecond)
	resolves, gets, _ = f.upstream.counts()
	assert.Equal(t, 2, resolves)
	assert.Equal(t, 1, gets)

	// A moved tag is fetched and retargeted.
	second := f.upstream.image(t, "busybox", "latest", "layer two")
	tag, err = m.GetRepoTag(f.ctx, repo, "latest")
	require.NoError(t, err)
	assert.Equal(t, second.Digest(), tag.ManifestDigest)
	_, gets, _ = f.upstream.counts()
	assert.Equal(t, 2, gets)
}

func TestTagServedFromCacheWhileUpstreamIsDown(t *testing.T) {
	f := newFixture(t)
	m := f.model(0, time.Hour)
	repo := f.repo(m, "busybox")
	img := f.upstream.image(t, "busybox", "latest", "layer")

	_, err := m.GetRepoTag(f.ctx, repo, "latest")
	require.NoError(t, err)

	f.upstream.setDown(true)
	f.clock.Advance(30 * time.Minute)
	tag, err := m.GetRepoTag(f.ctx, repo, "latest")
	require.NoError(t, err)
	assert.Equal(t, img.Digest(), tag.ManifestDigest)

	mref, err := m.LookupManifestByDigest(f.ctx, repo, img.Digest(), false)
	require.NoError(t, err)
	assert.Equal(t, img.Digest(), mref.Digest)

	f.clock.Advance(time.Hour)
	_, err = m.GetRepoTag(f.ctx, repo, "latest")
	assert.ErrorIs(t, err, distribution.ErrUpstreamUnavailable)
}

func TestUnknownUpstreamTag(t *testing.T) {
	f := newFixture(t)
	m := f.model(0, time.Hour)
	repo := f.repo(m, "busybox")

	_, err := m.GetRepoTag(f.ctx, repo, "nope")
	assert.ErrorIs(t, err, distribution.ErrTagUnknown)
	_, err = m.LookupManifestByDigest(f.ctx, repo, digest.FromString("nope"), false)
	assert.ErrorIs(t, err, distribution.ErrManifestUnknown)
	_, err = m.GetRepoBlobByDigest(f.ctx, repo, digest.FromString("nope"))
	assert.ErrorIs(t, err, distribution.ErrBlobUnknown)
}

func TestManifestByDigest(t *testing.T) {
	f := newFixture(t)
	m := f.model(0, time.Hour)
	repo := f.repo(m, "busybox")
	img := f.upstream.image(t, "busybox", "latest", "layer")

	mref, err := m.LookupManifestByDigest(f.ctx, repo, img.Digest(), false)
	require.NoError(t, err)
	assert.Equal(t, img.Bytes(), mref.Bytes)

	mref, err = m.LookupManifestByDigest(f.ctx, repo, img.Digest(), false)
	require.NoError(t, err)
	assert.Equal(t, img.Digest(), mref.Digest)
	resolves, gets, _ := f.upstream.counts()
	assert.Equal(t, 2, resolves)
	assert.Equal(t, 1, gets, "a cached manifest is not fetched again")
}

func TestBlobPullThrough(t *testing.T) {
	f := newFixture(t)
	m := f.model(0, time.Hour)
	repo := f.repo(m, "busybox")
	f.upstream.image(t, "busybox", "latest", "layer bytes")
	dgst := digest.FromString("layer bytes")

	_, err := m.GetRepoTag(f.ctx, repo, "latest")
	require.NoError(t, err)
	_, err = m.Store.GetRepoBlobByDigest(f.ctx, repo, dgst)
	assert.ErrorIs(t, err, distribution.ErrBlobUnknown, "layers start as placeholders")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := m.GetRepoBlobByDigest(f.ctx, repo, dgst)
			assert.NoError(t, err)
			if err == nil {
				assert.Equal(t, int64(len("layer bytes")), b.CompressedSize)
			}
		}()
	}
	wg.Wait()

	b, err := m.GetCachedRepoBlob(f.ctx, "cache", "busybox", dgst)
	require.NoError(t, err)
	assert.Equal(t, dgst, b.Digest)
	_, _, blobGets := f.upstream.counts()
	assert.LessOrEqual(t, blobGets, 4)
	assert.GreaterOrEqual(t, blobGets, 1)

	got, err := f.store.Storage().GetContent(f.ctx, b.Locations, storage.BlobPath(dgst))
	require.NoError(t, err)
	assert.Equal(t, "layer bytes", string(got))

	f.upstream.setDown(true)
	_, err = m.GetRepoBlobByDigest(f.ctx, repo, dgst)
	assert.NoError(t, err, "cached blobs do not need the upstream")
}

func TestQuotaEvictsLeastRecentlyUsedTag(t *testing.T) {
	f := newFixture(t)
	m := f.model(100, time.Hour)
	repo := f.repo(m, "busybox")
	layerA := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	layerB := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	f.upstream.image(t, "busybox", "a", layerA)
	f.upstream.image(t, "busybox", "b", layerB)

	_, err := m.GetRepoTag(f.ctx, repo, "a")
	require.NoError(t, err)
	_, err = m.GetRepoBlobByDigest(f.ctx, repo, digest.FromString(layerA))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	_, err = m.GetRepoTag(f.ctx, repo, "b")
	require.NoError(t, err)
	_, err = m.GetRepoBlobByDigest(f.ctx, repo, digest.FromString(layerB))
	require.NoError(t, err)

	_, err = m.Store.GetRepoTag(f.ctx, repo, "a")
	assert.ErrorIs(t, err, distribution.ErrTagUnknown, "a was pruned")
	_, err = m.Store.GetRepoTag(f.ctx, repo, "b")
	assert.NoError(t, err)

	size, err := f.store.NamespaceSize(f.ctx, "cache")
	require.NoError(t, err)
	assert.LessOrEqual(t, size, int64(100))
}

func TestQuotaRejectsOversizedBlob(t *testing.T) {
	f := newFixture(t)
	m := f.model(10, time.Hour)
	repo := f.repo(m, "busybox")
	f.upstream.image(t, "busybox", "latest", "much more than ten bytes")

	_, err := m.GetRepoBlobByDigest(f.ctx, repo, digest.FromString("much more than ten bytes"))
	var quota distribution.ErrQuotaExceeded
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, "cache", quota.Namespace)
	assert.Equal(t, int64(10), quota.Limit)
}

func TestUpstreamError(t *testing.T) {
	assert.ErrorIs(t, upstreamError(ErrNotFound, distribution.ErrTagUnknown), distribution.ErrTagUnknown)
	assert.ErrorIs(t, upstreamError(io.ErrUnexpectedEOF, distribution.ErrTagUnknown), distribution.ErrUpstreamUnavailable)
}
