package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/bstore"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quay/distribution"
	"github.com/quay/distribution/manifest"
	"github.com/quay/distribution/manifest/schema2"
	"github.com/quay/distribution/registry/storage"
	storagedriver "github.com/quay/distribution/registry/storage/driver"
	"github.com/quay/distribution/registry/storage/driver/inmemory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *Store
	storage  *storage.DistributedStorage
	driver   storagedriver.StorageDriver
	uploader *storage.BlobUploader
	clock    *testClock

	mu      sync.Mutex
	changed []int64
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()

	driver := inmemory.New()
	st, err := storage.NewDistributedStorage(map[string]storagedriver.StorageDriver{"local_us": driver}, nil)
	require.NoError(t, err)

	f := &fixture{
		t:        t,
		ctx:      ctx,
		storage:  st,
		driver:   driver,
		uploader: storage.NewBlobUploader(st),
		clock:    &testClock{now: time.UnixMilli(1_700_000_000_000)},
	}
	opts := Options{
		Storage: st,
		Clock:   f.clock.Now,
		OnTagChange: func(id int64) {
			f.mu.Lock()
			f.changed = append(f.changed, id)
			f.mu.Unlock()
		},
	}
	for _, c := range configure {
		c(&opts)
	}

	f.store, err = Open(ctx, filepath.Join(t.TempDir(), "registry.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { f.store.Close() })

	_, err = f.store.EnsureNamespace(ctx, distribution.Namespace{Name: "devtable"})
	require.NoError(t, err)
	return f
}

func (f *fixture) repo(name string) *distribution.RepositoryReference {
	f.t.Helper()
	repo, err := f.store.CreateRepository(f.ctx, "devtable", name, "devtable", "", "")
	require.NoError(f.t, err)
	return repo
}

// pushBlob uploads p in one chunk and commits it into repo.
func (f *fixture) pushBlob(repo *distribution.RepositoryReference, p []byte) digest.Digest {
	f.t.Helper()
	id, location, md := f.uploader.StartUpload(f.ctx)
	upload, err := f.store.CreateBlobUpload(f.ctx, repo, id, location, md)
	require.NoError(f.t, err)

	_, err = f.uploader.WriteChunk(f.ctx, upload, 0, bytes.NewReader(p))
	require.NoError(f.t, err)
	require.NoError(f.t, f.store.UpdateBlobUpload(f.ctx, upload))

	committed, err := f.uploader.Commit(f.ctx, upload, digest.FromBytes(p))
	require.NoError(f.t, err)
	upload.UncompressedByteCount = committed.UncompressedSize
	_, err = f.store.CommitBlobUpload(f.ctx, upload, committed.Digest, time.Hour)
	require.NoError(f.t, err)
	return committed.Digest
}

func configJSON(t *testing.T, labels map[string]string) string {
	lb, err := json.Marshal(labels)
	require.NoError(t, err)
	return fmt.Sprintf(`{"architecture":"amd64","os":"linux","config":{"Labels":%s},"rootfs":{"type":"layers","diff_ids":[]}}`, lb)
}

// image pushes the config and layer blobs of a schema 2 image and returns
// its manifest.
func (f *fixture) image(repo *distribution.RepositoryReference, labels map[string]string, layers ...string) *schema2.DeserializedManifest {
	f.t.Helper()
	config := configJSON(f.t, labels)

	b := schema2.NewBuilder().SetConfig(f.pushBlob(repo, []byte(config)), int64(len(config)))
	for _, l := range layers {
		b.AddLayer(f.pushBlob(repo, []byte(l)), int64(len(l)))
	}
	m, err := b.Build()
	require.NoError(f.t, err)
	return m
}

func (f *fixture) tag(repo *distribution.RepositoryReference, m manifest.Manifest, name string) (*distribution.ManifestReference, *distribution.Tag) {
	f.t.Helper()
	mref, tag, err := f.store.CreateManifestAndRetargetTag(f.ctx, repo, m, name)
	require.NoError(f.t, err)
	return mref, tag
}

func (f *fixture) fileExists(d digest.Digest) bool {
	_, err := f.driver.Stat(f.ctx, storage.BlobPath(d))
	if storagedriver.IsPathNotFound(err) {
		return false
	}
	require.NoError(f.t, err)
	return true
}

func count[T any](f *fixture) int {
	f.t.Helper()
	var n int
	err := f.store.db.Read(f.ctx, func(tx *bstore.Tx) (err error) {
		n, err = bstore.QueryTx[T](tx).Count()
		return err
	})
	require.NoError(f.t, err)
	return n
}

// checkInvariants asserts the properties every collection must preserve.
func (f *fixture) checkInvariants() {
	f.t.Helper()
	err := f.store.db.Read(f.ctx, func(tx *bstore.Tx) error {
		manifests, err := bstore.QueryTx[Manifest](tx).List()
		if err != nil {
			return err
		}
		for _, m := range manifests {
			if len(m.Bytes) == 0 {
				continue
			}
			parsed, err := manifest.Parse(m.MediaType, m.Bytes)
			require.NoError(f.t, err)
			assert.Equal(f.t, m.Digest, parsed.Digest().String())

			var linked []string
			mbs, err := bstore.QueryTx[ManifestBlob](tx).FilterNonzero(ManifestBlob{ManifestID: m.ID}).List()
			if err != nil {
				return err
			}
			for _, mb := range mbs {
				b := Blob{ID: mb.BlobID}
				require.NoError(f.t, tx.Get(&b))
				linked = append(linked, b.Digest)
			}
			var want []string
			for _, d := range manifest.UniqueDigests(parsed.LocalBlobDigests()...) {
				want = append(want, d.String())
			}
			sort.Strings(linked)
			sort.Strings(want)
			assert.Equal(f.t, want, linked, "blob edges of %s", m.Digest)
		}

		tags, err := bstore.QueryTx[Tag](tx).List()
		if err != nil {
			return err
		}
		for _, t := range tags {
			if t.LifetimeEndMs != 0 {
				assert.GreaterOrEqual(f.t, t.LifetimeEndMs, t.LifetimeStartMs)
			}
			m := Manifest{ID: t.ManifestID}
			require.NoError(f.t, tx.Get(&m))
			assert.Equal(f.t, m.Digest, t.ManifestDigest, "digest of tag %s", t.Name)
		}

		links, err := bstore.QueryTx[UploadedBlob](tx).List()
		if err != nil {
			return err
		}
		for _, u := range links {
			if err := tx.Get(&Blob{ID: u.BlobID}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(f.t, err)
}

func TestNamespacesAndRepositories(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.CreateRepository(f.ctx, "nobody", "repo", "nobody", "", "")
	assert.ErrorIs(t, err, distribution.ErrNamespaceUnknown)

	a := f.repo("alpha")
	again := f.repo("alpha")
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, distribution.VisibilityPrivate, a.Visibility)
	assert.Equal(t, distribution.RepositoryKindImage, a.Kind)
	assert.Equal(t, "devtable/alpha", a.FullName())

	f.repo("beta")
	f.repo("gamma")

	_, err = f.store.LookupRepository(f.ctx, "devtable", "missing")
	assert.ErrorIs(t, err, distribution.ErrRepositoryUnknown)

	names, more, err := f.store.ListRepositories(f.ctx, "", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"devtable/alpha", "devtable/beta"}, names)
	assert.True(t, more)

	names, more, err = f.store.ListRepositories(f.ctx, "devtable/beta", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"devtable/gamma"}, names)
	assert.False(t, more)

	require.NoError(t, f.store.SetRepositoryVisibility(f.ctx, a, distribution.VisibilityPublic))
	names, _, err = f.store.ListRepositories(f.ctx, "", 0, func(r *distribution.RepositoryReference) bool { return r.IsPublic() })
	require.NoError(t, err)
	assert.Equal(t, []string{"devtable/alpha"}, names)

	require.NoError(t, f.store.SetRepositoryState(f.ctx, a, distribution.RepositoryStateMirror, "devtable+robot"))
	a, err = f.store.LookupRepository(f.ctx, "devtable", "alpha")
	require.NoError(t, err)
	assert.Equal(t, distribution.RepositoryStateMirror, a.State)
	assert.Equal(t, "devtable+robot", a.MirrorRobot)
}

func TestEnsureNamespaceProxyConfig(t *testing.T) {
	f := newFixture(t)

	ns, err := f.store.EnsureNamespace(f.ctx, distribution.Namespace{
		Name:                 "quayio-cache",
		RemovedTagExpiration: time.Hour,
		QuotaBytes:           1 << 20,
		GeoBlockedCountries:  []string{"AQ"},
		ProxyCache: &distribution.ProxyCacheConfig{
			UpstreamRegistry: "quay.io",
			Expiration:       time.Hour,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, ns.ProxyCache)
	assert.Equal(t, "quay.io", ns.ProxyCache.UpstreamRegistry)
	assert.Equal(t, "quayio-cache", ns.ProxyCache.Namespace)
	assert.Equal(t, time.Hour, ns.RemovedTagExpiration)
	assert.True(t, ns.IsGeoBlocked("AQ"))

	ns, err = f.store.EnsureNamespace(f.ctx, distribution.Namespace{Name: "quayio-cache"})
	require.NoError(t, err)
	assert.Nil(t, ns.ProxyCache)
	assert.Zero(t, ns.QuotaBytes)
}

func TestPushAndRetarget(t *testing.T) {
	f := newFixture(t)
	repo := f.repo("newrepo")

	m1 := f.image(repo, nil, "parent", "child")
	mref, tag := f.tag(repo, m1, "latest")
	assert.Equal(t, m1.Digest(), mref.Digest)
	assert.Equal(t, m1.Bytes(), mref.Bytes)
	assert.Nil(t, tag.LifetimeEndMs)
	size := int64(len("parent") + len("child"))
	assert.Equal(t, &size, mref.LayersCompressedSize)
	assert.Equal(t, []int64{repo.ID}, f.changed)

	got, err := f.store.GetRepoTag(f.ctx, repo, "latest")
	require.NoError(t, err)
	assert.Equal(t, tag.ID, got.ID)
	assert.Equal(t, m1.Digest(), got.ManifestDigest)

	stored, err := f.store.GetManifestForTag(f.ctx, got)
	require.NoError(t, err)
	assert.Equal(t, m1.Bytes(), stored.Bytes)
	parsed, err := stored.Parse()
	require.NoError(t, err)
	assert.Equal(t, m1.Digest(), parsed.Digest())

	f.clock.Advance(time.Second)
	m2 := f.image(repo, nil, "other")
	_, retagged := f.tag(repo, m2, "latest")
	assert.NotEqual(t, tag.ID, retagged.ID)

	history, more, err := f.store.ListRepositoryTagHistory(f.ctx, repo, 1, 10, "")
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, history, 2)
	assert.Equal(t, m2.Digest(), history[0].ManifestDigest)
	assert.Equal(t, m1.Digest(), history[1].ManifestDigest)
	require.NotNil(t, history[1].LifetimeEndMs)
	assert.LessOrEqual(t, *history[1].LifetimeEndMs, history[0].LifetimeStartMs)
	assert.Equal(t, schema2.MediaTypeManifest, history[0].MediaType)

	names, err := f.store.TagNamesForManifest(f.ctx, mref, 10)
	require.NoError(t, err)
	assert.Empty(t, names)

	f.checkInvariants()
}

func TestGetRepoTagSingleQuery(t *testing.T) {
	f := newFixture(t)
	repo := f.repo("newrepo")

	m1 := f.image(repo, nil, "parent", "child")
	f.tag(repo, m1, "latest")
	f.clock.Advance(time.Second)
	m2 := f.image(repo, nil, "other")
	f.tag(repo, m2, "latest")

	before := f.store.db.Stats()
	got, err := f.store.GetRepoTag(f.ctx, repo, "latest")
	require.NoError(t, err)
	delta := f.store.db.Stats().Sub(before)

	assert.Equal(t, m2.Digest(), got.ManifestDigest)
	assert.Equal(t, uint(1), delta.Queries)
	assert.Zero(t, delta.Get, "no per-row lookups")

	f.checkInvariants()
}

func TestRetargetNeverStartsBeforeEnd(t *testing.T) {
	f := newFixture(t)
	repo := f.repo("newrepo")
	m := f.image(repo, nil, "layer")
	mref, initial := f.tag(repo, m, "latest")

	// A clock that went backwards must not reorder the history.
	f.clock.Advance(-time.Minute)
	second, err := f.store.RetargetTag(f.ctx, repo, "latest", mref, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.LifetimeStartMs, initial.LifetimeStartMs)

	history, _, err := f.store.ListRepositoryTagHistory(f.ctx, repo, 1, 10, "latest")
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, h := range history[1:] {
		require.NotNil(t, h.LifetimeEndMs)
		assert.LessOrEqual(t, *h.LifetimeEndMs, second.LifetimeStartMs)
	}
	f.checkInvariants()
}

func TestCreateManifestReusesRow(t *testing.T) {
	f := newFixture(t)
	repo := f.repo("newrepo")
	m := f.image(repo, nil, "layer")

	a, _ := f.tag(repo, m, "one")
	b, _ := f.tag(repo, m, "two")
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, count[Manifest](f))

	c, err := f.store.CreateManifestWithTempTag(f.ctx, repo, m, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, a.ID, c.ID)

	names, err := f.store.TagNamesForManifest(f.ctx, a, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, names)
}

func TestCreateManifestMissingBlob(t *testing.T) {
	f := newFixture(t)
	repo := f.repo("newrepo")
	other := f.repo("other")

	// The layer exists, but only in another repository.
	config := `{"architecture":"amd64","os":"linux","rootfs":{"type":"layers","diff_ids":[]}}`
	m, err := schema2.NewBuilder().
		SetConfig(f.pushBlob(repo, []byte(config)), int64(len(config))).
		AddLayer(f.pushBlob(other, []byte("elsewhere")), 9).
		Build()
	require.NoError(t, err)

	_, _, err = f.store.CreateManifestAndRetargetTag(f.ctx, repo, m, "latest")
	var unknown distribution.ErrManifestBlobUnknown
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, digest.FromString("elsewhere"), unknown.Digest)
	assert.Equal(t, 0, count[Manifest](f))

	_, err = f.store.GetRepoTag(f.ctx, repo, "latest")
	assert.ErrorIs(t, err, distribution.ErrTagUnknown)
}

func TestCreateManifestMissingConfig(t *testing.T) {
	f := newFixture(t)
	repo := f.repo("newrepo")

	m, err := schema2.NewBuilder().
		SetConfig(digest.FromString("no config"), 9).
		AddLayer(f.pushBlob(repo, []byte("layer")), 5).
		Build()
	require.NoError(t, err)

	_, _, err = f.store.CreateManifestAndRetargetTag(f.ctx, repo, m, "latest")
	assert.Equal(t, manifest.MissingBlob, manifest.KindOf(err))
}

func TestLookupManifestByDigest(t *testing.T) {
	f := newFixture(t)
	repo := f.repo("newrepo")
	m := f.image(repo, nil, "layer")
	mref, _ := f.tag(repo, m, "latest")

	got, err := f.store.LookupManifestByDigest(f.ctx, repo, m.Digest(), false)
	require.NoError(t, err)
	assert.Equal(t, mref.ID, got.ID)

	_, err = f.store.LookupManifestByDigest(f.ctx, repo, digest.FromString("nope"), true)
	assert.ErrorIs(t, err, distribution.ErrManifestUnknown)

	_, err = f.store.DeleteTag(f.ctx, repo, "latest")
	require.NoError(t, err)
	_, err = f.store.DeleteTag(f.ctx, repo, "latest")
	assert.ErrorIs(t, err, distribution.ErrTagUnknown)

	_, err = f.store.LookupManifestByDigest(f.ctx, repo, m.Digest(), false)
	assert.ErrorIs(t, err, distribution.ErrManifestUnknown)
	got, err = f.store.LookupManifestByDigest(f.ctx, repo, m.Digest(), true)
	require.NoError(t, err)
	assert.Equal(t, mref.ID, got.ID)

	// A temporary tag keeps it pullable by digest until it expires.
	_, err = f.store.CreateManifestWithTempTag(f.ctx, repo, m, time.Minute)
	require.NoError(t, err)
	_, err = f.store.LookupManifestByDigest(f.ctx, repo, m.Digest(), false)
	require.NoError(t, err)

	tags, next, err := f.store.ListActiveTags(f.ctx, repo, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, tags, "temporary tags are hidden")
	assert.Zero(t, next)

	f.clock.Advance(2 * time.Minute)
	_, err = f.store.LookupManifestByDigest(f.ctx, repo, m.Digest(), false)
	assert.ErrorIs(t, err, distribution.ErrManifestUnknown)
}

func TestListTags(t *testing.T) {
	f := newFixture(t)
	repo := f.repo("newrepo")
	m := f.image(repo, nil, "layer")
	for _, name := range []string{"c", "a", "b", "d"} {
		f.tag(repo, m, name)
	}
	_, err := f.store.DeleteTag(f.ctx, repo, "d")
	require.NoError(t, err)

	names, more, err := f.store.ListTagNames(f.ctx, repo, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.True(t, more)

	names, more, err = f.store.ListTagNames(f.ctx, repo, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, names)
	assert.False(t, more)

	page, next, err := f.store.ListActiveTags(f.ctx, repo, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].Name)
	assert.NotZero(t, next)

	page, next, err = f.store.ListActiveTags(f.ctx, repo, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Name)
	assert.Zero(t, next)

	history, more, err := f.store.ListRepositoryTagHistory(f.ctx, repo, 1, 3, "")
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.True(t, more)
	history, more, err = f.store.ListRepositoryTagHistory(f.ctx, repo, 2, 3, "")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.False(t, more)
}

func TestDeleteTagsForManifest(t *testing.T) {
	f := newFixture(t)
	repo := f.repo("newrepo")
	m := f.image(repo, nil, "layer")
	mref, _ := f.tag(repo, m, "one")
	f.tag(repo, m, "two")
	_, err := f.store.CreateManifestWithTempTag(f.ctx, repo, m, time.Hour)
	require.NoError(t, err)

	ended, err := f.store.DeleteTagsForManifest(f.ctx, mref)
	require.NoError(t, err)
	require.Len(t, ended, 2)
	for _, tag := range ended {
		assert.False(t, tag.Hidden)
		require.NotNil(t, tag.LifetimeEndMs)
	}

	_, err = f.store.LookupManifestByDigest(f.ctx, repo, m.Digest(), false)
	assert.ErrorIs(t, err, distribution.ErrManifestUnknown, "hidden tags end too")
	f.checkInvariants()
}

func TestRenewTagsForManifest(t *testing.T) {
	f := newFixture(t)
	repo := f.repo("newrepo")
	m := f.image(repo, nil, "layer")
	mref, tag, err := f.store.CreateManifestAndRetargetTag(f.ctx, repo, m, "latest")
	require.NoError(t, err)
	_, err = f.store.RetargetTag(f.ctx, repo, "expiring", mref, time.Minute)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	renewed, err := f.store.RenewTagsForManifest(f.ctx, mref, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed, "tags without an end are left alone")

	got, err := f.store.GetRepoTag(f.ctx, repo, "expiring")
	require.NoError(t, err)
	end, ok := got.Expiration()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(time.Hour), end)

	got, err = f.store.GetRepoTag(f.ctx, repo, "latest")
	require.NoError(t, err)
	assert.Equal(t, tag.ID, got.ID)
	assert.Nil(t, got.LifetimeEndMs)
}

func TestRenewTag(t *testing.T) {
	f := newFixture(t)
	repo := f.repo("newrepo")
	m := f.image(repo, nil, "layer")
	mref, err := f.store.CreateManifestWithTempTag(f.ctx, repo, m, time.Minute)
	require.NoError(t, err)
	tag, err := f.store.RetargetTag(f.ctx, repo, "cached", mref, time.Minute)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	renewed, err := f.store.RenewTag(f.ctx, tag, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, tag.ID, renewed.ID)
	assert.Equal(t, m.Digest(), renewed.ManifestDigest)
	end, ok := renewed.Expiration()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(time.Hour), end)

	f.clock.Advance(2 * time.Hour)
	_, err = f.store.RenewTag(f.ctx, tag, time.Hour)
	assert.ErrorIs(t, err, distribution.ErrTagUnknown, "expired tags stay expired")
}
