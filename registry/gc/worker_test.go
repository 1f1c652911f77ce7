package gc

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quay/distribution"
	"github.com/quay/distribution/manifest/schema2"
	"github.com/quay/distribution/registry/datastore"
	"github.com/quay/distribution/registry/storage"
	storagedriver "github.com/quay/distribution/registry/storage/driver"
	"github.com/quay/distribution/registry/storage/driver/inmemory"
)

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

type env struct {
	t        *testing.T
	ctx      context.Context
	store    *datastore.Store
	driver   storagedriver.StorageDriver
	uploader *storage.BlobUploader
	clock    *clock
	worker   *Worker
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	ctx := context.Background()
	driver := inmemory.New()
	st, err := storage.NewDistributedStorage(map[string]storagedriver.StorageDriver{"local_us": driver}, nil)
	require.NoError(t, err)

	e := &env{
		t:        t,
		ctx:      ctx,
		driver:   driver,
		uploader: storage.NewBlobUploader(st),
		clock:    &clock{now: time.UnixMilli(1_700_000_000_000)},
	}
	e.store, err = datastore.Open(ctx, filepath.Join(t.TempDir(), "registry.db"), datastore.Options{
		Storage: st,
		Clock:   e.clock.Now,
		OnTagChange: func(id int64) {
			e.worker.Enqueue(id)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.store.Close() })

	opts.Clock = e.clock.Now
	e.worker = New(ctx, e.store, e.uploader, opts)
	t.Cleanup(func() { e.worker.Close() })

	_, err = e.store.EnsureNamespace(ctx, distribution.Namespace{Name: "devtable"})
	require.NoError(t, err)
	return e
}

func (e *env) repo(name string) *distribution.RepositoryReference {
	e.t.Helper()
	repo, err := e.store.CreateRepository(e.ctx, "devtable", name, "devtable", "", "")
	require.NoError(e.t, err)
	return repo
}

func (e *env) startUpload(repo *distribution.RepositoryReference) *distribution.BlobUpload {
	e.t.Helper()
	id, location, md := e.uploader.StartUpload(e.ctx)
	upload, err := e.store.CreateBlobUpload(e.ctx, repo, id, location, md)
	require.NoError(e.t, err)
	return upload
}

func (e *env) pushBlob(repo *distribution.RepositoryReference, p []byte) digest.Digest {
	e.t.Helper()
	upload := e.startUpload(repo)
	_, err := e.uploader.WriteChunk(e.ctx, upload, 0, bytes.NewReader(p))
	require.NoError(e.t, err)
	committed, err := e.uploader.Commit(e.ctx, upload, digest.FromBytes(p))
	require.NoError(e.t, err)
	_, err = e.store.CommitBlobUpload(e.ctx, upload, committed.Digest, time.Hour)
	require.NoError(e.t, err)
	return committed.Digest
}

func (e *env) push(repo *distribution.RepositoryReference, tag string, layers ...string) {
	e.t.Helper()
	config := `{"architecture":"amd64","os":"linux","rootfs":{"type":"layers","diff_ids":[]}}`
	b := schema2.NewBuilder().SetConfig(e.pushBlob(repo, []byte(config)), int64(len(config)))
	for _, l := range layers {
		b.AddLayer(e.pushBlob(repo, []byte(l)), int64(len(l)))
	}
	m, err := b.Build()
	require.NoError(e.t, err)
	_, _, err = e.store.CreateManifestAndRetargetTag(e.ctx, repo, m, tag)
	require.NoError(e.t, err)
}

func (e *env) fileExists(content string) bool {
	_, err := e.driver.Stat(e.ctx, storage.BlobPath(digest.FromString(content)))
	return err == nil
}

func TestTagChangeQueuesCollection(t *testing.T) {
	e := newEnv(t, Options{})
	repo := e.repo("newrepo")

	e.push(repo, "latest", "i1", "i2", "i3")
	e.push(repo, "other", "i1", "f1")
	e.clock.Advance(2 * time.Hour)

	_, err := e.store.DeleteTag(e.ctx, repo, "latest")
	require.NoError(t, err)
	require.NoError(t, e.worker.Close())

	assert.False(t, e.fileExists("i2"))
	assert.False(t, e.fileExists("i3"))
	assert.True(t, e.fileExists("i1"))
	assert.True(t, e.fileExists("f1"))

	_, err = e.store.GetRepoTag(e.ctx, repo, "other")
	assert.NoError(t, err)
}

func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	e := newEnv(t, Options{})
	require.NoError(t, e.worker.Close())

	e.worker.Enqueue(42)
	e.worker.mu.Lock()
	defer e.worker.mu.Unlock()
	assert.Empty(t, e.worker.pending)
}

func TestCollectUnknownRepository(t *testing.T) {
	e := newEnv(t, Options{})
	result, err := e.worker.collectByID(e.ctx, 4242, triggerTag)
	require.NoError(t, err)
	assert.True(t, result.Empty())
}

func TestScan(t *testing.T) {
	e := newEnv(t, Options{})
	kept := e.repo("kept")
	dropped := e.repo("dropped")
	e.push(kept, "latest", "kept layer")
	e.pushBlob(dropped, []byte("never referenced"))
	// Drain collections queued by the push so only the scan collects.
	require.NoError(t, e.worker.Close())

	n, err := e.worker.Scan(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "upload links are still valid")

	e.clock.Advance(2 * time.Hour)
	n, err = e.worker.Scan(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, e.fileExists("never referenced"))
	assert.True(t, e.fileExists("kept layer"))

	n, err = e.worker.Scan(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDryRunKeepsEverything(t *testing.T) {
	e := newEnv(t, Options{DryRun: true})
	repo := e.repo("dry")
	e.pushBlob(repo, []byte("orphan"))
	e.clock.Advance(2 * time.Hour)

	result, err := e.worker.CollectRepository(e.ctx, repo)
	require.NoError(t, err)
	assert.Len(t, result.Blobs, 1)
	assert.True(t, e.fileExists("orphan"))

	n, err := e.worker.Scan(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "still garbage after a dry run")
}

func TestPurgeUploads(t *testing.T) {
	e := newEnv(t, Options{Uploads: PurgeOption{Enabled: true, Age: time.Hour}})
	repo := e.repo("uploads")

	old := e.startUpload(repo)
	_, err := e.uploader.WriteChunk(e.ctx, old, 0, bytes.NewReader([]byte("abandoned")))
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateBlobUpload(e.ctx, old))
	e.clock.Advance(90 * time.Minute)
	recent := e.startUpload(repo)

	n, err := e.worker.PurgeUploads(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.store.LookupBlobUpload(e.ctx, repo, old.UploadID)
	assert.ErrorIs(t, err, distribution.ErrBlobUploadUnknown)
	_, err = e.store.LookupBlobUpload(e.ctx, repo, recent.UploadID)
	assert.NoError(t, err)

	_, err = e.driver.List(e.ctx, storage.UploadsRoot()+"/"+old.UploadID)
	assert.Error(t, err, "chunks are removed")
}

func TestPurgeUploadsDryRun(t *testing.T) {
	e := newEnv(t, Options{Uploads: PurgeOption{Enabled: true, Age: time.Hour, DryRun: true}})
	repo := e.repo("uploads")
	upload := e.startUpload(repo)
	e.clock.Advance(2 * time.Hour)

	n, err := e.worker.PurgeUploads(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = e.store.LookupBlobUpload(e.ctx, repo, upload.UploadID)
	assert.NoError(t, err)
}

type busyCanceler struct{}

func (busyCanceler) Cancel(context.Context, *distribution.BlobUpload) error {
	return storage.ErrUploadBusy
}

func TestPurgeUploadsSkipsBusySessions(t *testing.T) {
	e := newEnv(t, Options{})
	repo := e.repo("uploads")
	upload := e.startUpload(repo)
	e.clock.Advance(2 * time.Hour)

	w := New(e.ctx, e.store, busyCanceler{}, Options{Uploads: PurgeOption{Age: time.Hour}, Clock: e.clock.Now})
	defer w.Close()
	n, err := w.PurgeUploads(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = e.store.LookupBlobUpload(e.ctx, repo, upload.UploadID)
	assert.NoError(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	e := newEnv(t, Options{Interval: time.Millisecond, Uploads: PurgeOption{Enabled: true, Age: time.Hour, Interval: time.Millisecond}})
	ctx, cancel := context.WithTimeout(e.ctx, 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, e.worker.Run(ctx))
}
