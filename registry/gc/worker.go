// Package gc runs repository garbage collection in the background. Tag
// changes queue a collection of their repository, a periodic scan picks up
// repositories whose time machine window has run out, and abandoned upload
// sessions are purged with their backend bytes.
package gc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	events "github.com/docker/go-events"
	"golang.org/x/sync/errgroup"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/datastore"
	"github.com/quay/distribution/registry/storage"
)

// Store is the part of the data model the worker drives.
type Store interface {
	RepositoryByID(ctx context.Context, id int64) (*distribution.RepositoryReference, error)
	RepositoriesWithGarbage(ctx context.Context, limit int) ([]distribution.RepositoryReference, error)
	GarbageCollectRepository(ctx context.Context, repo *distribution.RepositoryReference, opts datastore.GCOpts) (*datastore.GCResult, error)
	ExpiredBlobUploads(ctx context.Context, cutoff time.Time, limit int) ([]distribution.BlobUpload, error)
	DeleteBlobUpload(ctx context.Context, upload *distribution.BlobUpload) error
}

// UploadCanceler releases the backend state of an upload session.
type UploadCanceler interface {
	Cancel(ctx context.Context, upload *distribution.BlobUpload) error
}

const (
	triggerTag    = "tag"
	triggerScan   = "scan"
	triggerManual = "manual"
)

// Options configures a Worker.
type Options struct {
	// Interval is the time between scans for repositories with garbage.
	// Zero disables the scan.
	Interval time.Duration

	// ScanLimit bounds the repositories collected by one scan. Zero means
	// no bound.
	ScanLimit int

	Uploads PurgeOption

	// DryRun logs what would be collected without deleting anything.
	DryRun bool

	// Clock overrides time.Now.
	Clock func() time.Time
}

// Worker collects repositories off the request path.
type Worker struct {
	store   Store
	uploads UploadCanceler
	opts    Options
	ctx     context.Context
	queue   *events.Queue

	mu      sync.Mutex
	pending map[int64]bool
}

// New returns a worker whose queued collections log through ctx. The queue
// runs until Close.
func New(ctx context.Context, store Store, uploads UploadCanceler, opts Options) *Worker {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	w := &Worker{
		store:   store,
		uploads: uploads,
		opts:    opts,
		ctx:     dcontext.WithLogger(ctx, dcontext.GetLoggerWithField(ctx, "component", "gc")),
		pending: make(map[int64]bool),
	}
	w.queue = events.NewQueue(collectSink{w})
	return w
}

// Enqueue schedules a collection of the repository. Calls for a repository
// whose collection has not started yet coalesce into one.
func (w *Worker) Enqueue(repositoryID int64) {
	w.mu.Lock()
	if w.pending[repositoryID] {
		w.mu.Unlock()
		return
	}
	w.pending[repositoryID] = true
	w.mu.Unlock()

	if err := w.queue.Write(repositoryID); err != nil {
		w.mu.Lock()
		delete(w.pending, repositoryID)
		w.mu.Unlock()
		dcontext.GetLogger(w.ctx).Debugf("dropping collection of repository %d: %v", repositoryID, err)
	}
}

// Close drains the queue. Collections queued before Close still run.
func (w *Worker) Close() error {
	return w.queue.Close()
}

type collectSink struct {
	w *Worker
}

func (s collectSink) Write(event events.Event) error {
	id, ok := event.(int64)
	if !ok {
		return fmt.Errorf("unexpected gc event %T", event)
	}
	s.w.mu.Lock()
	delete(s.w.pending, id)
	s.w.mu.Unlock()

	_, err := s.w.collectByID(s.w.ctx, id, triggerTag)
	return err
}

func (collectSink) Close() error { return nil }

func (w *Worker) collectByID(ctx context.Context, id int64, trigger string) (*datastore.GCResult, error) {
	repo, err := w.store.RepositoryByID(ctx, id)
	if errors.Is(err, distribution.ErrRepositoryUnknown) {
		return &datastore.GCResult{}, nil
	} else if err != nil {
		failures.WithValues(trigger).Inc(1)
		return nil, err
	}
	return w.collect(ctx, repo, trigger)
}

func (w *Worker) collect(ctx context.Context, repo *distribution.RepositoryReference, trigger string) (*datastore.GCResult, error) {
	start := time.Now()
	runs.WithValues(trigger).Inc(1)
	result, err := w.store.GarbageCollectRepository(ctx, repo, datastore.GCOpts{DryRun: w.opts.DryRun})
	collectTimer.UpdateSince(start)
	if err != nil {
		failures.WithValues(trigger).Inc(1)
		dcontext.GetLoggerWithField(ctx, "repository", repo.FullName()).WithError(err).Error("garbage collection failed")
		return nil, err
	}

	collected.WithValues("tag").Inc(float64(result.Tags))
	collected.WithValues("manifest").Inc(float64(len(result.Manifests)))
	collected.WithValues("label").Inc(float64(result.Labels))
	collected.WithValues("blob").Inc(float64(len(result.Blobs)))
	removedFiles.Inc(float64(len(result.Files)))
	return result, nil
}

// CollectRepository collects one repository now.
func (w *Worker) CollectRepository(ctx context.Context, repo *distribution.RepositoryReference) (*datastore.GCResult, error) {
	return w.collect(ctx, repo, triggerManual)
}

// Scan collects every repository holding garbage and returns how many it
// visited. A failing repository does not stop the scan.
func (w *Worker) Scan(ctx context.Context) (int, error) {
	repos, err := w.store.RepositoriesWithGarbage(ctx, w.opts.ScanLimit)
	if err != nil {
		return 0, fmt.Errorf("finding repositories with garbage: %w", err)
	}
	var errs []error
	for i := range repos {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := w.collect(ctx, &repos[i], triggerScan); err != nil {
			errs = append(errs, err)
		}
	}
	return len(repos), errors.Join(errs...)
}

// PurgeUploads removes upload sessions older than the configured age,
// backend bytes first. Sessions with a chunk in flight are left for the
// next pass. It returns the number of sessions purged.
func (w *Worker) PurgeUploads(ctx context.Context) (int, error) {
	cutoff := w.opts.Clock().Add(-w.opts.Uploads.Age)
	expired, err := w.store.ExpiredBlobUploads(ctx, cutoff, 0)
	if err != nil {
		return 0, fmt.Errorf("listing expired uploads: %w", err)
	}

	log := dcontext.GetLogger(ctx)
	purged := 0
	for i := range expired {
		upload := &expired[i]
		if w.opts.Uploads.DryRun {
			log.Infof("upload purge dry run: would delete upload %s", upload.UploadID)
			continue
		}
		if err := w.uploads.Cancel(ctx, upload); errors.Is(err, storage.ErrUploadBusy) {
			continue
		} else if err != nil {
			return purged, fmt.Errorf("removing upload %s: %w", upload.UploadID, err)
		}
		if err := w.store.DeleteBlobUpload(ctx, upload); err != nil && !errors.Is(err, distribution.ErrBlobUploadUnknown) {
			return purged, fmt.Errorf("deleting upload %s: %w", upload.UploadID, err)
		}
		purged++
	}
	purgedUploads.Inc(float64(purged))
	if purged > 0 {
		log.Infof("purged %d expired uploads", purged)
	}
	return purged, nil
}

// Run scans and purges on the configured intervals until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ctx = dcontext.WithLogger(ctx, dcontext.GetLoggerWithField(ctx, "component", "gc"))
	g, ctx := errgroup.WithContext(ctx)

	if w.opts.Interval > 0 {
		g.Go(func() error {
			return every(ctx, 0, w.opts.Interval, func() {
				if _, err := w.Scan(ctx); err != nil && ctx.Err() == nil {
					dcontext.GetLogger(ctx).WithError(err).Error("garbage collection scan failed")
				}
			})
		})
	}

	if po := w.opts.Uploads; po.Enabled && po.Interval > 0 {
		// Spread instances started together.
		jitter := time.Duration(rand.Int63n(int64(po.Interval)))
		dcontext.GetLogger(ctx).Infof("starting upload purge in %s", jitter)
		g.Go(func() error {
			return every(ctx, jitter, po.Interval, func() {
				if _, err := w.PurgeUploads(ctx); err != nil && ctx.Err() == nil {
					dcontext.GetLogger(ctx).WithError(err).Error("upload purge failed")
				}
			})
		})
	}

	return g.Wait()
}

func every(ctx context.Context, delay, interval time.Duration, fn func()) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			fn()
			timer.Reset(interval)
		}
	}
}
