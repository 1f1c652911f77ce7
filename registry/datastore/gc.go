package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mjl-/bstore"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/quay/distribution"
	"github.com/quay/distribution/digestutil"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/storage"
	storagedriver "github.com/quay/distribution/registry/storage/driver"
)

// BlobCallback is called for every blob row garbage collection deleted.
// fileRemoved reports whether the blob's backend file was removed too.
type BlobCallback func(ctx context.Context, blob distribution.Blob, fileRemoved bool)

type gcHooks struct {
	mu    sync.Mutex
	blobs []BlobCallback
}

// AddGCCallback registers cb to run after each collection that deleted
// blobs.
func (s *Store) AddGCCallback(cb BlobCallback) {
	s.hooks.mu.Lock()
	s.hooks.blobs = append(s.hooks.blobs, cb)
	s.hooks.mu.Unlock()
}

func (s *Store) blobCallbacks() []BlobCallback {
	s.hooks.mu.Lock()
	defer s.hooks.mu.Unlock()
	return append([]BlobCallback(nil), s.hooks.blobs...)
}

// GCOpts configures one collection.
type GCOpts struct {
	// DryRun computes what would be deleted and rolls everything back.
	DryRun bool
}

// GCResult lists what a collection deleted.
type GCResult struct {
	Tags      int
	Manifests []digest.Digest
	Labels    int
	Blobs     []distribution.Blob

	// Files are the blobs whose backend files were removed: no other blob
	// row shares their digest.
	Files []digest.Digest
}

// Empty reports whether nothing was collected.
func (r *GCResult) Empty() bool {
	return r.Tags == 0 && len(r.Manifests) == 0 && r.Labels == 0 && len(r.Blobs) == 0
}

var errDryRun = errors.New("dry run")

// GarbageCollectRepository deletes the rows of repo no live tag reaches.
// A tag is live while it has no end or ended within the namespace's time
// machine window. Blob rows left without manifest, upload or legacy image
// references are deleted, and their backend files removed when no other
// blob row shares the digest.
func (s *Store) GarbageCollectRepository(ctx context.Context, repo *distribution.RepositoryReference, opts GCOpts) (*GCResult, error) {
	result := &GCResult{}
	var files []Blob

	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		_, ns, err := repositoryByID(tx, repo.ID)
		if err != nil {
			return err
		}
		cutoff := s.nowMs() - ns.RemovedTagExpirationS*1000
		files, err = s.collect(tx, repo.ID, cutoff, result)
		if err != nil {
			return err
		}
		if opts.DryRun {
			return errDryRun
		}
		return nil
	})
	if errors.Is(err, errDryRun) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("collecting %s: %w", repo.FullName(), err)
	}

	log := dcontext.GetLoggerWithField(ctx, "repository", repo.FullName())
	removed := s.removeFiles(ctx, files)
	for _, b := range files {
		if removed[b.Digest] {
			result.Files = append(result.Files, digest.Digest(b.Digest))
		}
	}
	sort.Slice(result.Files, func(i, j int) bool { return result.Files[i] < result.Files[j] })

	callbacks := s.blobCallbacks()
	for _, b := range result.Blobs {
		for _, cb := range callbacks {
			cb(ctx, b, removed[b.Digest.String()])
		}
	}

	if !result.Empty() {
		log.WithField("manifests", len(result.Manifests)).
			WithField("blobs", len(result.Blobs)).
			WithField("files", len(result.Files)).
			Infof("collected %d tags", result.Tags)
	}
	return result, nil
}

// collect runs one mark and sweep of repositoryID inside tx. It returns the
// deleted blobs whose files may be removed once tx commits.
func (s *Store) collect(tx *bstore.Tx, repositoryID, cutoffMs int64, result *GCResult) ([]Blob, error) {
	nowMs := s.nowMs()

	tags, err := bstore.QueryTx[Tag](tx).FilterNonzero(Tag{RepositoryID: repositoryID}).List()
	if err != nil {
		return nil, err
	}
	var roots []int64
	var dead []Tag
	for _, t := range tags {
		if t.LifetimeEndMs == 0 || t.LifetimeEndMs > cutoffMs {
			roots = append(roots, t.ManifestID)
		} else {
			dead = append(dead, t)
		}
	}

	children := map[int64][]int64{}
	err = bstore.QueryTx[ManifestChild](tx).FilterNonzero(ManifestChild{RepositoryID: repositoryID}).ForEach(func(c ManifestChild) error {
		children[c.ManifestID] = append(children[c.ManifestID], c.ChildManifestID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	reachable := map[int64]bool{}
	for len(roots) > 0 {
		id := roots[len(roots)-1]
		roots = roots[:len(roots)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		roots = append(roots, children[id]...)
	}

	for _, t := range dead {
		if err := tx.Delete(&t); err != nil {
			return nil, err
		}
	}
	result.Tags = len(dead)

	unreachable, err := bstore.QueryTx[Manifest](tx).
		FilterNonzero(Manifest{RepositoryID: repositoryID}).
		FilterFn(func(m Manifest) bool { return !reachable[m.ID] }).
		List()
	if err != nil {
		return nil, err
	}

	blobIDs := map[int64]bool{}
	labelIDs := map[int64]bool{}
	imageIDs := map[int64]bool{}
	for _, m := range unreachable {
		if err := deleteManifest(tx, m, blobIDs, labelIDs, imageIDs); err != nil {
			return nil, err
		}
		result.Manifests = append(result.Manifests, digest.Digest(m.Digest))
	}

	for id := range labelIDs {
		used, err := bstore.QueryTx[ManifestLabel](tx).FilterNonzero(ManifestLabel{LabelID: id}).Exists()
		if err != nil {
			return nil, err
		}
		if used {
			continue
		}
		if err := tx.Delete(&Label{ID: id}); err != nil && !errors.Is(err, bstore.ErrAbsent) {
			return nil, err
		}
		result.Labels++
	}

	for id := range imageIDs {
		used, err := bstore.QueryTx[ManifestLegacyImage](tx).FilterNonzero(ManifestLegacyImage{ImageID: id}).Exists()
		if err != nil {
			return nil, err
		}
		if used {
			continue
		}
		img := LegacyImage{ID: id}
		if err := tx.Get(&img); err != nil {
			return nil, err
		}
		blobIDs[img.BlobID] = true
		if err := tx.Delete(&img); err != nil {
			return nil, err
		}
	}

	expired, err := bstore.QueryTx[UploadedBlob](tx).
		FilterNonzero(UploadedBlob{RepositoryID: repositoryID}).
		FilterFn(func(u UploadedBlob) bool { return u.Expires.UnixMilli() <= nowMs }).
		List()
	if err != nil {
		return nil, err
	}
	for _, u := range expired {
		blobIDs[u.BlobID] = true
		if err := tx.Delete(&u); err != nil {
			return nil, err
		}
	}

	ids := make([]int64, 0, len(blobIDs))
	for id := range blobIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var files []Blob
	for _, id := range ids {
		b, deleted, err := deleteBlobIfUnreferenced(tx, id)
		if err != nil {
			return nil, err
		}
		if !deleted {
			continue
		}
		result.Blobs = append(result.Blobs, *b.reference())

		shared, err := bstore.QueryTx[Blob](tx).FilterNonzero(Blob{Digest: b.Digest}).Exists()
		if err != nil {
			return nil, err
		}
		if !shared && len(b.Locations) > 0 {
			files = append(files, b)
		}
	}
	return files, nil
}

// deleteManifest removes m with its edges, recording the blobs, labels and
// legacy images it referenced.
func deleteManifest(tx *bstore.Tx, m Manifest, blobIDs, labelIDs, imageIDs map[int64]bool) error {
	mbs, err := bstore.QueryTx[ManifestBlob](tx).FilterNonzero(ManifestBlob{ManifestID: m.ID}).List()
	if err != nil {
		return err
	}
	for _, mb := range mbs {
		blobIDs[mb.BlobID] = true
		if err := tx.Delete(&mb); err != nil {
			return err
		}
	}

	mls, err := bstore.QueryTx[ManifestLabel](tx).FilterNonzero(ManifestLabel{ManifestID: m.ID}).List()
	if err != nil {
		return err
	}
	for _, ml := range mls {
		labelIDs[ml.LabelID] = true
		if err := tx.Delete(&ml); err != nil {
			return err
		}
	}

	mlis, err := bstore.QueryTx[ManifestLegacyImage](tx).FilterNonzero(ManifestLegacyImage{ManifestID: m.ID}).List()
	if err != nil {
		return err
	}
	for _, mli := range mlis {
		imageIDs[mli.ImageID] = true
		if err := tx.Delete(&mli); err != nil {
			return err
		}
	}

	if _, err := bstore.QueryTx[ManifestChild](tx).FilterNonzero(ManifestChild{ManifestID: m.ID}).Delete(); err != nil {
		return err
	}
	if _, err := bstore.QueryTx[ManifestChild](tx).FilterNonzero(ManifestChild{ChildManifestID: m.ID}).Delete(); err != nil {
		return err
	}
	if _, err := bstore.QueryTx[Tag](tx).FilterNonzero(Tag{ManifestID: m.ID}).Delete(); err != nil {
		return err
	}
	return tx.Delete(&m)
}

func deleteBlobIfUnreferenced(tx *bstore.Tx, id int64) (Blob, bool, error) {
	b := Blob{ID: id}
	if err := tx.Get(&b); errors.Is(err, bstore.ErrAbsent) {
		return b, false, nil
	} else if err != nil {
		return b, false, err
	}

	for _, exists := range []func() (bool, error){
		bstore.QueryTx[ManifestBlob](tx).FilterNonzero(ManifestBlob{BlobID: id}).Exists,
		bstore.QueryTx[UploadedBlob](tx).FilterNonzero(UploadedBlob{BlobID: id}).Exists,
		bstore.QueryTx[LegacyImage](tx).FilterNonzero(LegacyImage{BlobID: id}).Exists,
	} {
		used, err := exists()
		if err != nil || used {
			return b, false, err
		}
	}
	return b, true, tx.Delete(&b)
}

// removeFiles deletes the backend files of blobs, skipping digests a blob
// row was created for since the collection committed. The re-check and the
// removal run under the digest's blob lock. The shared empty layer is
// never removed.
func (s *Store) removeFiles(ctx context.Context, blobs []Blob) map[string]bool {
	removed := map[string]bool{}
	if s.opts.Storage == nil || len(blobs) == 0 {
		return removed
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, b := range blobs {
		g.Go(func() error {
			dgst := digest.Digest(b.Digest)
			if dgst == digestutil.EmptyLayerDigest {
				return nil
			}
			log := dcontext.GetLoggerWithField(gctx, "digest", b.Digest)
			unlock := s.LockBlob(dgst)
			defer unlock()

			var revived bool
			err := s.db.Read(gctx, func(tx *bstore.Tx) (err error) {
				revived, err = bstore.QueryTx[Blob](tx).FilterNonzero(Blob{Digest: b.Digest}).Exists()
				return err
			})
			if err != nil {
				log.WithError(err).Warn("checking blob before removal")
				return nil
			}
			if revived {
				return nil
			}
			err = s.opts.Storage.Remove(gctx, b.Locations, storage.BlobPath(dgst))
			if err != nil && !storagedriver.IsPathNotFound(err) {
				log.WithError(err).Warn("removing blob file")
				return nil
			}
			mu.Lock()
			removed[b.Digest] = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return removed
}

// RepositoriesWithGarbage returns up to limit repositories holding a tag
// that ended before its namespace's time machine window.
func (s *Store) RepositoriesWithGarbage(ctx context.Context, limit int) ([]distribution.RepositoryReference, error) {
	var out []distribution.RepositoryReference
	nowMs := s.nowMs()
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		windows := map[int64]int64{}
		err := bstore.QueryTx[Namespace](tx).ForEach(func(ns Namespace) error {
			windows[ns.ID] = ns.RemovedTagExpirationS * 1000
			return nil
		})
		if err != nil {
			return err
		}
		repos, err := bstore.QueryTx[Repository](tx).SortAsc("ID").List()
		if err != nil {
			return err
		}
		for _, r := range repos {
			if limit > 0 && len(out) == limit {
				break
			}
			cutoff := nowMs - windows[r.NamespaceID]
			garbage, err := bstore.QueryTx[Tag](tx).
				FilterNonzero(Tag{RepositoryID: r.ID}).
				FilterFn(func(t Tag) bool { return t.LifetimeEndMs != 0 && t.LifetimeEndMs <= cutoff }).
				Exists()
			if err != nil {
				return err
			}
			if !garbage {
				garbage, err = bstore.QueryTx[UploadedBlob](tx).
					FilterNonzero(UploadedBlob{RepositoryID: r.ID}).
					FilterFn(func(u UploadedBlob) bool { return u.Expires.UnixMilli() <= nowMs }).
					Exists()
				if err != nil {
					return err
				}
			}
			if garbage {
				ref, _, err := repositoryByID(tx, r.ID)
				if err != nil {
					return err
				}
				out = append(out, *ref)
			}
		}
		return nil
	})
	return out, err
}
