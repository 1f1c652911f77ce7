package datastore

import (
	"context"
	"errors"

	"github.com/mjl-/bstore"

	"github.com/quay/distribution"
	"github.com/quay/distribution/manifest"
)

// NamespaceSize sums the sizes of the distinct blobs linked into the
// repositories of namespace, by manifests or upload links.
func (s *Store) NamespaceSize(ctx context.Context, namespace string) (int64, error) {
	var size int64
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		ns, err := bstore.QueryTx[Namespace](tx).FilterNonzero(Namespace{Name: namespace}).Get()
		if errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrNamespaceUnknown
		} else if err != nil {
			return err
		}
		repos, err := bstore.QueryTx[Repository](tx).FilterNonzero(Repository{NamespaceID: ns.ID}).List()
		if err != nil {
			return err
		}

		blobIDs := map[int64]bool{}
		for _, r := range repos {
			repoID := r.ID
			err := bstore.QueryTx[ManifestBlob](tx).FilterNonzero(ManifestBlob{RepositoryID: repoID}).ForEach(func(mb ManifestBlob) error {
				blobIDs[mb.BlobID] = true
				return nil
			})
			if err != nil {
				return err
			}
			err = bstore.QueryTx[UploadedBlob](tx).FilterNonzero(UploadedBlob{RepositoryID: repoID}).ForEach(func(u UploadedBlob) error {
				blobIDs[u.BlobID] = true
				return nil
			})
			if err != nil {
				return err
			}
		}
		if len(blobIDs) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(blobIDs))
		for id := range blobIDs {
			ids = append(ids, id)
		}
		return bstore.QueryTx[Blob](tx).FilterIDs(ids).ForEach(func(b Blob) error {
			size += b.CompressedSize
			return nil
		})
	})
	return size, err
}

// LeastRecentlyUsedTag returns the active, visible tag of namespace that
// pruning should remove first: the one that expires soonest, as reads renew
// expirations. Tags without an end rank by start. Tags of lists are never
// returned.
func (s *Store) LeastRecentlyUsedTag(ctx context.Context, namespace string) (*distribution.RepositoryReference, *distribution.Tag, error) {
	var (
		repo *distribution.RepositoryReference
		tag  *distribution.Tag
	)
	nowMs := s.nowMs()
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		ns, err := bstore.QueryTx[Namespace](tx).FilterNonzero(Namespace{Name: namespace}).Get()
		if errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrNamespaceUnknown
		} else if err != nil {
			return err
		}
		repos, err := bstore.QueryTx[Repository](tx).FilterNonzero(Repository{NamespaceID: ns.ID}).List()
		if err != nil {
			return err
		}

		var (
			best     Tag
			bestRepo Repository
			bestKey  int64
		)
		for _, r := range repos {
			tags, err := bstore.QueryTx[Tag](tx).
				FilterNonzero(Tag{RepositoryID: r.ID}).
				FilterEqual("Hidden", false).
				FilterFn(func(t Tag) bool { return t.activeAt(nowMs) }).
				List()
			if err != nil {
				return err
			}
			for _, t := range tags {
				key := t.LifetimeEndMs
				if key == 0 {
					key = t.LifetimeStartMs
				}
				if best.ID != 0 && key >= bestKey {
					continue
				}
				m := Manifest{ID: t.ManifestID}
				if err := tx.Get(&m); err != nil {
					return err
				}
				if manifest.IsList(m.MediaType) {
					continue
				}
				best, bestRepo, bestKey = t, r, key
			}
		}
		if best.ID == 0 {
			return distribution.ErrTagUnknown
		}
		repo = bestRepo.reference(ns.Name)
		tag = best.reference()
		return nil
	})
	return repo, tag, err
}

// PurgeTag deletes the tag row outright, bypassing the time machine, and
// collects the repository.
func (s *Store) PurgeTag(ctx context.Context, repo *distribution.RepositoryReference, tag *distribution.Tag) (*GCResult, error) {
	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		err := tx.Delete(&Tag{ID: tag.ID})
		if errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrTagUnknown
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GarbageCollectRepository(ctx, repo, GCOpts{})
}
