package datastore

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/mjl-/bstore"
	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/storage/cache"
)

// repoBlob returns a blob with digest dgst linked to repositoryID by a
// manifest or an upload link. Blobs still being fetched are only returned
// when includeUploading is set.
func repoBlob(tx *bstore.Tx, repositoryID int64, dgst digest.Digest, includeUploading bool) (Blob, error) {
	blobs, err := bstore.QueryTx[Blob](tx).FilterNonzero(Blob{Digest: dgst.String()}).SortAsc("ID").List()
	if err != nil {
		return Blob{}, err
	}
	for _, b := range blobs {
		if b.Uploading && !includeUploading {
			continue
		}
		linked, err := bstore.QueryTx[UploadedBlob](tx).FilterNonzero(UploadedBlob{RepositoryID: repositoryID, BlobID: b.ID}).Exists()
		if err != nil {
			return Blob{}, err
		}
		if !linked {
			linked, err = bstore.QueryTx[ManifestBlob](tx).FilterNonzero(ManifestBlob{RepositoryID: repositoryID, BlobID: b.ID}).Exists()
			if err != nil {
				return Blob{}, err
			}
		}
		if linked {
			return b, nil
		}
	}
	return Blob{}, bstore.ErrAbsent
}

// GetRepoBlobByDigest returns the stored blob dgst linked into repo.
func (s *Store) GetRepoBlobByDigest(ctx context.Context, repo *distribution.RepositoryReference, dgst digest.Digest) (*distribution.Blob, error) {
	var out *distribution.Blob
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		b, err := repoBlob(tx, repo.ID, dgst, false)
		if errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrBlobUnknown
		} else if err != nil {
			return err
		}
		out = b.reference()
		return nil
	})
	return out, err
}

// GetPendingRepoBlob is GetRepoBlobByDigest that also returns placeholders
// a pull-through cache recorded for a proxied manifest but has not fetched.
func (s *Store) GetPendingRepoBlob(ctx context.Context, repo *distribution.RepositoryReference, dgst digest.Digest) (*distribution.Blob, error) {
	var out *distribution.Blob
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		b, err := repoBlob(tx, repo.ID, dgst, true)
		if errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrBlobUnknown
		} else if err != nil {
			return err
		}
		out = b.reference()
		return nil
	})
	return out, err
}

// GetCachedRepoBlob is GetRepoBlobByDigest by repository name, cached for
// the blob TTL.
func (s *Store) GetCachedRepoBlob(ctx context.Context, namespace, name string, dgst digest.Digest) (*distribution.Blob, error) {
	key := s.opts.CacheKeys.RepoBlob(namespace, name, dgst)
	return cache.Retrieve(ctx, s.opts.Cache, key, func(ctx context.Context) (*distribution.Blob, error) {
		repo, err := s.LookupRepository(ctx, namespace, name)
		if err != nil {
			return nil, err
		}
		return s.GetRepoBlobByDigest(ctx, repo, dgst)
	})
}

// CreateBlobUpload records a new upload session.
func (s *Store) CreateBlobUpload(ctx context.Context, repo *distribution.RepositoryReference, uploadID, location string, metadata map[string]string) (*distribution.BlobUpload, error) {
	row := BlobUpload{
		RepositoryID:    repo.ID,
		UploadID:        uploadID,
		Location:        location,
		StorageMetadata: metadata,
		Created:         s.now(),
	}
	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		return tx.Insert(&row)
	})
	if err != nil {
		return nil, err
	}
	return row.reference(), nil
}

// LookupBlobUpload returns the session uploadID of repo.
func (s *Store) LookupBlobUpload(ctx context.Context, repo *distribution.RepositoryReference, uploadID string) (*distribution.BlobUpload, error) {
	var out *distribution.BlobUpload
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		row, err := bstore.QueryTx[BlobUpload](tx).FilterNonzero(BlobUpload{UploadID: uploadID}).Get()
		if errors.Is(err, bstore.ErrAbsent) || (err == nil && row.RepositoryID != repo.ID) {
			return distribution.ErrBlobUploadUnknown
		} else if err != nil {
			return err
		}
		out = row.reference()
		return nil
	})
	return out, err
}

// UpdateBlobUpload saves the progress of a session.
func (s *Store) UpdateBlobUpload(ctx context.Context, upload *distribution.BlobUpload) error {
	return s.db.Write(ctx, func(tx *bstore.Tx) error {
		row := BlobUpload{ID: upload.ID}
		if err := tx.Get(&row); errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrBlobUploadUnknown
		} else if err != nil {
			return err
		}
		row.ByteCount = upload.ByteCount
		row.UncompressedCount, row.UncompressedKnown = fromOptional(upload.UncompressedByteCount)
		row.ChunkCount = upload.ChunkCount
		row.ShaState = upload.ShaState
		row.StorageMetadata = upload.StorageMetadata
		return tx.Update(&row)
	})
}

// DeleteBlobUpload removes a session row.
func (s *Store) DeleteBlobUpload(ctx context.Context, upload *distribution.BlobUpload) error {
	return s.db.Write(ctx, func(tx *bstore.Tx) error {
		err := tx.Delete(&BlobUpload{ID: upload.ID})
		if errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrBlobUploadUnknown
		}
		return err
	})
}

// ExpiredBlobUploads returns up to limit sessions created before cutoff.
func (s *Store) ExpiredBlobUploads(ctx context.Context, cutoff time.Time, limit int) ([]distribution.BlobUpload, error) {
	var out []distribution.BlobUpload
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[BlobUpload](tx).FilterLess("Created", cutoff).SortAsc("Created")
		if limit > 0 {
			q.Limit(limit)
		}
		return q.ForEach(func(u BlobUpload) error {
			out = append(out, *u.reference())
			return nil
		})
	})
	return out, err
}

// upsertBlob returns the stored blob row for dgst, adding location to it,
// or inserts one.
func (s *Store) upsertBlob(tx *bstore.Tx, dgst digest.Digest, size int64, uncompressed *int64, location string) (Blob, error) {
	b, err := first(bstore.QueryTx[Blob](tx).
		FilterNonzero(Blob{Digest: dgst.String()}).
		FilterEqual("Uploading", false).
		SortAsc("ID"))
	switch {
	case errors.Is(err, bstore.ErrAbsent):
		b = Blob{
			Digest:         dgst.String(),
			CompressedSize: size,
			Locations:      []string{location},
			Created:        s.now(),
		}
		b.UncompressedSize, b.UncompressedKnown = fromOptional(uncompressed)
		return b, tx.Insert(&b)
	case err != nil:
		return Blob{}, err
	}

	changed := false
	if !slices.Contains(b.Locations, location) {
		b.Locations = append(b.Locations, location)
		changed = true
	}
	if !b.UncompressedKnown && uncompressed != nil {
		b.UncompressedSize, b.UncompressedKnown = *uncompressed, true
		changed = true
	}
	if changed {
		err = tx.Update(&b)
	}
	return b, err
}

func (s *Store) linkUploadedBlob(tx *bstore.Tx, repositoryID, blobID int64, expiry time.Duration) error {
	expires := s.now().Add(expiry)
	link, err := bstore.QueryTx[UploadedBlob](tx).FilterNonzero(UploadedBlob{RepositoryID: repositoryID, BlobID: blobID}).Get()
	switch {
	case errors.Is(err, bstore.ErrAbsent):
		return tx.Insert(&UploadedBlob{RepositoryID: repositoryID, BlobID: blobID, Expires: expires})
	case err != nil:
		return err
	case link.Expires.Before(expires):
		link.Expires = expires
		return tx.Update(&link)
	}
	return nil
}

// CommitBlobUpload records the blob of a finished session, links it into
// the session's repository until expiry and removes the session row.
func (s *Store) CommitBlobUpload(ctx context.Context, upload *distribution.BlobUpload, dgst digest.Digest, expiry time.Duration) (*distribution.Blob, error) {
	var out *distribution.Blob
	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Delete(&BlobUpload{ID: upload.ID}); errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrBlobUploadUnknown
		} else if err != nil {
			return err
		}
		b, err := s.upsertBlob(tx, dgst, upload.ByteCount, upload.UncompressedByteCount, upload.Location)
		if err != nil {
			return err
		}
		if err := s.linkUploadedBlob(tx, upload.RepositoryID, b.ID, expiry); err != nil {
			return err
		}
		out = b.reference()
		return nil
	})
	if err == nil {
		dcontext.GetLoggerWithFields(ctx, map[any]any{
			"upload.id": upload.UploadID,
			"digest":    dgst,
		}).Debug("blob committed")
	}
	return out, err
}

// MountBlobIntoRepository links blob into target until expiry. It returns
// false when the blob is gone or not fully stored.
func (s *Store) MountBlobIntoRepository(ctx context.Context, blob *distribution.Blob, target *distribution.RepositoryReference, expiry time.Duration) (bool, error) {
	mounted := false
	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		b := Blob{ID: blob.ID}
		if err := tx.Get(&b); errors.Is(err, bstore.ErrAbsent) {
			return nil
		} else if err != nil {
			return err
		}
		if b.Uploading {
			return nil
		}
		mounted = true
		return s.linkUploadedBlob(tx, target.ID, b.ID, expiry)
	})
	return mounted, err
}

// CompleteProxiedBlob records that dgst has been fetched into location. A
// placeholder left by a proxied manifest is filled in; otherwise the blob
// is linked into repo until expiry.
func (s *Store) CompleteProxiedBlob(ctx context.Context, repo *distribution.RepositoryReference, dgst digest.Digest, size int64, uncompressed *int64, location string, expiry time.Duration) (*distribution.Blob, error) {
	var out *distribution.Blob
	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		b, err := repoBlob(tx, repo.ID, dgst, true)
		switch {
		case errors.Is(err, bstore.ErrAbsent):
			b, err = s.upsertBlob(tx, dgst, size, uncompressed, location)
			if err != nil {
				return err
			}
			if err := s.linkUploadedBlob(tx, repo.ID, b.ID, expiry); err != nil {
				return err
			}
		case err != nil:
			return err
		case b.Uploading:
			b.Uploading = false
			b.CompressedSize = size
			b.UncompressedSize, b.UncompressedKnown = fromOptional(uncompressed)
			b.Locations = []string{location}
			if err := tx.Update(&b); err != nil {
				return err
			}
		case !slices.Contains(b.Locations, location):
			b.Locations = append(b.Locations, location)
			if err := tx.Update(&b); err != nil {
				return err
			}
		}
		out = b.reference()
		return nil
	})
	return out, err
}
