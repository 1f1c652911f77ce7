package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/mjl-/bstore"
	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution"
	"github.com/quay/distribution/manifest"
	"github.com/quay/distribution/registry/storage"
	storagedriver "github.com/quay/distribution/registry/storage/driver"
)

// repoRetriever serves manifests stored in a repository and the bytes of
// blobs linked into it.
type repoRetriever struct {
	ctx  context.Context
	s    *Store
	repo *distribution.RepositoryReference
}

// Retriever returns a content retriever bound to repo and ctx.
func (s *Store) Retriever(ctx context.Context, repo *distribution.RepositoryReference) manifest.ContentRetriever {
	return &repoRetriever{ctx: ctx, s: s, repo: repo}
}

func (r *repoRetriever) GetManifestBytesWithDigest(dgst digest.Digest) ([]byte, error) {
	var b []byte
	err := r.s.db.Read(r.ctx, func(tx *bstore.Tx) error {
		row, err := manifestRow(tx, r.repo.ID, dgst)
		if err != nil {
			return err
		}
		b = row.Bytes
		return nil
	})
	if errors.Is(err, bstore.ErrAbsent) || (err == nil && len(b) == 0) {
		return nil, fmt.Errorf("manifest %s in %s: %w", dgst, r.repo.FullName(), manifest.ErrContentNotFound)
	}
	return b, err
}

func (r *repoRetriever) GetBlobBytesWithDigest(dgst digest.Digest) ([]byte, error) {
	notFound := fmt.Errorf("blob %s in %s: %w", dgst, r.repo.FullName(), manifest.ErrContentNotFound)
	if r.s.opts.Storage == nil {
		return nil, notFound
	}
	b, err := r.s.GetRepoBlobByDigest(r.ctx, r.repo, dgst)
	if errors.Is(err, distribution.ErrBlobUnknown) {
		return nil, notFound
	} else if err != nil {
		return nil, err
	}
	p, err := r.s.opts.Storage.GetContent(r.ctx, b.Locations, storage.BlobPath(dgst))
	if storagedriver.IsPathNotFound(err) {
		return nil, notFound
	}
	return p, err
}
