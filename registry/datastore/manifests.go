package datastore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mjl-/bstore"
	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution"
	"github.com/quay/distribution/digestutil"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/manifest"
	"github.com/quay/distribution/manifest/schema1"
	"github.com/quay/distribution/registry/storage"
)

// placeholderTagExpiry pins a child manifest created as a placeholder.
const placeholderTagExpiry = 5 * time.Minute

// pendingManifest is what storing a manifest needs that is computed before
// the write transaction: validation and child loading may read blobs.
type pendingManifest struct {
	m        manifest.Manifest
	labels   map[string]string
	children []childDescriptor
	reuse    bool
}

type childDescriptor struct {
	digest    digest.Digest
	mediaType string
}

func manifestRow(tx *bstore.Tx, repositoryID int64, dgst digest.Digest) (Manifest, error) {
	return bstore.QueryTx[Manifest](tx).FilterNonzero(Manifest{RepositoryID: repositoryID, Digest: dgst.String()}).Get()
}

// GetManifestForTag returns the manifest tag points at.
func (s *Store) GetManifestForTag(ctx context.Context, tag *distribution.Tag) (*distribution.ManifestReference, error) {
	var out *distribution.ManifestReference
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		row := Manifest{ID: tag.ManifestID}
		if err := tx.Get(&row); errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrManifestUnknown
		} else if err != nil {
			return err
		}
		out = row.reference()
		return nil
	})
	return out, err
}

// manifestAlive reports whether an active tag, hidden or not, points at
// manifestID or at a list that contains it.
func manifestAlive(tx *bstore.Tx, manifestID, nowMs int64) (bool, error) {
	seen := map[int64]bool{}
	queue := []int64{manifestID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		ok, err := bstore.QueryTx[Tag](tx).
			FilterNonzero(Tag{ManifestID: id}).
			FilterFn(func(t Tag) bool { return t.activeAt(nowMs) }).
			Exists()
		if err != nil || ok {
			return ok, err
		}
		err = bstore.QueryTx[ManifestChild](tx).FilterNonzero(ManifestChild{ChildManifestID: id}).ForEach(func(c ManifestChild) error {
			queue = append(queue, c.ManifestID)
			return nil
		})
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

// LookupManifestByDigest returns the manifest dgst in repo. Without
// allowDead the manifest must be kept alive by an active tag on itself or
// on a list containing it. Placeholders are returned like any other row.
func (s *Store) LookupManifestByDigest(ctx context.Context, repo *distribution.RepositoryReference, dgst digest.Digest, allowDead bool) (*distribution.ManifestReference, error) {
	var out *distribution.ManifestReference
	nowMs := s.nowMs()
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		row, err := manifestRow(tx, repo.ID, dgst)
		if errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrManifestUnknown
		} else if err != nil {
			return err
		}
		if !allowDead {
			alive, err := manifestAlive(tx, row.ID, nowMs)
			if err != nil {
				return err
			}
			if !alive {
				return distribution.ErrManifestUnknown
			}
		}
		out = row.reference()
		return nil
	})
	return out, err
}

// ListReferrers returns the live manifests in repo whose subject is dgst.
func (s *Store) ListReferrers(ctx context.Context, repo *distribution.RepositoryReference, dgst digest.Digest, artifactType string) ([]distribution.ManifestReference, error) {
	var out []distribution.ManifestReference
	nowMs := s.nowMs()
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		rows, err := bstore.QueryTx[Manifest](tx).
			FilterNonzero(Manifest{RepositoryID: repo.ID, SubjectDigest: dgst.String(), ArtifactType: artifactType}).
			FilterFn(func(m Manifest) bool { return len(m.Bytes) > 0 }).
			SortAsc("ID").
			List()
		if err != nil {
			return err
		}
		for _, row := range rows {
			alive, err := manifestAlive(tx, row.ID, nowMs)
			if err != nil {
				return err
			}
			if alive {
				out = append(out, *row.reference())
			}
		}
		return nil
	})
	return out, err
}

// CreateManifestAndRetargetTag stores m and points tagName at it. Labels
// with handlers are applied to the new tag.
func (s *Store) CreateManifestAndRetargetTag(ctx context.Context, repo *distribution.RepositoryReference, m manifest.Manifest, tagName string) (*distribution.ManifestReference, *distribution.Tag, error) {
	pending, err := s.prepareManifest(ctx, repo, m)
	if err != nil {
		return nil, nil, err
	}

	var (
		mref *distribution.ManifestReference
		tref *distribution.Tag
	)
	nowMs := s.nowMs()
	err = s.db.Write(ctx, func(tx *bstore.Tx) error {
		row, err := s.storeManifest(tx, repo, pending, nowMs)
		if err != nil {
			return err
		}
		tag, err := retargetTag(tx, repo.ID, tagName, row, nowMs, 0)
		if err != nil {
			return err
		}
		if err := applyLabelHandlers(tx, row.ID, &tag); err != nil {
			return err
		}
		mref, tref = row.reference(), tag.reference()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.tagChanged(repo.ID)

	dcontext.GetLoggerWithFields(ctx, map[any]any{
		"repository": repo.FullName(),
		"tag":        tagName,
		"digest":     mref.Digest,
	}).Debug("manifest tagged")
	return mref, tref, nil
}

// CreateManifestWithTempTag stores m behind a hidden tag ending after
// expiry.
func (s *Store) CreateManifestWithTempTag(ctx context.Context, repo *distribution.RepositoryReference, m manifest.Manifest, expiry time.Duration) (*distribution.ManifestReference, error) {
	pending, err := s.prepareManifest(ctx, repo, m)
	if err != nil {
		return nil, err
	}

	var out *distribution.ManifestReference
	nowMs := s.nowMs()
	err = s.db.Write(ctx, func(tx *bstore.Tx) error {
		row, err := s.storeManifest(tx, repo, pending, nowMs)
		if err != nil {
			return err
		}
		if _, err := createTemporaryTag(tx, repo.ID, row, nowMs, expiry); err != nil {
			return err
		}
		out = row.reference()
		return nil
	})
	return out, err
}

// prepareManifest validates m and loads what storing it needs. A manifest
// already stored with bytes is reused without validation.
func (s *Store) prepareManifest(ctx context.Context, repo *distribution.RepositoryReference, m manifest.Manifest) (*pendingManifest, error) {
	pending := &pendingManifest{m: m}

	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		row, err := manifestRow(tx, repo.ID, m.Digest())
		if err == nil {
			pending.reuse = len(row.Bytes) > 0
			return nil
		} else if errors.Is(err, bstore.ErrAbsent) {
			return nil
		}
		return err
	})
	if err != nil || pending.reuse {
		return pending, err
	}

	r := s.Retriever(ctx, repo)
	log := dcontext.GetLoggerWithField(ctx, "digest", m.Digest())

	if !s.placeholders {
		if err := m.Validate(r); err != nil {
			return nil, err
		}
	}

	if m.IsList() {
		children, err := m.ChildManifests(r)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			cm, err := child.Load(s.opts.Sparse)
			switch {
			case err != nil && s.placeholders && errors.Is(err, manifest.ErrContentNotFound):
			case err != nil:
				return nil, err
			case cm == nil:
				log.Debugf("child %s for %q is absent", child.Digest(), child.Architecture())
			}
			pending.children = append(pending.children, childDescriptor{
				digest:    child.Digest(),
				mediaType: child.Descriptor.MediaType,
			})
		}
	}

	pending.labels, err = m.Labels(r)
	if err != nil {
		if !s.placeholders {
			return nil, err
		}
		log.WithError(err).Warn("skipping labels of proxied manifest")
	}

	if s.opts.Storage != nil && slices.Contains(m.LocalBlobDigests(), digestutil.EmptyLayerDigest) {
		if err := s.ensureEmptyLayer(ctx); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

func (s *Store) ensureEmptyLayer(ctx context.Context) error {
	locations := []string{s.opts.Storage.PreferredLocation()}
	path := storage.BlobPath(digestutil.EmptyLayerDigest)
	ok, err := s.opts.Storage.Exists(ctx, locations, path)
	if err != nil || ok {
		return err
	}
	return s.opts.Storage.PutContent(ctx, locations, path, digestutil.EmptyLayerBytes)
}

// storeManifest writes the manifest row with its blob, child, label and
// legacy image rows. An existing row is reused; a placeholder is filled in
// place.
func (s *Store) storeManifest(tx *bstore.Tx, repo *distribution.RepositoryReference, pending *pendingManifest, nowMs int64) (Manifest, error) {
	m := pending.m
	row, err := manifestRow(tx, repo.ID, m.Digest())
	switch {
	case err == nil && len(row.Bytes) > 0:
		return row, nil
	case err != nil && !errors.Is(err, bstore.ErrAbsent):
		return Manifest{}, err
	}

	row.RepositoryID = repo.ID
	row.Digest = m.Digest().String()
	row.MediaType = m.MediaType()
	row.ConfigMediaType = m.ConfigMediaType()
	row.Bytes = m.Bytes()
	row.LayersSize, row.LayersSizeKnown = m.LayersCompressedSize()
	row.ArtifactType = m.ArtifactType()
	if subject := m.Subject(); subject != nil {
		row.SubjectDigest = subject.Digest.String()
	}
	if row.ID == 0 {
		err = tx.Insert(&row)
	} else {
		err = tx.Update(&row)
	}
	if err != nil {
		return Manifest{}, err
	}

	blobIDs := map[digest.Digest]int64{}
	for _, d := range m.LocalBlobDigests() {
		b, err := s.manifestBlob(tx, repo.ID, d)
		if err != nil {
			return Manifest{}, err
		}
		blobIDs[d] = b.ID
		if err := linkManifestBlob(tx, repo.ID, row.ID, b.ID); err != nil {
			return Manifest{}, err
		}
	}

	for _, child := range pending.children {
		if err := linkChild(tx, repo.ID, row.ID, child, nowMs); err != nil {
			return Manifest{}, err
		}
	}

	if err := attachLabels(tx, repo.ID, row.ID, pending.labels, m.MediaType()); err != nil {
		return Manifest{}, err
	}

	if sm, ok := m.(*schema1.SignedManifest); ok {
		if err := storeLegacyImages(tx, repo.ID, row.ID, sm, blobIDs); err != nil {
			return Manifest{}, err
		}
	}
	return row, nil
}

// manifestBlob finds the blob a manifest in repositoryID references as
// dgst. Pull-through stores record blobs they have not fetched yet.
func (s *Store) manifestBlob(tx *bstore.Tx, repositoryID int64, dgst digest.Digest) (Blob, error) {
	b, err := repoBlob(tx, repositoryID, dgst, s.placeholders)
	if err == nil || !errors.Is(err, bstore.ErrAbsent) {
		return b, err
	}

	switch {
	case dgst == digestutil.EmptyLayerDigest && s.opts.Storage != nil:
		b = Blob{
			Digest:         dgst.String(),
			CompressedSize: int64(len(digestutil.EmptyLayerBytes)),
			Locations:      []string{s.opts.Storage.PreferredLocation()},
		}
	case s.placeholders:
		shared, err := first(bstore.QueryTx[Blob](tx).
			FilterNonzero(Blob{Digest: dgst.String()}).
			FilterEqual("Uploading", false))
		if err == nil {
			return shared, nil
		} else if !errors.Is(err, bstore.ErrAbsent) {
			return Blob{}, err
		}
		b = Blob{Digest: dgst.String(), Uploading: true}
	default:
		return Blob{}, distribution.ErrManifestBlobUnknown{Digest: dgst}
	}
	b.Created = s.now()
	return b, tx.Insert(&b)
}

func linkManifestBlob(tx *bstore.Tx, repositoryID, manifestID, blobID int64) error {
	exists, err := bstore.QueryTx[ManifestBlob](tx).FilterNonzero(ManifestBlob{ManifestID: manifestID, BlobID: blobID}).Exists()
	if err != nil || exists {
		return err
	}
	return tx.Insert(&ManifestBlob{RepositoryID: repositoryID, ManifestID: manifestID, BlobID: blobID})
}

// linkChild links a list to its child, creating the child as a pinned
// placeholder when the repository does not have it.
func linkChild(tx *bstore.Tx, repositoryID, manifestID int64, child childDescriptor, nowMs int64) error {
	row, err := manifestRow(tx, repositoryID, child.digest)
	if errors.Is(err, bstore.ErrAbsent) {
		row = Manifest{
			RepositoryID: repositoryID,
			Digest:       child.digest.String(),
			MediaType:    child.mediaType,
		}
		if err := tx.Insert(&row); err != nil {
			return err
		}
		if _, err := createTemporaryTag(tx, repositoryID, row, nowMs, placeholderTagExpiry); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	exists, err := bstore.QueryTx[ManifestChild](tx).FilterNonzero(ManifestChild{ManifestID: manifestID, ChildManifestID: row.ID}).Exists()
	if err != nil || exists {
		return err
	}
	return tx.Insert(&ManifestChild{RepositoryID: repositoryID, ManifestID: manifestID, ChildManifestID: row.ID})
}

// storeLegacyImages records the v1 id of every layer of a schema 1
// manifest. Ids that collide with stored images of other content are
// replaced by generated ones.
func storeLegacyImages(tx *bstore.Tx, repositoryID, manifestID int64, sm *schema1.SignedManifest, blobIDs map[digest.Digest]int64) error {
	images, err := bstore.QueryTx[LegacyImage](tx).FilterNonzero(LegacyImage{RepositoryID: repositoryID}).List()
	if err != nil {
		return err
	}
	byID := make(map[string]LegacyImage, len(images))
	stored := make(map[string]digest.Digest, len(images))
	for _, img := range images {
		b := Blob{ID: img.BlobID}
		if err := tx.Get(&b); err != nil {
			return fmt.Errorf("legacy image %s: %w", img.DockerImageID, err)
		}
		byID[img.DockerImageID] = img
		stored[img.DockerImageID] = digest.Digest(b.Digest)
	}

	layers, _, err := sm.GenerateLegacyLayers(stored)
	if err != nil {
		return manifest.Wrap(manifest.InvalidManifest, err, "generating legacy image ids")
	}
	for _, l := range layers {
		img, ok := byID[l.ID]
		if !ok {
			img = LegacyImage{
				RepositoryID:  repositoryID,
				DockerImageID: l.ID,
				ParentID:      l.ParentID,
				BlobID:        blobIDs[l.BlobSum],
				V1Metadata:    l.V1Compatibility,
			}
			if err := tx.Insert(&img); err != nil {
				return err
			}
			byID[l.ID] = img
		}
		exists, err := bstore.QueryTx[ManifestLegacyImage](tx).FilterNonzero(ManifestLegacyImage{ManifestID: manifestID, ImageID: img.ID}).Exists()
		if err != nil {
			return err
		}
		if !exists {
			if err := tx.Insert(&ManifestLegacyImage{RepositoryID: repositoryID, ManifestID: manifestID, ImageID: img.ID}); err != nil {
				return err
			}
		}
	}
	return nil
}

// LegacyImageIDs maps the v1 ids recorded for m to their blob digests.
func (s *Store) LegacyImageIDs(ctx context.Context, m *distribution.ManifestReference) (map[string]digest.Digest, error) {
	out := map[string]digest.Digest{}
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		links, err := bstore.QueryTx[ManifestLegacyImage](tx).FilterNonzero(ManifestLegacyImage{ManifestID: m.ID}).List()
		if err != nil {
			return err
		}
		for _, link := range links {
			img := LegacyImage{ID: link.ImageID}
			if err := tx.Get(&img); err != nil {
				return err
			}
			b := Blob{ID: img.BlobID}
			if err := tx.Get(&b); err != nil {
				return err
			}
			out[img.DockerImageID] = digest.Digest(b.Digest)
		}
		return nil
	})
	return out, err
}
