package datastore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mjl-/bstore"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/uuid"
)

// activeTags returns the active rows named name in repo, hidden ones
// included.
func activeTags(tx *bstore.Tx, repositoryID int64, name string, nowMs int64) ([]Tag, error) {
	return bstore.QueryTx[Tag](tx).
		FilterNonzero(Tag{RepositoryID: repositoryID, Name: name}).
		FilterFn(func(t Tag) bool { return t.activeAt(nowMs) }).
		List()
}

// GetRepoTag returns the active, visible tag name in repo. Tag rows carry
// their manifest digest, so this is a single query on the
// RepositoryID+Name index.
func (s *Store) GetRepoTag(ctx context.Context, repo *distribution.RepositoryReference, name string) (*distribution.Tag, error) {
	var out *distribution.Tag
	nowMs := s.nowMs()
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		t, err := first(bstore.QueryTx[Tag](tx).
			FilterNonzero(Tag{RepositoryID: repo.ID, Name: name}).
			FilterEqual("Hidden", false).
			FilterFn(func(t Tag) bool { return t.activeAt(nowMs) }).
			SortDesc("LifetimeStartMs"))
		if errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrTagUnknown
		} else if err != nil {
			return err
		}
		out = t.reference()
		return nil
	})
	return out, err
}

// ListActiveTags pages through active, visible tags by row id.
func (s *Store) ListActiveTags(ctx context.Context, repo *distribution.RepositoryReference, startID int64, limit int) ([]distribution.Tag, int64, error) {
	var (
		out  []distribution.Tag
		next int64
	)
	nowMs := s.nowMs()
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Tag](tx).
			FilterNonzero(Tag{RepositoryID: repo.ID}).
			FilterEqual("Hidden", false).
			FilterFn(func(t Tag) bool { return t.ID >= startID && t.activeAt(nowMs) }).
			SortAsc("ID")
		if limit > 0 {
			q.Limit(limit + 1)
		}
		rows, err := q.List()
		if err != nil {
			return err
		}
		if limit > 0 && len(rows) > limit {
			next = rows[limit].ID
			rows = rows[:limit]
		}
		for _, t := range rows {
			out = append(out, *t.reference())
		}
		return nil
	})
	return out, next, err
}

// ListTagNames returns active tag names in lexical order after last.
func (s *Store) ListTagNames(ctx context.Context, repo *distribution.RepositoryReference, last string, n int) ([]string, bool, error) {
	seen := map[string]struct{}{}
	nowMs := s.nowMs()
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		return bstore.QueryTx[Tag](tx).
			FilterNonzero(Tag{RepositoryID: repo.ID}).
			FilterEqual("Hidden", false).
			FilterFn(func(t Tag) bool { return t.Name > last && t.activeAt(nowMs) }).
			ForEach(func(t Tag) error {
				seen[t.Name] = struct{}{}
				return nil
			})
	})
	if err != nil {
		return nil, false, err
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	if n > 0 && len(names) > n {
		return names[:n], true, nil
	}
	return names, false, nil
}

// ListRepositoryTagHistory lists visible tag rows, ended ones included,
// newest first. Manifests are loaded once per distinct id.
func (s *Store) ListRepositoryTagHistory(ctx context.Context, repo *distribution.RepositoryReference, page, limit int, specificTag string) ([]distribution.TagHistoryEntry, bool, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 100
	}

	var (
		out  []distribution.TagHistoryEntry
		more bool
	)
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		rows, err := bstore.QueryTx[Tag](tx).
			FilterNonzero(Tag{RepositoryID: repo.ID, Name: specificTag}).
			FilterEqual("Hidden", false).
			SortDesc("LifetimeStartMs", "ID").
			List()
		if err != nil {
			return err
		}

		start := (page - 1) * limit
		if start >= len(rows) {
			return nil
		}
		rows = rows[start:]
		if len(rows) > limit {
			rows, more = rows[:limit], true
		}

		ids := make([]int64, 0, len(rows))
		for _, t := range rows {
			ids = append(ids, t.ManifestID)
		}
		manifests := map[int64]Manifest{}
		err = bstore.QueryTx[Manifest](tx).FilterIDs(ids).ForEach(func(m Manifest) error {
			manifests[m.ID] = m
			return nil
		})
		if err != nil {
			return err
		}

		for _, t := range rows {
			m := manifests[t.ManifestID]
			out = append(out, distribution.TagHistoryEntry{
				Tag:                  *t.reference(),
				MediaType:            m.MediaType,
				LayersCompressedSize: optionalInt(m.LayersSize, m.LayersSizeKnown),
			})
		}
		return nil
	})
	return out, more, err
}

// TagNamesForManifest returns up to max names of active, visible tags
// pointing at m.
func (s *Store) TagNamesForManifest(ctx context.Context, m *distribution.ManifestReference, max int) ([]string, error) {
	var names []string
	nowMs := s.nowMs()
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		rows, err := bstore.QueryTx[Tag](tx).
			FilterNonzero(Tag{ManifestID: m.ID}).
			FilterEqual("Hidden", false).
			FilterFn(func(t Tag) bool { return t.activeAt(nowMs) }).
			SortAsc("Name").
			List()
		if err != nil {
			return err
		}
		for _, t := range rows {
			if max > 0 && len(names) == max {
				break
			}
			names = append(names, t.Name)
		}
		return nil
	})
	return names, err
}

// retargetTag ends the active rows named name and inserts a new row
// pointing at manifestID. The new row never starts before an ended row
// does.
func retargetTag(tx *bstore.Tx, repositoryID int64, name string, m Manifest, nowMs int64, expiration time.Duration) (Tag, error) {
	start := nowMs
	current, err := activeTags(tx, repositoryID, name, nowMs)
	if err != nil {
		return Tag{}, err
	}
	for _, t := range current {
		if t.Hidden {
			continue
		}
		start = max(start, t.LifetimeStartMs)
	}
	for _, t := range current {
		if t.Hidden {
			continue
		}
		t.LifetimeEndMs = start
		if err := tx.Update(&t); err != nil {
			return Tag{}, err
		}
	}

	t := Tag{
		RepositoryID:    repositoryID,
		Name:            name,
		ManifestID:      m.ID,
		ManifestDigest:  m.Digest,
		LifetimeStartMs: start,
	}
	if expiration > 0 {
		t.LifetimeEndMs = start + expiration.Milliseconds()
	}
	return t, tx.Insert(&t)
}

// createTemporaryTag pins m with a hidden tag ending after expiry.
func createTemporaryTag(tx *bstore.Tx, repositoryID int64, m Manifest, nowMs int64, expiry time.Duration) (Tag, error) {
	t := Tag{
		RepositoryID:    repositoryID,
		Name:            uuid.TemporaryTagName(),
		ManifestID:      m.ID,
		ManifestDigest:  m.Digest,
		LifetimeStartMs: nowMs,
		LifetimeEndMs:   nowMs + max(expiry.Milliseconds(), 1),
		Hidden:          true,
	}
	return t, tx.Insert(&t)
}

// RetargetTag points name at m, ending the current row.
func (s *Store) RetargetTag(ctx context.Context, repo *distribution.RepositoryReference, name string, m *distribution.ManifestReference, expiration time.Duration) (*distribution.Tag, error) {
	var out *distribution.Tag
	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		row := Manifest{ID: m.ID}
		if err := tx.Get(&row); errors.Is(err, bstore.ErrAbsent) || row.RepositoryID != repo.ID {
			return distribution.ErrManifestUnknown
		} else if err != nil {
			return err
		}
		t, err := retargetTag(tx, repo.ID, name, row, s.nowMs(), expiration)
		if err != nil {
			return err
		}
		out = t.reference()
		return nil
	})
	if err == nil {
		s.tagChanged(repo.ID)
	}
	return out, err
}

// DeleteTag ends the active row named name.
func (s *Store) DeleteTag(ctx context.Context, repo *distribution.RepositoryReference, name string) (*distribution.Tag, error) {
	var out *distribution.Tag
	nowMs := s.nowMs()
	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		current, err := activeTags(tx, repo.ID, name, nowMs)
		if err != nil {
			return err
		}
		for _, t := range current {
			if t.Hidden {
				continue
			}
			t.LifetimeEndMs = max(nowMs, t.LifetimeStartMs)
			if err := tx.Update(&t); err != nil {
				return err
			}
			out = t.reference()
		}
		if out == nil {
			return distribution.ErrTagUnknown
		}
		return nil
	})
	if err == nil {
		s.tagChanged(repo.ID)
	}
	return out, err
}

// DeleteTagsForManifest ends every active tag pointing at m, hidden ones
// included.
func (s *Store) DeleteTagsForManifest(ctx context.Context, m *distribution.ManifestReference) ([]distribution.Tag, error) {
	var out []distribution.Tag
	nowMs := s.nowMs()
	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		rows, err := bstore.QueryTx[Tag](tx).
			FilterNonzero(Tag{ManifestID: m.ID}).
			FilterFn(func(t Tag) bool { return t.activeAt(nowMs) }).
			List()
		if err != nil {
			return err
		}
		for _, t := range rows {
			t.LifetimeEndMs = max(nowMs, t.LifetimeStartMs)
			if err := tx.Update(&t); err != nil {
				return err
			}
			if !t.Hidden {
				out = append(out, *t.reference())
			}
		}
		return nil
	})
	if err == nil {
		s.tagChanged(m.RepositoryID)
	}
	return out, err
}

// RenewTagsForManifest moves the end of every active tag pointing at m, or
// at a list containing m, to expiration from now. Tags without an end are
// left alone.
func (s *Store) RenewTagsForManifest(ctx context.Context, m *distribution.ManifestReference, expiration time.Duration) (int, error) {
	var renewed int
	nowMs := s.nowMs()
	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		ids := []any{m.ID}
		err := bstore.QueryTx[ManifestChild](tx).FilterNonzero(ManifestChild{ChildManifestID: m.ID}).ForEach(func(c ManifestChild) error {
			ids = append(ids, c.ManifestID)
			return nil
		})
		if err != nil {
			return err
		}

		rows, err := bstore.QueryTx[Tag](tx).
			FilterEqual("ManifestID", ids...).
			FilterFn(func(t Tag) bool { return t.LifetimeEndMs != 0 && t.activeAt(nowMs) }).
			List()
		if err != nil {
			return err
		}
		for _, t := range rows {
			t.LifetimeEndMs = max(nowMs+expiration.Milliseconds(), t.LifetimeEndMs)
			if err := tx.Update(&t); err != nil {
				return err
			}
			renewed++
		}
		return nil
	})
	return renewed, err
}

// RenewTag moves the end of an active tag with an end to expiration from
// now. The tag is returned as stored.
func (s *Store) RenewTag(ctx context.Context, tag *distribution.Tag, expiration time.Duration) (*distribution.Tag, error) {
	var out *distribution.Tag
	nowMs := s.nowMs()
	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		row := Tag{ID: tag.ID}
		if err := tx.Get(&row); errors.Is(err, bstore.ErrAbsent) || (err == nil && !row.activeAt(nowMs)) {
			return distribution.ErrTagUnknown
		} else if err != nil {
			return err
		}
		if row.LifetimeEndMs != 0 {
			row.LifetimeEndMs = max(nowMs+expiration.Milliseconds(), row.LifetimeEndMs)
			if err := tx.Update(&row); err != nil {
				return err
			}
		}
		out = row.reference()
		return nil
	})
	return out, err
}
