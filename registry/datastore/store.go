// Package datastore implements the registry data model on a bstore
// database: namespaces, repositories, manifests and their blob, child and
// label edges, tag history, blobs and upload sessions. It also runs the
// per-repository garbage collection that releases unreferenced rows and
// backend files.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/manifest"
	"github.com/quay/distribution/registry/storage"
	"github.com/quay/distribution/registry/storage/cache"
)

// Options configures a Store.
type Options struct {
	// Storage holds blob bytes. Blob content is unreadable through the
	// store's retriever and GC leaves backend files alone when it is nil.
	Storage *storage.DistributedStorage

	Cache     cache.Provider
	CacheKeys cache.Keys

	// Sparse controls which children of a pushed list may be missing.
	Sparse manifest.SparsePolicy

	// OnTagChange is called after a tag has been ended or retargeted, with
	// the repository that may now hold garbage.
	OnTagChange func(repositoryID int64)

	// Clock overrides time.Now.
	Clock func() time.Time
}

// Store is the bstore backed registry model.
type Store struct {
	db    *bstore.DB
	opts  Options
	hooks *gcHooks
	blobs *blobLocks

	// placeholders makes manifest creation record missing list children and
	// blobs as placeholders instead of failing.
	placeholders bool
}

var _ distribution.RegistryModel = (*Store)(nil)

// Open opens or creates the database at path.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0600}, tables...)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.CacheKeys == (cache.Keys{}) {
		opts.CacheKeys = cache.DefaultKeys
	}
	return &Store{db: db, opts: opts, hooks: &gcHooks{}, blobs: &blobLocks{}}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithPlaceholders returns a view of the store that records missing list
// children and missing blobs as placeholders when creating manifests, as a
// pull-through cache does for content it has not fetched yet.
func (s *Store) WithPlaceholders() *Store {
	c := *s
	c.placeholders = true
	return &c
}

// Storage returns the blob storage the store was opened with.
func (s *Store) Storage() *storage.DistributedStorage {
	return s.opts.Storage
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Read(ctx, func(tx *bstore.Tx) error {
		_, err := bstore.QueryTx[Namespace](tx).Limit(1).List()
		return err
	})
}

// first returns the first row q selects, or bstore.ErrAbsent.
func first[T any](q *bstore.Query[T]) (T, error) {
	var zero T
	rows, err := q.Limit(1).List()
	if err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		return zero, bstore.ErrAbsent
	}
	return rows[0], nil
}

func (s *Store) now() time.Time {
	return s.opts.Clock()
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

func (s *Store) tagChanged(repositoryID int64) {
	if s.opts.OnTagChange != nil {
		s.opts.OnTagChange(repositoryID)
	}
}

// EnsureNamespace creates the namespace or updates its policy, including its
// proxy cache configuration.
func (s *Store) EnsureNamespace(ctx context.Context, ns distribution.Namespace) (*distribution.Namespace, error) {
	if ns.Name == "" {
		return nil, errors.New("namespace name is required")
	}

	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		row, err := bstore.QueryTx[Namespace](tx).FilterNonzero(Namespace{Name: ns.Name}).Get()
		if errors.Is(err, bstore.ErrAbsent) {
			row = Namespace{Name: ns.Name}
		} else if err != nil {
			return err
		}

		row.Disabled = ns.Disabled
		row.RemovedTagExpirationS = int64(ns.RemovedTagExpiration / time.Second)
		row.GeoBlockedCountries = append([]string(nil), ns.GeoBlockedCountries...)
		row.QuotaBytes = ns.QuotaBytes
		if row.ID == 0 {
			err = tx.Insert(&row)
		} else {
			err = tx.Update(&row)
		}
		if err != nil {
			return err
		}

		pc, err := bstore.QueryTx[ProxyCache](tx).FilterNonzero(ProxyCache{NamespaceID: row.ID}).Get()
		switch {
		case errors.Is(err, bstore.ErrAbsent):
			if ns.ProxyCache == nil {
				return nil
			}
			pc = ProxyCache{NamespaceID: row.ID}
		case err != nil:
			return err
		case ns.ProxyCache == nil:
			return tx.Delete(&pc)
		}

		pc.UpstreamRegistry = ns.ProxyCache.UpstreamRegistry
		pc.Username = ns.ProxyCache.Username
		pc.Password = ns.ProxyCache.Password
		pc.ExpirationS = int64(ns.ProxyCache.Expiration / time.Second)
		pc.Insecure = ns.ProxyCache.Insecure
		if pc.ID == 0 {
			return tx.Insert(&pc)
		}
		return tx.Update(&pc)
	})
	if err != nil {
		return nil, err
	}
	return s.LookupNamespace(ctx, ns.Name)
}

// LookupNamespace returns the namespace called name.
func (s *Store) LookupNamespace(ctx context.Context, name string) (*distribution.Namespace, error) {
	var out *distribution.Namespace
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		row, err := bstore.QueryTx[Namespace](tx).FilterNonzero(Namespace{Name: name}).Get()
		if errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrNamespaceUnknown
		} else if err != nil {
			return err
		}
		out, err = namespaceReference(tx, row)
		return err
	})
	return out, err
}

func namespaceReference(tx *bstore.Tx, row Namespace) (*distribution.Namespace, error) {
	ns := &distribution.Namespace{
		ID:                   row.ID,
		Name:                 row.Name,
		Disabled:             row.Disabled,
		RemovedTagExpiration: time.Duration(row.RemovedTagExpirationS) * time.Second,
		GeoBlockedCountries:  append([]string(nil), row.GeoBlockedCountries...),
		QuotaBytes:           row.QuotaBytes,
	}
	pc, err := bstore.QueryTx[ProxyCache](tx).FilterNonzero(ProxyCache{NamespaceID: row.ID}).Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return ns, nil
	} else if err != nil {
		return nil, err
	}
	ns.ProxyCache = &distribution.ProxyCacheConfig{
		Namespace:        row.Name,
		UpstreamRegistry: pc.UpstreamRegistry,
		Username:         pc.Username,
		Password:         pc.Password,
		Expiration:       time.Duration(pc.ExpirationS) * time.Second,
		Insecure:         pc.Insecure,
	}
	return ns, nil
}

// LookupRepository returns the repository namespace/name.
func (s *Store) LookupRepository(ctx context.Context, namespace, name string) (*distribution.RepositoryReference, error) {
	var out *distribution.RepositoryReference
	err := s.db.Read(ctx, func(tx *bstore.Tx) (err error) {
		out, err = lookupRepository(tx, namespace, name)
		return err
	})
	return out, err
}

func lookupRepository(tx *bstore.Tx, namespace, name string) (*distribution.RepositoryReference, error) {
	ns, err := bstore.QueryTx[Namespace](tx).FilterNonzero(Namespace{Name: namespace}).Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return nil, distribution.ErrRepositoryUnknown
	} else if err != nil {
		return nil, err
	}
	repo, err := bstore.QueryTx[Repository](tx).FilterNonzero(Repository{NamespaceID: ns.ID, Name: name}).Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return nil, distribution.ErrRepositoryUnknown
	} else if err != nil {
		return nil, err
	}
	return repo.reference(ns.Name), nil
}

func repositoryByID(tx *bstore.Tx, id int64) (*distribution.RepositoryReference, Namespace, error) {
	repo := Repository{ID: id}
	if err := tx.Get(&repo); errors.Is(err, bstore.ErrAbsent) {
		return nil, Namespace{}, distribution.ErrRepositoryUnknown
	} else if err != nil {
		return nil, Namespace{}, err
	}
	ns := Namespace{ID: repo.NamespaceID}
	if err := tx.Get(&ns); err != nil {
		return nil, Namespace{}, err
	}
	return repo.reference(ns.Name), ns, nil
}

// RepositoryByID returns the repository with the given row id.
func (s *Store) RepositoryByID(ctx context.Context, id int64) (*distribution.RepositoryReference, error) {
	var out *distribution.RepositoryReference
	err := s.db.Read(ctx, func(tx *bstore.Tx) (err error) {
		out, _, err = repositoryByID(tx, id)
		return err
	})
	return out, err
}

// CreateRepository creates namespace/name. The namespace must exist. An
// existing repository is returned unchanged.
func (s *Store) CreateRepository(ctx context.Context, namespace, name, creator string, visibility distribution.Visibility, kind distribution.RepositoryKind) (*distribution.RepositoryReference, error) {
	if kind == "" {
		kind = distribution.RepositoryKindImage
	}
	if visibility == "" {
		visibility = distribution.VisibilityPrivate
	}

	var out *distribution.RepositoryReference
	err := s.db.Write(ctx, func(tx *bstore.Tx) error {
		ns, err := bstore.QueryTx[Namespace](tx).FilterNonzero(Namespace{Name: namespace}).Get()
		if errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrNamespaceUnknown
		} else if err != nil {
			return err
		}

		existing, err := bstore.QueryTx[Repository](tx).FilterNonzero(Repository{NamespaceID: ns.ID, Name: name}).Get()
		if err == nil {
			out = existing.reference(ns.Name)
			return nil
		} else if !errors.Is(err, bstore.ErrAbsent) {
			return err
		}

		repo := Repository{
			NamespaceID: ns.ID,
			Name:        name,
			Visibility:  string(visibility),
			Kind:        string(kind),
			Creator:     creator,
			Created:     s.now(),
		}
		if err := tx.Insert(&repo); err != nil {
			return err
		}
		out = repo.reference(ns.Name)
		return nil
	})
	if err == nil {
		dcontext.GetLoggerWithFields(ctx, map[any]any{
			"repository": out.FullName(),
			"creator":    creator,
		}).Debug("repository ready")
	}
	return out, err
}

// SetRepositoryState changes which writes a repository accepts.
func (s *Store) SetRepositoryState(ctx context.Context, repo *distribution.RepositoryReference, state distribution.RepositoryState, mirrorRobot string) error {
	return s.db.Write(ctx, func(tx *bstore.Tx) error {
		row := Repository{ID: repo.ID}
		if err := tx.Get(&row); errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrRepositoryUnknown
		} else if err != nil {
			return err
		}
		row.State = int(state)
		row.MirrorRobot = mirrorRobot
		return tx.Update(&row)
	})
}

// SetRepositoryVisibility changes whether a repository is public.
func (s *Store) SetRepositoryVisibility(ctx context.Context, repo *distribution.RepositoryReference, visibility distribution.Visibility) error {
	return s.db.Write(ctx, func(tx *bstore.Tx) error {
		row := Repository{ID: repo.ID}
		if err := tx.Get(&row); errors.Is(err, bstore.ErrAbsent) {
			return distribution.ErrRepositoryUnknown
		} else if err != nil {
			return err
		}
		row.Visibility = string(visibility)
		return tx.Update(&row)
	})
}

// ListRepositories returns up to n full repository names sorted after last
// for which filter returns true.
func (s *Store) ListRepositories(ctx context.Context, last string, n int, filter func(*distribution.RepositoryReference) bool) ([]string, bool, error) {
	var refs []*distribution.RepositoryReference
	err := s.db.Read(ctx, func(tx *bstore.Tx) error {
		namespaces := map[int64]string{}
		err := bstore.QueryTx[Namespace](tx).ForEach(func(ns Namespace) error {
			namespaces[ns.ID] = ns.Name
			return nil
		})
		if err != nil {
			return err
		}
		return bstore.QueryTx[Repository](tx).ForEach(func(r Repository) error {
			ref := r.reference(namespaces[r.NamespaceID])
			if ref.FullName() > last {
				refs = append(refs, ref)
			}
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}

	sort.Slice(refs, func(i, j int) bool {
		return strings.Compare(refs[i].FullName(), refs[j].FullName()) < 0
	})

	var names []string
	for _, ref := range refs {
		if filter != nil && !filter(ref) {
			continue
		}
		if n > 0 && len(names) == n {
			return names, true, nil
		}
		names = append(names, ref.FullName())
	}
	return names, false, nil
}
