package token

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/auth"
)

// RepositoryLookup finds the repository a scope names.
type RepositoryLookup interface {
	LookupRepository(ctx context.Context, namespace, name string) (*distribution.RepositoryReference, error)
}

// Granter decides which of the requested actions a token carries.
type Granter struct {
	Permissions  auth.PermissionChecker
	Repositories RepositoryLookup

	// AnonymousAccess lets anonymous clients pull public repositories.
	AnonymousAccess bool

	// PublicCatalog lets anonymous clients list repositories.
	PublicCatalog bool

	// ReadOnly drops every write, as in a read-only registry.
	ReadOnly bool

	// SplitName maps a repository scope name to its namespace and
	// repository. The default splits at the first slash.
	SplitName func(name string) (namespace, repository string, err error)
}

// Grant returns one entry per requested scope holding the granted subset
// of its actions. Scopes that cannot be granted keep an empty action list.
func (g *Granter) Grant(ctx context.Context, user auth.UserInfo, requested []*ResourceActions) ([]*ResourceActions, error) {
	granted := make([]*ResourceActions, 0, len(requested))
	for _, ra := range requested {
		var (
			allowed stringSet
			err     error
		)
		switch {
		case ra.IsRepository():
			allowed, err = g.repositoryActions(ctx, user, ra.Name)
			if err != nil {
				return nil, err
			}
		case ra.IsCatalog():
			if !user.IsAnonymous() || g.PublicCatalog {
				allowed = newStringSet(ActionAll)
			}
		}

		granted = append(granted, ra.restrict(allowed))
	}
	return granted, nil
}

func (g *Granter) split(name string) (string, string, error) {
	if g.SplitName != nil {
		return g.SplitName(name)
	}
	ns, repo, ok := strings.Cut(name, "/")
	if !ok || ns == "" || repo == "" {
		return "", "", fmt.Errorf("repository name %q has no namespace", name)
	}
	return ns, repo, nil
}

func (g *Granter) repositoryActions(ctx context.Context, user auth.UserInfo, name string) (stringSet, error) {
	log := dcontext.GetLoggerWithField(ctx, "scope.name", name)
	ns, repoName, err := g.split(name)
	if err != nil {
		log.WithError(err).Debug("denying scope")
		return nil, nil
	}

	repo, err := g.Repositories.LookupRepository(ctx, ns, repoName)
	switch {
	case errors.Is(err, distribution.ErrRepositoryUnknown), errors.Is(err, distribution.ErrNamespaceUnknown):
		repo = nil
	case err != nil:
		return nil, err
	}

	allowed := newStringSet()
	perm := auth.PermissionNone
	if g.Permissions != nil {
		if perm, err = g.Permissions.Permission(ctx, user, ns, repoName); err != nil {
			return nil, err
		}
	}
	switch perm {
	case auth.PermissionAdmin:
		allowed.add(ActionPull, ActionPush, ActionAll)
	case auth.PermissionWrite:
		allowed.add(ActionPull, ActionPush)
	case auth.PermissionRead:
		allowed.add(ActionPull)
	}
	if repo != nil && repo.IsPublic() && (!user.IsAnonymous() || g.AnonymousAccess) {
		allowed.add(ActionPull)
	}

	if repo != nil {
		switch repo.State {
		case distribution.RepositoryStateReadOnly:
			delete(allowed, ActionPush)
			delete(allowed, ActionAll)
		case distribution.RepositoryStateMirror:
			delete(allowed, ActionAll)
			if user.IsAnonymous() || user.Name != repo.MirrorRobot {
				delete(allowed, ActionPush)
			} else {
				allowed.add(ActionPull, ActionPush)
			}
		}
	}
	if g.ReadOnly {
		delete(allowed, ActionPush)
		delete(allowed, ActionAll)
	}
	return allowed, nil
}
