package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/api/errcode"
	v2 "github.com/quay/distribution/registry/api/v2"
	"github.com/quay/distribution/registry/auth"
)

// Context should contain the request specific context for use in across
// handlers. Resources that don't need to be shared across handlers should not
// be on this object.
type Context struct {
	// App points to the application structure that created this context.
	*App
	context.Context

	// Model serves the request's namespace. It is the pull-through model
	// for reads of a proxy namespace and the datastore otherwise.
	Model distribution.RegistryModel

	// NamespaceName and RepositoryName are the split repository name of
	// the request.
	NamespaceName  string
	RepositoryName string

	// Namespace is nil until the namespace exists.
	Namespace *distribution.Namespace

	// Repository is nil for a write to a repository that does not exist
	// yet.
	Repository *distribution.RepositoryReference

	User auth.UserInfo

	// Errors is a collection of errors encountered during the request to be
	// returned to the client API. If errors are added to the collection, the
	// handler *must not* start the response via http.ResponseWriter.
	Errors errcode.Errors

	urlBuilder *v2.URLBuilder
}

// Value overrides context.Context.Value to ensure that calls are routed to
// correct context.
func (ctx *Context) Value(key interface{}) interface{} {
	return ctx.Context.Value(key)
}

// checkWrite enforces the registry, namespace and repository states on a
// request that modifies the repository.
func (ctx *Context) checkWrite() error {
	denied := func(reason string, status int) error {
		return errcode.ErrorCodeDenied.WithMessage(reason).WithStatus(status)
	}
	switch {
	case ctx.readOnly:
		return denied("registry is in read-only mode", http.StatusMethodNotAllowed)
	case ctx.Namespace != nil && ctx.Namespace.ProxyCache != nil:
		return denied("cannot push to a proxy cache namespace", http.StatusMethodNotAllowed)
	case ctx.Namespace != nil && ctx.Namespace.Disabled:
		return denied("namespace is disabled", http.StatusMethodNotAllowed)
	case ctx.Repository == nil:
		return nil
	}

	switch ctx.Repository.State {
	case distribution.RepositoryStateReadOnly:
		return denied("repository is read-only", http.StatusMethodNotAllowed)
	case distribution.RepositoryStateMirror:
		if ctx.User.Kind != auth.KindRobot || ctx.User.Name != ctx.Repository.MirrorRobot {
			return denied("repository is a mirror", http.StatusUnauthorized)
		}
	}
	return nil
}

// ensureRepository creates the repository of a push on first use. The
// namespace is created along with it.
func (ctx *Context) ensureRepository() error {
	if ctx.Repository != nil {
		return nil
	}
	if ctx.Namespace == nil {
		ns, err := ctx.store.EnsureNamespace(ctx, distribution.Namespace{Name: ctx.NamespaceName})
		if err != nil {
			return errcode.ErrorCodeUnknown.WithDetail(err)
		}
		ctx.Namespace = ns
	}

	visibility := distribution.VisibilityPublic
	if ctx.Config.CreatePrivateRepoOnPush {
		visibility = distribution.VisibilityPrivate
	}
	repo, err := ctx.store.CreateRepository(ctx, ctx.NamespaceName, ctx.RepositoryName, ctx.User.Name, visibility, distribution.RepositoryKindImage)
	if err != nil {
		return domainError(err)
	}
	dcontext.GetLoggerWithField(ctx, "repository", repo.FullName()).Info("created repository on push")
	ctx.Repository = repo
	return nil
}

// clientCountry returns the ISO code of the client's country, or "" when
// it cannot be determined.
func (ctx *Context) clientCountry(r *http.Request) string {
	if ctx.country == nil {
		return ""
	}
	ip := clientIP(r)
	if ip == nil {
		return ""
	}
	country, err := ctx.country(ip)
	if err != nil {
		dcontext.GetLogger(ctx).WithError(err).Debug("geoip lookup failed")
		return ""
	}
	return country
}

// getName extracts the name var from the context which was passed in through the mux route.
func getName(ctx context.Context) string {
	return dcontext.GetStringValue(ctx, "vars.name")
}

func getReference(ctx context.Context) string {
	return dcontext.GetStringValue(ctx, "vars.reference")
}

var errDigestNotAvailable = fmt.Errorf("digest not available in context")

func getDigest(ctx context.Context) (dgst digest.Digest, err error) {
	dgstStr := dcontext.GetStringValue(ctx, "vars.digest")

	if dgstStr == "" {
		dcontext.GetLogger(ctx).Errorf("digest not available")
		return "", errDigestNotAvailable
	}

	d, err := digest.Parse(dgstStr)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error parsing digest=%q: %v", dgstStr, err)
		return "", err
	}

	return d, nil
}

func getUploadUUID(ctx context.Context) string {
	return dcontext.GetStringValue(ctx, "vars.uuid")
}

// nameError maps a repository name that cannot be split into its error
// code.
func nameError(name string, err error) error {
	detail := map[string]string{"name": name}
	switch {
	case errors.Is(err, v2.ErrSlashRepository):
		return errcode.ErrorCodeSlashRepository.WithDetail(detail)
	case errors.Is(err, v2.ErrLibraryNamespaceDisallowed):
		return errcode.ErrorCodeDisallowedLibraryNamespace.WithDetail(detail)
	}
	return errcode.ErrorCodeNameInvalid.WithDetail(map[string]string{"name": name, "reason": err.Error()})
}
