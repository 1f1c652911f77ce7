package handlers

import (
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/api/errcode"
	"github.com/quay/distribution/registry/auth"
)

func catalogDispatcher(ctx *Context, r *http.Request) http.Handler {
	catalogHandler := &catalogHandler{
		Context: ctx,
	}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(catalogHandler.GetCatalog),
	}
}

type catalogHandler struct {
	*Context
}

type catalogAPIResponse struct {
	Repositories []string `json:"repositories"`
}

// GetCatalog lists the repositories the user may pull, in name order.
func (ch *catalogHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxEntries, err := parsePageSize(q, maximumReturnedEntries, maximumReturnedEntries)
	if err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodePaginationNumberInvalid.WithDetail(map[string]string{"n": q.Get("n")}))
		return
	}

	repos, moreEntries, err := ch.store.ListRepositories(ch, q.Get("last"), maxEntries, ch.visible)
	if err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	if repos == nil {
		repos = []string{}
	}

	// Add a link header if there are more entries to retrieve
	if moreEntries && len(repos) > 0 {
		urlStr, err := createLinkEntry(r.URL.String(), maxEntries, repos[len(repos)-1])
		if err != nil {
			ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		w.Header().Set("Link", urlStr)
	}

	if err := serveJSON(w, catalogAPIResponse{
		Repositories: repos,
	}); err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}

// visible reports whether the user may see repo in the catalog.
func (ch *catalogHandler) visible(repo *distribution.RepositoryReference) bool {
	if repo.IsPublic() && (!ch.User.IsAnonymous() || ch.Config.FeatureAnonymousAccess || ch.Config.FeaturePublicCatalog) {
		return true
	}
	if ch.User.IsAnonymous() {
		return false
	}
	perm, err := ch.permissions.Permission(ch, ch.User, repo.NamespaceName, repo.Name)
	if err != nil {
		dcontext.GetLogger(ch).WithError(err).Warnf("checking permission on %s", repo.FullName())
		return false
	}
	return perm >= auth.PermissionRead
}
