package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/quay/distribution/registry/api/errcode"
	"github.com/quay/distribution/registry/storage/cache"
)

// maximumReturnedEntries bounds a page of tags or repositories.
const maximumReturnedEntries = 100

// tagsDispatcher constructs the tags handler api endpoint.
func tagsDispatcher(ctx *Context, r *http.Request) http.Handler {
	tagsHandler := &tagsHandler{
		Context: ctx,
	}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(tagsHandler.GetTags),
	}
}

// tagsHandler handles requests for lists of tags under a repository name.
type tagsHandler struct {
	*Context
}

type tagsAPIResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// tagsPage is the cached form of one page of tag names.
type tagsPage struct {
	Names []string `json:"names"`
	More  bool     `json:"more"`
}

// GetTags returns a json list of tags for a specific image name.
func (th *tagsHandler) GetTags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := parsePageSize(q, maximumReturnedEntries, maximumReturnedEntries)
	if err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodePaginationNumberInvalid.WithDetail(map[string]string{"n": q.Get("n")}))
		return
	}
	last := q.Get("last")

	key := th.cacheKeys.RepoTags(th.NamespaceName, th.RepositoryName, last, n)
	page, err := cache.Retrieve(th, th.cache, key, func(ctx context.Context) (tagsPage, error) {
		names, more, err := th.Model.ListTagNames(ctx, th.Repository, last, n)
		return tagsPage{Names: names, More: more}, err
	})
	if err != nil {
		th.Errors = append(th.Errors, domainError(err))
		return
	}
	if page.Names == nil {
		page.Names = []string{}
	}

	if page.More && len(page.Names) > 0 {
		urlStr, err := createLinkEntry(r.URL.String(), n, page.Names[len(page.Names)-1])
		if err != nil {
			th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		w.Header().Set("Link", urlStr)
	}

	if err := serveJSON(w, tagsAPIResponse{
		Name: getName(th),
		Tags: page.Names,
	}); err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}
