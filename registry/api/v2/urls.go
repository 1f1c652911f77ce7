package v2

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// URLBuilder creates registry API urls from a single base endpoint. It can be
// used to create urls for use in a registry client or server.
//
// All urls will be created from the given base, including the api version.
// For example, if a root of "/foo/" is provided, urls generated will be fall
// under "/foo/v2/...". Most application will only provide a schema, host and
// port, such as "https://localhost:5000/".
type URLBuilder struct {
	root     *url.URL // url root (ie http://localhost/)
	router   *mux.Router
	relative bool
}

// NewURLBuilder creates a URLBuilder with provided root url object.
func NewURLBuilder(root *url.URL, relative bool) *URLBuilder {
	return &URLBuilder{
		root:     root,
		router:   Router(),
		relative: relative,
	}
}

// NewURLBuilderFromString workes identically to NewURLBuilder except it takes
// a string argument for the root, returning an error if it is not a valid
// url.
func NewURLBuilderFromString(root string, relative bool) (*URLBuilder, error) {
	u, err := url.Parse(root)
	if err != nil {
		return nil, err
	}

	return NewURLBuilder(u, relative), nil
}

// NewURLBuilderFromRequest uses information from an *http.Request to
// construct the root url.
func NewURLBuilderFromRequest(r *http.Request, relative bool) *URLBuilder {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host

	if forwarded := r.Header.Get("Forwarded"); forwarded != "" {
		params, _, err := parseForwardedHeader(forwarded)
		if err == nil {
			if p := params["proto"]; p != "" {
				scheme = p
			}
			if h := params["host"]; h != "" {
				host = h
			}
		}
	} else {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme, _, _ = strings.Cut(proto, ",")
			scheme = strings.TrimSpace(scheme)
		}
		if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
			host, _, _ = strings.Cut(fh, ",")
			host = strings.TrimSpace(host)
		}
	}

	return NewURLBuilder(&url.URL{Scheme: scheme, Host: host}, relative)
}

// BuildBaseURL constructs a base url for the API, typically just "/v2/".
func (ub *URLBuilder) BuildBaseURL() (string, error) {
	return ub.build(RouteNameBase, nil)
}

// BuildAuthURL constructs the url of the token endpoint.
func (ub *URLBuilder) BuildAuthURL() (string, error) {
	return ub.build(RouteNameAuth, nil)
}

// BuildCatalogURL constructs a url get a catalog of repositories
func (ub *URLBuilder) BuildCatalogURL(values ...url.Values) (string, error) {
	return ub.build(RouteNameCatalog, nil, values...)
}

// BuildTagsURL constructs a url to list the tags in the named repository.
func (ub *URLBuilder) BuildTagsURL(name string, values ...url.Values) (string, error) {
	return ub.build(RouteNameTags, []string{"name", name}, values...)
}

// BuildManifestURL constructs a url for the manifest identified by name and
// reference, a tag or a digest.
func (ub *URLBuilder) BuildManifestURL(name, reference string) (string, error) {
	return ub.build(RouteNameManifest, []string{"name", name, "reference", reference})
}

// BuildBlobURL constructs the url for the blob identified by name and dgst.
func (ub *URLBuilder) BuildBlobURL(name string, dgst digest.Digest) (string, error) {
	return ub.build(RouteNameBlob, []string{"name", name, "digest", dgst.String()})
}

// BuildReferrersURL constructs the url listing the referrers of dgst.
func (ub *URLBuilder) BuildReferrersURL(name string, dgst digest.Digest, values ...url.Values) (string, error) {
	return ub.build(RouteNameReferrers, []string{"name", name, "digest", dgst.String()}, values...)
}

// BuildBlobUploadURL constructs a url to begin a blob upload in the
// repository identified by name.
func (ub *URLBuilder) BuildBlobUploadURL(name string, values ...url.Values) (string, error) {
	return ub.build(RouteNameBlobUpload, []string{"name", name}, values...)
}

// BuildBlobUploadChunkURL constructs a url for the upload identified by uuid,
// including any url values. This should generally not be used by clients, as
// this url is provided by server implementations during the blob upload
// process.
func (ub *URLBuilder) BuildBlobUploadChunkURL(name, uuid string, values ...url.Values) (string, error) {
	return ub.build(RouteNameBlobUploadChunk, []string{"name", name, "uuid", uuid}, values...)
}

func (ub *URLBuilder) build(routeName string, pairs []string, values ...url.Values) (string, error) {
	route := ub.router.GetRoute(routeName)
	if route == nil {
		return "", fmt.Errorf("unknown route %q", routeName)
	}

	routeURL, err := route.URL(pairs...)
	if err != nil {
		return "", err
	}

	if !ub.relative {
		root := *ub.root
		root.Path = strings.TrimSuffix(root.Path, "/") + routeURL.Path
		routeURL = &root
	} else if ub.root != nil && ub.root.Path != "" {
		routeURL.Path = strings.TrimSuffix(ub.root.Path, "/") + routeURL.Path
	}

	return appendValuesURL(routeURL, values...).String(), nil
}

// appendValuesURL appends the parameters to the url.
func appendValuesURL(u *url.URL, values ...url.Values) *url.URL {
	merged := u.Query()

	for _, v := range values {
		for k, vv := range v {
			merged[k] = append(merged[k], vv...)
		}
	}

	u.RawQuery = merged.Encode()
	return u
}
