package v2

import (
	"github.com/distribution/reference"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// The following are definitions of the name under which all V2 routes are
// registered. These symbols can be used to look up a route based on the name.
const (
	RouteNameBase            = "base"
	RouteNameAuth            = "auth"
	RouteNameManifest        = "manifest"
	RouteNameTags            = "tags"
	RouteNameBlob            = "blob"
	RouteNameBlobUpload      = "blob-upload"
	RouteNameBlobUploadChunk = "blob-upload-chunk"
	RouteNameReferrers       = "referrers"
	RouteNameCatalog         = "catalog"
)

var (
	nameComponent      = "{name:" + reference.NameRegexp.String() + "}"
	referenceComponent = "{reference:" + reference.TagRegexp.String() + "|" + digest.DigestRegexp.String() + "}"
	digestComponent    = "{digest:" + digest.DigestRegexp.String() + "}"
	uuidComponent      = "{uuid:[a-zA-Z0-9-_.=]+}"
)

// RouteDescriptor describes a route served by the registry.
type RouteDescriptor struct {
	// Name is the name of the route, as specified in RouteNameXXX exports.
	// These names a should be considered a unique reference for a route. If
	// the route is registered with gorilla, this is the name that will be
	// used.
	Name string

	// Path is a gorilla/mux-compatible regexp that can be used to match the
	// route. For any incoming method and path, only one route descriptor
	// should match.
	Path string

	// Entity should be a short, human-readable description of the object
	// targeted by the endpoint.
	Entity string

	// Methods lists the HTTP methods the handlers implement.
	Methods []string
}

var routeDescriptors = []RouteDescriptor{
	{Name: RouteNameBase, Path: "/v2/", Entity: "Base", Methods: []string{"GET"}},
	{Name: RouteNameAuth, Path: "/v2/auth", Entity: "Token", Methods: []string{"GET"}},
	{Name: RouteNameTags, Path: "/v2/" + nameComponent + "/tags/list", Entity: "Tags", Methods: []string{"GET"}},
	{Name: RouteNameManifest, Path: "/v2/" + nameComponent + "/manifests/" + referenceComponent, Entity: "Manifest", Methods: []string{"GET", "HEAD", "PUT", "DELETE"}},
	{Name: RouteNameBlob, Path: "/v2/" + nameComponent + "/blobs/" + digestComponent, Entity: "Blob", Methods: []string{"GET", "HEAD", "DELETE"}},
	{Name: RouteNameBlobUpload, Path: "/v2/" + nameComponent + "/blobs/uploads/", Entity: "Initiate Blob Upload", Methods: []string{"POST"}},
	{Name: RouteNameBlobUploadChunk, Path: "/v2/" + nameComponent + "/blobs/uploads/" + uuidComponent, Entity: "Blob Upload", Methods: []string{"GET", "PATCH", "PUT", "DELETE"}},
	{Name: RouteNameReferrers, Path: "/v2/" + nameComponent + "/referrers/" + digestComponent, Entity: "Referrers", Methods: []string{"GET"}},
	{Name: RouteNameCatalog, Path: "/v2/_catalog", Entity: "Catalog", Methods: []string{"GET"}},
}

// RouteDescriptors returns the routes served by the registry.
func RouteDescriptors() []RouteDescriptor {
	return append([]RouteDescriptor(nil), routeDescriptors...)
}

// Router builds a gorilla router with named routes for the various API
// methods. This can be used directly by both server implementations and
// clients.
func Router() *mux.Router {
	return RouterWithPrefix("")
}

// RouterWithPrefix builds a gorilla router with a configured prefix
// on all routes.
func RouterWithPrefix(prefix string) *mux.Router {
	rootRouter := mux.NewRouter()
	router := rootRouter
	if prefix != "" {
		router = router.PathPrefix(prefix).Subrouter()
	}

	router.StrictSlash(true)

	for _, descriptor := range routeDescriptors {
		router.Path(descriptor.Path).Name(descriptor.Name)
	}

	return rootRouter
}
