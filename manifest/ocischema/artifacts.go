package ocischema

import (
	"sync"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Non-distributable layer media types. Such layers are remote: clients
// fetch them from their urls.
const (
	MediaTypeImageLayerNonDistributable     = "application/vnd.oci.image.layer.nondistributable.v1.tar"
	MediaTypeImageLayerNonDistributableGzip = "application/vnd.oci.image.layer.nondistributable.v1.tar+gzip"
	MediaTypeImageLayerNonDistributableZstd = "application/vnd.oci.image.layer.nondistributable.v1.tar+zstd"
)

var (
	artifactsMu   sync.RWMutex
	configTypes   = map[string]struct{}{v1.MediaTypeImageConfig: {}}
	layerTypes    = map[string]struct{}{}
	defaultLayers = []string{
		v1.MediaTypeImageLayer,
		v1.MediaTypeImageLayerGzip,
		v1.MediaTypeImageLayerZstd,
		MediaTypeImageLayerNonDistributable,
		MediaTypeImageLayerNonDistributableGzip,
		MediaTypeImageLayerNonDistributableZstd,
	}
)

func init() {
	for _, mt := range defaultLayers {
		layerTypes[mt] = struct{}{}
	}
}

// RegisterArtifactType allows configMediaType as the config of OCI
// manifests, together with the layer types that artifact uses.
func RegisterArtifactType(configMediaType string, layerMediaTypes ...string) {
	artifactsMu.Lock()
	defer artifactsMu.Unlock()
	configTypes[configMediaType] = struct{}{}
	for _, mt := range layerMediaTypes {
		layerTypes[mt] = struct{}{}
	}
}

// AllowedConfigType reports whether an OCI manifest may use mediaType for
// its config.
func AllowedConfigType(mediaType string) bool {
	artifactsMu.RLock()
	defer artifactsMu.RUnlock()
	_, ok := configTypes[mediaType]
	return ok
}

// AllowedLayerType reports whether an OCI manifest may use mediaType for a
// layer.
func AllowedLayerType(mediaType string) bool {
	artifactsMu.RLock()
	defer artifactsMu.RUnlock()
	_, ok := layerTypes[mediaType]
	return ok
}

// IsNonDistributable reports whether layers of mediaType are remote.
func IsNonDistributable(mediaType string) bool {
	switch mediaType {
	case MediaTypeImageLayerNonDistributable, MediaTypeImageLayerNonDistributableGzip, MediaTypeImageLayerNonDistributableZstd:
		return true
	}
	return false
}
