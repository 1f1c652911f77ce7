package manifest

// Manifest media types understood by the registry.
const (
	MediaTypeSchema1Manifest       = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeSchema1SignedManifest = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	MediaTypeSchema2Manifest       = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeSchema2ManifestList   = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest           = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIIndex              = "application/vnd.oci.image.index.v1+json"
	MediaTypeOCIArtifactManifest   = "application/vnd.oci.artifact.manifest.v1+json"
)

// IsSchema1 reports whether mediaType names either schema 1 form.
func IsSchema1(mediaType string) bool {
	return mediaType == MediaTypeSchema1Manifest || mediaType == MediaTypeSchema1SignedManifest
}

// IsList reports whether mediaType names a manifest list or index.
func IsList(mediaType string) bool {
	return mediaType == MediaTypeSchema2ManifestList || mediaType == MediaTypeOCIIndex
}
