package ociartifact

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/quay/distribution/manifest"
	"github.com/stretchr/testify/require"
)

const sbom = `{
   "mediaType": "application/vnd.oci.artifact.manifest.v1+json",
   "artifactType": "application/vnd.example.sbom.v1",
   "blobs": [
      {
         "mediaType": "application/vnd.oci.image.layer.v1.tar+gzip",
         "digest": "sha256:b093528a5eabd2ce6c954c0ecad0509f95536744c176f181c2640a8b126cdbcf",
         "size": 29876998
      }
   ],
   "subject": {
      "mediaType": "application/vnd.oci.image.manifest.v1+json",
      "digest": "sha256:f756842dc7541130d3a327a870a38aa9521233fc076d0ee2cea895c8c0a1e388",
      "size": 549
   },
   "annotations": {
      "org.example.sbom.format": "json"
   }
}`

func TestArtifactManifest(t *testing.T) {
	m, err := manifest.Parse(MediaTypeArtifactManifest, []byte(sbom))
	require.NoError(t, err)

	require.Equal(t, manifest.KindOCIArtifact, m.Kind())
	require.Equal(t, digest.FromString(sbom), m.Digest())
	require.Equal(t, "application/vnd.example.sbom.v1", m.ArtifactType())
	require.Equal(t, digest.Digest("sha256:f756842dc7541130d3a327a870a38aa9521233fc076d0ee2cea895c8c0a1e388"), m.Subject().Digest)
	require.Empty(t, m.ConfigMediaType())
	require.Equal(t, []digest.Digest{"sha256:b093528a5eabd2ce6c954c0ecad0509f95536744c176f181c2640a8b126cdbcf"}, m.LocalBlobDigests())

	size, ok := m.LayersCompressedSize()
	require.True(t, ok)
	require.EqualValues(t, 29876998, size)

	layers, err := m.GetLayers(nil)
	require.NoError(t, err)
	require.Nil(t, layers)

	labels, err := m.Labels(nil)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"org.example.sbom.format": "json"}, labels)
}

func TestArtifactManifestRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"no artifact type": `{"mediaType":"application/vnd.oci.artifact.manifest.v1+json"}`,
		"wrong media type": `{"mediaType":"application/vnd.oci.image.manifest.v1+json","artifactType":"a/b"}`,
		"blob subject":     `{"mediaType":"application/vnd.oci.artifact.manifest.v1+json","artifactType":"a/b","subject":{"digest":"sha256:f756842dc7541130d3a327a870a38aa9521233fc076d0ee2cea895c8c0a1e388","size":1}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Equal(t, manifest.InvalidManifest, manifest.KindOf(err))
		})
	}
}
