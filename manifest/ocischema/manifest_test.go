package ocischema

import (
	"testing"

	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/distribution/manifest"
	"github.com/quay/distribution/manifest/schema1"
	"github.com/stretchr/testify/require"
)

const imageConfig = `{"architecture":"amd64","os":"linux","config":{"Cmd":["/hello"],"Labels":{"from":"config"}},"history":[{"created_by":"COPY hello /"}]}`

func buildImage(t *testing.T, r *manifest.MapRetriever) *DeserializedManifest {
	t.Helper()
	cfg := r.AddBlob([]byte(imageConfig))
	m, err := NewBuilder().
		SetConfig(cfg, int64(len(imageConfig))).
		AddLayer(r.AddBlob([]byte("hello layer")), 11).
		SetAnnotation("from", "annotation").
		SetAnnotation("org.opencontainers.image.title", "hello").
		Build()
	require.NoError(t, err)
	r.AddManifest(m)
	return m
}

func TestManifest(t *testing.T) {
	r := manifest.NewMapRetriever()
	m := buildImage(t, r)

	require.Equal(t, v1.MediaTypeImageManifest, m.MediaType())
	require.True(t, m.IsImage())
	require.Equal(t, v1.MediaTypeImageConfig, m.ArtifactType())
	require.NoError(t, m.Validate(r))

	labels, err := m.Labels(r)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"from": "config", "org.opencontainers.image.title": "hello"}, labels)

	layers, err := m.GetLayers(r)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Equal(t, "COPY hello /", layers[0].Command)
}

func TestNonDistributableLayer(t *testing.T) {
	r := manifest.NewMapRetriever()
	cfg := r.AddBlob([]byte(imageConfig))
	remote := digest.FromString("remote")
	m, err := NewBuilder().
		SetConfig(cfg, int64(len(imageConfig))).
		AddDescriptor(v1.Descriptor{MediaType: MediaTypeImageLayerNonDistributableGzip, Digest: remote, Size: 10}).
		Build()
	require.NoError(t, err)

	require.Contains(t, m.BlobDigests(), remote)
	require.NotContains(t, m.LocalBlobDigests(), remote)

	layers, err := m.GetLayers(r)
	require.NoError(t, err)
	require.True(t, layers[0].IsRemote)

	sm, err := m.GetSchema1Manifest(manifest.ConvertOptions{Retriever: r})
	require.NoError(t, err)
	require.Nil(t, sm)
}

func TestArtifactTypes(t *testing.T) {
	const helmConfig = "application/vnd.cncf.helm.config.v1+json"
	const helmChart = "application/vnd.cncf.helm.chart.content.v1.tar+gzip"

	build := func() (*DeserializedManifest, error) {
		return NewBuilder().
			SetConfigDescriptor(v1.Descriptor{MediaType: helmConfig, Digest: digest.FromString("{}"), Size: 2}).
			AddDescriptor(v1.Descriptor{MediaType: helmChart, Digest: digest.FromString("chart"), Size: 5}).
			Build()
	}

	_, err := build()
	require.Equal(t, manifest.InvalidManifest, manifest.KindOf(err))

	RegisterArtifactType(helmConfig, helmChart)
	m, err := build()
	require.NoError(t, err)
	require.False(t, m.IsImage())
	require.Equal(t, helmConfig, m.ArtifactType())

	layers, err := m.GetLayers(nil)
	require.NoError(t, err)
	require.Nil(t, layers)
	require.NoError(t, m.Validate(nil))

	converted, err := m.ConvertManifest(manifest.ConvertOptions{AcceptedMediaTypes: []string{schema1.MediaTypeManifest}})
	require.NoError(t, err)
	require.Nil(t, converted)
}

func TestSubject(t *testing.T) {
	r := manifest.NewMapRetriever()
	image := buildImage(t, r)

	sig, err := NewBuilder().
		SetArtifactType("application/vnd.example.signature").
		SetConfigDescriptor(v1.Descriptor{MediaType: v1.MediaTypeImageConfig, Digest: r.AddBlob([]byte("{}")), Size: 2}).
		SetSubject(v1.Descriptor{MediaType: image.MediaType(), Digest: image.Digest(), Size: int64(len(image.Bytes()))}).
		Build()
	require.NoError(t, err)
	require.Equal(t, image.Digest(), sig.Subject().Digest)
	require.Equal(t, "application/vnd.example.signature", sig.ArtifactType())
}

func TestIndex(t *testing.T) {
	r := manifest.NewMapRetriever()
	image := buildImage(t, r)

	index, err := NewIndexBuilder().
		AddManifest(image, &v1.Platform{Architecture: "amd64", OS: "linux"}).
		Build()
	require.NoError(t, err)
	require.True(t, index.IsList())

	noMediaType := []byte(`{"schemaVersion":2,"manifests":[{"mediaType":"application/vnd.oci.image.manifest.v1+json","digest":"` +
		image.Digest().String() + `","size":1,"platform":{"architecture":"amd64","os":"linux"}}]}`)
	parsed, err := manifest.Parse("", noMediaType)
	require.NoError(t, err)
	require.Equal(t, manifest.KindOCIIndex, parsed.Kind())
	require.Equal(t, v1.MediaTypeImageIndex, parsed.MediaType())
	require.Equal(t, digest.FromBytes(noMediaType), parsed.Digest())

	child, err := index.ConvertManifest(manifest.ConvertOptions{
		AcceptedMediaTypes: []string{v1.MediaTypeImageManifest},
		Retriever:          r,
	})
	require.NoError(t, err)
	require.Equal(t, image.Digest(), child.Digest())

	pk, err := libtrust.GenerateECP256PrivateKey()
	require.NoError(t, err)
	legacy, err := index.ConvertManifest(manifest.ConvertOptions{
		AcceptedMediaTypes: []string{schema1.MediaTypeSignedManifest},
		Namespace:          "devtable",
		RepoName:           "hello",
		Retriever:          r,
		SigningKey:         pk,
	})
	require.NoError(t, err)
	require.Equal(t, manifest.KindSchema1, legacy.Kind())
}

func TestParseRejectsMixedDocuments(t *testing.T) {
	_, err := ParseIndex([]byte(`{"schemaVersion":2,"manifests":[],"layers":[]}`))
	require.Equal(t, manifest.InvalidManifest, manifest.KindOf(err))

	_, err = Parse([]byte(`{"schemaVersion":2,"manifests":[],"config":{}}`))
	require.Equal(t, manifest.InvalidManifest, manifest.KindOf(err))
}
