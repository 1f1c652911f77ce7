package digestutil

import (
	"errors"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDigest(t *testing.T) {
	sha256hex := strings.Repeat("ab", 32)
	sha512hex := strings.Repeat("cd", 64)

	for _, tc := range []struct {
		input string
		err   error
	}{
		{input: "sha256:" + sha256hex},
		{input: "sha512:" + sha512hex},
		{input: "tarsum.v1+sha256:" + sha256hex},
		{input: "sha256:" + sha256hex[:10], err: ErrDigestInvalidLength},
		{input: "sha256:" + strings.ToUpper(sha256hex), err: ErrDigestInvalidFormat},
		{input: "md5:" + sha256hex, err: ErrDigestUnsupported},
		{input: "sha256" + sha256hex, err: ErrDigestInvalidFormat},
		{input: "sha256:" + sha256hex + " ", err: ErrDigestInvalidFormat},
		{input: "", err: ErrDigestInvalidFormat},
	} {
		d, err := ParseDigest(tc.input)
		if tc.err != nil {
			require.Error(t, err, tc.input)
			assert.True(t, errors.Is(err, tc.err), "%q: got %v", tc.input, err)
			continue
		}
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.input, d.String())

		// Round trip.
		again, err := ParseDigest(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, again)
	}
}

func TestContentPath(t *testing.T) {
	hex := "a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4"
	assert.Equal(t, "sha256/a3/"+hex, ContentPath(digest.Digest("sha256:"+hex)))
	assert.Equal(t, "tarsum/v1/sha256/a3/"+hex, ContentPath(digest.Digest("tarsum.v1+sha256:"+hex)))
	assert.Equal(t, "sha256/0a/a", ContentPath(digest.Digest("sha256:a")))
}

func TestEmptyLayer(t *testing.T) {
	assert.Len(t, EmptyLayerBytes, 32)
	assert.Equal(t, EmptyLayerDigest, SHA256Bytes(EmptyLayerBytes))

	d, n, err := SHA256(strings.NewReader(string(EmptyLayerBytes)))
	require.NoError(t, err)
	assert.Equal(t, int64(32), n)
	assert.Equal(t, EmptyLayerDigest, d)
}

func TestCanonicalJSON(t *testing.T) {
	type doc struct {
		Zeta  string            `json:"zeta"`
		Alpha int               `json:"alpha"`
		Nest  map[string]string `json:"nest"`
	}

	out, err := CanonicalJSON(doc{Zeta: "<a & b>", Alpha: 3, Nest: map[string]string{"y": "1", "x": "2"}})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":3,"nest":{"x":"2","y":"1"},"zeta":"\u003ca \u0026 b\u003e"}`, string(out))

	// Idempotent when fed its own output.
	again, err := CanonicalJSON(rawJSON(out))
	require.NoError(t, err)
	assert.Equal(t, string(out), string(again))

	// Large numbers survive untouched.
	big, err := CanonicalJSON(rawJSON(`{"n": 12345678901234567890, "f": 1.50}`))
	require.NoError(t, err)
	assert.Equal(t, `{"f":1.50,"n":12345678901234567890}`, string(big))
}

type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }
