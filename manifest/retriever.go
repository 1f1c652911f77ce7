package manifest

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrContentNotFound is returned by a ContentRetriever for unknown digests.
var ErrContentNotFound = errors.New("content not found")

// ContentRetriever gives parsers lazy access to the bytes a manifest refers
// to. Implementations are bound to a repository and a request.
type ContentRetriever interface {
	GetManifestBytesWithDigest(dgst digest.Digest) ([]byte, error)
	GetBlobBytesWithDigest(dgst digest.Digest) ([]byte, error)
}

// MapRetriever serves content from memory.
type MapRetriever struct {
	Manifests map[digest.Digest][]byte
	Blobs     map[digest.Digest][]byte
}

// NewMapRetriever returns an empty MapRetriever.
func NewMapRetriever() *MapRetriever {
	return &MapRetriever{
		Manifests: make(map[digest.Digest][]byte),
		Blobs:     make(map[digest.Digest][]byte),
	}
}

// AddManifest stores a manifest under its digest.
func (r *MapRetriever) AddManifest(m Manifest) *MapRetriever {
	r.Manifests[m.Digest()] = m.Bytes()
	return r
}

// AddBlob stores p under its sha256 digest and returns the digest.
func (r *MapRetriever) AddBlob(p []byte) digest.Digest {
	d := digest.FromBytes(p)
	r.Blobs[d] = p
	return d
}

func (r *MapRetriever) GetManifestBytesWithDigest(dgst digest.Digest) ([]byte, error) {
	b, ok := r.Manifests[dgst]
	if !ok {
		return nil, fmt.Errorf("manifest %s: %w", dgst, ErrContentNotFound)
	}
	return b, nil
}

func (r *MapRetriever) GetBlobBytesWithDigest(dgst digest.Digest) ([]byte, error) {
	b, ok := r.Blobs[dgst]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", dgst, ErrContentNotFound)
	}
	return b, nil
}
