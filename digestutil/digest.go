// Package digestutil holds the content-addressing primitives shared by the
// manifest parsers, the blob store and the datastore: digest parsing with
// the registry's accepted algorithms, CAS path computation, canonical JSON
// and streaming sha256 helpers.
package digestutil

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrDigestInvalidFormat is returned when the string does not look
	// like <algorithm>:<hex>.
	ErrDigestInvalidFormat = errors.New("invalid digest format")

	// ErrDigestInvalidLength is returned when the hex portion has the wrong
	// width for its algorithm.
	ErrDigestInvalidLength = errors.New("invalid digest length")

	// ErrDigestUnsupported is returned for algorithms the registry does not
	// recognize.
	ErrDigestUnsupported = errors.New("unsupported digest algorithm")
)

var (
	digestRegexp    = regexp.MustCompile(`^[A-Za-z0-9_+.-]+:[A-Fa-f0-9]+$`)
	tarsumAlgRegexp = regexp.MustCompile(`^tarsum\.v[0-9]+\+(sha256|sha512)$`)
	lowerHexRegexp  = regexp.MustCompile(`^[a-f0-9]+$`)
	multiSlash      = regexp.MustCompile(`/{2,}`)
)

var hexWidths = map[string]int{
	"sha256": 64,
	"sha512": 128,
}

// ParseDigest parses s as a digest. sha256 and sha512 digests must carry
// lowercase hex of the algorithm's width. Historical tarsum digests
// (tarsum.v1+sha256:...) are accepted with the width of their inner
// algorithm.
func ParseDigest(s string) (digest.Digest, error) {
	if !digestRegexp.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrDigestInvalidFormat, s)
	}

	alg, hex, _ := strings.Cut(s, ":")
	base := alg
	if m := tarsumAlgRegexp.FindStringSubmatch(alg); m != nil {
		base = m[1]
	}

	width, ok := hexWidths[base]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrDigestUnsupported, alg)
	}
	if len(hex) != width {
		return "", fmt.Errorf("%w: %q", ErrDigestInvalidLength, s)
	}
	if !lowerHexRegexp.MatchString(hex) {
		return "", fmt.Errorf("%w: %q", ErrDigestInvalidFormat, s)
	}

	return digest.Digest(s), nil
}

// ContentPath returns the relative storage path for d:
// <algorithm>/<first two hex>/<hex>, where '+' and '.' in the algorithm
// name become path separators.
func ContentPath(d digest.Digest) string {
	alg, hex, _ := strings.Cut(string(d), ":")
	alg = strings.NewReplacer("+", "/", ".", "/").Replace(alg)
	alg = multiSlash.ReplaceAllString(alg, "/")

	prefix := hex
	if len(prefix) < 2 {
		prefix = strings.Repeat("0", 2-len(prefix)) + prefix
	}
	return alg + "/" + prefix[:2] + "/" + hex
}

// SHA256 consumes r and returns its sha256 digest and byte count.
func SHA256(r io.Reader) (digest.Digest, int64, error) {
	digester := digest.Canonical.Digester()
	n, err := io.Copy(digester.Hash(), r)
	if err != nil {
		return "", n, err
	}
	return digester.Digest(), n, nil
}

// SHA256Bytes returns the sha256 digest of p.
func SHA256Bytes(p []byte) digest.Digest {
	sum := sha256.Sum256(p)
	return digest.NewDigestFromBytes(digest.SHA256, sum[:])
}

// EmptyLayerDigest is the digest of EmptyLayerBytes, used as the blob of
// history entries that do not produce a filesystem layer.
const EmptyLayerDigest = digest.Digest("sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4")

// EmptyLayerBytes is a gzip-compressed empty tar archive.
var EmptyLayerBytes = []byte{
	31, 139, 8, 0, 0, 9, 110, 136, 0, 255, 98, 24, 5, 163, 96, 20, 140, 88,
	0, 8, 0, 0, 255, 255, 46, 175, 181, 239, 0, 4, 0, 0,
}
