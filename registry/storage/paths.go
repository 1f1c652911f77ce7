package storage

import (
	"strconv"

	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution/digestutil"
	storagedriver "github.com/quay/distribution/registry/storage/driver"
)

// The backend layout is:
//
//	/blobs/<algorithm>/<first two hex>/<hex>
//		content addressable blob data, shared by every repository
//	/uploads/<upload id>/chunk-<n>
//		chunks of an in-progress upload session, removed on commit or cancel
//
// Upload paths are opaque to clients. Which chunks make up a session, and
// their offsets, is recorded in the session's storage metadata rather than
// derived from a listing.

const uploadsRoot = "/uploads"

// BlobPath returns the content addressable path of the blob with digest
// dgst.
func BlobPath(dgst digest.Digest) string {
	return "/blobs/" + digestutil.ContentPath(dgst)
}

// UploadsRoot returns the directory holding every upload session.
func UploadsRoot() string {
	return uploadsRoot
}

func uploadPath(uploadID string) string {
	return storagedriver.JoinPath(uploadsRoot, uploadID)
}

func chunkPath(uploadID string, seq int) string {
	return storagedriver.JoinPath(uploadsRoot, uploadID, "chunk-"+strconv.Itoa(seq))
}
