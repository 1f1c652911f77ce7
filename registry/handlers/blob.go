package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/api/errcode"
	"github.com/quay/distribution/registry/storage"
)

// blobDispatcher uses the request context to build a blobHandler.
func blobDispatcher(ctx *Context, r *http.Request) http.Handler {
	dgst, err := getDigest(ctx)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		})
	}

	blobHandler := &blobHandler{
		Context: ctx,
		Digest:  dgst,
	}

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(blobHandler.GetBlob),
		http.MethodHead:   http.HandlerFunc(blobHandler.GetBlob),
		http.MethodDelete: http.HandlerFunc(blobHandler.DeleteBlob),
	}
}

// blobHandler serves http blob requests.
type blobHandler struct {
	*Context

	Digest digest.Digest
}

// GetBlob fetches the binary data from backend storage returns it in the
// response.
func (bh *blobHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	log := dcontext.GetLogger(bh)
	log.Debug("GetBlob")

	if bh.Namespace != nil && bh.Namespace.IsGeoBlocked(bh.clientCountry(r)) {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeGeoBlocked.WithDetail(map[string]string{"namespace": bh.NamespaceName}))
		return
	}

	blob, err := bh.Model.GetCachedRepoBlob(bh, bh.NamespaceName, bh.RepositoryName, bh.Digest)
	if err != nil {
		if errors.Is(err, distribution.ErrBlobUnknown) {
			bh.Errors = append(bh.Errors, errcode.ErrorCodeBlobUnknown.WithDetail(bh.Digest))
			return
		}
		bh.Errors = append(bh.Errors, domainError(err))
		return
	}

	path := storage.BlobPath(blob.Digest)
	if r.Method == http.MethodGet && !bh.Config.Storage.Redirect.Disable {
		redirectURL, err := bh.storage.GetDirectDownloadURL(r, blob.Locations, path)
		if err != nil {
			log.WithError(err).Warn("error creating direct download url; serving through the registry")
		} else if redirectURL != "" {
			http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
			return
		}
	}

	w.Header().Set("Docker-Content-Digest", blob.Digest.String())
	w.Header().Set("Etag", fmt.Sprintf(`"%s"`, blob.Digest))
	w.Header().Set("Cache-Control", "max-age=31536000")
	w.Header().Set("Content-Type", "application/octet-stream")

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", fmt.Sprint(blob.CompressedSize))
		w.WriteHeader(http.StatusOK)
		return
	}

	seeker := &blobSeeker{
		ctx:       bh.Context,
		storage:   bh.storage,
		locations: blob.Locations,
		path:      path,
		size:      blob.CompressedSize,
	}
	defer seeker.Close()
	http.ServeContent(w, r, blob.Digest.String(), time.Time{}, seeker)
}

// DeleteBlob is not supported; blobs go away with the manifests that
// reference them.
func (bh *blobHandler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	bh.Errors = append(bh.Errors, errcode.ErrorCodeUnsupported)
}

// blobSeeker is a ReadSeeker over a blob in distributed storage. A seek
// reopens the backend reader at the new offset on the next read.
type blobSeeker struct {
	ctx       *Context
	storage   *storage.DistributedStorage
	locations []string
	path      string
	size      int64

	offset int64
	rc     io.ReadCloser
}

func (bs *blobSeeker) Read(p []byte) (int, error) {
	if bs.offset >= bs.size {
		return 0, io.EOF
	}
	if bs.rc == nil {
		rc, err := bs.storage.Reader(bs.ctx, bs.locations, bs.path, bs.offset)
		if err != nil {
			return 0, err
		}
		bs.rc = rc
	}
	n, err := bs.rc.Read(p)
	bs.offset += int64(n)
	return n, err
}

func (bs *blobSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = bs.offset + offset
	case io.SeekEnd:
		next = bs.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("cannot seek to negative offset %d", next)
	}
	if next != bs.offset && bs.rc != nil {
		bs.rc.Close()
		bs.rc = nil
	}
	bs.offset = next
	return next, nil
}

func (bs *blobSeeker) Close() error {
	if bs.rc == nil {
		return nil
	}
	err := bs.rc.Close()
	bs.rc = nil
	return err
}
