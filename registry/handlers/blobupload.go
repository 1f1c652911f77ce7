package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/api/errcode"
	"github.com/quay/distribution/registry/auth"
	"github.com/quay/distribution/registry/auth/token"
	"github.com/quay/distribution/registry/storage"
)

// blobUploadDispatcher constructs and returns the blob upload handler for the
// given request context.
func blobUploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	buh := &blobUploadHandler{
		Context: ctx,
		UUID:    getUploadUUID(ctx),
	}

	handler := handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(buh.GetUploadStatus),
		http.MethodHead: http.HandlerFunc(buh.GetUploadStatus),
	}

	if buh.UUID == "" {
		handler[http.MethodPost] = http.HandlerFunc(buh.StartBlobUpload)
		return handler
	}

	handler[http.MethodPatch] = http.HandlerFunc(buh.PatchBlobData)
	handler[http.MethodPut] = http.HandlerFunc(buh.PutBlobUploadComplete)
	handler[http.MethodDelete] = http.HandlerFunc(buh.CancelBlobUpload)

	if err := buh.ResumeBlobUpload(); err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buh.Errors = append(buh.Errors, err)
		})
	}
	return handler
}

// blobUploadHandler handles the http blob upload process.
type blobUploadHandler struct {
	*Context

	// UUID identifies the upload instance for the current request.
	UUID string

	Upload *distribution.BlobUpload
}

// ResumeBlobUpload loads the session named by the request. Sessions older
// than the upload session lifetime are treated as gone.
func (buh *blobUploadHandler) ResumeBlobUpload() error {
	if buh.Repository == nil {
		return errcode.ErrorCodeBlobUploadUnknown
	}
	upload, err := buh.store.LookupBlobUpload(buh, buh.Repository, buh.UUID)
	if err != nil {
		if errors.Is(err, distribution.ErrBlobUploadUnknown) {
			return errcode.ErrorCodeBlobUploadUnknown.WithDetail(buh.UUID)
		}
		return errcode.ErrorCodeUnknown.WithDetail(err)
	}
	if !upload.Created.IsZero() && buh.now().Sub(upload.Created) > buh.Config.UploadSessionTTL() {
		dcontext.GetLogger(buh).Infof("upload %s expired", buh.UUID)
		return errcode.ErrorCodeBlobUploadUnknown.WithDetail(buh.UUID)
	}
	buh.Upload = upload
	return nil
}

// StartBlobUpload begins the blob upload process and allocates a server-side
// upload session, optionally mounting the blob from a separate repository or
// taking the whole blob in one request.
func (buh *blobUploadHandler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	if err := buh.ensureRepository(); err != nil {
		buh.Errors = append(buh.Errors, err)
		return
	}

	fromRepo := r.FormValue("from")
	mountDigest := r.FormValue("mount")
	if mountDigest != "" && fromRepo != "" {
		blob, err := buh.mountBlob(r, fromRepo, mountDigest)
		if err != nil {
			dcontext.GetLogger(buh).WithError(err).Infof("cannot mount %s from %s; starting an upload", mountDigest, fromRepo)
		} else if blob != nil {
			if err := buh.writeBlobCreatedHeaders(w, blob.Digest); err != nil {
				buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
			return
		}
	}

	uploadID, location, metadata := buh.uploader.StartUpload(buh)
	upload, err := buh.store.CreateBlobUpload(buh, buh.Repository, uploadID, location, metadata)
	if err != nil {
		buh.Errors = append(buh.Errors, domainError(err))
		return
	}
	buh.Upload = upload

	if dgstStr := r.FormValue("digest"); dgstStr != "" {
		buh.completeUpload(w, r, dgstStr)
		return
	}

	if err := buh.blobUploadResponse(w); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// mountBlob links the blob of another repository into this one. The
// client must be able to pull the source repository. A nil blob means the
// source does not hold it.
func (buh *blobUploadHandler) mountBlob(r *http.Request, fromRepo, mountDigest string) (*distribution.Blob, error) {
	dgst, err := digest.Parse(mountDigest)
	if err != nil {
		return nil, err
	}
	if _, err := buh.accessController.Authorized(r, auth.Access{
		Resource: auth.Resource{Type: "repository", Name: fromRepo},
		Action:   token.ActionPull,
	}); err != nil {
		return nil, err
	}

	nsName, repoName, err := buh.names.SplitRepositoryName(fromRepo)
	if err != nil {
		return nil, err
	}
	source, err := buh.store.LookupRepository(buh, nsName, repoName)
	if err != nil {
		return nil, err
	}
	blob, err := buh.store.GetRepoBlobByDigest(buh, source, dgst)
	if err != nil {
		return nil, err
	}
	if err := buh.checkQuota(blob.CompressedSize); err != nil {
		return nil, err
	}
	mounted, err := buh.store.MountBlobIntoRepository(buh, blob, buh.Repository, buh.Config.BlobMountTemplinkTTL())
	if err != nil || !mounted {
		return nil, err
	}
	return blob, nil
}

// GetUploadStatus returns the status of a given upload, identified by id.
func (buh *blobUploadHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	if buh.Upload == nil {
		if err := buh.ResumeBlobUpload(); err != nil {
			buh.Errors = append(buh.Errors, err)
			return
		}
	}

	if err := buh.blobUploadResponse(w); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PatchBlobData writes data to an upload.
func (buh *blobUploadHandler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	start := buh.Upload.ByteCount
	if cr := r.Header.Get("Content-Range"); cr != "" {
		var (
			end int64
			err error
		)
		start, end, err = parseContentRange(cr)
		if err != nil {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeRangeInvalid.WithDetail(err.Error()))
			return
		}
		if cl := r.Header.Get("Content-Length"); cl != "" {
			clInt, err := strconv.ParseInt(cl, 10, 64)
			if err != nil {
				buh.Errors = append(buh.Errors, errcode.ErrorCodeSizeInvalid.WithDetail(err.Error()))
				return
			}
			if clInt != (end-start)+1 {
				buh.Errors = append(buh.Errors, errcode.ErrorCodeSizeInvalid)
				return
			}
		}
	}

	if err := buh.writeChunk(r, start); err != nil {
		buh.Errors = append(buh.Errors, err)
		return
	}

	if err := buh.blobUploadResponse(w); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// writeChunk appends the request body to the session at start and saves
// the session.
func (buh *blobUploadHandler) writeChunk(r *http.Request, start int64) error {
	if _, err := buh.uploader.WriteChunk(buh, buh.Upload, start, r.Body); err != nil {
		var rangeErr storage.ErrRangeMismatch
		switch {
		case errors.As(err, &rangeErr):
			return errcode.ErrorCodeRangeInvalid.WithDetail(rangeErr.Error())
		case errors.Is(err, storage.ErrUploadBusy):
			return errcode.ErrorCodeBlobUploadInvalid.WithDetail(err.Error())
		case clientClosed(buh.Context):
			dcontext.GetLogger(buh).Error("client disconnected during blob PATCH")
		}
		return errcode.ErrorCodeUnknown.WithDetail(err)
	}
	if err := buh.store.UpdateBlobUpload(buh, buh.Upload); err != nil {
		return domainError(err)
	}
	return nil
}

// PutBlobUploadComplete takes the final request of a blob upload. The
// request may include all the blob data or no blob data. Any data
// provided is received and verified. If successful, the blob is linked
// into the blob store and 201 Created is returned with the canonical
// url of the blob.
func (buh *blobUploadHandler) PutBlobUploadComplete(w http.ResponseWriter, r *http.Request) {
	dgstStr := r.FormValue("digest")
	if dgstStr == "" {
		// no digest? return error, but allow retry.
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail("digest missing"))
		return
	}
	buh.completeUpload(w, r, dgstStr)
}

// completeUpload writes the body of r as the final chunk and commits the
// session as the blob dgstStr.
func (buh *blobUploadHandler) completeUpload(w http.ResponseWriter, r *http.Request, dgstStr string) {
	log := dcontext.GetLogger(buh)

	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		// no digest? return error, but allow retry.
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail("digest parsing failed"))
		return
	}

	if r.ContentLength != 0 {
		if err := buh.writeChunk(r, buh.Upload.ByteCount); err != nil {
			buh.Errors = append(buh.Errors, err)
			return
		}
	}

	if err := buh.checkQuota(buh.Upload.ByteCount); err != nil {
		buh.cancel()
		buh.Errors = append(buh.Errors, domainError(err))
		return
	}

	unlock := buh.store.LockBlob(dgst)
	defer unlock()
	committed, err := buh.uploader.Commit(buh, buh.Upload, dgst)
	if err != nil {
		var mismatch storage.ErrDigestMismatch
		switch {
		case errors.As(err, &mismatch):
			buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		case errors.Is(err, storage.ErrUploadBusy):
			buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(err.Error()))
		default:
			log.WithError(err).Error("error committing upload")
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	buh.Upload.UncompressedByteCount = committed.UncompressedSize
	blob, err := buh.store.CommitBlobUpload(buh, buh.Upload, committed.Digest, buh.Config.UploadSessionTTL())
	if err != nil {
		buh.Errors = append(buh.Errors, domainError(err))
		return
	}

	if err := buh.writeBlobCreatedHeaders(w, blob.Digest); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	log.WithField("digest", blob.Digest).Infof("uploaded blob of %d bytes", blob.CompressedSize)
}

// CancelBlobUpload cancels an in-progress upload of a blob.
func (buh *blobUploadHandler) CancelBlobUpload(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	if err := buh.uploader.Cancel(buh, buh.Upload); err != nil {
		dcontext.GetLogger(buh).Errorf("error encountered canceling upload: %v", err)
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	if err := buh.store.DeleteBlobUpload(buh, buh.Upload); err != nil && !errors.Is(err, distribution.ErrBlobUploadUnknown) {
		buh.Errors = append(buh.Errors, domainError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (buh *blobUploadHandler) cancel() {
	if err := buh.uploader.Cancel(buh, buh.Upload); err != nil {
		dcontext.GetLogger(buh).WithError(err).Warnf("canceling upload %s", buh.Upload.UploadID)
	}
	if err := buh.store.DeleteBlobUpload(buh, buh.Upload); err != nil {
		dcontext.GetLogger(buh).WithError(err).Warnf("deleting upload %s", buh.Upload.UploadID)
	}
}

// checkQuota fails when adding size bytes takes the namespace past its
// quota.
func (buh *blobUploadHandler) checkQuota(size int64) error {
	if buh.Namespace == nil || buh.Namespace.QuotaBytes <= 0 {
		return nil
	}
	used, err := buh.store.NamespaceSize(buh, buh.NamespaceName)
	if err != nil {
		return err
	}
	if used+size > buh.Namespace.QuotaBytes {
		return distribution.ErrQuotaExceeded{Namespace: buh.NamespaceName, Limit: buh.Namespace.QuotaBytes, Requested: size}
	}
	return nil
}

// blobUploadResponse provides a standard request for uploading blobs and
// chunk responses. This sets the correct headers but the response status is
// left to the caller.
func (buh *blobUploadHandler) blobUploadResponse(w http.ResponseWriter) error {
	uploadURL, err := buh.urlBuilder.BuildBlobUploadChunkURL(getName(buh), buh.Upload.UploadID)
	if err != nil {
		dcontext.GetLogger(buh).Infof("error building upload url: %s", err)
		return err
	}

	endRange := buh.Upload.ByteCount
	if endRange > 0 {
		endRange = endRange - 1
	}

	w.Header().Set("Docker-Upload-UUID", buh.Upload.UploadID)
	w.Header().Set("Location", uploadURL)

	w.Header().Set("Content-Length", "0")
	w.Header().Set("Range", fmt.Sprintf("0-%d", endRange))

	return nil
}

// writeBlobCreatedHeaders writes the standard headers describing a newly
// created blob. A 201 Created is written as well as the canonical URL and
// blob digest.
func (buh *blobUploadHandler) writeBlobCreatedHeaders(w http.ResponseWriter, dgst digest.Digest) error {
	blobURL, err := buh.urlBuilder.BuildBlobURL(getName(buh), dgst)
	if err != nil {
		return err
	}

	w.Header().Set("Location", blobURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
	return nil
}
