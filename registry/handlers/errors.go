package handlers

import (
	"errors"
	"net/http"

	"github.com/quay/distribution"
	"github.com/quay/distribution/manifest"
	"github.com/quay/distribution/registry/api/errcode"
	"github.com/quay/distribution/registry/proxy"
)

// domainError maps an error of the data model onto the API error of the
// request. Errors without a mapping become UNKNOWN.
func domainError(err error) error {
	var (
		quota       distribution.ErrQuotaExceeded
		blobUnknown distribution.ErrManifestBlobUnknown
		name        distribution.ErrRepositoryNameInvalid
	)
	switch {
	case errors.As(err, &quota):
		return errcode.ErrorCodeQuotaExceeded.WithDetail(quota.Error())
	case errors.As(err, &blobUnknown):
		return errcode.ErrorCodeManifestBlobUnknown.WithDetail(blobUnknown.Digest)
	case errors.As(err, &name):
		return errcode.ErrorCodeNameInvalid.WithDetail(name.Error())
	case errors.Is(err, distribution.ErrUpstreamUnavailable):
		return errcode.ErrorCodeUpstreamError.WithDetail(err.Error())
	case errors.Is(err, distribution.ErrRepositoryUnknown), errors.Is(err, distribution.ErrNamespaceUnknown):
		return errcode.ErrorCodeNameUnknown
	case errors.Is(err, distribution.ErrManifestUnknown), errors.Is(err, distribution.ErrTagUnknown):
		return errcode.ErrorCodeManifestUnknown
	case errors.Is(err, distribution.ErrBlobUnknown), errors.Is(err, proxy.ErrNotFound):
		return errcode.ErrorCodeBlobUnknown
	case errors.Is(err, distribution.ErrBlobUploadUnknown):
		return errcode.ErrorCodeBlobUploadUnknown
	case errors.Is(err, distribution.ErrUnsupported):
		return errcode.ErrorCodeUnsupported
	}
	return errcode.ErrorCodeUnknown.WithDetail(err)
}

// manifestError maps a failure to parse, validate or store a manifest.
func manifestError(err error, sparse bool) error {
	var blobUnknown distribution.ErrManifestBlobUnknown
	if errors.As(err, &blobUnknown) {
		return errcode.ErrorCodeManifestBlobUnknown.WithDetail(blobUnknown.Digest)
	}

	switch manifest.KindOf(err) {
	case manifest.UnsupportedManifest:
		return errcode.ErrorCodeUnsupported.WithMessage(err.Error()).WithStatus(http.StatusUnsupportedMediaType)
	case manifest.MissingBlob:
		return errcode.ErrorCodeManifestBlobUnknown.WithDetail(err.Error())
	case manifest.InvalidManifestInList:
		if sparse {
			return errcode.ErrorCodeManifestInvalid.WithDetail(err.Error())
		}
		return errcode.ErrorCodeInvalidManifestInList.WithDetail(err.Error())
	case manifest.UnverifiedManifest:
		return errcode.ErrorCodeManifestUnverified.WithDetail(err.Error())
	case manifest.InvalidManifest:
		return errcode.ErrorCodeManifestInvalid.WithDetail(err.Error())
	}
	return domainError(err)
}
