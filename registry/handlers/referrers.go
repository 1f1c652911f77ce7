package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/api/errcode"
)

func referrersDispatcher(ctx *Context, r *http.Request) http.Handler {
	dgst, err := getDigest(ctx)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		})
	}

	rh := &referrersHandler{
		Context: ctx,
		Digest:  dgst,
	}
	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(rh.GetReferrers),
	}
}

type referrersHandler struct {
	*Context

	Digest digest.Digest
}

// GetReferrers returns the image index of the manifests whose subject is
// the requested digest.
func (rh *referrersHandler) GetReferrers(w http.ResponseWriter, r *http.Request) {
	if !rh.Config.FeatureReferrersAPI {
		rh.Errors = append(rh.Errors, errcode.ErrorCodeUnsupported.WithStatus(http.StatusNotFound))
		return
	}

	artifactType := r.URL.Query().Get("artifactType")
	referrers, err := rh.Model.ListReferrers(rh, rh.Repository, rh.Digest, artifactType)
	if err != nil {
		rh.Errors = append(rh.Errors, domainError(err))
		return
	}

	index := v1.Index{
		MediaType: v1.MediaTypeImageIndex,
		Manifests: []v1.Descriptor{},
	}
	index.SchemaVersion = 2
	for _, ref := range referrers {
		if ref.IsPlaceholder() {
			continue
		}
		desc := v1.Descriptor{
			MediaType:    ref.MediaType,
			Digest:       ref.Digest,
			Size:         int64(len(ref.Bytes)),
			ArtifactType: ref.ArtifactType,
		}
		if desc.ArtifactType == "" {
			desc.ArtifactType = ref.ConfigMediaType
		}
		if parsed, err := ref.Parse(); err == nil {
			if annotated, ok := parsed.(interface{ Annotations() map[string]string }); ok {
				desc.Annotations = annotated.Annotations()
			}
		}
		index.Manifests = append(index.Manifests, desc)
	}

	if artifactType != "" {
		w.Header().Set("OCI-Filters-Applied", "artifactType")
	}
	w.Header().Set("Content-Type", v1.MediaTypeImageIndex)
	if err := json.NewEncoder(w).Encode(index); err != nil {
		dcontext.GetLogger(rh).Errorf("error serving referrers: %v", err)
	}
}
