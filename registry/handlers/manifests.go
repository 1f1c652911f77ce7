package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/manifest"
	_ "github.com/quay/distribution/manifest/manifestlist"
	_ "github.com/quay/distribution/manifest/ociartifact"
	"github.com/quay/distribution/manifest/schema1"
	_ "github.com/quay/distribution/manifest/schema2"
	"github.com/quay/distribution/registry/api/errcode"
	v2 "github.com/quay/distribution/registry/api/v2"
)

// manifestDispatcher takes the request context and builds the
// appropriate handler for handling manifest requests.
func manifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	mh := &manifestHandler{
		Context: ctx,
	}
	reference := getReference(ctx)
	if dgst, err := digest.Parse(reference); err == nil {
		mh.Digest = dgst
	} else {
		mh.Tag = reference
	}

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(mh.GetManifest),
		http.MethodHead:   http.HandlerFunc(mh.GetManifest),
		http.MethodPut:    http.HandlerFunc(mh.PutManifest),
		http.MethodDelete: http.HandlerFunc(mh.DeleteManifest),
	}
}

// manifestHandler handles http operations on image manifests.
type manifestHandler struct {
	*Context

	// One of tag or digest gets set, depending on what is present in context.
	Tag    string
	Digest digest.Digest
}

// GetManifest fetches the image manifest from the storage backend, if it exists.
func (mh *manifestHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	log := dcontext.GetLogger(mh)
	log.Debug("GetImageManifest")

	ref, err := mh.lookupManifest()
	if err != nil {
		mh.Errors = append(mh.Errors, err)
		return
	}

	mediaType, payload, dgst := ref.MediaType, ref.Bytes, ref.Digest
	accepted := acceptedMediaTypes(r)
	if needsConversion(accepted, ref.MediaType) {
		converted, err := mh.convert(ref, accepted)
		if err != nil {
			mh.Errors = append(mh.Errors, err)
			return
		}
		mediaType, payload, dgst = converted.MediaType(), converted.Bytes(), converted.Digest()
	}

	if etagMatch(r, dgst.String()) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Etag", fmt.Sprintf(`"%s"`, dgst))

	if r.Method == http.MethodHead {
		return
	}

	if _, err := w.Write(payload); err != nil {
		log.WithError(err).Error("error writing manifest")
	}
}

// lookupManifest resolves the tag or digest of the request to a manifest
// row with content.
func (mh *manifestHandler) lookupManifest() (*distribution.ManifestReference, error) {
	var (
		ref *distribution.ManifestReference
		err error
	)
	if mh.Tag != "" {
		var tag *distribution.Tag
		tag, err = mh.Model.GetRepoTag(mh, mh.Repository, mh.Tag)
		if err == nil {
			ref, err = mh.Model.GetManifestForTag(mh, tag)
		}
	} else {
		ref, err = mh.Model.LookupManifestByDigest(mh, mh.Repository, mh.Digest, false)
	}

	switch {
	case errors.Is(err, distribution.ErrTagUnknown), errors.Is(err, distribution.ErrManifestUnknown):
		return nil, errcode.ErrorCodeManifestUnknown.WithDetail(mh.reference())
	case err != nil:
		return nil, domainError(err)
	case ref.IsPlaceholder():
		return nil, errcode.ErrorCodeManifestUnknown.WithDetail(mh.reference())
	}
	return ref, nil
}

// needsConversion reports whether a client accepting accepted cannot take
// a manifest of storedType as is.
func needsConversion(accepted []string, storedType string) bool {
	if len(accepted) == 0 {
		return false
	}
	for _, mt := range accepted {
		if mt == storedType || mt == "*/*" {
			return false
		}
	}
	return true
}

func (mh *manifestHandler) convert(ref *distribution.ManifestReference, accepted []string) (manifest.Manifest, error) {
	parsed, err := ref.Parse()
	if err != nil {
		return nil, domainError(err)
	}
	converted, err := parsed.ConvertManifest(manifest.ConvertOptions{
		AcceptedMediaTypes: accepted,
		Namespace:          mh.NamespaceName,
		RepoName:           mh.RepositoryName,
		TagName:            mh.Tag,
		Retriever:          mh.Model.Retriever(mh, mh.Repository),
		SigningKey:         mh.schema1Key,
	})
	if err != nil {
		dcontext.GetLogger(mh).WithError(err).Warnf("converting %s", ref.Digest)
		return nil, errcode.ErrorCodeManifestUnknown.WithDetail(mh.reference())
	}
	if converted == nil {
		return nil, errcode.ErrorCodeManifestUnknown.WithDetail(map[string]string{
			"reference": mh.reference(),
			"reason":    "no manifest in an accepted media type",
		})
	}
	return converted, nil
}

func etagMatch(r *http.Request, etag string) bool {
	for _, headerVal := range r.Header["If-None-Match"] {
		if headerVal == etag || headerVal == fmt.Sprintf(`"%s"`, etag) { // allow quoted or unquoted
			return true
		}
	}
	return false
}

// PutManifest validates and stores a manifest in the registry.
func (mh *manifestHandler) PutManifest(w http.ResponseWriter, r *http.Request) {
	log := dcontext.GetLogger(mh)
	log.Debug("PutImageManifest")

	payload, err := copyFullPayload(mh.Context, r, maxManifestBodySize, "image manifest PUT")
	if err != nil {
		if errors.Is(err, errPayloadTooLarge) {
			mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestInvalid.WithDetail(err.Error()).WithStatus(http.StatusRequestEntityTooLarge))
			return
		}
		mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestInvalid.WithDetail(err.Error()))
		return
	}

	mediaType := r.Header.Get("Content-Type")
	mediaType, _, _ = strings.Cut(mediaType, ";")
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == manifest.MediaTypeOCIArtifactManifest && !mh.Config.FeatureGeneralOCISupport {
		mh.Errors = append(mh.Errors, errcode.ErrorCodeUnsupported.WithMessage("artifact manifests are not supported").WithStatus(http.StatusUnsupportedMediaType))
		return
	}

	m, err := manifest.Parse(mediaType, payload)
	if err != nil {
		mh.Errors = append(mh.Errors, manifestError(err, mh.Config.FeatureSparseIndex))
		return
	}

	if mh.Digest != "" && mh.Digest != m.Digest() {
		log.Errorf("payload digest does not match: %q != %q", mh.Digest, m.Digest())
		mh.Errors = append(mh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(map[string]string{
			"expected": mh.Digest.String(),
			"actual":   m.Digest().String(),
		}))
		return
	}

	if mh.Tag != "" && !v2.ValidateTagName(mh.Tag) {
		mh.Errors = append(mh.Errors, errcode.ErrorCodeTagInvalid.WithDetail(mh.Tag))
		return
	}

	if sm, ok := m.(*schema1.SignedManifest); ok {
		if err := mh.checkSchema1Names(sm); err != nil {
			mh.Errors = append(mh.Errors, err)
			return
		}
	}

	if err := mh.ensureRepository(); err != nil {
		mh.Errors = append(mh.Errors, err)
		return
	}

	var ref *distribution.ManifestReference
	if mh.Tag != "" {
		ref, _, err = mh.store.CreateManifestAndRetargetTag(mh, mh.Repository, m, mh.Tag)
	} else {
		ref, err = mh.store.CreateManifestWithTempTag(mh, mh.Repository, m, mh.Config.UploadSessionTTL())
	}
	if err != nil {
		log.WithError(err).Info("rejecting manifest")
		mh.Errors = append(mh.Errors, manifestError(err, mh.Config.FeatureSparseIndex))
		return
	}

	location, err := mh.urlBuilder.BuildManifestURL(getName(mh), ref.Digest.String())
	if err != nil {
		mh.Errors = append(mh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Location", location)
	w.Header().Set("Docker-Content-Digest", ref.Digest.String())
	if ref.SubjectDigest != "" {
		w.Header().Set("OCI-Subject", ref.SubjectDigest.String())
	}
	w.WriteHeader(http.StatusCreated)

	log.WithField("digest", ref.Digest).Infof("pushed manifest %s", mh.reference())
}

// checkSchema1Names rejects a schema 1 manifest naming another repository
// or tag than the request.
func (mh *manifestHandler) checkSchema1Names(sm *schema1.SignedManifest) error {
	namespace := sm.Namespace()
	if namespace == "" && mh.Config.FeatureLibrarySupport {
		namespace = v2.LibraryNamespace
	}
	if namespace != mh.NamespaceName || sm.RepoName() != mh.RepositoryName {
		return errcode.ErrorCodeNameInvalid.WithDetail(map[string]string{
			"name":     getName(mh),
			"manifest": sm.Name(),
		})
	}
	if mh.Tag != "" && sm.Tag() != mh.Tag {
		return errcode.ErrorCodeTagInvalid.WithDetail(map[string]string{
			"tag":      mh.Tag,
			"manifest": sm.Tag(),
		})
	}
	return nil
}

// DeleteManifest removes the tag, or every tag pointing at the digest, of
// the request. The manifest itself is left to garbage collection.
func (mh *manifestHandler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	log := dcontext.GetLogger(mh)
	log.Debug("DeleteImageManifest")

	if mh.Repository == nil {
		mh.Errors = append(mh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": getName(mh)}))
		return
	}

	if mh.Tag != "" {
		if _, err := mh.store.DeleteTag(mh, mh.Repository, mh.Tag); err != nil {
			if errors.Is(err, distribution.ErrTagUnknown) {
				mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestUnknown.WithDetail(mh.Tag))
				return
			}
			mh.Errors = append(mh.Errors, domainError(err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ref, err := mh.store.LookupManifestByDigest(mh, mh.Repository, mh.Digest, false)
	if err != nil {
		if errors.Is(err, distribution.ErrManifestUnknown) {
			mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestUnknown.WithDetail(mh.Digest))
			return
		}
		mh.Errors = append(mh.Errors, domainError(err))
		return
	}

	tags, err := mh.store.DeleteTagsForManifest(mh, ref)
	if err != nil {
		mh.Errors = append(mh.Errors, domainError(err))
		return
	}
	log.WithField("tags", len(tags)).Infof("deleted manifest %s", mh.Digest)
	w.WriteHeader(http.StatusAccepted)
}

func (mh *manifestHandler) reference() string {
	if mh.Tag != "" {
		return mh.Tag
	}
	return mh.Digest.String()
}
