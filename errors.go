package distribution

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrRepositoryUnknown is returned when a repository does not exist.
	ErrRepositoryUnknown = errors.New("repository unknown")

	// ErrNamespaceUnknown is returned when a namespace has not been created.
	ErrNamespaceUnknown = errors.New("namespace unknown")

	// ErrTagUnknown is returned when a tag does not exist or is no longer
	// active.
	ErrTagUnknown = errors.New("tag unknown")

	// ErrManifestUnknown is returned when no live manifest matches a digest.
	ErrManifestUnknown = errors.New("manifest unknown")

	// ErrBlobUnknown is returned when a blob is not linked to a repository.
	ErrBlobUnknown = errors.New("blob unknown")

	// ErrBlobUploadUnknown is returned when an upload session cannot be
	// found.
	ErrBlobUploadUnknown = errors.New("blob upload unknown")

	// ErrUnsupported is returned when an operation is not supported by the
	// model.
	ErrUnsupported = errors.New("operation unsupported")

	// ErrUpstreamUnavailable is returned by pull-through models when the
	// upstream cannot be reached and nothing usable is cached.
	ErrUpstreamUnavailable = errors.New("upstream registry unavailable")
)

// ErrManifestBlobUnknown is returned when a manifest references a blob that
// is not present in the repository.
type ErrManifestBlobUnknown struct {
	Digest digest.Digest
}

func (err ErrManifestBlobUnknown) Error() string {
	return fmt.Sprintf("unknown blob %v on manifest", err.Digest)
}

// ErrQuotaExceeded is returned when admitting a blob would take a namespace
// past its quota and pruning cannot make room.
type ErrQuotaExceeded struct {
	Namespace string
	Limit     int64
	Requested int64
}

func (err ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("quota exceeded for namespace %s: %d bytes requested, limit %d", err.Namespace, err.Requested, err.Limit)
}

// ErrRepositoryNameInvalid should be used to denote an invalid repository
// name.
type ErrRepositoryNameInvalid struct {
	Name   string
	Reason error
}

func (err ErrRepositoryNameInvalid) Error() string {
	return fmt.Sprintf("repository name %q invalid: %v", err.Name, err.Reason)
}

func (err ErrRepositoryNameInvalid) Unwrap() error { return err.Reason }
