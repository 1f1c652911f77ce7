package manifest

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// SparsePolicy decides which children of a list may be absent.
type SparsePolicy struct {
	Enabled       bool
	RequiredArchs []string
}

// AllowsMissing reports whether a child for arch may be missing. Children
// without an architecture, and every child when no architectures are
// required, must be present.
func (p SparsePolicy) AllowsMissing(arch string) bool {
	if !p.Enabled || arch == "" || len(p.RequiredArchs) == 0 {
		return false
	}
	for _, required := range p.RequiredArchs {
		if required == arch {
			return false
		}
	}
	return true
}

// LazyManifest is a child of a list or index whose bytes are only fetched
// when Load is called.
type LazyManifest struct {
	Descriptor v1.Descriptor
	retriever  ContentRetriever
}

// NewLazyManifest returns a loader for the child described by desc.
func NewLazyManifest(desc v1.Descriptor, r ContentRetriever) *LazyManifest {
	return &LazyManifest{Descriptor: desc, retriever: r}
}

func (l *LazyManifest) Digest() digest.Digest { return l.Descriptor.Digest }

// Architecture returns the platform architecture declared by the parent.
func (l *LazyManifest) Architecture() string {
	if l.Descriptor.Platform == nil {
		return ""
	}
	return l.Descriptor.Platform.Architecture
}

// OS returns the platform operating system declared by the parent.
func (l *LazyManifest) OS() string {
	if l.Descriptor.Platform == nil {
		return ""
	}
	return l.Descriptor.Platform.OS
}

// Load fetches and parses the child. A missing child the policy allows to be
// absent yields (nil, nil).
func (l *LazyManifest) Load(policy SparsePolicy) (Manifest, error) {
	if l.retriever == nil {
		return nil, Errorf(InvalidManifestInList, "no content source for manifest %s", l.Descriptor.Digest)
	}
	b, err := l.retriever.GetManifestBytesWithDigest(l.Descriptor.Digest)
	if err != nil {
		if errors.Is(err, ErrContentNotFound) {
			if policy.AllowsMissing(l.Architecture()) {
				return nil, nil
			}
			return nil, Wrap(InvalidManifestInList, err, fmt.Sprintf("manifest %s for architecture %q is missing",
				l.Descriptor.Digest, l.Architecture()))
		}
		return nil, err
	}
	m, err := Parse(l.Descriptor.MediaType, b)
	if err != nil {
		return nil, Wrap(InvalidManifestInList, err, "child manifest "+l.Descriptor.Digest.String())
	}
	if m.Digest() != l.Descriptor.Digest {
		return nil, Errorf(InvalidManifestInList, "child manifest digest %s does not match descriptor %s",
			m.Digest(), l.Descriptor.Digest)
	}
	return m, nil
}
