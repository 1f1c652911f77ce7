package manifest

import (
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

func descriptorFor(d digest.Digest, arch string) v1.Descriptor {
	return v1.Descriptor{
		MediaType: MediaTypeSchema2Manifest,
		Digest:    d,
		Size:      1,
		Platform:  &v1.Platform{Architecture: arch, OS: "linux"},
	}
}
