package imageconfig

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	"github.com/quay/distribution/manifest"
)

type rawDescriptor struct {
	MediaType string   `json:"mediaType"`
	Digest    string   `json:"digest"`
	Size      *int64   `json:"size"`
	URLs      []string `json:"urls"`
}

// LayerRules describes what an image manifest kind accepts as layers.
type LayerRules struct {
	// Allowed reports whether a layer media type is acceptable.
	Allowed func(mediaType string) bool
	// RequiresURLs reports whether a layer media type must carry urls.
	RequiresURLs func(mediaType string) bool
}

// ValidateDescriptors checks the config and layers of an image manifest
// document: every descriptor has a digest and a size, and every layer an
// acceptable media type.
func ValidateDescriptors(b []byte, rules LayerRules) error {
	var doc struct {
		Config *rawDescriptor  `json:"config"`
		Layers []rawDescriptor `json:"layers"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return manifest.Wrap(manifest.InvalidManifest, err, "malformed image manifest")
	}
	if doc.Config == nil {
		return manifest.Errorf(manifest.InvalidManifest, "image manifest has no config")
	}
	if err := checkDescriptor("config", *doc.Config); err != nil {
		return err
	}
	for i, l := range doc.Layers {
		if err := checkDescriptor("layer", l); err != nil {
			return err
		}
		if rules.Allowed != nil && !rules.Allowed(l.MediaType) {
			return manifest.Errorf(manifest.InvalidManifest, "layer %d has unsupported media type %q", i, l.MediaType)
		}
		if rules.RequiresURLs != nil && rules.RequiresURLs(l.MediaType) && len(l.URLs) == 0 {
			return manifest.Errorf(manifest.InvalidManifest, "layer %d of type %q must carry urls", i, l.MediaType)
		}
	}
	return nil
}

func checkDescriptor(what string, d rawDescriptor) error {
	if d.MediaType == "" {
		return manifest.Errorf(manifest.InvalidManifest, "%s descriptor has no mediaType", what)
	}
	if _, err := digest.Parse(d.Digest); err != nil {
		return manifest.Wrap(manifest.InvalidManifest, err, what+" descriptor digest")
	}
	if d.Size == nil || *d.Size < 0 {
		return manifest.Errorf(manifest.InvalidManifest, "%s descriptor %s has no size", what, d.Digest)
	}
	return nil
}
