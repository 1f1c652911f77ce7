// Package imageconfig reads Docker and OCI image configurations and derives
// the layer view and legacy v1 identities shared by schema 2 and OCI images.
package imageconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/distribution/digestutil"
	"github.com/quay/distribution/manifest"
)

const (
	// MediaTypeDockerConfig is the config media type of schema 2 images.
	MediaTypeDockerConfig = "application/vnd.docker.container.image.v1+json"
	// MediaTypeOCIConfig is the config media type of OCI images.
	MediaTypeOCIConfig = v1.MediaTypeImageConfig
)

// HistoryEntry is one entry of the config history.
type HistoryEntry struct {
	Created    string `json:"created,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	Author     string `json:"author,omitempty"`
	Comment    string `json:"comment,omitempty"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`

	raw json.RawMessage
}

// ContainerConfig is the part of the runtime configuration the registry
// reads.
type ContainerConfig struct {
	Cmd    []string          `json:"Cmd,omitempty"`
	Labels map[string]string `json:"Labels,omitempty"`
}

// Config is a parsed image configuration. Raw keeps the exact bytes.
type Config struct {
	Raw []byte `json:"-"`

	Created      string           `json:"created,omitempty"`
	Author       string           `json:"author,omitempty"`
	Architecture string           `json:"architecture,omitempty"`
	OS           string           `json:"os,omitempty"`
	Config       *ContainerConfig `json:"config,omitempty"`
	History      []HistoryEntry   `json:"history,omitempty"`
	RootFS       *struct {
		Type    string          `json:"type"`
		DiffIDs []digest.Digest `json:"diff_ids"`
	} `json:"rootfs,omitempty"`
}

// Parse decodes an image configuration.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed image config")
	}
	var raw struct {
		History []json.RawMessage `json:"history"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, manifest.Wrap(manifest.InvalidManifest, err, "malformed image config history")
	}
	for i := range cfg.History {
		cfg.History[i].raw = raw.History[i]
	}
	cfg.Raw = b
	return &cfg, nil
}

// Load fetches the config described by desc and checks its size.
func Load(r manifest.ContentRetriever, desc v1.Descriptor) (*Config, error) {
	if r == nil {
		return nil, manifest.Errorf(manifest.MissingBlob, "no content source for config %s", desc.Digest)
	}
	b, err := r.GetBlobBytesWithDigest(desc.Digest)
	if err != nil {
		if errors.Is(err, manifest.ErrContentNotFound) {
			return nil, manifest.Wrap(manifest.MissingBlob, err, "config blob "+desc.Digest.String())
		}
		return nil, err
	}
	if int64(len(b)) != desc.Size {
		return nil, manifest.Errorf(manifest.InvalidManifest, "config blob %s is %d bytes, manifest says %d",
			desc.Digest, len(b), desc.Size)
	}
	return Parse(b)
}

// Labels returns the container labels of the image.
func (c *Config) Labels() map[string]string {
	if c.Config == nil {
		return nil
	}
	return c.Config.Labels
}

// EffectiveHistory returns the history, or a synthesized one with an entry
// per layer when the config has none. Only the last synthesized entry
// carries the image's creation time, author and command.
func (c *Config) EffectiveHistory(layerCount int) []HistoryEntry {
	if len(c.History) > 0 {
		return c.History
	}
	history := make([]HistoryEntry, layerCount)
	if layerCount > 0 {
		last := &history[layerCount-1]
		last.Created = c.Created
		last.Author = c.Author
		if c.Config != nil {
			last.CreatedBy = strings.Join(c.Config.Cmd, " ")
		}
	}
	return history
}

func (h HistoryEntry) canonical() ([]byte, error) {
	if h.raw != nil {
		dec := json.NewDecoder(bytes.NewReader(h.raw))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("history entry: %w", err)
		}
		return digestutil.CanonicalJSON(v)
	}
	return digestutil.CanonicalJSON(h)
}
