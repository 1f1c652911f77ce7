package schema1

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	"github.com/quay/distribution/digestutil"
)

// LegacyLayer is a layer with the v1 id the registry stores it under.
type LegacyLayer struct {
	ID       string
	ParentID string
	BlobSum  digest.Digest
	// V1Compatibility is the layer's v1 JSON, with id and parent rewritten
	// when the id changed.
	V1Compatibility string
}

// GenerateLegacyLayers assigns v1 ids to the layers, base first. storedIDs
// maps v1 ids already known to the registry to the blob they were stored
// with. A layer whose id is known with different content gets a new id
// derived from the layers so far, as does every layer above it.
func (sm *SignedManifest) GenerateLegacyLayers(storedIDs map[string]digest.Digest) ([]LegacyLayer, bool, error) {
	var (
		history   hash.Hash = sha256.New()
		rewritten bool
		updated   = make(map[string]string, len(sm.layers))
		out       = make([]LegacyLayer, 0, len(sm.layers))
	)

	for _, l := range sm.layers {
		fmt.Fprintf(history, "%s@%s|", l.BlobSum, l.Raw)

		id := l.V1.ID
		if stored, ok := storedIDs[id]; ok && stored != l.BlobSum {
			rewritten = true
		}
		if rewritten {
			id = hex.EncodeToString(history.Sum(nil))
		}
		updated[l.V1.ID] = id

		parent := l.V1.Parent
		if p, ok := updated[parent]; ok && parent != "" {
			parent = p
		}

		raw := l.Raw
		if rewritten {
			var err error
			raw, err = rewriteIDs(l.Raw, updated)
			if err != nil {
				return nil, false, err
			}
		}
		out = append(out, LegacyLayer{ID: id, ParentID: parent, BlobSum: l.BlobSum, V1Compatibility: raw})
	}
	return out, rewritten, nil
}

func rewriteIDs(raw string, updated map[string]string) (string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var parsed map[string]interface{}
	if err := dec.Decode(&parsed); err != nil {
		return "", err
	}
	if id, ok := parsed["id"].(string); ok {
		if n, ok := updated[id]; ok {
			parsed["id"] = n
		}
	}
	if parent, ok := parsed["parent"].(string); ok {
		if n, ok := updated[parent]; ok {
			parsed["parent"] = n
		}
	}
	b, err := digestutil.CanonicalJSON(parsed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RewriteInvalidImageIDs returns the manifest with colliding v1 ids
// replaced, re-signed with key. It returns the manifest itself when no id
// collides.
func (sm *SignedManifest) RewriteInvalidImageIDs(storedIDs map[string]digest.Digest, key libtrust.PrivateKey) (*SignedManifest, error) {
	layers, rewritten, err := sm.GenerateLegacyLayers(storedIDs)
	if err != nil {
		return nil, err
	}
	if !rewritten {
		return sm, nil
	}

	b := &Builder{m: Manifest{
		Versioned:    sm.doc.Versioned,
		Name:         sm.doc.Name,
		Tag:          sm.doc.Tag,
		Architecture: sm.doc.Architecture,
	}}
	for _, l := range layers {
		b.InsertLayer(l.BlobSum, l.V1Compatibility)
	}
	return b.Build(key)
}
