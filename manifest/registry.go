package manifest

import (
	"encoding/json"
	"fmt"
	"mime"
	"sync"
)

// UnmarshalFunc parses the bytes of a manifest of one media type.
type UnmarshalFunc func(b []byte) (Manifest, error)

var (
	registryMu sync.RWMutex
	mappings   = make(map[string]UnmarshalFunc)
)

// Register makes a parser available to Parse. It panics when mediaType is
// registered twice, as kinds register from init.
func Register(mediaType string, u UnmarshalFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := mappings[mediaType]; ok {
		panic(fmt.Sprintf("manifest media type already registered: %s", mediaType))
	}
	mappings[mediaType] = u
}

// Registered returns the media types Parse understands.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(mappings))
	for mt := range mappings {
		out = append(out, mt)
	}
	return out
}

// Parse parses b as a manifest of the given media type. An empty or generic
// JSON media type makes Parse detect the kind from the document.
func Parse(mediaType string, b []byte) (Manifest, error) {
	mt := mediaType
	if mt != "" {
		if parsed, _, err := mime.ParseMediaType(mt); err == nil {
			mt = parsed
		}
	}
	if mt == "" || mt == "application/json" {
		sniffed, err := sniff(b)
		if err != nil {
			return nil, err
		}
		mt = sniffed
	}

	registryMu.RLock()
	u, ok := mappings[mt]
	registryMu.RUnlock()
	if !ok {
		return nil, Errorf(UnsupportedManifest, "unsupported manifest media type %q", mediaType)
	}
	return u(b)
}

type envelope struct {
	Versioned
	Signatures json.RawMessage `json:"signatures"`
	Manifests  json.RawMessage `json:"manifests"`
	Config     json.RawMessage `json:"config"`
}

func sniff(b []byte) (string, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return "", Wrap(InvalidManifest, err, "manifest is not valid JSON")
	}
	switch {
	case e.SchemaVersion == 1 && e.Signatures != nil:
		return MediaTypeSchema1SignedManifest, nil
	case e.SchemaVersion == 1:
		return MediaTypeSchema1Manifest, nil
	case e.MediaType != "":
		return e.MediaType, nil
	case e.SchemaVersion == 2 && e.Manifests != nil:
		return MediaTypeOCIIndex, nil
	case e.SchemaVersion == 2 && e.Config != nil:
		return MediaTypeOCIManifest, nil
	}
	return "", Errorf(UnsupportedManifest, "cannot determine manifest media type")
}
