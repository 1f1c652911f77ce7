package schema1

import (
	"encoding/json"

	"github.com/docker/libtrust"
)

// Sign signs the manifest with the provided private key and returns the
// pretty JWS form.
func Sign(m *Manifest, pk libtrust.PrivateKey) ([]byte, error) {
	p, err := json.MarshalIndent(m, "", "   ")
	if err != nil {
		return nil, err
	}

	js, err := libtrust.NewJSONSignature(p)
	if err != nil {
		return nil, err
	}

	if err := js.Sign(pk); err != nil {
		return nil, err
	}

	return js.PrettySignature("signatures")
}
