package digestutil

import (
	"bytes"
	"encoding/json"
)

// CanonicalJSON encodes v with object keys sorted, no insignificant
// whitespace and HTML-safe escapes for '<', '>' and '&'. Numbers keep their
// original textual form when v was itself decoded from JSON.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Round trip through generic values so that struct field order does
	// not leak into the output; maps are always encoded with sorted keys.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
