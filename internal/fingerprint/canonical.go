package fingerprint

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON encodes v as UTF-8 JSON with sorted keys at every nesting
// level and no insignificant whitespace. Integers round-trip as integers
// (decoded via json.Number rather than float64) and floats use Go's
// shortest round-tripping representation.
//
// This works by marshalling v once with the caller's own types (so custom
// MarshalJSON methods still run), then decoding the result with
// json.Number enabled and re-marshalling: encoding/json always emits
// map[string]any keys in sorted order, so the second pass is what makes
// the encoding canonical regardless of the original struct field order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json: decode: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical json: re-marshal: %w", err)
	}
	return out, nil
}
