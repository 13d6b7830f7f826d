package persistence

import "encoding/json"

// EncodeValue serializes an arbitrary Go value as JSON, matching the data
// model's requirement that Input/Output/step results be stored as opaque
// JSON (spec §3). A nil value encodes to a nil byte slice so storage
// columns can stay NULL rather than holding the literal "null".
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeValue deserializes a JSON payload back into an `any`. An empty
// payload decodes to nil.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
