package concurrency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// encodeValue copies a structured value across the worker boundary.
// nil stays nil; json.RawMessage input is validated and copied, not re-encoded.
func encodeValue(v interface{}) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(x) {
			return nil, fmt.Errorf("invalid raw JSON value")
		}
		return append(json.RawMessage(nil), x...), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

// decodeStrict decodes data into v, rejecting unknown fields and trailing data.
// Empty data decodes as JSON null.
func decodeStrict(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode into %T: %w", v, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("decode into %T: trailing data", v)
	}
	return nil
}
