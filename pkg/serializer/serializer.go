// Package serializer defines how typed values become the bytes stored in
// the backend.
//
// The dictionary core works on raw bytes; serialization is a caller
// concern layered on top (see dict.Typed). Two implementations are
// provided: Raw for byte and string passthrough, and JSON for structured
// values.
package serializer

import (
	"encoding/json"
	"fmt"
)

// Serializer converts values to and from stored bytes.
type Serializer interface {
	// Name identifies the serializer, e.g. for object tagging.
	Name() string

	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Raw passes []byte and string values through unchanged.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) Marshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	default:
		return nil, fmt.Errorf("raw serializer supports []byte and string, got %T", v)
	}
}

func (Raw) Unmarshal(data []byte, v any) error {
	switch target := v.(type) {
	case *[]byte:
		*target = data
		return nil
	case *string:
		*target = string(data)
		return nil
	default:
		return fmt.Errorf("raw serializer supports *[]byte and *string, got %T", v)
	}
}

// JSON stores values as JSON documents.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
