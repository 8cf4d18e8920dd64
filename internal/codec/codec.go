// Package codec frames node data for storage. Structured fields are carried
// as JSON text at rest and are always decoded back to maps and slices before
// they reach the engine.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/plangraph/internal/model"
)

type shape int

const (
	shapeArray shape = iota
	shapeObject
)

// structured lists the fields framed as text, with the collection shape a
// malformed value collapses to.
var structured = map[string]shape{
	model.FieldTeamAllocations: shapeArray,
	model.FieldChildIDs:        shapeArray,
	model.FieldRoster:          shapeArray,
	model.FieldCosts:           shapeObject,
}

// IsStructured reports whether field is framed as JSON text at rest.
func IsStructured(field string) bool {
	_, ok := structured[field]
	return ok
}

// EncodeField serialises a structured value. Non-structured fields are
// returned unchanged.
func EncodeField(field string, v any) (any, error) {
	if !IsStructured(field) || v == nil {
		return v, nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", field, err)
	}
	return string(b), nil
}

// DecodeField parses a structured value. Text that is not valid JSON of the
// expected shape decodes to an empty collection; DecodeField never fails.
func DecodeField(field string, v any) any {
	sh, ok := structured[field]
	if !ok || v == nil {
		return v
	}
	switch x := v.(type) {
	case string:
		return parse(sh, []byte(x))
	case []byte:
		return parse(sh, x)
	case []any:
		if sh == shapeArray {
			return x
		}
	case map[string]any:
		if sh == shapeObject {
			return x
		}
	default:
		// Typed values (e.g. []string) are normalised through JSON.
		b, err := json.Marshal(x)
		if err == nil {
			return parse(sh, b)
		}
	}
	return empty(sh)
}

func parse(sh shape, b []byte) any {
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return empty(sh)
	}
	switch out.(type) {
	case []any:
		if sh == shapeArray {
			return out
		}
	case map[string]any:
		if sh == shapeObject {
			return out
		}
	}
	return empty(sh)
}

func empty(sh shape) any {
	if sh == shapeObject {
		return map[string]any{}
	}
	return []any{}
}

// EncodeData returns a copy of data with every structured field serialised.
func EncodeData(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		ev, err := EncodeField(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = ev
	}
	return out, nil
}

// DecodeData returns a copy of data with every structured field parsed.
func DecodeData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = DecodeField(k, v)
	}
	return out
}

// Marshal frames data into the JSON document stored in the data column.
func Marshal(data map[string]any) ([]byte, error) {
	enc, err := EncodeData(data)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(enc)
	if err != nil {
		return nil, fmt.Errorf("marshal node data: %w", err)
	}
	return b, nil
}

// Unmarshal parses a stored data document. An empty document yields an
// empty map; a document that is not a JSON object is an error.
func Unmarshal(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal node data: %w", err)
	}
	if raw == nil {
		return map[string]any{}, nil
	}
	return DecodeData(raw), nil
}
