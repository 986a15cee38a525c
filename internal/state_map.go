package internal

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Maximum number of fields a single session blob may carry. The blob is a handful of
// named control parameters, not a document store.
const MaxStateFields = 64

// StateMap is the shared control-state blob of a session: short field names mapped to
// primitive values. After a round trip through encoding/json, numbers are float64.
type StateMap map[string]any

// Validate checks that every field name is a short identifier and every value is a
// primitive (string, number or boolean). Nested objects, arrays and nulls are rejected:
// the merge endpoint is per-field last-writer-wins and cannot meaningfully merge
// structured values.
func (m StateMap) Validate() error {
	if len(m) > MaxStateFields {
		return fmt.Errorf("state has %d fields, max %d", len(m), MaxStateFields)
	}
	for k, v := range m {
		if !validFieldName(k) {
			return fmt.Errorf("invalid state field name %q", k)
		}
		switch v.(type) {
		case string, bool, float64, int, int64:
			continue
		default:
			return fmt.Errorf("state field %q has non-primitive value of type %T", k, v)
		}
	}
	return nil
}

// Merge applies partial on top of m, per key, caller's value winning unconditionally.
func (m StateMap) Merge(partial StateMap) {
	for k, v := range partial {
		m[k] = v
	}
}

// Copy returns a shallow copy. Values are primitives so a shallow copy is a deep one.
func (m StateMap) Copy() StateMap {
	c := make(StateMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// ParseStateField extracts and validates the `state` object from a request body.
// Returns an error if the field is missing or is not a JSON object.
func ParseStateField(body []byte) (StateMap, error) {
	field := gjson.GetBytes(body, "state")
	if !field.Exists() {
		return nil, fmt.Errorf("missing 'state' field")
	}
	if !field.IsObject() {
		return nil, fmt.Errorf("'state' must be an object")
	}
	var m StateMap
	if err := json.Unmarshal([]byte(field.Raw), &m); err != nil {
		return nil, fmt.Errorf("malformed 'state' field: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func validFieldName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
