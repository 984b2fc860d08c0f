// Package sanitize normalizes client-submitted answer payloads into a bounded,
// storage-safe value shape.
package sanitize

import (
	"encoding/json"
	"sort"
	"strings"
)

// Value is a sealed interface over the shapes an answer may take.
// Only Null, String, Number, Bool, Array and Object implement it.
type Value interface {
	sanitized()
}

// Null stands for JSON null (and for an absent value).
type Null struct{}

func (Null) sanitized() {}

func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

type String string

func (String) sanitized() {}

// Number keeps the literal text of a JSON number so integers and decimals
// survive unchanged.
type Number string

func (Number) sanitized() {}

func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n), nil
}

type Bool bool

func (Bool) sanitized() {}

// Array holds scalars and nulls only.
type Array []Value

func (Array) sanitized() {}

// Object holds scalars, scalar arrays and at most one more level of objects.
// encoding/json writes map keys sorted, so the encoding is deterministic.
type Object map[string]Value

func (Object) sanitized() {}

// Placeholder is stored in place of a rejected payload.
func Placeholder() Object {
	return Object{"value": Null{}}
}

// IsPlaceholder reports whether v is exactly the placeholder value.
func IsPlaceholder(v Value) bool {
	obj, ok := v.(Object)
	if !ok || len(obj) != 1 {
		return false
	}
	_, isNull := obj["value"].(Null)
	return isNull
}

// Marshal encodes v for the storage column.
func Marshal(v Value) ([]byte, error) {
	if v == nil {
		v = Null{}
	}
	return json.Marshal(v)
}

// Text renders a stored answer for humans: scalars as-is, arrays joined with
// ", " and objects as "key: value" pairs in key order.
func Text(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	v, violations := Check(string(raw))
	if len(violations) > 0 {
		return ""
	}
	return text(v)
}

func text(v Value) string {
	switch val := v.(type) {
	case String:
		return string(val)
	case Number:
		return string(val)
	case Bool:
		if val {
			return "true"
		}
		return "false"
	case Array:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if _, isNull := item.(Null); isNull {
				continue
			}
			parts = append(parts, text(item))
		}
		return strings.Join(parts, ", ")
	case Object:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if _, isNull := val[k].(Null); isNull {
				continue
			}
			parts = append(parts, k+": "+text(val[k]))
		}
		return strings.Join(parts, "; ")
	default:
		return ""
	}
}
