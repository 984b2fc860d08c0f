package sanitize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"formcollect/api/internal/logging"
)

// Violation describes one rejected part of a payload. Path uses "/" between
// object keys and array indexes, e.g. "address/lines/2".
type Violation struct {
	Path   string
	Reason string
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Reason
	}
	return v.Path + ": " + v.Reason
}

// Check parses raw JSON text and validates it against the accepted shapes:
//
//   - a scalar or null
//   - an array of scalars and nulls
//   - an object whose values are scalars, nulls, scalar arrays, or objects
//     holding scalars, nulls and scalar arrays
//
// Every violation is collected. If there is at least one, the returned value
// is the Placeholder, never a partially cleaned value.
func Check(raw string) (Value, []Violation) {
	decoded, err := decode(raw)
	if err != nil {
		return Placeholder(), []Violation{{Reason: "invalid json"}}
	}

	var violations []Violation
	var result Value

	switch val := decoded.(type) {
	case []any:
		result = checkArray(val, "", &violations)
	case map[string]any:
		obj := make(Object, len(val))
		for key, item := range val {
			if !validText(key) {
				violations = append(violations, Violation{Path: key, Reason: "invalid key"})
			}
			obj[key] = checkEntry(item, key, &violations)
		}
		result = obj
	default:
		scalar, ok := toScalar(val)
		if !ok {
			violations = append(violations, Violation{Reason: fmt.Sprintf("unsupported type %T", val)})
		}
		result = scalar
	}

	if len(violations) > 0 {
		return Placeholder(), violations
	}
	return result, nil
}

func decode(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	// trailing content after the first value is not valid JSON text
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data")
	}
	return value, nil
}

// checkEntry validates the value of a top-level object key.
func checkEntry(item any, key string, violations *[]Violation) Value {
	switch val := item.(type) {
	case []any:
		return checkArray(val, key+"/", violations)
	case map[string]any:
		nested := make(Object, len(val))
		for subKey, subItem := range val {
			path := key + "/" + subKey
			if !validText(subKey) {
				*violations = append(*violations, Violation{Path: path, Reason: "invalid key"})
			}
			switch subVal := subItem.(type) {
			case []any:
				nested[subKey] = checkArray(subVal, path+"/", violations)
			case map[string]any:
				*violations = append(*violations, Violation{Path: path, Reason: "object nested too deep"})
				nested[subKey] = Null{}
			default:
				nested[subKey] = checkScalar(subVal, path, violations)
			}
		}
		return nested
	default:
		return checkScalar(val, key, violations)
	}
}

func checkArray(items []any, prefix string, violations *[]Violation) Array {
	out := make(Array, len(items))
	for i, item := range items {
		scalar, ok := toScalar(item)
		if !ok {
			*violations = append(*violations, Violation{
				Path:   prefix + strconv.Itoa(i),
				Reason: "invalid data in array",
			})
			scalar = Null{}
		}
		out[i] = scalar
	}
	return out
}

func checkScalar(item any, path string, violations *[]Violation) Value {
	scalar, ok := toScalar(item)
	if !ok {
		*violations = append(*violations, Violation{Path: path, Reason: "invalid data in entry"})
		return Null{}
	}
	return scalar
}

func toScalar(item any) (Value, bool) {
	switch val := item.(type) {
	case nil:
		return Null{}, true
	case string:
		if !validText(val) {
			return Null{}, false
		}
		return String(val), true
	case bool:
		return Bool(val), true
	case json.Number:
		return Number(val), true
	default:
		return Null{}, false
	}
}

// validText rejects NUL characters, which PostgreSQL cannot store in text or
// jsonb columns.
func validText(s string) bool {
	return !strings.ContainsRune(s, 0)
}

// Sanitizer runs Check and reports violations through its logger.
type Sanitizer struct {
	log logging.Logger
}

func New(log logging.Logger) *Sanitizer {
	return &Sanitizer{log: logging.Component(log, "sanitizer")}
}

// Sanitize never fails: malformed payloads degrade to the Placeholder and
// every violating path is logged at warning level. attrs are extra key-value
// pairs (field id, type) attached to each log line.
func (s *Sanitizer) Sanitize(ctx context.Context, raw string, attrs ...any) Value {
	value, violations := Check(raw)
	if len(violations) == 0 {
		return value
	}
	for _, v := range violations {
		args := append([]any{"path", v.Path, "reason", v.Reason}, attrs...)
		s.log.Warn(ctx, "received invalid data for field", args...)
	}
	s.log.Warn(ctx, "storing placeholder for rejected answer", append([]any{"violations", len(violations)}, attrs...)...)
	return value
}
