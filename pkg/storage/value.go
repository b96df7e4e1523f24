// Package storage - attribute values for the Difform Knowledge Graph.
//
// Node and edge attributes are stored as a map from string key to a tagged
// Value. A Value carries exactly one of: string, int64, float64, bool or
// time.Time. Caller metadata of any other kind is rejected at the boundary
// (ValueOf) instead of being smuggled into the graph as an opaque blob.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/orneryd/difform/pkg/convert"
)

// Kind identifies which field of a Value is populated.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "invalid"
	}
}

// timeKey is the single key of the JSON object used to encode KindTime.
const timeKey = "$time"

// Value is a tagged attribute value.
//
// The zero Value has KindInvalid and is never stored.
//
// JSON encoding:
//   - string, int, bool: plain JSON scalars
//   - float: always carries a fraction or exponent ("2.0", never "2") so
//     that decoding can tell it apart from an int
//   - time: {"$time": "<RFC3339Nano>"}
//
// Encoding then decoding a Value yields an equal Value.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	t    time.Time
}

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int wraps an integer.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a float.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Time wraps a timestamp. Monotonic clock readings are stripped so that
// equality survives a round trip through JSON.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t.Round(0).UTC()} }

// ValueOf converts a Go value into a Value.
//
// Accepted inputs: Value, string, bool, all integer kinds, float32/float64,
// json.Number (integral -> Int, otherwise Float) and time.Time.
// NaN and infinite floats are rejected because they cannot be encoded as JSON.
func ValueOf(v any) (Value, error) {
	switch val := v.(type) {
	case Value:
		if val.kind == KindInvalid {
			return Value{}, fmt.Errorf("%w: zero Value", ErrUnsupportedValue)
		}
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case time.Time:
		return Time(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil && !strings.ContainsAny(val.String(), ".eE") {
			return Int(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q", ErrUnsupportedValue, val.String())
		}
		return floatValue(f)
	case float32:
		return floatValue(float64(val))
	case float64:
		return floatValue(val)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		i, ok := convert.ToInt64(val)
		if !ok {
			return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
		}
		return Int(i), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func floatValue(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: non-finite float %v", ErrUnsupportedValue, f)
	}
	return Float(f), nil
}

// Kind reports the populated kind.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds a value.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Str returns the string and whether v is a string.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Int64 returns the integer and whether v is an int.
func (v Value) Int64() (int64, bool) { return v.i, v.kind == KindInt }

// Float64 returns the float and whether v is a float.
func (v Value) Float64() (float64, bool) { return v.f, v.kind == KindFloat }

// Boolean returns the bool and whether v is a bool.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Timestamp returns the time and whether v is a time.
func (v Value) Timestamp() (time.Time, bool) { return v.t, v.kind == KindTime }

// Interface returns the wrapped Go value, or nil for the zero Value.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	default:
		return nil
	}
}

// Equal reports whether two Values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.t.Equal(o.t)
	default:
		return true
	}
}

// String renders the value for logs and CLI output.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return formatFloat(v.f)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return "<invalid>"
	}
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("%w: non-finite float", ErrUnsupportedValue)
		}
		return []byte(formatFloat(v.f)), nil
	case KindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	case KindTime:
		return json.Marshal(map[string]string{timeKey: v.t.Format(time.RFC3339Nano)})
	default:
		return nil, fmt.Errorf("%w: zero Value", ErrUnsupportedValue)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrUnsupportedValue)
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
		return nil
	case '{':
		var obj map[string]string
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("%w: %s", ErrUnsupportedValue, data)
		}
		raw, ok := obj[timeKey]
		if !ok || len(obj) != 1 {
			return fmt.Errorf("%w: object values must be {%q: ...}", ErrUnsupportedValue, timeKey)
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		*v = Time(t)
		return nil
	case 'n':
		return fmt.Errorf("%w: null", ErrUnsupportedValue)
	default:
		parsed, err := ValueOf(json.Number(data))
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	}
}

// Attributes is the attribute bag of a node or an edge.
type Attributes map[string]Value

// AttributesOf converts a loosely typed map into Attributes.
// The first unsupported value aborts the conversion; the error names its key.
func AttributesOf(m map[string]any) (Attributes, error) {
	out := make(Attributes, len(m))
	for k, raw := range m {
		v, err := ValueOf(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Clone returns a shallow copy; Values are immutable so this is a full copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Merge copies every entry of src into a, overwriting existing keys.
func (a Attributes) Merge(src Attributes) {
	for k, v := range src {
		a[k] = v
	}
}

// Equal reports whether both bags hold the same keys with equal values.
func (a Attributes) Equal(o Attributes) bool {
	if len(a) != len(o) {
		return false
	}
	for k, v := range a {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Keys returns the keys in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetString returns a string attribute or "".
func (a Attributes) GetString(key string) string {
	s, _ := a[key].Str()
	return s
}

// GetInt returns an int attribute and whether it was present as an int.
func (a Attributes) GetInt(key string) (int64, bool) {
	return a[key].Int64()
}

// Map returns the attributes as plain Go values.
func (a Attributes) Map() map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v.Interface()
	}
	return out
}
