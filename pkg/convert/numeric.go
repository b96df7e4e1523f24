// Package convert provides numeric conversion utilities for difform.
//
// Event payloads reach the core through JSON decoding, Go callers and WAV
// decoding, so the same number can arrive as float64, int, json.Number or a
// sized integer. These helpers normalise all of them.
//
// Key Functions:
//   - ToFloat64: Convert any numeric type to float64
//   - ToInt64: Convert any integral numeric type to int64
//   - ToFloat64Slice: Convert slices to []float64
//
// All conversion functions return a success boolean so callers decide how to
// report a failed conversion.
//
// Example:
//
//	if f, ok := convert.ToFloat64(raw); ok {
//		samples = append(samples, f)
//	}
package convert

import (
	"encoding/json"
	"math"
	"strings"
)

// ToFloat64 converts numeric types to float64.
// Returns (value, true) on success, (0, false) on failure.
//
// Supported types:
//   - float64 (returned as-is), float32
//   - all signed and unsigned integer kinds
//   - json.Number
//
// Strings are not parsed: a JSON string inside a numeric array is a
// malformed payload, not a number.
//
// Example:
//
//	f, ok := ToFloat64(42)                  // (42.0, true)
//	f, ok := ToFloat64(json.Number("0.25")) // (0.25, true)
//	f, ok := ToFloat64("0.25")              // (0, false)
func ToFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ToInt64 converts integral numeric types to int64.
// Returns (value, true) on success, (0, false) on failure.
//
// Floats are accepted only when they hold an exact integer value, and
// uint64 values above math.MaxInt64 are rejected instead of wrapping.
//
// Example:
//
//	i, ok := ToInt64(int32(7))            // (7, true)
//	i, ok := ToInt64(16000.0)             // (16000, true)
//	i, ok := ToInt64(0.3)                 // (0, false)
//	i, ok := ToInt64(json.Number("1e3"))  // (1000, true)
func ToInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case uint:
		if uint64(val) > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float64:
		return floatToInt64(val)
	case float32:
		return floatToInt64(float64(val))
	case json.Number:
		if !strings.ContainsAny(val.String(), ".eE") {
			if i, err := val.Int64(); err == nil {
				return i, true
			}
			return 0, false
		}
		if f, err := val.Float64(); err == nil {
			return floatToInt64(f)
		}
	}
	return 0, false
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
