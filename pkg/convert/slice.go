package convert

// ToFloat64Slice converts various slice types to []float64.
// Returns (slice, true) on success, (nil, false) on failure.
//
// Supported types:
//   - []float64 (returned as-is)
//   - []float32, []int, []int16, []int32 (each element converted)
//   - []interface{} (each element converted via ToFloat64)
//
// Example:
//
//	s, ok := ToFloat64Slice([]interface{}{1, 2.5, json.Number("3")}) // ([1, 2.5, 3], true)
//	s, ok := ToFloat64Slice([]interface{}{1, "2"})                   // (nil, false)
func ToFloat64Slice(v interface{}) ([]float64, bool) {
	switch val := v.(type) {
	case []float64:
		return val, true
	case []float32:
		return widen(val), true
	case []int:
		return widen(val), true
	case []int16:
		return widen(val), true
	case []int32:
		return widen(val), true
	case []interface{}:
		result := make([]float64, len(val))
		for i, item := range val {
			f, ok := ToFloat64(item)
			if !ok {
				return nil, false
			}
			result[i] = f
		}
		return result, true
	}
	return nil, false
}

func widen[T float32 | int | int16 | int32](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
