package convert

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToFloat64(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected float64
		ok       bool
	}{
		// Direct numeric types
		{"float64", 3.14, 3.14, true},
		{"float32", float32(2.5), 2.5, true},
		{"int", 42, 42.0, true},
		{"int8", int8(-3), -3.0, true},
		{"int16", int16(-32768), -32768.0, true},
		{"int64", int64(99), 99.0, true},
		{"int32", int32(50), 50.0, true},
		{"uint", uint(10), 10.0, true},
		{"uint8", uint8(255), 255.0, true},
		{"uint64", uint64(100), 100.0, true},
		{"uint32", uint32(25), 25.0, true},

		// JSON numbers
		{"json integer", json.Number("42"), 42.0, true},
		{"json decimal", json.Number("-0.5"), -0.5, true},
		{"json scientific", json.Number("1.5e-3"), 0.0015, true},

		// Error cases
		{"string", "3.14", 0, false},
		{"json garbage", json.Number("abc"), 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
		{"slice", []int{1, 2}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToFloat64(tt.input)
			assert.Equal(t, tt.ok, ok, "ok mismatch")
			if ok {
				assert.InDelta(t, tt.expected, got, 0.0001, "value mismatch")
			}
		})
	}
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected int64
		ok       bool
	}{
		{"int64", int64(42), 42, true},
		{"int", 7, 7, true},
		{"int16", int16(-9), -9, true},
		{"uint32", uint32(16000), 16000, true},
		{"integral float", 16000.0, 16000, true},
		{"json integer", json.Number("-12"), -12, true},
		{"json exponent", json.Number("1e3"), 1000, true},

		{"fractional float", 0.3, 0, false},
		{"NaN", math.NaN(), 0, false},
		{"inf", math.Inf(1), 0, false},
		{"uint64 overflow", uint64(math.MaxUint64), 0, false},
		{"json fraction", json.Number("2.5"), 0, false},
		{"json overflow", json.Number("99999999999999999999"), 0, false},
		{"string", "42", 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToInt64(tt.input)
			assert.Equal(t, tt.ok, ok, "ok mismatch")
			if ok {
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}

func TestToFloat64Slice(t *testing.T) {
	t.Run("float64 passthrough", func(t *testing.T) {
		in := []float64{1, 2}
		got, ok := ToFloat64Slice(in)
		assert.True(t, ok)
		assert.Equal(t, in, got)
	})

	t.Run("int16 widened", func(t *testing.T) {
		got, ok := ToFloat64Slice([]int16{-1, 0, 1})
		assert.True(t, ok)
		assert.Equal(t, []float64{-1, 0, 1}, got)
	})

	t.Run("mixed interface slice", func(t *testing.T) {
		got, ok := ToFloat64Slice([]interface{}{1, 2.5, json.Number("3")})
		assert.True(t, ok)
		assert.Equal(t, []float64{1, 2.5, 3}, got)
	})

	t.Run("non numeric element", func(t *testing.T) {
		got, ok := ToFloat64Slice([]interface{}{1, "2"})
		assert.False(t, ok)
		assert.Nil(t, got)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, ok := ToFloat64Slice("1,2,3")
		assert.False(t, ok)
	})
}

func BenchmarkToFloat64_Int(b *testing.B) {
	for i := 0; i < b.N; i++ {
		ToFloat64(42)
	}
}

func BenchmarkToFloat64Slice(b *testing.B) {
	data := make([]interface{}, 4410)
	for i := range data {
		data[i] = float64(i) / 4410
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ToFloat64Slice(data)
	}
}
