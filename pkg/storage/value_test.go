package storage

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueOf(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)

	tests := []struct {
		name string
		in   any
		want Value
	}{
		{"string", "variation", String("variation")},
		{"bool", true, Bool(true)},
		{"int", 42, Int(42)},
		{"int8", int8(-3), Int(-3)},
		{"uint32", uint32(7), Int(7)},
		{"float64", 0.3, Float(0.3)},
		{"float32", float32(0.5), Float(0.5)},
		{"integral float stays float", 2.0, Float(2)},
		{"json int", json.Number("1700000000"), Int(1700000000)},
		{"json float", json.Number("0.25"), Float(0.25)},
		{"json exponent", json.Number("1e3"), Float(1000)},
		{"time", ts, Time(ts)},
		{"value passthrough", Int(9), Int(9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValueOf(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %v (%s), got %v (%s)", tt.want, tt.want.Kind(), got, got.Kind())
		})
	}
}

func TestValueOf_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"nil", nil},
		{"slice", []int{1, 2}},
		{"map", map[string]any{"a": 1}},
		{"struct", struct{}{}},
		{"NaN", math.NaN()},
		{"Inf", math.Inf(1)},
		{"uint64 overflow", uint64(math.MaxUint64)},
		{"zero Value", Value{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValueOf(tt.in)
			assert.ErrorIs(t, err, ErrUnsupportedValue)
		})
	}
}

func TestValue_JSONRoundTrip(t *testing.T) {
	values := []Value{
		String(""),
		String("héllo \"quoted\""),
		Int(0),
		Int(-1700000000),
		Float(0.3),
		Float(2),
		Float(-1.5e-9),
		Bool(false),
		Bool(true),
		Time(time.Date(2023, 11, 14, 22, 13, 20, 123456789, time.FixedZone("X", 3600))),
	}

	for _, v := range values {
		t.Run(v.Kind().String()+"/"+v.String(), func(t *testing.T) {
			data, err := json.Marshal(v)
			require.NoError(t, err)

			var back Value
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, v.Kind(), back.Kind(), "encoded as %s", data)
			assert.True(t, v.Equal(back), "encoded as %s", data)
		})
	}
}

func TestValue_FloatKeepsFraction(t *testing.T) {
	data, err := json.Marshal(Float(2))
	require.NoError(t, err)
	assert.Equal(t, "2.0", string(data))

	data, err = json.Marshal(Int(2))
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))
}

func TestValue_TimeEncoding(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := json.Marshal(Time(ts))
	require.NoError(t, err)
	assert.JSONEq(t, `{"$time":"2024-01-02T03:04:05Z"}`, string(data))
}

func TestValue_UnmarshalRejects(t *testing.T) {
	for _, raw := range []string{`null`, `[1,2]`, `{"a":"b"}`, `{"$time":"yesterday"}`} {
		var v Value
		assert.Error(t, json.Unmarshal([]byte(raw), &v), raw)
	}
}

func TestValue_MarshalZero(t *testing.T) {
	_, err := json.Marshal(Value{})
	assert.Error(t, err)
}

func TestAttributesOf(t *testing.T) {
	attrs, err := AttributesOf(map[string]any{
		"noise_level": 0.3,
		"steps":       50,
		"label":       "kick",
	})
	require.NoError(t, err)
	assert.Len(t, attrs, 3)
	assert.Equal(t, "kick", attrs.GetString("label"))
	steps, ok := attrs.GetInt("steps")
	assert.True(t, ok)
	assert.Equal(t, int64(50), steps)

	_, err = AttributesOf(map[string]any{"bad": []string{"x"}})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
	assert.Contains(t, err.Error(), `"bad"`)
}

func TestAttributes_MergeAndClone(t *testing.T) {
	a := Attributes{"type": String("batch"), "created": Int(1)}
	c := a.Clone()
	c.Merge(Attributes{"created": Int(2), "extra": Bool(true)})

	created, _ := a.GetInt("created")
	assert.Equal(t, int64(1), created, "clone must not alias the original")
	created, _ = c.GetInt("created")
	assert.Equal(t, int64(2), created)
	assert.Equal(t, []string{"created", "extra", "type"}, c.Keys())

	var nilAttrs Attributes
	assert.NotNil(t, nilAttrs.Clone())
}

func TestAttributes_Map(t *testing.T) {
	m := Attributes{"a": Int(1), "b": Float(0.5), "c": String("x")}.Map()
	assert.Equal(t, map[string]any{"a": int64(1), "b": 0.5, "c": "x"}, m)
}
