package tensor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tt, err := New([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, 2, tt.Rank())
	assert.Equal(t, 2, tt.Len())

	_, err = New([]int{2, 3}, []float64{1, 2})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = New([]int{0, 3}, nil)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = New(nil, []float64{1})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAsBatch(t *testing.T) {
	t.Run("rank 3 unchanged", func(t *testing.T) {
		in := Zeros(2, 4410, 1)
		out, err := in.AsBatch()
		require.NoError(t, err)
		assert.Equal(t, []int{2, 4410, 1}, out.Shape)
	})

	t.Run("rank 2 promoted", func(t *testing.T) {
		in := Zeros(4410, 2)
		out, err := in.AsBatch()
		require.NoError(t, err)
		assert.Equal(t, []int{1, 4410, 2}, out.Shape)
		assert.Len(t, out.Data, 4410*2)
	})

	t.Run("rank 1 rejected", func(t *testing.T) {
		_, err := Zeros(4410).AsBatch()
		var shapeErr *ShapeError
		require.ErrorAs(t, err, &shapeErr)
		assert.Equal(t, 1, shapeErr.Rank)
		assert.Contains(t, err.Error(), "ndim must be 3")
	})

	t.Run("rank 4 rejected", func(t *testing.T) {
		_, err := Zeros(1, 2, 3, 4).AsBatch()
		assert.Error(t, err)
	})

	t.Run("short data rejected", func(t *testing.T) {
		_, err := Tensor{Shape: []int{2, 4, 1}, Data: make([]float64, 3)}.AsBatch()
		assert.ErrorIs(t, err, ErrShapeMismatch)

		_, err = Tensor{Shape: []int{4, 2}, Data: make([]float64, 7)}.AsBatch()
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("non-positive dimension rejected", func(t *testing.T) {
		_, err := Tensor{Shape: []int{2, 0, 1}}.AsBatch()
		assert.ErrorIs(t, err, ErrEmpty)

		_, err = Tensor{Shape: []int{-2, -4, 1}, Data: make([]float64, 8)}.AsBatch()
		assert.ErrorIs(t, err, ErrEmpty)
	})
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Zeros(2, 3, 1).Validate())
	assert.ErrorIs(t, Tensor{}.Validate(), ErrShapeMismatch)
	assert.ErrorIs(t, Tensor{Shape: []int{3}, Data: make([]float64, 4)}.Validate(), ErrShapeMismatch)
	assert.ErrorIs(t, Tensor{Shape: []int{3, -1}, Data: make([]float64, 3)}.Validate(), ErrEmpty)
}

func TestSample_ShortData(t *testing.T) {
	b := Tensor{Shape: []int{2, 4, 1}, Data: make([]float64, 3)}
	assert.NotPanics(t, func() {
		_, err := b.Sample(0)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})
}

func TestSample(t *testing.T) {
	data := []float64{
		// sample 0: 2 frames x 2 channels
		0.1, 0.2,
		0.3, 0.4,
		// sample 1
		-0.1, -0.2,
		-0.3, -0.4,
	}
	b := MustNew([]int{2, 2, 2}, data)

	s, err := b.Sample(1)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Frames())
	assert.Equal(t, 2, s.Channels())
	assert.Equal(t, []float64{-0.1, -0.2, -0.3, -0.4}, s.Data)

	_, err = b.Sample(2)
	assert.Error(t, err)

	_, err = Zeros(3, 2).Sample(0)
	assert.Error(t, err)
}

func TestFromNested(t *testing.T) {
	var raw interface{}
	require.NoError(t, json.Unmarshal([]byte(`[[[0.1],[0.2],[0.3]],[[1],[2],[3]]]`), &raw))

	tt, err := FromNested(raw)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1}, tt.Shape)
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 1, 2, 3}, tt.Data)
}

func TestFromNested_Errors(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want error
	}{
		"ragged":      {`[[1,2],[3]]`, ErrRagged},
		"ragged deep": {`[[[1],[2]],[[3]]]`, ErrRagged},
		"mixed depth": {`[[1,2],3]`, ErrRagged},
		"empty":       {`[]`, ErrEmpty},
		"non numeric": {`[["a","b"]]`, ErrNotNumeric},
		"string":      {`"x"`, ErrNotNumeric},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var raw interface{}
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &raw))
			_, err := FromNested(raw)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFromNested_Scalar(t *testing.T) {
	tt, err := FromNested(3.5)
	require.NoError(t, err)
	assert.Equal(t, 0, tt.Rank())
	_, err = tt.AsBatch()
	assert.Error(t, err)
}

func TestJSON(t *testing.T) {
	in := MustNew([]int{1, 2, 2}, []float64{0.5, -0.5, 1, 0})
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `[[[0.5,-0.5],[1,0]]]`, string(data))

	var out Tensor
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Shape, out.Shape)
	assert.Equal(t, in.Data, out.Data)
}
