// Package tensor holds the dense numeric arrays that carry generated audio.
//
// A Tensor is a row-major float64 buffer plus a shape. The knowledge graph
// accepts either a single sample (rank 2: frames x channels) or a batch of
// samples (rank 3: batch x frames x channels); AsBatch normalises the former
// into the latter and rejects every other rank.
package tensor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orneryd/difform/pkg/convert"
)

// Errors
var (
	ErrShapeMismatch = errors.New("tensor: data length does not match shape")
	ErrRagged        = errors.New("tensor: ragged nested array")
	ErrNotNumeric    = errors.New("tensor: non-numeric element")
	ErrEmpty         = errors.New("tensor: empty dimension")
)

// ShapeError reports an array whose rank cannot be interpreted as a batch.
type ShapeError struct {
	Rank  int
	Shape []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("tensor: ndim must be 3 (got ndim=%d, shape=%v)", e.Rank, e.Shape)
}

// Tensor is a dense row-major array.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New builds a Tensor after checking that data fills the shape exactly.
func New(shape []int, data []float64) (Tensor, error) {
	t := Tensor{Shape: shape, Data: data}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Validate checks that every dimension is positive and that Data holds
// exactly as many values as Shape describes. Tensors built by hand rather
// than through New should be validated before they are indexed.
func (t Tensor) Validate() error {
	n := 1
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: shape %v", ErrEmpty, t.Shape)
		}
		n *= d
	}
	if len(t.Shape) == 0 || n != len(t.Data) {
		return fmt.Errorf("%w: shape %v holds %d values, got %d", ErrShapeMismatch, t.Shape, n, len(t.Data))
	}
	return nil
}

// MustNew is New for tests and literals; it panics on error.
func MustNew(shape []int, data []float64) Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros returns a zero-filled tensor of the given shape.
func Zeros(shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return MustNew(shape, make([]float64, n))
}

// Rank returns the number of dimensions.
func (t Tensor) Rank() int { return len(t.Shape) }

// AsBatch returns t viewed as batch x frames x channels.
//
// Rank 3 is returned unchanged and rank 2 gains a leading dimension of 1.
// The returned tensor shares Data with t. A rank other than 2 or 3 yields a
// *ShapeError; a shape that Data does not fill yields the Validate error.
func (t Tensor) AsBatch() (Tensor, error) {
	var out Tensor
	switch t.Rank() {
	case 3:
		out = t
	case 2:
		out = Tensor{Shape: []int{1, t.Shape[0], t.Shape[1]}, Data: t.Data}
	default:
		return Tensor{}, &ShapeError{Rank: t.Rank(), Shape: append([]int(nil), t.Shape...)}
	}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return out, nil
}

// Len returns the size of the leading dimension.
func (t Tensor) Len() int {
	if t.Rank() == 0 {
		return 0
	}
	return t.Shape[0]
}

// Sample returns the i-th element along the leading dimension of a rank-3
// tensor as a rank-2 frames x channels tensor sharing t's storage.
func (t Tensor) Sample(i int) (Tensor, error) {
	if t.Rank() != 3 {
		return Tensor{}, &ShapeError{Rank: t.Rank(), Shape: t.Shape}
	}
	if i < 0 || i >= t.Shape[0] {
		return Tensor{}, fmt.Errorf("tensor: sample index %d out of range [0,%d)", i, t.Shape[0])
	}
	stride := t.Shape[1] * t.Shape[2]
	if stride <= 0 || (i+1)*stride > len(t.Data) {
		return Tensor{}, fmt.Errorf("%w: shape %v, %d values", ErrShapeMismatch, t.Shape, len(t.Data))
	}
	return Tensor{
		Shape: []int{t.Shape[1], t.Shape[2]},
		Data:  t.Data[i*stride : (i+1)*stride],
	}, nil
}

// Frames and Channels describe a rank-2 sample.
func (t Tensor) Frames() int { return t.Shape[0] }

// Channels returns the trailing dimension of a rank-2 sample.
func (t Tensor) Channels() int { return t.Shape[1] }

// FromNested parses a nested array of numbers as produced by encoding/json
// ([]interface{} all the way down, leaves float64 or json.Number).
//
// The array must be rectangular: every sub-array at the same depth has the
// same length. A bare number yields a rank-0 tensor, which AsBatch rejects.
func FromNested(v interface{}) (Tensor, error) {
	var shape []int
	head := v
	for {
		arr, ok := head.([]interface{})
		if !ok {
			break
		}
		if len(arr) == 0 {
			return Tensor{}, fmt.Errorf("%w at depth %d", ErrEmpty, len(shape))
		}
		shape = append(shape, len(arr))
		head = arr[0]
	}

	if len(shape) == 0 {
		f, ok := convert.ToFloat64(v)
		if !ok {
			return Tensor{}, fmt.Errorf("%w: %T", ErrNotNumeric, v)
		}
		return Tensor{Shape: []int{}, Data: []float64{f}}, nil
	}

	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float64, 0, n)

	var walk func(node interface{}, depth int) error
	walk = func(node interface{}, depth int) error {
		arr, ok := node.([]interface{})
		if depth == len(shape)-1 {
			if !ok || len(arr) != shape[depth] {
				return fmt.Errorf("%w at depth %d", ErrRagged, depth)
			}
			row, ok := convert.ToFloat64Slice(arr)
			if !ok {
				return fmt.Errorf("%w at depth %d", ErrNotNumeric, depth)
			}
			data = append(data, row...)
			return nil
		}
		if !ok || len(arr) != shape[depth] {
			return fmt.Errorf("%w at depth %d", ErrRagged, depth)
		}
		for _, child := range arr {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(v, 0); err != nil {
		return Tensor{}, err
	}
	return Tensor{Shape: shape, Data: data}, nil
}

// Nested converts t back into nested []interface{} form (for JSON output).
func (t Tensor) Nested() interface{} {
	if t.Rank() == 0 {
		if len(t.Data) == 0 {
			return nil
		}
		return t.Data[0]
	}
	var build func(depth, offset int) interface{}
	build = func(depth, offset int) interface{} {
		stride := 1
		for _, d := range t.Shape[depth+1:] {
			stride *= d
		}
		out := make([]interface{}, t.Shape[depth])
		for i := range out {
			if depth == t.Rank()-1 {
				out[i] = t.Data[offset+i]
			} else {
				out[i] = build(depth+1, offset+i*stride)
			}
		}
		return out
	}
	return build(0, 0)
}

// MarshalJSON encodes t as a nested JSON array.
func (t Tensor) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Nested())
}

// UnmarshalJSON decodes a nested JSON array into t.
func (t *Tensor) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromNested(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
