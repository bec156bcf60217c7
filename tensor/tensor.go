package tensor

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is a dense, contiguous, row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func NewZeros(shape ...int) Tensor {
	return Tensor{Shape: slices.Clone(shape), Data: make([]float32, numel(shape))}
}

func NewZerosLike(t Tensor) Tensor {
	return NewZeros(t.Shape...)
}

func NewFull(v float32, shape ...int) Tensor {
	t := NewZeros(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func NewOnes(shape ...int) Tensor {
	return NewFull(1, shape...)
}

// FromSlice wraps data without copying.
func FromSlice(data []float32, shape ...int) (Tensor, error) {
	if numel(shape) != len(data) {
		return Tensor{}, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Must is a helper for literals in tests and fixed-shape construction.
func Must(t Tensor, err error) Tensor {
	if err != nil {
		panic(err)
	}
	return t
}

func (t Tensor) N() int {
	return len(t.Data)
}

func (t Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of axis i. Negative i counts from the end.
func (t Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

func (t Tensor) Strides() []int {
	strides := make([]int, len(t.Shape))
	s := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= t.Shape[i]
	}
	return strides
}

// At returns the flat offset of the given index.
func (t Tensor) At(idx ...int) int {
	off := 0
	for i, v := range idx {
		off = off*t.Shape[i] + v
	}
	return off
}

func (t Tensor) Clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

func (t Tensor) SameShape(o Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

func (t Tensor) ToVector() blas32.Vector {
	return blas32.Vector{N: len(t.Data), Inc: 1, Data: t.Data}
}

// Reshape returns a view sharing Data. One axis may be -1.
func (t Tensor) Reshape(shape ...int) (Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return Tensor{}, fmt.Errorf("%w: reshape %v to %v", ErrShapeMismatch, t.Shape, shape)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return Tensor{}, fmt.Errorf("%w: reshape %v to %v", ErrShapeMismatch, t.Shape, shape)
		}
		shape[infer] = len(t.Data) / known
	}
	if numel(shape) != len(t.Data) {
		return Tensor{}, fmt.Errorf("%w: reshape %v to %v", ErrShapeMismatch, t.Shape, shape)
	}
	return Tensor{Shape: shape, Data: t.Data}, nil
}

func checkSame(op string, a, b Tensor) error {
	if !a.SameShape(b) {
		return fmt.Errorf("%w: %s %v and %v", ErrShapeMismatch, op, a.Shape, b.Shape)
	}
	return nil
}

// Index selects position i along axis 0 and returns a copy.
func (t Tensor) Index(i int) (Tensor, error) {
	if t.Rank() == 0 || i < 0 || i >= t.Shape[0] {
		return Tensor{}, fmt.Errorf("%w: index %d of %v", ErrShapeMismatch, i, t.Shape)
	}
	inner := len(t.Data) / t.Shape[0]
	return Tensor{
		Shape: slices.Clone(t.Shape[1:]),
		Data:  slices.Clone(t.Data[i*inner : (i+1)*inner]),
	}, nil
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(ts ...Tensor) (Tensor, error) {
	if len(ts) == 0 {
		return Tensor{}, fmt.Errorf("%w: stack of nothing", ErrShapeMismatch)
	}
	shape := append([]int{len(ts)}, ts[0].Shape...)
	out := NewZeros(shape...)
	inner := ts[0].N()
	for i, t := range ts {
		if err := checkSame("stack", ts[0], t); err != nil {
			return Tensor{}, err
		}
		copy(out.Data[i*inner:], t.Data)
	}
	return out, nil
}

// Unstack is the inverse of Stack.
func (t Tensor) Unstack() ([]Tensor, error) {
	if t.Rank() == 0 {
		return nil, fmt.Errorf("%w: unstack of scalar", ErrShapeMismatch)
	}
	ts := make([]Tensor, t.Shape[0])
	for i := range ts {
		var err error
		ts[i], err = t.Index(i)
		if err != nil {
			return nil, err
		}
	}
	return ts, nil
}
