package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas/blas32"
)

// SafeEps is the stabilizer of SafeDivide and of the relevance rules.
const SafeEps float32 = 1e-9

func Add(a, b Tensor) (Tensor, error) {
	if err := checkSame("add", a, b); err != nil {
		return Tensor{}, err
	}
	out := a.Clone()
	blas32.Axpy(1, b.ToVector(), out.ToVector())
	return out, nil
}

func Sub(a, b Tensor) (Tensor, error) {
	if err := checkSame("sub", a, b); err != nil {
		return Tensor{}, err
	}
	out := a.Clone()
	blas32.Axpy(-1, b.ToVector(), out.ToVector())
	return out, nil
}

func Mul(a, b Tensor) (Tensor, error) {
	if err := checkSame("mul", a, b); err != nil {
		return Tensor{}, err
	}
	out := NewZerosLike(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out, nil
}

// SafeDivide returns a/b elementwise, with zero wherever b is exactly zero.
func SafeDivide(a, b Tensor) (Tensor, error) {
	if err := checkSame("safe divide", a, b); err != nil {
		return Tensor{}, err
	}
	out := NewZerosLike(a)
	for i, bv := range b.Data {
		if bv == 0 {
			continue
		}
		den := max(bv, SafeEps) + min(bv, SafeEps)
		if den == 0 {
			den = SafeEps
		}
		out.Data[i] = a.Data[i] / den
	}
	return out, nil
}

// Axpy returns t + alpha*x.
func (t Tensor) Axpy(alpha float32, x Tensor) (Tensor, error) {
	if err := checkSame("axpy", t, x); err != nil {
		return Tensor{}, err
	}
	out := t.Clone()
	blas32.Axpy(alpha, x.ToVector(), out.ToVector())
	return out, nil
}

func (t Tensor) Scal(alpha float32) Tensor {
	out := t.Clone()
	blas32.Scal(alpha, out.ToVector())
	return out
}

func (t Tensor) Map(f func(float32) float32) Tensor {
	out := NewZerosLike(t)
	for i, v := range t.Data {
		out.Data[i] = f(v)
	}
	return out
}

func (t Tensor) ClampMin(lo float32) Tensor {
	return t.Map(func(v float32) float32 { return max(v, lo) })
}

func (t Tensor) ClampMax(hi float32) Tensor {
	return t.Map(func(v float32) float32 { return min(v, hi) })
}

func (t Tensor) Sum() float32 {
	var s float32
	for _, v := range t.Data {
		s += v
	}
	return s
}

func (t Tensor) Min() float32 {
	m := math32.Inf(1)
	for _, v := range t.Data {
		m = min(m, v)
	}
	return m
}

func (t Tensor) Max() float32 {
	m := math32.Inf(-1)
	for _, v := range t.Data {
		m = max(m, v)
	}
	return m
}

// SumAxis reduces one axis. The reduced axis is dropped unless keepDim.
func (t Tensor) SumAxis(axis int, keepDim bool) (Tensor, error) {
	rank := t.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return Tensor{}, fmt.Errorf("%w: sum over axis %d of %v", ErrShapeMismatch, axis, t.Shape)
	}
	outer := numel(t.Shape[:axis])
	n := t.Shape[axis]
	inner := numel(t.Shape[axis+1:])

	var shape []int
	shape = append(shape, t.Shape[:axis]...)
	if keepDim {
		shape = append(shape, 1)
	}
	shape = append(shape, t.Shape[axis+1:]...)
	out := NewZeros(shape...)

	for o := 0; o < outer; o++ {
		dst := out.Data[o*inner : (o+1)*inner]
		for k := 0; k < n; k++ {
			src := t.Data[(o*n+k)*inner : (o*n+k+1)*inner]
			for i, v := range src {
				dst[i] += v
			}
		}
	}
	return out, nil
}

func (t Tensor) MeanAxis(axis int, keepDim bool) (Tensor, error) {
	out, err := t.SumAxis(axis, keepDim)
	if err != nil {
		return Tensor{}, err
	}
	return out.Scal(1 / float32(t.Dim(axis))), nil
}

// AddLast adds v to every row along the last axis.
func (t Tensor) AddLast(v []float32) (Tensor, error) {
	if t.Rank() == 0 || t.Dim(-1) != len(v) {
		return Tensor{}, fmt.Errorf("%w: add %d values along last axis of %v", ErrShapeMismatch, len(v), t.Shape)
	}
	out := t.Clone()
	n := len(v)
	for i := range out.Data {
		out.Data[i] += v[i%n]
	}
	return out, nil
}

// ArgmaxLast returns the index of the largest value of every row along the
// last axis. Ties resolve to the lowest index.
func (t Tensor) ArgmaxLast() []int {
	n := t.Dim(-1)
	rows := len(t.Data) / n
	idx := make([]int, rows)
	for r := range idx {
		row := t.Data[r*n : (r+1)*n]
		best := 0
		for i, v := range row {
			if v > row[best] {
				best = i
			}
		}
		idx[r] = best
	}
	return idx
}
