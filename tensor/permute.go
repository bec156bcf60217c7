package tensor

import (
	"fmt"
	"slices"
)

// Permute reorders axes so that output axis i is input axis axes[i].
func (t Tensor) Permute(axes ...int) (Tensor, error) {
	rank := t.Rank()
	if len(axes) != rank {
		return Tensor{}, fmt.Errorf("%w: permute %v by %v", ErrShapeMismatch, t.Shape, axes)
	}
	seen := make([]bool, rank)
	for _, a := range axes {
		if a < 0 || a >= rank || seen[a] {
			return Tensor{}, fmt.Errorf("%w: permute %v by %v", ErrShapeMismatch, t.Shape, axes)
		}
		seen[a] = true
	}

	inStrides := t.Strides()
	shape := make([]int, rank)
	strides := make([]int, rank)
	for i, a := range axes {
		shape[i] = t.Shape[a]
		strides[i] = inStrides[a]
	}
	out := NewZeros(shape...)
	if out.N() == 0 {
		return out, nil
	}

	idx := make([]int, rank)
	src := 0
	for i := range out.Data {
		out.Data[i] = t.Data[src]
		for ax := rank - 1; ax >= 0; ax-- {
			idx[ax]++
			src += strides[ax]
			if idx[ax] < shape[ax] {
				break
			}
			src -= strides[ax] * shape[ax]
			idx[ax] = 0
		}
	}
	return out, nil
}

// InversePermutation returns the axes that undo Permute(axes...).
func InversePermutation(axes []int) []int {
	inv := make([]int, len(axes))
	for i, a := range axes {
		inv[a] = i
	}
	return inv
}

// Transpose swaps two axes. Negative axes count from the end.
func (t Tensor) Transpose(a, b int) (Tensor, error) {
	rank := t.Rank()
	if a < 0 {
		a += rank
	}
	if b < 0 {
		b += rank
	}
	if a < 0 || b < 0 || a >= rank || b >= rank {
		return Tensor{}, fmt.Errorf("%w: transpose %d,%d of %v", ErrShapeMismatch, a, b, t.Shape)
	}
	axes := make([]int, rank)
	for i := range axes {
		axes[i] = i
	}
	axes[a], axes[b] = axes[b], axes[a]
	return t.Permute(axes...)
}

// copyBox copies the leading box of size box from src to dst, both
// addressed row-major with their own shapes.
func copyBox(dst Tensor, src Tensor, box []int) {
	if numel(box) == 0 {
		return
	}
	rank := len(box)
	dStrides := dst.Strides()
	sStrides := src.Strides()
	idx := make([]int, rank)
	inner := box[rank-1]
	for {
		d, s := 0, 0
		for ax := 0; ax < rank-1; ax++ {
			d += idx[ax] * dStrides[ax]
			s += idx[ax] * sStrides[ax]
		}
		copy(dst.Data[d:d+inner], src.Data[s:s+inner])

		ax := rank - 2
		for ; ax >= 0; ax-- {
			idx[ax]++
			if idx[ax] < box[ax] {
				break
			}
			idx[ax] = 0
		}
		if ax < 0 {
			return
		}
	}
}

// PadEnd appends pads[i] zeros at the end of axis i.
func (t Tensor) PadEnd(pads ...int) (Tensor, error) {
	if len(pads) != t.Rank() {
		return Tensor{}, fmt.Errorf("%w: pad %v by %v", ErrShapeMismatch, t.Shape, pads)
	}
	if !slices.ContainsFunc(pads, func(p int) bool { return p != 0 }) {
		return t.Clone(), nil
	}
	shape := make([]int, t.Rank())
	for i, p := range pads {
		if p < 0 {
			return Tensor{}, fmt.Errorf("%w: pad %v by %v", ErrShapeMismatch, t.Shape, pads)
		}
		shape[i] = t.Shape[i] + p
	}
	out := NewZeros(shape...)
	copyBox(out, t, t.Shape)
	return out, nil
}

// Crop keeps the leading sizes[i] entries of axis i.
func (t Tensor) Crop(sizes ...int) (Tensor, error) {
	if len(sizes) != t.Rank() {
		return Tensor{}, fmt.Errorf("%w: crop %v to %v", ErrShapeMismatch, t.Shape, sizes)
	}
	for i, s := range sizes {
		if s < 0 || s > t.Shape[i] {
			return Tensor{}, fmt.Errorf("%w: crop %v to %v", ErrShapeMismatch, t.Shape, sizes)
		}
	}
	if slices.Equal(sizes, t.Shape) {
		return t.Clone(), nil
	}
	out := NewZeros(sizes...)
	copyBox(out, t, sizes)
	return out, nil
}
