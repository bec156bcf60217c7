package nn

import (
	"fmt"

	"github.com/sw965/vitlrp/tensor"
)

// TokenAvgPool averages (B, L, C) over tokens into (B, C).
type TokenAvgPool struct {
	_ byte
}

func NewTokenAvgPool() *TokenAvgPool { return &TokenAvgPool{} }

func (pool *TokenAvgPool) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error) {
	if x.Rank() != 3 {
		return tensor.Tensor{}, fmt.Errorf("%w: token pooling of %v", tensor.ErrShapeMismatch, x.Shape)
	}
	p.Save(Slot{pool, "x"}, x)
	return x.MeanAxis(1, false)
}

func (pool *TokenAvgPool) spread(xShape []int, g tensor.Tensor) (tensor.Tensor, error) {
	b, l, c := xShape[0], xShape[1], xShape[2]
	if g.Rank() != 2 || g.Shape[0] != b || g.Shape[1] != c {
		return tensor.Tensor{}, fmt.Errorf("%w: pooled %v for input %v", tensor.ErrShapeMismatch, g.Shape, xShape)
	}
	out := tensor.NewZeros(xShape...)
	inv := 1 / float32(l)
	for n := 0; n < b; n++ {
		for t := 0; t < l; t++ {
			for k := 0; k < c; k++ {
				out.Data[(n*l+t)*c+k] = g.Data[n*c+k] * inv
			}
		}
	}
	return out, nil
}

func (pool *TokenAvgPool) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	x, err := Load[tensor.Tensor](p, Slot{pool, "x"})
	if err != nil {
		return tensor.Tensor{}, err
	}
	return pool.spread(x.Shape, dy)
}

func (pool *TokenAvgPool) Relevance(p *Pass, r tensor.Tensor) (tensor.Tensor, error) {
	x, err := Load[tensor.Tensor](p, Slot{pool, "x"})
	if err != nil {
		return tensor.Tensor{}, err
	}
	z, err := x.MeanAxis(1, false)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return gradientTimesInput(r, x, z, func(s tensor.Tensor) (tensor.Tensor, error) {
		return pool.spread(x.Shape, s)
	})
}
