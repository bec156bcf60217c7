package nn

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/sw965/vitlrp/tensor"
)

// GELU is the exact (erf) form.
type GELU struct {
	passThrough
	_ byte // non-zero size keeps instances at distinct addresses
}

func NewGELU() *GELU { return &GELU{} }

func (g *GELU) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error) {
	p.Save(Slot{g, "x"}, x)
	return x.Map(func(v float32) float32 {
		return 0.5 * v * (1 + math32.Erf(v/math32.Sqrt2))
	}), nil
}

func (g *GELU) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	x, err := Load[tensor.Tensor](p, Slot{g, "x"})
	if err != nil {
		return tensor.Tensor{}, err
	}
	d := x.Map(func(v float32) float32 {
		cdf := 0.5 * (1 + math32.Erf(v/math32.Sqrt2))
		pdf := math32.Exp(-0.5*v*v) / math32.Sqrt(2*math32.Pi)
		return cdf + v*pdf
	})
	return tensor.Mul(dy, d)
}

// Softmax normalizes along the last axis.
type Softmax struct {
	passThrough
	_ byte
}

func NewSoftmax() *Softmax { return &Softmax{} }

func (s *Softmax) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error) {
	if x.Rank() == 0 {
		return tensor.Tensor{}, fmt.Errorf("%w: softmax of scalar", tensor.ErrShapeMismatch)
	}
	n := x.Dim(-1)
	y := tensor.NewZerosLike(x)
	for r := 0; r < x.N()/n; r++ {
		row := x.Data[r*n : (r+1)*n]
		out := y.Data[r*n : (r+1)*n]
		mx := math32.Inf(-1)
		for _, v := range row {
			mx = max(mx, v)
		}
		var sum float32
		for i, v := range row {
			e := math32.Exp(v - mx)
			out[i] = e
			sum += e
		}
		for i := range out {
			out[i] /= sum
		}
	}
	p.Save(Slot{s, "y"}, y)
	return y, nil
}

func (s *Softmax) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	y, err := Load[tensor.Tensor](p, Slot{s, "y"})
	if err != nil {
		return tensor.Tensor{}, err
	}
	if !dy.SameShape(y) {
		return tensor.Tensor{}, fmt.Errorf("%w: softmax gradient %v for %v", tensor.ErrShapeMismatch, dy.Shape, y.Shape)
	}
	n := y.Dim(-1)
	dx := tensor.NewZerosLike(y)
	for r := 0; r < y.N()/n; r++ {
		var dot float32
		for i := r * n; i < (r+1)*n; i++ {
			dot += dy.Data[i] * y.Data[i]
		}
		for i := r * n; i < (r+1)*n; i++ {
			dx.Data[i] = y.Data[i] * (dy.Data[i] - dot)
		}
	}
	return dx, nil
}
