package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/vitlrp/tensor"
)

type Linear struct {
	In     int
	Out    int
	Weight tensor.Tensor
	// Bias has zero elements when the layer has no bias.
	Bias tensor.Tensor
}

// NewLinear initializes weights from a truncated normal with std 0.02 and a
// zero bias.
func NewLinear(in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{In: in, Out: out, Weight: tensor.NewTruncNormal(0.02, rng, out, in)}
	if bias {
		l.Bias = tensor.NewZeros(out)
	}
	return l
}

func (l *Linear) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{"weight": l.Weight}
	if l.Bias.N() > 0 {
		ps["bias"] = l.Bias
	}
	return ps
}

func (l *Linear) rows(x tensor.Tensor, width int) (tensor.Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != width {
		return tensor.Tensor{}, fmt.Errorf("%w: linear %d->%d got %v", tensor.ErrShapeMismatch, l.In, l.Out, x.Shape)
	}
	return x.Reshape(-1, width)
}

func withLast(shape []int, n int) []int {
	out := append([]int(nil), shape...)
	out[len(out)-1] = n
	return out
}

func linearForward(x, w tensor.Tensor) (tensor.Tensor, error) {
	return tensor.MatMul(x, w, false, true)
}

func linearAdjoint(s, w tensor.Tensor) (tensor.Tensor, error) {
	return tensor.MatMul(s, w, false, false)
}

var linearRule = linearOp{forward: linearForward, adjoint: linearAdjoint}

func (l *Linear) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error) {
	x2, err := l.rows(x, l.In)
	if err != nil {
		return tensor.Tensor{}, err
	}
	p.Save(Slot{l, "x"}, x)
	y, err := linearForward(x2, l.Weight)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if l.Bias.N() > 0 {
		if y, err = y.AddLast(l.Bias.Data); err != nil {
			return tensor.Tensor{}, err
		}
	}
	return y.Reshape(withLast(x.Shape, l.Out)...)
}

func (l *Linear) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	x, err := Load[tensor.Tensor](p, Slot{l, "x"})
	if err != nil {
		return tensor.Tensor{}, err
	}
	dy2, err := l.rows(dy, l.Out)
	if err != nil {
		return tensor.Tensor{}, err
	}
	dx, err := linearAdjoint(dy2, l.Weight)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return dx.Reshape(x.Shape...)
}

func (l *Linear) Relevance(p *Pass, r tensor.Tensor) (tensor.Tensor, error) {
	x, err := Load[tensor.Tensor](p, Slot{l, "x"})
	if err != nil {
		return tensor.Tensor{}, err
	}
	x2, err := l.rows(x, l.In)
	if err != nil {
		return tensor.Tensor{}, err
	}
	r2, err := l.rows(r, l.Out)
	if err != nil {
		return tensor.Tensor{}, err
	}
	rx, err := linearRule.alphaBeta(p.Rule, r2, x2, l.Weight)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return rx.Reshape(x.Shape...)
}
