package nn

import (
	"fmt"

	"github.com/sw965/vitlrp/tensor"
)

// Clone fans one array out into independent copies. Its relevance and
// gradient are the sums over the branches.
type Clone struct{}

func NewClone() *Clone { return &Clone{} }

func (*Clone) Forward(p *Pass, x tensor.Tensor, k int) []tensor.Tensor {
	out := make([]tensor.Tensor, k)
	for i := range out {
		out[i] = x.Clone()
	}
	return out
}

func (*Clone) sum(rs []tensor.Tensor) (tensor.Tensor, error) {
	if len(rs) == 0 {
		return tensor.Tensor{}, fmt.Errorf("%w: clone merge of no branches", tensor.ErrShapeMismatch)
	}
	out := rs[0].Clone()
	for _, r := range rs[1:] {
		var err error
		if out, err = out.Axpy(1, r); err != nil {
			return tensor.Tensor{}, err
		}
	}
	return out, nil
}

func (c *Clone) Backward(p *Pass, gs []tensor.Tensor) (tensor.Tensor, error) {
	return c.sum(gs)
}

func (c *Clone) Relevance(p *Pass, rs []tensor.Tensor) (tensor.Tensor, error) {
	return c.sum(rs)
}

// Add sums two arrays. Both operands receive the full relevance.
type Add struct{}

func NewAdd() *Add { return &Add{} }

func (*Add) Forward(p *Pass, a, b tensor.Tensor) (tensor.Tensor, error) {
	return tensor.Add(a, b)
}

func (*Add) Backward(p *Pass, g tensor.Tensor) (tensor.Tensor, tensor.Tensor) {
	return g, g.Clone()
}

func (*Add) Relevance(p *Pass, r tensor.Tensor) (tensor.Tensor, tensor.Tensor) {
	return r, r.Clone()
}
