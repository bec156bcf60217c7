package nn

import (
	"github.com/sw965/vitlrp/tensor"
)

// MatMul is the batched product A·B, or A·Bᵀ when TransB is set.
type MatMul struct {
	TransB bool
}

func NewMatMul(transB bool) *MatMul { return &MatMul{TransB: transB} }

type matMulState struct {
	a, b, z tensor.Tensor
}

func (m *MatMul) Forward(p *Pass, a, b tensor.Tensor) (tensor.Tensor, error) {
	z, err := tensor.MatMul(a, b, false, m.TransB)
	if err != nil {
		return tensor.Tensor{}, err
	}
	p.Save(Slot{m, "state"}, matMulState{a: a, b: b, z: z})
	return z, nil
}

func (m *MatMul) vjp(st matMulState, g tensor.Tensor) (ga, gb tensor.Tensor, err error) {
	ga, err = tensor.MatMul(g, st.b, false, !m.TransB)
	if err != nil {
		return
	}
	if m.TransB {
		gb, err = tensor.MatMul(g, st.a, true, false)
	} else {
		gb, err = tensor.MatMul(st.a, g, true, false)
	}
	return
}

func (m *MatMul) Backward(p *Pass, g tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	st, err := Load[matMulState](p, Slot{m, "state"})
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	return m.vjp(st, g)
}

// Relevance applies the gradient times input rule to both operands and
// halves each result.
func (m *MatMul) Relevance(p *Pass, r tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	st, err := Load[matMulState](p, Slot{m, "state"})
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	s, err := tensor.SafeDivide(r, st.z)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	ca, cb, err := m.vjp(st, s)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	ra, err := tensor.Mul(st.a, ca)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	rb, err := tensor.Mul(st.b, cb)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	return ra.Scal(0.5), rb.Scal(0.5), nil
}
