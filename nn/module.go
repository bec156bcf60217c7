// Package nn provides evaluation-mode layers that run a forward pass, the
// input gradient of that pass and its layer-wise relevance propagation.
package nn

import (
	"github.com/sw965/vitlrp/tensor"
)

// Module is a single-input single-output layer. Backward and Relevance must
// be called after Forward on the same Pass.
type Module interface {
	Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error)
	Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error)
	Relevance(p *Pass, r tensor.Tensor) (tensor.Tensor, error)
}

// Parameterized modules expose their parameters by local name. The
// returned tensors share storage with the module.
type Parameterized interface {
	Params() map[string]tensor.Tensor
}

// CollectParams adds the parameters of m under prefix to dst.
func CollectParams(dst map[string]tensor.Tensor, prefix string, m any) {
	pm, ok := m.(Parameterized)
	if !ok {
		return
	}
	for k, v := range pm.Params() {
		dst[prefix+"."+k] = v
	}
}

// passThrough implements the identity relevance rule shared by layers whose
// relevance is not redistributed.
type passThrough struct{}

func (passThrough) Relevance(p *Pass, r tensor.Tensor) (tensor.Tensor, error) {
	return r, nil
}

// Identity, Dropout and DropPath are identities in evaluation mode.
type Identity struct{ passThrough }

func (Identity) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error)   { return x, nil }
func (Identity) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) { return dy, nil }

type Dropout struct {
	passThrough
	P float32
}

func NewDropout(prob float32) *Dropout { return &Dropout{P: prob} }

func (*Dropout) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error)   { return x, nil }
func (*Dropout) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) { return dy, nil }

type DropPath struct {
	passThrough
	Rate float32
}

func NewDropPath(rate float32) *DropPath { return &DropPath{Rate: rate} }

func (*DropPath) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error)   { return x, nil }
func (*DropPath) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) { return dy, nil }

type Sequential []Module

func (s Sequential) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error) {
	var err error
	for _, m := range s {
		x, err = m.Forward(p, x)
		if err != nil {
			return tensor.Tensor{}, err
		}
	}
	return x, nil
}

func (s Sequential) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	var err error
	for i := len(s) - 1; i >= 0; i-- {
		dy, err = s[i].Backward(p, dy)
		if err != nil {
			return tensor.Tensor{}, err
		}
	}
	return dy, nil
}

func (s Sequential) Relevance(p *Pass, r tensor.Tensor) (tensor.Tensor, error) {
	var err error
	for i := len(s) - 1; i >= 0; i-- {
		r, err = s[i].Relevance(p, r)
		if err != nil {
			return tensor.Tensor{}, err
		}
	}
	return r, nil
}

func (s Sequential) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{}
	for i, m := range s {
		CollectParams(ps, itoa(i), m)
	}
	return ps
}
