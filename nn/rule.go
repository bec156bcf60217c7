package nn

import (
	"fmt"
	"strconv"

	"github.com/sw965/vitlrp/tensor"
)

// Rule parameterizes the alpha-beta relevance rule. Beta is Alpha-1 so that
// relevance is conserved.
type Rule struct {
	Alpha float32
}

func DefaultRule() Rule {
	return Rule{Alpha: 1}
}

func (r Rule) Beta() float32 {
	return r.Alpha - 1
}

func (r Rule) Validate() error {
	if r.Alpha < 1 {
		return fmt.Errorf("nn: alpha %v must be at least 1", r.Alpha)
	}
	return nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

// linearOp is a bias-free linear map in its input together with its
// transpose (the VJP with respect to the input).
type linearOp struct {
	forward func(x, w tensor.Tensor) (tensor.Tensor, error)
	adjoint func(s, w tensor.Tensor) (tensor.Tensor, error)
}

// contribution computes x1*adj(S, w1) + x2*adj(S, w2) with
// S = r / (fwd(x1, w1) + fwd(x2, w2)).
func (op linearOp) contribution(r, x1, x2, w1, w2 tensor.Tensor) (tensor.Tensor, error) {
	z1, err := op.forward(x1, w1)
	if err != nil {
		return tensor.Tensor{}, err
	}
	z2, err := op.forward(x2, w2)
	if err != nil {
		return tensor.Tensor{}, err
	}
	z, err := tensor.Add(z1, z2)
	if err != nil {
		return tensor.Tensor{}, err
	}
	s, err := tensor.SafeDivide(r, z)
	if err != nil {
		return tensor.Tensor{}, err
	}
	c1, err := op.adjoint(s, w1)
	if err != nil {
		return tensor.Tensor{}, err
	}
	c2, err := op.adjoint(s, w2)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if c1, err = tensor.Mul(x1, c1); err != nil {
		return tensor.Tensor{}, err
	}
	if c2, err = tensor.Mul(x2, c2); err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.Add(c1, c2)
}

// alphaBeta splits weights and inputs by sign and returns
// alpha*activator - beta*inhibitor.
func (op linearOp) alphaBeta(rule Rule, r, x, w tensor.Tensor) (tensor.Tensor, error) {
	pw, nw := w.ClampMin(0), w.ClampMax(0)
	px, nx := x.ClampMin(0), x.ClampMax(0)

	act, err := op.contribution(r, px, nx, pw, nw)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if rule.Beta() == 0 {
		return act.Scal(rule.Alpha), nil
	}
	inh, err := op.contribution(r, px, nx, nw, pw)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return act.Scal(rule.Alpha).Axpy(-rule.Beta(), inh)
}

// gradientTimesInput is the relevance rule of parameter-free ops:
// S = r / f(x), R = x * VJP(S).
func gradientTimesInput(r, x, z tensor.Tensor, vjp func(s tensor.Tensor) (tensor.Tensor, error)) (tensor.Tensor, error) {
	s, err := tensor.SafeDivide(r, z)
	if err != nil {
		return tensor.Tensor{}, err
	}
	c, err := vjp(s)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.Mul(x, c)
}
