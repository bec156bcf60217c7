package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/vitlrp/tensor"
)

// Conv2d is a 2D convolution over (B, C, H, W).
type Conv2d struct {
	In     int
	Out    int
	Kernel int
	Spec   tensor.ConvSpec
	Weight tensor.Tensor
	// Bias has zero elements when the convolution has no bias. Relevance
	// never routes through it.
	Bias tensor.Tensor
}

func NewConv2d(in, out, kernel, stride, pad, groups int, rng *rand.Rand) *Conv2d {
	return &Conv2d{
		In:     in,
		Out:    out,
		Kernel: kernel,
		Spec:   tensor.ConvSpec{Stride: stride, Pad: pad, Groups: groups},
		Weight: tensor.NewHe(rng, out, in/groups, kernel, kernel),
	}
}

func (c *Conv2d) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{"weight": c.Weight}
	if c.Bias.N() > 0 {
		ps["bias"] = c.Bias
	}
	return ps
}

func (c *Conv2d) forward(x, w tensor.Tensor) (tensor.Tensor, error) {
	return tensor.Conv2d(x, w, c.Spec)
}

func (c *Conv2d) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error) {
	if x.Rank() != 4 || x.Shape[1] != c.In {
		return tensor.Tensor{}, fmt.Errorf("%w: conv over %d channels got %v", tensor.ErrShapeMismatch, c.In, x.Shape)
	}
	p.Save(Slot{c, "x"}, x)
	y, err := c.forward(x, c.Weight)
	if err != nil || c.Bias.N() == 0 {
		return y, err
	}
	area := y.Shape[2] * y.Shape[3]
	for i := range y.Data {
		y.Data[i] += c.Bias.Data[(i/area)%c.Out]
	}
	return y, nil
}

func (c *Conv2d) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	x, err := Load[tensor.Tensor](p, Slot{c, "x"})
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.Conv2dInputGrad(dy, c.Weight, x.Shape, c.Spec)
}

func (c *Conv2d) op(xShape []int) linearOp {
	return linearOp{
		forward: c.forward,
		adjoint: func(s, w tensor.Tensor) (tensor.Tensor, error) {
			return tensor.Conv2dInputGrad(s, w, xShape, c.Spec)
		},
	}
}

// Relevance uses the z^B rule for image-facing convolutions (three input
// channels) and the alpha-beta rule otherwise.
func (c *Conv2d) Relevance(p *Pass, r tensor.Tensor) (tensor.Tensor, error) {
	x, err := Load[tensor.Tensor](p, Slot{c, "x"})
	if err != nil {
		return tensor.Tensor{}, err
	}
	op := c.op(x.Shape)
	if x.Shape[1] == 3 {
		return c.boundedRelevance(op, r, x)
	}
	return op.alphaBeta(p.Rule, r, x, c.Weight)
}

// sampleBounds returns tensors shaped like x holding the per-sample minimum
// and maximum of x.
func sampleBounds(x tensor.Tensor) (lo, hi tensor.Tensor) {
	lo, hi = tensor.NewZerosLike(x), tensor.NewZerosLike(x)
	per := x.N() / x.Shape[0]
	for b := 0; b < x.Shape[0]; b++ {
		sample := tensor.Tensor{Shape: []int{per}, Data: x.Data[b*per : (b+1)*per]}
		mn, mx := sample.Min(), sample.Max()
		for i := b * per; i < (b+1)*per; i++ {
			lo.Data[i] = mn
			hi.Data[i] = mx
		}
	}
	return lo, hi
}

func (c *Conv2d) boundedRelevance(op linearOp, r, x tensor.Tensor) (tensor.Tensor, error) {
	pw, nw := c.Weight.ClampMin(0), c.Weight.ClampMax(0)
	lo, hi := sampleBounds(x)

	za, err := op.forward(x, c.Weight)
	if err != nil {
		return tensor.Tensor{}, err
	}
	zl, err := op.forward(lo, pw)
	if err != nil {
		return tensor.Tensor{}, err
	}
	zh, err := op.forward(hi, nw)
	if err != nil {
		return tensor.Tensor{}, err
	}
	z := za.Map(func(v float32) float32 { return v + tensor.SafeEps })
	if z, err = tensor.Sub(z, zl); err != nil {
		return tensor.Tensor{}, err
	}
	if z, err = tensor.Sub(z, zh); err != nil {
		return tensor.Tensor{}, err
	}
	if !r.SameShape(z) {
		return tensor.Tensor{}, fmt.Errorf("%w: conv relevance %v for output %v", tensor.ErrShapeMismatch, r.Shape, z.Shape)
	}
	s := tensor.NewZerosLike(r)
	for i := range s.Data {
		s.Data[i] = r.Data[i] / z.Data[i]
	}

	terms := []struct {
		in tensor.Tensor
		w  tensor.Tensor
		k  float32
	}{{x, c.Weight, 1}, {lo, pw, -1}, {hi, nw, -1}}
	out := tensor.NewZerosLike(x)
	for _, t := range terms {
		g, err := op.adjoint(s, t.w)
		if err != nil {
			return tensor.Tensor{}, err
		}
		if g, err = tensor.Mul(t.in, g); err != nil {
			return tensor.Tensor{}, err
		}
		if out, err = out.Axpy(t.k, g); err != nil {
			return tensor.Tensor{}, err
		}
	}
	return out, nil
}

// Conv2dBN is a bias-free convolution followed by batch normalization.
type Conv2dBN struct {
	C  *Conv2d
	BN *BatchNorm2d
}

func NewConv2dBN(in, out, kernel, stride, pad, groups int, bnWeightInit float32, rng *rand.Rand) *Conv2dBN {
	return &Conv2dBN{
		C:  NewConv2d(in, out, kernel, stride, pad, groups, rng),
		BN: NewBatchNorm2d(out, bnWeightInit),
	}
}

// Fuse folds the batch norm into a single biased convolution with the same
// forward output.
func (cb *Conv2dBN) Fuse() *Conv2d {
	s := cb.BN.scale()
	w := cb.C.Weight.Clone()
	per := w.N() / cb.C.Out
	bias := tensor.NewZeros(cb.C.Out)
	for o := 0; o < cb.C.Out; o++ {
		for i := o * per; i < (o+1)*per; i++ {
			w.Data[i] *= s[o]
		}
		bias.Data[o] = cb.BN.Bias.Data[o] - cb.BN.RunningMean.Data[o]*s[o]
	}
	return &Conv2d{In: cb.C.In, Out: cb.C.Out, Kernel: cb.C.Kernel, Spec: cb.C.Spec, Weight: w, Bias: bias}
}

func (cb *Conv2dBN) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{}
	CollectParams(ps, "c", cb.C)
	CollectParams(ps, "bn", cb.BN)
	return ps
}

func (cb *Conv2dBN) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error) {
	y, err := cb.C.Forward(p, x)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return cb.BN.Forward(p, y)
}

func (cb *Conv2dBN) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	g, err := cb.BN.Backward(p, dy)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return cb.C.Backward(p, g)
}

func (cb *Conv2dBN) Relevance(p *Pass, r tensor.Tensor) (tensor.Tensor, error) {
	r, err := cb.BN.Relevance(p, r)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return cb.C.Relevance(p, r)
}
