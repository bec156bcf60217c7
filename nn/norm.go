package nn

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/sw965/vitlrp/tensor"
)

type LayerNorm struct {
	passThrough
	Dim    int
	Eps    float32
	Weight tensor.Tensor
	Bias   tensor.Tensor
}

func NewLayerNorm(dim int) *LayerNorm {
	return &LayerNorm{Dim: dim, Eps: 1e-5, Weight: tensor.NewOnes(dim), Bias: tensor.NewZeros(dim)}
}

func (ln *LayerNorm) Params() map[string]tensor.Tensor {
	return map[string]tensor.Tensor{"weight": ln.Weight, "bias": ln.Bias}
}

type layerNormState struct {
	xhat tensor.Tensor
	rstd []float32
}

func (ln *LayerNorm) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != ln.Dim {
		return tensor.Tensor{}, fmt.Errorf("%w: layer norm over %d got %v", tensor.ErrShapeMismatch, ln.Dim, x.Shape)
	}
	n := ln.Dim
	rows := x.N() / n
	xhat := tensor.NewZerosLike(x)
	y := tensor.NewZerosLike(x)
	rstd := make([]float32, rows)
	for r := 0; r < rows; r++ {
		row := x.Data[r*n : (r+1)*n]
		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(n)
		var variance float32
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(n)
		rs := 1 / math32.Sqrt(variance+ln.Eps)
		rstd[r] = rs
		for i, v := range row {
			h := (v - mean) * rs
			xhat.Data[r*n+i] = h
			y.Data[r*n+i] = h*ln.Weight.Data[i] + ln.Bias.Data[i]
		}
	}
	p.Save(Slot{ln, "state"}, layerNormState{xhat: xhat, rstd: rstd})
	return y, nil
}

func (ln *LayerNorm) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	st, err := Load[layerNormState](p, Slot{ln, "state"})
	if err != nil {
		return tensor.Tensor{}, err
	}
	if !dy.SameShape(st.xhat) {
		return tensor.Tensor{}, fmt.Errorf("%w: layer norm gradient %v for %v", tensor.ErrShapeMismatch, dy.Shape, st.xhat.Shape)
	}
	n := ln.Dim
	fn := float32(n)
	dx := tensor.NewZerosLike(dy)
	for r, rs := range st.rstd {
		var sumG, sumGX float32
		for i := 0; i < n; i++ {
			g := dy.Data[r*n+i] * ln.Weight.Data[i]
			sumG += g
			sumGX += g * st.xhat.Data[r*n+i]
		}
		for i := 0; i < n; i++ {
			g := dy.Data[r*n+i] * ln.Weight.Data[i]
			dx.Data[r*n+i] = rs / fn * (fn*g - sumG - st.xhat.Data[r*n+i]*sumGX)
		}
	}
	return dx, nil
}

// BatchNorm2d normalizes (B, C, H, W) with running statistics.
type BatchNorm2d struct {
	Channels    int
	Eps         float32
	Weight      tensor.Tensor
	Bias        tensor.Tensor
	RunningMean tensor.Tensor
	RunningVar  tensor.Tensor
}

func NewBatchNorm2d(chs int, weightInit float32) *BatchNorm2d {
	return &BatchNorm2d{
		Channels:    chs,
		Eps:         1e-5,
		Weight:      tensor.NewFull(weightInit, chs),
		Bias:        tensor.NewZeros(chs),
		RunningMean: tensor.NewZeros(chs),
		RunningVar:  tensor.NewOnes(chs),
	}
}

func (bn *BatchNorm2d) Params() map[string]tensor.Tensor {
	return map[string]tensor.Tensor{
		"weight":       bn.Weight,
		"bias":         bn.Bias,
		"running_mean": bn.RunningMean,
		"running_var":  bn.RunningVar,
	}
}

// scale returns the per-channel multiplier weight/sqrt(var+eps).
func (bn *BatchNorm2d) scale() []float32 {
	s := make([]float32, bn.Channels)
	for c := range s {
		s[c] = bn.Weight.Data[c] / math32.Sqrt(bn.RunningVar.Data[c]+bn.Eps)
	}
	return s
}

func (bn *BatchNorm2d) check(x tensor.Tensor) error {
	if x.Rank() != 4 || x.Shape[1] != bn.Channels {
		return fmt.Errorf("%w: batch norm over %d channels got %v", tensor.ErrShapeMismatch, bn.Channels, x.Shape)
	}
	return nil
}

// eachChannel calls f(c, off, area) for every (batch, channel) plane.
func eachChannel(shape []int, f func(c, off, area int)) {
	area := shape[2] * shape[3]
	for b := 0; b < shape[0]; b++ {
		for c := 0; c < shape[1]; c++ {
			f(c, (b*shape[1]+c)*area, area)
		}
	}
}

func (bn *BatchNorm2d) Forward(p *Pass, x tensor.Tensor) (tensor.Tensor, error) {
	if err := bn.check(x); err != nil {
		return tensor.Tensor{}, err
	}
	p.Save(Slot{bn, "x"}, x)
	s := bn.scale()
	y := tensor.NewZerosLike(x)
	eachChannel(x.Shape, func(c, off, area int) {
		shift := bn.Bias.Data[c] - bn.RunningMean.Data[c]*s[c]
		for i := off; i < off+area; i++ {
			y.Data[i] = x.Data[i]*s[c] + shift
		}
	})
	return y, nil
}

func (bn *BatchNorm2d) Backward(p *Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	if err := bn.check(dy); err != nil {
		return tensor.Tensor{}, err
	}
	if _, err := Load[tensor.Tensor](p, Slot{bn, "x"}); err != nil {
		return tensor.Tensor{}, err
	}
	s := bn.scale()
	dx := tensor.NewZerosLike(dy)
	eachChannel(dy.Shape, func(c, off, area int) {
		for i := off; i < off+area; i++ {
			dx.Data[i] = dy.Data[i] * s[c]
		}
	})
	return dx, nil
}

// Relevance distributes r in proportion to the scaled input, ignoring the
// shift: R * X*w / (X*w + eps).
func (bn *BatchNorm2d) Relevance(p *Pass, r tensor.Tensor) (tensor.Tensor, error) {
	x, err := Load[tensor.Tensor](p, Slot{bn, "x"})
	if err != nil {
		return tensor.Tensor{}, err
	}
	if !r.SameShape(x) {
		return tensor.Tensor{}, fmt.Errorf("%w: batch norm relevance %v for %v", tensor.ErrShapeMismatch, r.Shape, x.Shape)
	}
	s := bn.scale()
	out := tensor.NewZerosLike(x)
	eachChannel(x.Shape, func(c, off, area int) {
		for i := off; i < off+area; i++ {
			z := x.Data[i] * s[c]
			out.Data[i] = r.Data[i] * z / (z + tensor.SafeEps)
		}
	})
	return out, nil
}
