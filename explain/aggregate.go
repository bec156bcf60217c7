package explain

import (
	"fmt"

	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
	"github.com/sw965/vitlrp/tinyvit"
)

// Aggregate propagates the seed relevance r (shaped like the model output)
// through model and turns the result into an attribution map:
//
//	full                     (B, S, S) pixel map
//	rollout                  (B, N-1) token map of each sample's first window
//	transformer_attribution  (B, N-1) token map of each sample's first window
//
// p must hold the forward pass, and for transformer_attribution grads must
// come from the gradient step of the same generation.
func Aggregate(method Method, model *tinyvit.Model, p *nn.Pass, r tensor.Tensor, grads nn.Gradients, startLayer int) (tensor.Tensor, error) {
	switch method {
	case MethodFull, MethodRollout, MethodTransformerAttribution:
	default:
		return tensor.Tensor{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	rel, err := model.Relevance(p, r, method == MethodFull)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if method == MethodFull {
		return rel.SumAxis(1, false)
	}

	batch := rel.Shape[0]
	blocks := model.Blocks()
	ms := make([]tensor.Tensor, 0, len(blocks))
	for _, blk := range blocks {
		var m tensor.Tensor
		if method == MethodRollout {
			m, err = attentionFlow(p, blk, batch)
		} else {
			m, err = gatedAttentionFlow(p, blk, grads, batch)
		}
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("%s: %w", blk.Attn.Name, err)
		}
		ms = append(ms, m)
	}
	if len(ms) == 0 {
		return tensor.Tensor{}, fmt.Errorf("%w: model has no attention blocks", ErrStartLayer)
	}
	joint, err := Rollout(ms, startLayer)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return firstRow(joint), nil
}

// firstWindows keeps window b·nW of every sample b of t, which is
// (batch·nW, ...) in window-major order, giving (batch, ...).
func firstWindows(t tensor.Tensor, blk *tinyvit.TinyViTBlock, batch int) (tensor.Tensor, error) {
	plan, err := blk.Plan()
	if err != nil {
		return tensor.Tensor{}, err
	}
	nW := plan.Windows()
	if t.Rank() == 0 || t.Shape[0] != batch*nW {
		return tensor.Tensor{}, fmt.Errorf("%w: %v for batch %d of %d windows each", tensor.ErrShapeMismatch, t.Shape, batch, nW)
	}
	if nW == 1 {
		return t, nil
	}
	per := t.N() / t.Shape[0]
	out := tensor.NewZeros(append([]int{batch}, t.Shape[1:]...)...)
	for b := 0; b < batch; b++ {
		copy(out.Data[b*per:(b+1)*per], t.Data[b*nW*per:])
	}
	return out, nil
}

// attentionFlow is the head mean of the clipped attention relevance of the
// first window of each sample, (batch, N, N).
func attentionFlow(p *nn.Pass, blk *tinyvit.TinyViTBlock, batch int) (tensor.Tensor, error) {
	cam, err := blk.Attn.AttentionRelevance(p)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if cam, err = firstWindows(cam, blk, batch); err != nil {
		return tensor.Tensor{}, err
	}
	return cam.ClampMin(0).MeanAxis(1, false)
}

// gatedAttentionFlow multiplies gradient and relevance of the attention
// weights of the first window of each sample, clips and averages over
// heads, (batch, N, N).
func gatedAttentionFlow(p *nn.Pass, blk *tinyvit.TinyViTBlock, grads nn.Gradients, batch int) (tensor.Tensor, error) {
	grad, err := grads.Lookup(p, blk.Attn.Name)
	if err != nil {
		return tensor.Tensor{}, err
	}
	cam, err := blk.Attn.AttentionRelevance(p)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if !grad.SameShape(cam) {
		return tensor.Tensor{}, fmt.Errorf("%w: gradient %v, relevance %v", tensor.ErrShapeMismatch, grad.Shape, cam.Shape)
	}
	if grad, err = firstWindows(grad, blk, batch); err != nil {
		return tensor.Tensor{}, err
	}
	if cam, err = firstWindows(cam, blk, batch); err != nil {
		return tensor.Tensor{}, err
	}
	gated, err := tensor.Mul(grad, cam)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return gated.ClampMin(0).MeanAxis(1, false)
}
